package auth

import "errors"

var (
	// ErrInvalidToken indicates the token failed validation.
	ErrInvalidToken  = errors.New("invalid token")
	ErrMissingSecret = errors.New("auth: token secret is not configured")
	ErrForbidden     = errors.New("auth: forbidden")
)
