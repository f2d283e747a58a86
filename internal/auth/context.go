package auth

import (
	"context"
	"slices"
	"strings"
)

// Operator is the authenticated caller of the operator API.
type Operator struct {
	ID    string
	Roles []string
}

// Can reports whether the operator holds any of roles.
func (o Operator) Can(roles ...string) bool {
	for _, role := range roles {
		if slices.Contains(o.Roles, strings.ToLower(strings.TrimSpace(role))) {
			return true
		}
	}
	return false
}

type operatorKey struct{}

// WithOperator stores op in ctx. Roles are normalized; an operator without an
// ID is not stored.
func WithOperator(ctx context.Context, op Operator) context.Context {
	op.ID = strings.TrimSpace(op.ID)
	if op.ID == "" {
		return ctx
	}
	op.Roles = dedupeRoles(op.Roles)
	return context.WithValue(ctx, operatorKey{}, op)
}

// OperatorFrom returns the operator stored in ctx.
func OperatorFrom(ctx context.Context) (Operator, bool) {
	if ctx == nil {
		return Operator{}, false
	}
	op, ok := ctx.Value(operatorKey{}).(Operator)
	if !ok {
		return Operator{}, false
	}
	op.Roles = slices.Clone(op.Roles)
	return op, true
}
