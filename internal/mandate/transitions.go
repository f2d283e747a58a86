package mandate

import (
	"fmt"
	"sort"

	"incasso.org/internal/domain"
)

var allowedTransitions = map[domain.MandateStatus]map[domain.MandateStatus]struct{}{
	domain.MandateDraft: {
		domain.MandateActive:  {},
		domain.MandateRevoked: {},
	},
	domain.MandateActive: {
		domain.MandateSuspended: {},
		domain.MandateRevoked:   {},
		domain.MandateExpired:   {},
	},
	domain.MandateSuspended: {
		domain.MandateActive:  {},
		domain.MandateRevoked: {},
		domain.MandateExpired: {},
	},
	// Revoked and Expired are terminal.
}

// CanTransition reports whether a mandate may move from one status to another.
func CanTransition(from, to domain.MandateStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

func checkTransition(from, to domain.MandateStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: mandate %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	return nil
}

func sortBySignature(ms []domain.Mandate) {
	sort.SliceStable(ms, func(i, j int) bool {
		if !ms[i].SignatureDate.Equal(ms[j].SignatureDate) {
			return ms[i].SignatureDate.After(ms[j].SignatureDate)
		}
		return ms[i].ID > ms[j].ID
	})
}
