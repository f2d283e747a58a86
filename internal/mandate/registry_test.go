package mandate_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"incasso.org/internal/domain"
	"incasso.org/internal/mandate"
	"incasso.org/internal/store/memory"
)

func active(id, payer, bank string, signed time.Time) domain.Mandate {
	return domain.Mandate{
		ID:             id,
		PayerID:        payer,
		BankIdentifier: bank,
		Status:         domain.MandateActive,
		CreatedDate:    signed,
		SignatureDate:  signed,
	}
}

func TestRegisterEnforcesOneActivePerBankIdentifier(t *testing.T) {
	ctx := context.Background()
	reg := mandate.NewRegistry(memory.New())

	_, err := reg.Register(ctx, active("m1", "p1", "NL01", domain.Date(2023, time.May, 1)))
	require.NoError(t, err)

	_, err = reg.Register(ctx, active("m2", "p1", "NL01", domain.Date(2023, time.June, 1)))
	assert.True(t, errors.Is(err, domain.ErrDuplicateActiveMandate))

	_, err = reg.Register(ctx, active("m3", "p1", "NL02", domain.Date(2023, time.June, 1)))
	require.NoError(t, err)

	_, err = reg.Register(ctx, active("m4", "p1", "  ", domain.Date(2023, time.June, 1)))
	assert.True(t, errors.Is(err, domain.ErrInvalidMandate))

	_, err = reg.Register(ctx, domain.Mandate{PayerID: "p1", BankIdentifier: "NL03", Status: domain.MandateRevoked})
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

	list, err := reg.ActiveForPayer(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "m3", list[0].ID, "most recently signed first")
}

func TestRevokeIsIdempotentAndTerminal(t *testing.T) {
	ctx := context.Background()
	reg := mandate.NewRegistry(memory.New())
	_, err := reg.Register(ctx, active("m1", "p1", "NL01", domain.Date(2024, time.January, 1)))
	require.NoError(t, err)

	m, err := reg.Revoke(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.MandateRevoked, m.Status)

	m, err = reg.Revoke(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.MandateRevoked, m.Status)

	_, err = reg.Activate(ctx, "m1")
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

	_, err = reg.Revoke(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	_, err = reg.RecordUsage(ctx, "m1", "inv-1", "bat-1", domain.Date(2024, time.February, 1))
	assert.True(t, errors.Is(err, domain.ErrMandateNotActive))
}

func TestSuspendAndReactivate(t *testing.T) {
	ctx := context.Background()
	reg := mandate.NewRegistry(memory.New())
	_, err := reg.Register(ctx, active("m1", "p1", "NL01", domain.Date(2024, time.January, 1)))
	require.NoError(t, err)

	m, err := reg.Suspend(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.MandateSuspended, m.Status)

	m, err = reg.Activate(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.MandateActive, m.Status)

	m, err = reg.Expire(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.MandateExpired, m.Status)
	_, err = reg.Revoke(ctx, "m1")
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
}

func TestReplacePolicies(t *testing.T) {
	cases := []struct {
		policy    mandate.Policy
		wantFirst domain.SequenceType
	}{
		{mandate.PolicyRestart, domain.FirstUse},
		{mandate.PolicyContinue, domain.RecurringUse},
	}
	for _, tc := range cases {
		t.Run(string(tc.policy), func(t *testing.T) {
			ctx := context.Background()
			reg := mandate.NewRegistry(memory.New(), mandate.WithPolicy(tc.policy))
			_, err := reg.Register(ctx, active("old", "p1", "NL01", domain.Date(2023, time.January, 1)))
			require.NoError(t, err)
			rec, err := reg.RecordUsage(ctx, "old", "inv-1", "bat-1", domain.Date(2023, time.February, 1))
			require.NoError(t, err)
			require.Equal(t, domain.FirstUse, rec.SequenceType)

			next, err := reg.Replace(ctx, "old", domain.Mandate{ID: "new", PayerID: "p1", BankIdentifier: "NL02"})
			require.NoError(t, err)
			assert.Equal(t, "old", next.ReplacesMandateID)
			assert.Equal(t, domain.MandateActive, next.Status)

			prev, err := reg.Get(ctx, "old")
			require.NoError(t, err)
			assert.Equal(t, domain.MandateRevoked, prev.Status)

			rec, err = reg.RecordUsage(ctx, "new", "inv-2", "bat-2", domain.Date(2023, time.March, 1))
			require.NoError(t, err)
			assert.Equal(t, tc.wantFirst, rec.SequenceType)
		})
	}
}

func TestReplaceUnusedMandateUnderContinueStillStartsFirst(t *testing.T) {
	ctx := context.Background()
	reg := mandate.NewRegistry(memory.New(), mandate.WithPolicy(mandate.PolicyContinue))
	_, err := reg.Register(ctx, active("old", "p1", "NL01", domain.Date(2023, time.January, 1)))
	require.NoError(t, err)
	_, err = reg.Replace(ctx, "old", domain.Mandate{ID: "new", PayerID: "p1", BankIdentifier: "NL02"})
	require.NoError(t, err)
	used, err := reg.HasPriorUsage(ctx, "new")
	require.NoError(t, err)
	assert.False(t, used)
}

func TestReplaceRejectsOtherPayer(t *testing.T) {
	ctx := context.Background()
	reg := mandate.NewRegistry(memory.New())
	_, err := reg.Register(ctx, active("old", "p1", "NL01", domain.Date(2023, time.January, 1)))
	require.NoError(t, err)
	_, err = reg.Replace(ctx, "old", domain.Mandate{ID: "new", PayerID: "p2", BankIdentifier: "NL02"})
	assert.True(t, errors.Is(err, domain.ErrInvalidMandate))
	prev, _ := reg.Get(ctx, "old")
	assert.Equal(t, domain.MandateActive, prev.Status, "failed replace leaves predecessor untouched")
}

func TestParsePolicy(t *testing.T) {
	p, err := mandate.ParsePolicy("Continue")
	require.NoError(t, err)
	assert.Equal(t, mandate.PolicyContinue, p)
	p, err = mandate.ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, mandate.PolicyRestart, p)
	_, err = mandate.ParsePolicy("grace")
	assert.True(t, errors.Is(err, domain.ErrConfiguration))
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, mandate.CanTransition(domain.MandateDraft, domain.MandateActive))
	assert.False(t, mandate.CanTransition(domain.MandateRevoked, domain.MandateActive))
	assert.False(t, mandate.CanTransition(domain.MandateExpired, domain.MandateSuspended))
}
