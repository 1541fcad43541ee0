package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"donation-service/internal/domain"
	"donation-service/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func completedSignal(ref string, source domain.SignalSource) domain.TerminalSignal {
	return domain.TerminalSignal{Reference: ref, Status: domain.StatusCompleted, Source: source}
}

func TestRecordInitiatedDuplicateReference(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	require.NoError(t, env.engine.RecordInitiated(ctx, pendingDonation("u1", "pi_1", domain.RailCard)))

	err := env.engine.RecordInitiated(ctx, pendingDonation("u2", "pi_1", domain.RailCard))
	require.ErrorIs(t, err, domain.ErrDuplicateReference)
	assert.False(t, domain.IsRetryable(err))

	list, total, err := env.donations.ListByOwner(ctx, "u1", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, list, 1)
}

func TestRecordInitiatedRequiresPending(t *testing.T) {
	env := newTestEnv(t, nil)
	d := pendingDonation("u1", "pi_1", domain.RailCard)
	d.Status = domain.StatusCompleted

	err := env.engine.RecordInitiated(context.Background(), d)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestRecordInitiatedLedgerFailureIsRetryable(t *testing.T) {
	env := newTestEnv(t, &FailingRepository{DonationRepository: repository.NewMemoryDonationRepository(), FailCreate: true})

	err := env.engine.RecordInitiated(context.Background(), pendingDonation("u1", "pi_1", domain.RailCard))
	require.ErrorIs(t, err, domain.ErrLedgerUnavailable)
	assert.True(t, domain.IsRetryable(err))
}

func TestRecordAssertedManualOnly(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	err := env.engine.RecordAsserted(ctx, pendingDonation("u1", "pi_1", domain.RailCard))
	assert.ErrorIs(t, err, domain.ErrValidation)

	manual := pendingDonation("u1", "manual_1", domain.RailManualTransfer)
	require.NoError(t, env.engine.RecordAsserted(ctx, manual))

	stored, err := env.donations.GetByReference(ctx, "manual_1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)

	published := env.publisher.Published()
	require.Len(t, published, 1)
	assert.False(t, published[0].Verified)
	assert.Equal(t, domain.SourceManual, published[0].Source)
}

func TestApplyTerminalIdempotent(t *testing.T) {
	clock := &testClock{now: testNow}
	env := newTestEnv(t, repository.NewMemoryDonationRepository(repository.WithClock(clock.Now)))
	ctx := context.Background()
	require.NoError(t, env.engine.RecordInitiated(ctx, pendingDonation("u1", "pi_1", domain.RailCard)))

	clock.Advance(time.Minute)
	first, err := env.engine.ApplyTerminal(ctx, completedSignal("pi_1", domain.SourceConfirm))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, first.Outcome)
	assert.Equal(t, domain.StatusCompleted, first.Donation.Status)

	clock.Advance(time.Minute)
	second, err := env.engine.ApplyTerminal(ctx, completedSignal("pi_1", domain.SourceCallback))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Equal(t, first.Donation.UpdatedAt, second.Donation.UpdatedAt)

	assert.Len(t, env.publisher.Published(), 1, "only the applied transition is published")
}

func TestApplyTerminalFirstTerminalWins(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, env.engine.RecordInitiated(ctx, pendingDonation("u1", "ws_CO_1", domain.RailMobilePush)))

	_, err := env.engine.ApplyTerminal(ctx, completedSignal("ws_CO_1", domain.SourceCallback))
	require.NoError(t, err)

	res, err := env.engine.ApplyTerminal(ctx, domain.TerminalSignal{
		Reference: "ws_CO_1",
		Status:    domain.StatusFailed,
		Source:    domain.SourcePoll,
		Metadata:  map[string]interface{}{"result_code": "1032"},
	})
	require.NoError(t, err, "a conflicting signal is not an error for the caller")
	assert.Equal(t, OutcomeConflict, res.Outcome)
	assert.Equal(t, domain.StatusCompleted, res.Donation.Status)

	stored, err := env.donations.GetByReference(ctx, "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
	assert.NotContains(t, stored.ProviderMetadata, "result_code")
}

func TestApplyTerminalUnknownReference(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.engine.ApplyTerminal(context.Background(), completedSignal("nope", domain.SourceCallback))
	assert.ErrorIs(t, err, domain.ErrUnknownReference)
}

func TestApplyTerminalRejectsNonTerminalStatus(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.engine.ApplyTerminal(context.Background(), domain.TerminalSignal{Reference: "x", Status: domain.StatusRefunded})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = env.engine.ApplyTerminal(context.Background(), domain.TerminalSignal{Status: domain.StatusCompleted})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = env.engine.ApplyTerminal(context.Background(), domain.TerminalSignal{Reference: "x", Status: "settled"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestTransitionChecksLifecycleBeforeLedger(t *testing.T) {
	// a ledger that fails every write shows whether the edge check ran first
	env := newTestEnv(t, &FailingRepository{DonationRepository: repository.NewMemoryDonationRepository(), FailTransition: true})
	ctx := context.Background()

	tests := []struct {
		from, to domain.DonationStatus
	}{
		{domain.StatusFailed, domain.StatusCompleted},
		{domain.StatusRefunded, domain.StatusCompleted},
		{domain.StatusPending, domain.StatusRefunded},
		{domain.StatusCompleted, domain.StatusPending},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			_, applied, err := env.engine.transition(ctx, "pi_1", tt.from, tt.to, nil, "")
			assert.False(t, applied)
			assert.ErrorIs(t, err, domain.ErrInvalidTransition)
		})
	}

	_, _, err := env.engine.transition(ctx, "pi_1", domain.StatusCompleted, domain.StatusRefunded, nil, "")
	assert.ErrorIs(t, err, ErrMockLedger)
}

func TestApplyTerminalLedgerFailure(t *testing.T) {
	env := newTestEnv(t, &FailingRepository{DonationRepository: repository.NewMemoryDonationRepository(), FailTransition: true})

	_, err := env.engine.ApplyTerminal(context.Background(), completedSignal("pi_1", domain.SourceConfirm))
	assert.ErrorIs(t, err, domain.ErrLedgerUnavailable)
}

func TestApplyTerminalConcurrentSourcesConverge(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, env.engine.RecordInitiated(ctx, pendingDonation("u1", "pi_1", domain.RailCard)))

	sources := []domain.SignalSource{domain.SourceConfirm, domain.SourceCallback, domain.SourcePoll}
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(src domain.SignalSource) {
			defer wg.Done()
			_, err := env.engine.ApplyTerminal(ctx, completedSignal("pi_1", src))
			assert.NoError(t, err)
		}(sources[i%len(sources)])
	}
	wg.Wait()

	assert.Len(t, env.publisher.Published(), 1)
	stored, err := env.donations.GetByReference(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
}

func TestQueryStatusServesTerminalFromCache(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, env.engine.RecordInitiated(ctx, pendingDonation("u1", "pi_1", domain.RailCard)))

	d, err := env.engine.QueryStatus(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, d.Status)
	_, cached := env.cache.Get(ctx, "pi_1")
	assert.False(t, cached, "pending records are not cached")

	_, err = env.engine.ApplyTerminal(ctx, completedSignal("pi_1", domain.SourceConfirm))
	require.NoError(t, err)
	_, cached = env.cache.Get(ctx, "pi_1")
	assert.True(t, cached)

	_, err = env.engine.QueryStatus(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrUnknownReference)
}

func TestRefund(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, env.engine.RecordInitiated(ctx, pendingDonation("u1", "pi_1", domain.RailCard)))
	require.NoError(t, env.engine.RecordInitiated(ctx, pendingDonation("u1", "pi_2", domain.RailCard)))

	_, err := env.engine.Refund(ctx, "pi_2", "chargeback", "admin-1")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "pending donations cannot be refunded")

	_, err = env.engine.ApplyTerminal(ctx, completedSignal("pi_1", domain.SourceConfirm))
	require.NoError(t, err)

	d, err := env.engine.Refund(ctx, "pi_1", "chargeback", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefunded, d.Status)
	assert.Equal(t, "chargeback", d.ProviderMetadata["refund_reason"])
	assert.Equal(t, "admin-1", d.ProviderMetadata["refunded_by"])

	again, err := env.engine.Refund(ctx, "pi_1", "again", "admin-2")
	require.NoError(t, err)
	assert.Equal(t, "chargeback", again.ProviderMetadata["refund_reason"])

	res, err := env.engine.ApplyTerminal(ctx, completedSignal("pi_1", domain.SourceCallback))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome, "a late success does not undo a refund")
	assert.Equal(t, domain.StatusRefunded, res.Donation.Status)

	_, err = env.engine.Refund(ctx, "missing", "x", "admin-1")
	assert.ErrorIs(t, err, domain.ErrUnknownReference)
}

func TestExpireStalePending(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.engine.now = func() time.Time { return testNow.Add(48 * time.Hour) }

	old := pendingDonation("u1", "ws_old", domain.RailMobilePush)
	require.NoError(t, env.engine.RecordInitiated(ctx, old))

	done := pendingDonation("u1", "ws_done", domain.RailMobilePush)
	require.NoError(t, env.engine.RecordInitiated(ctx, done))
	_, err := env.engine.ApplyTerminal(ctx, completedSignal("ws_done", domain.SourceCallback))
	require.NoError(t, err)

	fresh := pendingDonation("u1", "ws_fresh", domain.RailMobilePush)
	fresh.CreatedAt = testNow.Add(47 * time.Hour)
	require.NoError(t, env.engine.RecordInitiated(ctx, fresh))

	res, err := env.engine.ExpireStalePending(ctx, 24*time.Hour, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Examined)
	assert.Equal(t, []string{"ws_old"}, res.Expired)

	stored, err := env.donations.GetByReference(ctx, "ws_old")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Equal(t, FailureReasonTimeout, stored.ProviderMetadata["failure_reason"])

	stillPending, err := env.donations.GetByReference(ctx, "ws_fresh")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stillPending.Status)

	_, err = env.engine.ExpireStalePending(ctx, 0, 0)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
