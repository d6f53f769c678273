package scheduler

import (
	"context"
	"log/slog"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"futarchyd/core/futarchyamm"
	"futarchyd/core/futarchyvault"
	"futarchyd/crypto"
	"futarchyd/native/futarchy"
)

type fakeStore struct {
	proposals map[int64]map[int64]*futarchy.Proposal
	saves     int32
}

func (s *fakeStore) LoadModerator(ctx context.Context, moderatorID int64) (futarchy.ModeratorRecord, error) {
	return futarchy.ModeratorRecord{ID: moderatorID}, nil
}
func (s *fakeStore) SaveModeratorCounter(ctx context.Context, moderatorID int64, counter int64) error {
	return nil
}
func (s *fakeStore) SaveProposal(ctx context.Context, moderatorID int64, p *futarchy.Proposal) error {
	atomic.AddInt32(&s.saves, 1)
	s.proposals[moderatorID][p.ID] = p
	return nil
}
func (s *fakeStore) LoadProposal(ctx context.Context, moderatorID, proposalID int64) (*futarchy.Proposal, error) {
	return s.proposals[moderatorID][proposalID], nil
}
func (s *fakeStore) SaveWithdrawalRecord(ctx context.Context, rec futarchy.WithdrawalRecord) error {
	return nil
}
func (s *fakeStore) ListPendingProposals(ctx context.Context, moderatorID int64) ([]*futarchy.Proposal, error) {
	return nil, nil
}
func (s *fakeStore) MarkWithdrawalDepositedBack(ctx context.Context, moderatorID, proposalID int64, signature string, depositedAt int64) error {
	return nil
}

type fakeHistory struct {
	prices int32
	twaps  int32
}

func (h *fakeHistory) RecordPrice(ctx context.Context, moderatorID, proposalID int64, market int, price futarchy.DecimalLike) error {
	atomic.AddInt32(&h.prices, 1)
	return nil
}
func (h *fakeHistory) RecordTwap(ctx context.Context, moderatorID, proposalID int64, twaps, aggregations []futarchy.DecimalLike) error {
	atomic.AddInt32(&h.twaps, 1)
	return nil
}

type fakeRouter struct {
	mod *futarchy.Moderator
}

func (r *fakeRouter) ResolveModerator(moderatorID int64) (*futarchy.Moderator, bool) {
	return r.mod, r.mod != nil
}

func buildTestProposal(t *testing.T) *futarchy.Proposal {
	t.Helper()
	labels := []string{"yes", "no"}
	spot := "pool-1"
	p, err := futarchy.NewProposal(futarchy.NewProposalParams{
		ID:               1,
		ModeratorID:      1,
		Labels:           labels,
		CreatedAt:        0,
		ProposalLengthMs: 10,
		TwapConfig: futarchy.TwapConfig{
			InitialTwapValue:    futarchy.MustDecimal("0.5"),
			MinUpdateIntervalMs: 1,
		},
		Sources: []futarchy.PriceSource{
			futarchyamm.NewConstantProductSource("yes-mint"),
			futarchyamm.NewConstantProductSource("no-mint"),
		},
		BaseVault:       futarchyvault.NewSplitMergeVault(labels),
		QuoteVault:      futarchyvault.NewSplitMergeVault(labels),
		SpotPoolAddress: &spot,
		TotalSupply:     big.NewInt(1000),
	})
	require.NoError(t, err)
	require.NoError(t, p.Initialize(context.Background(), big.NewInt(1000), big.NewInt(1000)))
	return p
}

func TestSchedulerDuplicateScheduleIsNoOp(t *testing.T) {
	s := New(&fakeRouter{}, nil, slog.Default(), func() int64 { return 0 })
	task := futarchy.ScheduledTask{Kind: futarchy.TaskPriceRecord, ModeratorID: 1, ProposalID: 1, IntervalMs: 1000, FireAt: 1_000_000}
	require.NoError(t, s.Schedule(task))
	require.NoError(t, s.Schedule(task))
	require.Len(t, s.tasks, 1)
}

func TestSchedulerCancelProposalTasksStopsAllKinds(t *testing.T) {
	s := New(&fakeRouter{}, nil, slog.Default(), func() int64 { return 0 })
	for _, kind := range []futarchy.ScheduledTaskKind{futarchy.TaskTwapCrank, futarchy.TaskPriceRecord, futarchy.TaskSpotPriceRecord, futarchy.TaskFinalize} {
		require.NoError(t, s.Schedule(futarchy.ScheduledTask{Kind: kind, ModeratorID: 1, ProposalID: 1, FireAt: 1_000_000}))
	}
	require.NoError(t, s.CancelProposalTasks(1, 1))
	require.Empty(t, s.tasks)
}

func TestSchedulerCancelsPeriodicTasksPastFinalizedAt(t *testing.T) {
	proposal := buildTestProposal(t)
	store := &fakeStore{proposals: map[int64]map[int64]*futarchy.Proposal{1: {1: proposal}}}
	mod := futarchy.NewModerator(futarchy.ModeratorRecord{ID: 1}, store, &fakeHistory{}, nil, nil)

	var now atomic.Int64
	now.Store(proposal.FinalizedAt + 1)
	s := New(&fakeRouter{mod: mod}, nil, slog.Default(), func() int64 { return now.Load() })
	require.NoError(t, s.Schedule(futarchy.ScheduledTask{Kind: futarchy.TaskPriceRecord, ModeratorID: 1, ProposalID: 1, IntervalMs: 10, FireAt: 0}))

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.tasks) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestSchedulerFiresPriceRecordTask(t *testing.T) {
	proposal := buildTestProposal(t)
	store := &fakeStore{proposals: map[int64]map[int64]*futarchy.Proposal{1: {1: proposal}}}
	history := &fakeHistory{}
	key, err := crypto.GenerateSigningKey()
	require.NoError(t, err)
	mod := futarchy.NewModerator(futarchy.ModeratorRecord{
		ID:              1,
		PoolAuthorities: map[string]futarchy.SigningKeyRef{"pool-1": {Ticker: "TEST"}},
	}, store, history, nil, nil)
	_ = key

	var now atomic.Int64
	s := New(&fakeRouter{mod: mod}, nil, slog.Default(), func() int64 { return now.Load() })
	require.NoError(t, s.Schedule(futarchy.ScheduledTask{Kind: futarchy.TaskPriceRecord, ModeratorID: 1, ProposalID: 1, IntervalMs: 50, FireAt: 0}))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&history.prices) >= 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.CancelProposalTasks(1, 1))
}
