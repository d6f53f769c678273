package router

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"futarchyd/core/futarchyamm"
	"futarchyd/core/futarchyvault"
	"futarchyd/native/futarchy"
)

type fakeStore struct {
	moderators []futarchy.ModeratorRecord
	pending    map[int64][]*futarchy.Proposal
}

func (s *fakeStore) LoadModerator(ctx context.Context, moderatorID int64) (futarchy.ModeratorRecord, error) {
	for _, m := range s.moderators {
		if m.ID == moderatorID {
			return m, nil
		}
	}
	return futarchy.ModeratorRecord{}, futarchy.NewError(futarchy.ErrKindPersistence, "not found")
}
func (s *fakeStore) SaveModeratorCounter(ctx context.Context, moderatorID int64, counter int64) error {
	return nil
}
func (s *fakeStore) SaveProposal(ctx context.Context, moderatorID int64, p *futarchy.Proposal) error {
	return nil
}
func (s *fakeStore) LoadProposal(ctx context.Context, moderatorID, proposalID int64) (*futarchy.Proposal, error) {
	for _, p := range s.pending[moderatorID] {
		if p.ID == proposalID {
			return p, nil
		}
	}
	return nil, futarchy.NewError(futarchy.ErrKindPersistence, "not found")
}
func (s *fakeStore) SaveWithdrawalRecord(ctx context.Context, rec futarchy.WithdrawalRecord) error {
	return nil
}
func (s *fakeStore) ListPendingProposals(ctx context.Context, moderatorID int64) ([]*futarchy.Proposal, error) {
	return s.pending[moderatorID], nil
}
func (s *fakeStore) MarkWithdrawalDepositedBack(ctx context.Context, moderatorID, proposalID int64, signature string, depositedAt int64) error {
	return nil
}
func (s *fakeStore) ListModerators(ctx context.Context) ([]futarchy.ModeratorRecord, error) {
	return s.moderators, nil
}
func (s *fakeStore) ListAllPendingProposals(ctx context.Context) (map[int64][]*futarchy.Proposal, error) {
	return s.pending, nil
}

type fakeHistory struct{}

func (fakeHistory) RecordPrice(ctx context.Context, moderatorID, proposalID int64, market int, price futarchy.DecimalLike) error {
	return nil
}
func (fakeHistory) RecordTwap(ctx context.Context, moderatorID, proposalID int64, twaps, aggregations []futarchy.DecimalLike) error {
	return nil
}

type fakeScheduler struct {
	scheduled []futarchy.ScheduledTask
}

func (s *fakeScheduler) Schedule(task futarchy.ScheduledTask) error {
	s.scheduled = append(s.scheduled, task)
	return nil
}
func (s *fakeScheduler) CancelProposalTasks(moderatorID, proposalID int64) error { return nil }

func buildPendingProposal(t *testing.T, id int64, finalizedAt int64) *futarchy.Proposal {
	t.Helper()
	labels := []string{"yes", "no"}
	spot := "pool-1"
	p, err := futarchy.NewProposal(futarchy.NewProposalParams{
		ID:               id,
		ModeratorID:      1,
		Labels:           labels,
		CreatedAt:        0,
		ProposalLengthMs: finalizedAt,
		TwapConfig: futarchy.TwapConfig{
			InitialTwapValue:    futarchy.MustDecimal("0.5"),
			MinUpdateIntervalMs: 1000,
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

func TestRouterLoadModeratorsRegistersEachRecord(t *testing.T) {
	store := &fakeStore{moderators: []futarchy.ModeratorRecord{{ID: 1}, {ID: 2}}}
	r := New(store, fakeHistory{}, &fakeScheduler{}, nil, nil)
	require.NoError(t, r.LoadModerators(context.Background()))

	_, ok := r.ResolveModerator(1)
	require.True(t, ok)
	_, ok = r.ResolveModerator(2)
	require.True(t, ok)
	_, ok = r.ResolveModerator(3)
	require.False(t, ok)
}

func TestRouterRecoverReschedulesNonOverdueProposal(t *testing.T) {
	proposal := buildPendingProposal(t, 1, 10000)
	store := &fakeStore{
		moderators: []futarchy.ModeratorRecord{{ID: 1, PoolAuthorities: map[string]futarchy.SigningKeyRef{"pool-1": {Ticker: "TEST"}}}},
		pending:    map[int64][]*futarchy.Proposal{1: {proposal}},
	}
	sched := &fakeScheduler{}
	r := New(store, fakeHistory{}, sched, nil, nil)
	require.NoError(t, r.LoadModerators(context.Background()))
	require.NoError(t, r.RecoverPendingProposals(context.Background(), 500, nil))

	require.Len(t, sched.scheduled, 4)
}

func TestRouterRecoverFinalizesOverdueProposal(t *testing.T) {
	proposal := buildPendingProposal(t, 1, 10000)
	store := &fakeStore{
		moderators: []futarchy.ModeratorRecord{{ID: 1, PoolAuthorities: map[string]futarchy.SigningKeyRef{"pool-1": {Ticker: "TEST"}}}},
		pending:    map[int64][]*futarchy.Proposal{1: {proposal}},
	}
	sched := &fakeScheduler{}
	r := New(store, fakeHistory{}, sched, nil, nil)
	require.NoError(t, r.LoadModerators(context.Background()))
	require.NoError(t, r.RecoverPendingProposals(context.Background(), proposal.FinalizedAt+1, nil))

	require.Empty(t, sched.scheduled)
	require.Equal(t, futarchy.StatusFinalized, proposal.Status)
}
