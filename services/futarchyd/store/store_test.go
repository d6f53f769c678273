package store_test

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"futarchyd/core/futarchyamm"
	"futarchyd/core/futarchyvault"
	"futarchyd/native/futarchy"
	"futarchyd/services/futarchyd/store"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(db))
	return db
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db := setupTestDB(t)
	return store.New(db, "http://localhost:8899", futarchyamm.Factories(), futarchyamm.KindOf, futarchyvault.SplitMergeVaultFactory{}, futarchyvault.KindOf)
}

func testProposal(t *testing.T, id int64) *futarchy.Proposal {
	t.Helper()
	labels := []string{"yes", "no"}
	sources := []futarchy.PriceSource{
		futarchyamm.NewConstantProductSource("yes-mint"),
		futarchyamm.NewConstantProductSource("no-mint"),
	}
	spotPool := "pool-1"
	p, err := futarchy.NewProposal(futarchy.NewProposalParams{
		ID:               id,
		ModeratorID:      1,
		Title:            "Ship v2",
		Description:      "Should we ship v2 this quarter?",
		Labels:           labels,
		CreatedAt:        1000,
		ProposalLengthMs: 10000,
		TwapConfig: futarchy.TwapConfig{
			InitialTwapValue:    futarchy.MustDecimal("0.5"),
			MinUpdateIntervalMs: 1000,
		},
		Sources:         sources,
		BaseVault:       futarchyvault.NewSplitMergeVault(labels),
		QuoteVault:      futarchyvault.NewSplitMergeVault(labels),
		SpotPoolAddress: &spotPool,
		TotalSupply:     big.NewInt(1_000_000),
	})
	require.NoError(t, err)
	require.NoError(t, p.Initialize(context.Background(), big.NewInt(1000), big.NewInt(1000)))
	return p
}

func TestStoreSaveAndLoadProposalRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := testProposal(t, 1)
	require.NoError(t, s.SaveProposal(ctx, 1, p))

	reloaded, err := s.LoadProposal(ctx, 1, 1)
	require.NoError(t, err)
	require.Equal(t, p.Title, reloaded.Title)
	require.Equal(t, p.Description, reloaded.Description)
	require.Equal(t, p.Markets, reloaded.Markets)
	require.Equal(t, p.Labels, reloaded.Labels)
	require.Equal(t, p.Status, reloaded.Status)
	require.Len(t, reloaded.Sources, 2)
	require.NotNil(t, reloaded.Oracle)

	price, err := reloaded.Sources[0].FetchPrice(ctx)
	require.NoError(t, err)
	require.NotNil(t, price)
}

func TestStoreListPendingProposals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p1 := testProposal(t, 1)
	p2 := testProposal(t, 2)
	require.NoError(t, s.SaveProposal(ctx, 1, p1))
	require.NoError(t, s.SaveProposal(ctx, 1, p2))

	pending, err := s.ListPendingProposals(ctx, 1)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	byModerator, err := s.ListAllPendingProposals(ctx)
	require.NoError(t, err)
	require.Len(t, byModerator[1], 2)
}

func TestStoreModeratorUpsertAndCounter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := futarchy.ModeratorRecord{
		ID:            1,
		ProtocolName:  "test-protocol",
		BaseMint:      "base-mint",
		QuoteMint:     "quote-mint",
		BaseDecimals:  9,
		QuoteDecimals: 6,
		PoolAuthorities: map[string]futarchy.SigningKeyRef{
			"pool-1": {Ticker: "TEST"},
		},
		WithdrawalPercentage: 10,
	}
	require.NoError(t, s.UpsertModerator(ctx, rec))

	loaded, err := s.LoadModerator(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "test-protocol", loaded.ProtocolName)
	require.Equal(t, "TEST", loaded.PoolAuthorities["pool-1"].Ticker)
	require.Equal(t, "base-mint", loaded.BaseMint)
	require.Equal(t, int32(9), loaded.BaseDecimals)
	require.Equal(t, float64(10), loaded.WithdrawalPercentage)

	require.NoError(t, s.SaveModeratorCounter(ctx, 1, 5))
	loaded, err = s.LoadModerator(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(5), loaded.ProposalIDCounter)

	// A bootstrap re-run upserts the same record with a zero counter; the
	// persisted counter must survive.
	require.NoError(t, s.UpsertModerator(ctx, rec))
	loaded, err = s.LoadModerator(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(5), loaded.ProposalIDCounter)
}

func TestStoreLoadProposalMissingWrapsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.LoadProposal(context.Background(), 1, 99)
	require.Error(t, err)
	require.ErrorIs(t, err, futarchy.ErrProposalNotFound)
}

func TestStoreWithdrawalRecordLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := futarchy.WithdrawalRecord{
		ModeratorID:      1,
		ProposalID:       1,
		RequestID:        "req-1",
		Signature:        "sig-1",
		Percentage:       10,
		NeedsDepositBack: true,
		PoolAddress:      "pool-1",
	}
	require.NoError(t, s.SaveWithdrawalRecord(ctx, rec))
	require.NoError(t, s.MarkWithdrawalDepositedBack(ctx, 1, 1, "deposit-sig", 2000))
}

func TestStoreRecordPricePublishesToFeed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sub, unsubscribe := s.Feed().Subscribe(1)
	defer unsubscribe()

	require.NoError(t, s.RecordPrice(ctx, 1, 1, 0, futarchy.MustDecimal("1.5")))

	select {
	case evt := <-sub:
		require.Equal(t, int64(1), evt.ModeratorID)
		require.Equal(t, "1.5", evt.Price)
	default:
		t.Fatal("expected a published price event")
	}
}

func TestStoreRecordTwap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	twaps := []futarchy.DecimalLike{futarchy.MustDecimal("0.4"), futarchy.MustDecimal("0.6")}
	require.NoError(t, s.RecordTwap(ctx, 1, 1, twaps, twaps))
}

func TestStoreRecordTrade(t *testing.T) {
	s := newTestStore(t)
	sig := "tx-sig-1"
	err := s.RecordTrade(context.Background(), 1, 1, 0, "alice", "buy",
		big.NewInt(100), big.NewInt(95), futarchy.MustDecimal("0.95"), &sig)
	require.NoError(t, err)
}
