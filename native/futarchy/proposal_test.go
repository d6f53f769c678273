package futarchy_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/cockroachdb/apd/v2"
	"github.com/stretchr/testify/require"

	"futarchyd/core/futarchyamm"
	"futarchyd/core/futarchyvault"
	"futarchyd/native/futarchy"
)

func newTestProposal(t *testing.T, maxChange string) *futarchy.Proposal {
	t.Helper()
	cfg := futarchy.TwapConfig{
		InitialTwapValue:    futarchy.MustDecimal("0.5"),
		TwapStartDelayMs:    0,
		MinUpdateIntervalMs: 0,
	}
	if maxChange != "" {
		cfg.TwapMaxObservationChangePerUpdate = futarchy.MustDecimal(maxChange)
	}

	sources := []futarchy.PriceSource{
		futarchyamm.NewConstantProductSource("yesBase-yesQuote"),
		futarchyamm.NewConstantProductSource("noBase-noQuote"),
	}
	baseVault := futarchyvault.NewSplitMergeVault([]string{"yesBase", "noBase"})
	quoteVault := futarchyvault.NewSplitMergeVault([]string{"yesQuote", "noQuote"})

	p, err := futarchy.NewProposal(futarchy.NewProposalParams{
		ID:               1,
		ModeratorID:      1,
		Labels:           []string{"yes", "no"},
		CreatedAt:        0,
		ProposalLengthMs: 10000,
		TwapConfig:       cfg,
		Sources:          sources,
		BaseVault:        baseVault,
		QuoteVault:       quoteVault,
		TotalSupply:      big.NewInt(1_000_000),
	})
	require.NoError(t, err)
	return p
}

// fixedSource returns one constant price forever, so a test can pin which
// market dominates the TWAP.
type fixedSource struct {
	price string
	state futarchy.PriceSourceState
}

func (s *fixedSource) Initialize(ctx context.Context, baseAmount, quoteAmount *big.Int) error {
	if s.state == futarchy.SourceUninitialized {
		s.state = futarchy.SourceTrading
	}
	return nil
}
func (s *fixedSource) State() futarchy.PriceSourceState { return s.state }
func (s *fixedSource) FetchPrice(ctx context.Context) (*apd.Decimal, error) {
	return futarchy.MustDecimal(s.price), nil
}
func (s *fixedSource) FetchLiquidity(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1000), nil
}
func (s *fixedSource) RemoveLiquidity(ctx context.Context) (string, error) {
	if s.state == futarchy.SourceFinalized {
		return "", futarchy.NewError(futarchy.ErrKindState, "already finalized")
	}
	s.state = futarchy.SourceFinalized
	return "removed", nil
}
func (s *fixedSource) Serialize() ([]byte, error) { return []byte("{}"), nil }

func TestProposalFinalizeSelectsDominantMarketOne(t *testing.T) {
	ctx := context.Background()
	cfg := futarchy.TwapConfig{
		InitialTwapValue:    futarchy.MustDecimal("0.5"),
		TwapStartDelayMs:    0,
		MinUpdateIntervalMs: 0,
	}
	baseVault := futarchyvault.NewSplitMergeVault([]string{"yesBase", "noBase"})
	quoteVault := futarchyvault.NewSplitMergeVault([]string{"yesQuote", "noQuote"})
	p, err := futarchy.NewProposal(futarchy.NewProposalParams{
		ID:               2,
		ModeratorID:      1,
		Labels:           []string{"yes", "no"},
		CreatedAt:        0,
		ProposalLengthMs: 10000,
		TwapConfig:       cfg,
		Sources: []futarchy.PriceSource{
			&fixedSource{price: "0.3"},
			&fixedSource{price: "0.7"},
		},
		BaseVault:  baseVault,
		QuoteVault: quoteVault,
	})
	require.NoError(t, err)
	require.NoError(t, p.Initialize(ctx, big.NewInt(1000), big.NewInt(1000)))
	require.NoError(t, p.Oracle.Crank(ctx, 5000))

	status, winnerIdx, settleErrs, err := p.Finalize(ctx, 10000)
	require.NoError(t, err)
	require.Empty(t, settleErrs)
	require.Equal(t, futarchy.StatusFinalized, status)
	require.NotNil(t, winnerIdx)
	require.Equal(t, 1, *winnerIdx)

	require.Equal(t, "noBase", baseVault.WinningMint())
	require.Equal(t, "noQuote", quoteVault.WinningMint())
}

func TestProposalLifecycleInitializeThenFinalize(t *testing.T) {
	ctx := context.Background()
	p := newTestProposal(t, "")
	require.Equal(t, futarchy.StatusUninitialized, p.Status)

	require.NoError(t, p.Initialize(ctx, big.NewInt(1000), big.NewInt(1000)))
	require.Equal(t, futarchy.StatusPending, p.Status)

	status, winnerIdx, settleErrs, err := p.Finalize(ctx, 10000)
	require.NoError(t, err)
	require.Empty(t, settleErrs)
	require.Equal(t, futarchy.StatusFinalized, status)
	require.NotNil(t, winnerIdx)

	info, err := p.GetStatusInfo(10000)
	require.NoError(t, err)
	require.Equal(t, futarchy.StatusFinalized, info.Status)
	require.NotNil(t, info.WinnerIndex)
	require.Equal(t, *winnerIdx, *info.WinnerIndex)

	require.Equal(t, futarchy.VaultFinalized, p.BaseVault.State())
	require.Equal(t, futarchy.VaultFinalized, p.QuoteVault.State())
	for _, src := range p.Sources {
		require.Equal(t, futarchy.SourceFinalized, src.State())
	}
}

func TestProposalFinalizeIsNoOpBeforeFinalizedAt(t *testing.T) {
	ctx := context.Background()
	p := newTestProposal(t, "")
	require.NoError(t, p.Initialize(ctx, big.NewInt(1000), big.NewInt(1000)))

	status, winnerIdx, settleErrs, err := p.Finalize(ctx, 5000)
	require.NoError(t, err)
	require.Nil(t, winnerIdx)
	require.Nil(t, settleErrs)
	require.Equal(t, futarchy.StatusPending, status)
	require.Equal(t, futarchy.StatusPending, p.Status)
}

func TestProposalFinalizeRequiresInitialized(t *testing.T) {
	ctx := context.Background()
	p := newTestProposal(t, "")
	_, _, _, err := p.Finalize(ctx, 10000)
	require.Error(t, err)
	kind, ok := futarchy.KindOf(err)
	require.True(t, ok)
	require.Equal(t, futarchy.ErrKindState, kind)
}

func TestProposalInitializeRejectsDoubleInitialize(t *testing.T) {
	ctx := context.Background()
	p := newTestProposal(t, "")
	require.NoError(t, p.Initialize(ctx, big.NewInt(1000), big.NewInt(1000)))
	err := p.Initialize(ctx, big.NewInt(1000), big.NewInt(1000))
	require.Error(t, err)
	kind, ok := futarchy.KindOf(err)
	require.True(t, ok)
	require.Equal(t, futarchy.ErrKindState, kind)
}

func TestProposalFinalizeIsIdempotentOnWinnerSelection(t *testing.T) {
	ctx := context.Background()
	p := newTestProposal(t, "")
	require.NoError(t, p.Initialize(ctx, big.NewInt(1000), big.NewInt(1000)))

	_, firstWinner, _, err := p.Finalize(ctx, 10000)
	require.NoError(t, err)

	status, secondWinner, settleErrs, err := p.Finalize(ctx, 11000)
	require.NoError(t, err)
	require.Equal(t, futarchy.StatusFinalized, status)
	require.NotNil(t, secondWinner)
	require.Equal(t, *firstWinner, *secondWinner)
	require.Empty(t, settleErrs)
}
