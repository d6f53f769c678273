package futarchy

import (
	"context"
	"math/big"

	"github.com/cockroachdb/apd/v2"
)

// StatusInfo is the read-only projection Proposal.GetStatusInfo returns.
// Winner fields are nil in Uninitialized; in Pending they expose the
// current (informational, non-final) argmax leader.
type StatusInfo struct {
	Status          ProposalStatus
	WinnerIndex     *int
	WinnerLabel     *string
	WinnerBaseMint  *string
	WinnerQuoteMint *string
}

// Proposal binds N PriceSources, two token vaults, and one TwapOracle into
// the Uninitialized -> Pending -> Finalized lifecycle.
type Proposal struct {
	ID          int64
	ModeratorID int64
	Title       string
	Description string
	Markets     int
	Labels      []string
	CreatedAt   int64
	FinalizedAt int64
	Status      ProposalStatus

	Sources    []PriceSource
	BaseVault  Vault
	QuoteVault Vault
	Oracle     *TwapOracle

	SpotPoolAddress *string
	TotalSupply     *big.Int
}

// NewProposalParams bundles the dependencies a freshly-constructed Proposal
// needs before Initialize.
type NewProposalParams struct {
	ID               int64
	ModeratorID      int64
	Title            string
	Description      string
	Labels           []string
	CreatedAt        int64
	ProposalLengthMs int64
	TwapConfig       TwapConfig
	Sources          []PriceSource
	BaseVault        Vault
	QuoteVault       Vault
	SpotPoolAddress  *string
	TotalSupply      *big.Int
}

// NewProposal constructs a Proposal and its TwapOracle in the Uninitialized
// state. N is derived from len(Labels) and must match len(Sources) and the
// oracle's market count.
func NewProposal(p NewProposalParams) (*Proposal, error) {
	markets := len(p.Labels)
	if markets != len(p.Sources) {
		return nil, NewError(ErrKindConfig, "labels and sources must have equal length")
	}
	finalizedAt := p.CreatedAt + p.ProposalLengthMs
	oracle, err := NewTwapOracle(p.ID, p.TwapConfig, markets, p.CreatedAt, finalizedAt)
	if err != nil {
		return nil, err
	}
	return &Proposal{
		ID:              p.ID,
		ModeratorID:     p.ModeratorID,
		Title:           p.Title,
		Description:     p.Description,
		Markets:         markets,
		Labels:          append([]string(nil), p.Labels...),
		CreatedAt:       p.CreatedAt,
		FinalizedAt:     finalizedAt,
		Status:          StatusUninitialized,
		Sources:         append([]PriceSource(nil), p.Sources...),
		BaseVault:       p.BaseVault,
		QuoteVault:      p.QuoteVault,
		Oracle:          oracle,
		SpotPoolAddress: p.SpotPoolAddress,
		TotalSupply:     p.TotalSupply,
	}, nil
}

// Initialize seeds both vaults and all N PriceSources with the same
// (baseAmount, quoteAmount) liquidity, binds sources to the oracle, and
// advances status to Pending. Fails without mutating status if not
// currently Uninitialized. Any failure during construction leaves status
// Uninitialized; partially-created external resources are the caller's
// responsibility to reconcile.
func (p *Proposal) Initialize(ctx context.Context, baseAmount, quoteAmount *big.Int) error {
	if p.Status != StatusUninitialized {
		return NewProposalError(ErrKindState, p.ModeratorID, p.ID, "initialize requires Uninitialized status")
	}
	if err := p.BaseVault.Initialize(ctx); err != nil {
		return Wrap(ErrKindTransientRPC, p.ModeratorID, p.ID, err, "initialize base vault")
	}
	if err := p.QuoteVault.Initialize(ctx); err != nil {
		return Wrap(ErrKindTransientRPC, p.ModeratorID, p.ID, err, "initialize quote vault")
	}
	for i, src := range p.Sources {
		if err := src.Initialize(ctx, baseAmount, quoteAmount); err != nil {
			return Wrap(ErrKindTransientRPC, p.ModeratorID, p.ID, err, "initialize price source "+p.Labels[i])
		}
	}
	if err := p.Oracle.BindSources(p.Sources); err != nil {
		return Wrap(ErrKindConfig, p.ModeratorID, p.ID, err, "bind oracle sources")
	}
	p.Status = StatusPending
	return nil
}

// Finalize executes the terminal lifecycle transition. Fails if
// Uninitialized. If now precedes FinalizedAt, returns (Pending, nil) without
// mutating anything. Otherwise performs a last crank, flips status,
// best-effort removes liquidity from every market, selects the winner,
// finalizes both vaults against the winning mint, and best-effort redeems
// the authority's winning tokens. removeLiquidity and redeem failures are
// logged by the caller (via the returned per-market errors) but never abort
// the overall finalize.
func (p *Proposal) Finalize(ctx context.Context, now int64) (ProposalStatus, *int, []error, error) {
	if p.Status == StatusUninitialized {
		return p.Status, nil, nil, NewProposalError(ErrKindState, p.ModeratorID, p.ID, "finalize requires an initialized proposal")
	}
	if now < p.FinalizedAt {
		return StatusPending, nil, nil, nil
	}

	var settlementErrors []error

	if err := p.Oracle.Crank(ctx, now); err != nil {
		settlementErrors = append(settlementErrors, err)
	}

	p.Status = StatusFinalized

	for _, src := range p.Sources {
		if src.State() == SourceFinalized {
			continue
		}
		if _, err := src.RemoveLiquidity(ctx); err != nil {
			settlementErrors = append(settlementErrors, Wrap(ErrKindSettlement, p.ModeratorID, p.ID, err, "removeLiquidity"))
		}
	}

	winnerIdx, err := p.Oracle.FetchHighestIndex(now)
	if err != nil {
		return p.Status, nil, settlementErrors, err
	}

	winningBaseMint := mintAt(p.BaseVault, winnerIdx)
	winningQuoteMint := mintAt(p.QuoteVault, winnerIdx)

	if err := p.BaseVault.Finalize(ctx, winningBaseMint); err != nil {
		settlementErrors = append(settlementErrors, Wrap(ErrKindSettlement, p.ModeratorID, p.ID, err, "finalize base vault"))
	}
	if err := p.QuoteVault.Finalize(ctx, winningQuoteMint); err != nil {
		settlementErrors = append(settlementErrors, Wrap(ErrKindSettlement, p.ModeratorID, p.ID, err, "finalize quote vault"))
	}

	if err := redeemWinningTokens(ctx, p.BaseVault); err != nil {
		settlementErrors = append(settlementErrors, Wrap(ErrKindSettlement, p.ModeratorID, p.ID, err, "redeem base vault"))
	}
	if err := redeemWinningTokens(ctx, p.QuoteVault); err != nil {
		settlementErrors = append(settlementErrors, Wrap(ErrKindSettlement, p.ModeratorID, p.ID, err, "redeem quote vault"))
	}

	idx := winnerIdx
	return StatusFinalized, &idx, settlementErrors, nil
}

func mintAt(v Vault, idx int) string {
	mints := v.ConditionalMints()
	if idx < 0 || idx >= len(mints) {
		return ""
	}
	return mints[idx]
}

// redeemWinningTokens performs the authority's best-effort redemption of
// winning conditional tokens. The "user" here is the authority itself,
// passed to the Vault adapter as the empty string, which the adapter
// treats as that user's key.
func redeemWinningTokens(ctx context.Context, v Vault) error {
	tx, err := v.BuildRedeemWinningTokensTx(ctx, "")
	if err != nil {
		return err
	}
	_, err = v.ExecuteRedeemWinningTokensTx(ctx, tx)
	return err
}

// GetStatusInfo yields the current lifecycle snapshot, including the
// (possibly still-informational) argmax leader.
func (p *Proposal) GetStatusInfo(now int64) (StatusInfo, error) {
	if p.Status == StatusUninitialized {
		return StatusInfo{Status: p.Status}, nil
	}
	idx, err := p.Oracle.FetchHighestIndex(now)
	if err != nil {
		return StatusInfo{}, err
	}
	label := p.Labels[idx]
	baseMint := mintAt(p.BaseVault, idx)
	quoteMint := mintAt(p.QuoteVault, idx)
	return StatusInfo{
		Status:          p.Status,
		WinnerIndex:     &idx,
		WinnerLabel:     &label,
		WinnerBaseMint:  &baseMint,
		WinnerQuoteMint: &quoteMint,
	}, nil
}

// Twaps exposes the oracle's current per-market TWAPs, a convenience for
// callers (the scheduler, status endpoints) that only need the numbers.
func (p *Proposal) Twaps(now int64) ([]*apd.Decimal, error) {
	twaps, _, err := p.Oracle.FetchTwaps(now)
	return twaps, err
}
