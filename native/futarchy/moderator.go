package futarchy

import (
	"context"
	"math/big"
	"time"

	"github.com/cockroachdb/apd/v2"

	"futarchyd/crypto"
)

// ProposalConfig is the caller-supplied shape for CreateProposal. It mirrors
// the persisted proposals row minus the identifiers the Moderator assigns.
type ProposalConfig struct {
	Title            string
	Description      string
	Labels           []string
	BaseMint         string
	QuoteMint        string
	BaseDecimals     int32
	QuoteDecimals    int32
	ProposalLengthMs int64
	TwapConfig       TwapConfig
	SpotPoolAddress  string
	TotalSupply      *big.Int
	BaseAmount       *big.Int
	QuoteAmount      *big.Int
	// WithdrawPercentage, when > 0, requests a pre-proposal liquidity
	// withdrawal against the configured withdraw API before the proposal's
	// own markets are seeded.
	WithdrawPercentage float64
}

// WithdrawalRecord captures the outcome of a pre-proposal liquidity
// withdrawal, persisted FK-dependent on the owning proposal row.
type WithdrawalRecord struct {
	ModeratorID       int64
	ProposalID        int64
	RequestID         string
	Signature         string
	Percentage        float64
	WithdrawnTokenA   *big.Int
	WithdrawnTokenB   *big.Int
	SpotPrice         *decimalString
	NeedsDepositBack  bool
	DepositSignature  *string
	DepositedTokenA   *big.Int
	DepositedTokenB   *big.Int
	DepositedAt       *int64
	PoolAddress       string
}

// decimalString is a thin alias kept local to this file so WithdrawalRecord
// doesn't need to import apd directly in addition to the other callers;
// storage adapters convert to/from apd.Decimal at the persistence boundary.
type decimalString = string

// PersistenceStore is everything a Moderator needs to durably read and
// write its own configuration, its proposals, and withdrawal records. It is
// defined here, not in the storage package, so Moderator never imports a
// concrete storage implementation — avoiding the cyclic ownership the
// original source exhibits between services and their stores.
type PersistenceStore interface {
	LoadModerator(ctx context.Context, moderatorID int64) (ModeratorRecord, error)
	SaveModeratorCounter(ctx context.Context, moderatorID int64, counter int64) error
	SaveProposal(ctx context.Context, moderatorID int64, p *Proposal) error
	LoadProposal(ctx context.Context, moderatorID, proposalID int64) (*Proposal, error)
	SaveWithdrawalRecord(ctx context.Context, rec WithdrawalRecord) error
	ListPendingProposals(ctx context.Context, moderatorID int64) ([]*Proposal, error)
	// MarkWithdrawalDepositedBack flips a withdrawal record's
	// NeedsDepositBack to false once CleanupSwapAndDeposit succeeds.
	MarkWithdrawalDepositedBack(ctx context.Context, moderatorID, proposalID int64, signature string, depositedAt int64) error
}

// HistoryStore receives the append-only observability rows a Moderator
// produces while driving a proposal: price ticks, twap ticks, trades.
type HistoryStore interface {
	RecordPrice(ctx context.Context, moderatorID, proposalID int64, market int, price DecimalLike) error
	RecordTwap(ctx context.Context, moderatorID, proposalID int64, twaps, aggregations []DecimalLike) error
}

// DecimalLike is satisfied by *apd.Decimal; declared as an interface here
// so this file does not need to import apd just to describe the History
// contract (the concrete store package binds to apd.Decimal directly).
type DecimalLike interface {
	String() string
}

// ModeratorRecord is the persisted shape of one Moderator row: the
// (base-mint, quote-mint, pool) triple it owns, its authority map, and the
// monotonic proposal-id counter.
type ModeratorRecord struct {
	ID                int64
	ProposalIDCounter int64
	ProtocolName      string
	BaseMint          string
	QuoteMint         string
	BaseDecimals      int32
	QuoteDecimals     int32
	RPCEndpoint       string
	PoolAuthorities   map[string]SigningKeyRef
	// WithdrawalPercentage, in [0,50], enables the pre-proposal liquidity
	// withdrawal when positive.
	WithdrawalPercentage float64
}

// SigningKeyRef identifies, without embedding key material, which signing
// key a pool's authority resolves to. Concrete resolution (looking up
// MANAGER_PRIVATE_KEY_<TICKER>) happens in the services layer.
type SigningKeyRef struct {
	Ticker string
}

// ScheduledTask is the Scheduler's view of one outstanding task.
type ScheduledTask struct {
	Kind        ScheduledTaskKind
	ModeratorID int64
	ProposalID  int64
	IntervalMs  int64
	FireAt      int64
}

// TaskScheduler is the Moderator's view of the process-wide Scheduler: just
// enough surface to schedule and cancel, without importing the concrete
// scheduler package (which in turn resolves Moderators through the Router,
// not directly — see services/futarchyd/scheduler).
type TaskScheduler interface {
	Schedule(task ScheduledTask) error
	CancelProposalTasks(moderatorID, proposalID int64) error
}

// WithdrawAPI is the Moderator's view of the external liquidity-withdraw
// HTTP service, invoked during CreateProposal and
// FinalizeProposal.
type WithdrawAPI interface {
	Build(ctx context.Context, poolAddress string, percentage float64) (WithdrawBuildResult, error)
	Confirm(ctx context.Context, requestID string, signedTransaction []byte) (WithdrawConfirmResult, error)
	CleanupSwapAndDeposit(ctx context.Context, poolAddress string, signer crypto.SigningKey) (*DepositResult, error)
}

type WithdrawBuildResult struct {
	RequestID         string
	Transaction       []byte
	EstimatedTokenA   *big.Int
	EstimatedTokenB   *big.Int
	TokenAMint        string
	TokenBMint        string
	TokenADecimals    int32
	TokenBDecimals    int32
}

type WithdrawConfirmResult struct {
	Signature   string
	AmountA     *big.Int
	AmountB     *big.Int
	PoolAddress string
}

type DepositResult struct {
	Signature string
	Deposited bool
}

// Moderator is the per-pool authoritative owner of proposal creation and
// finalization. It holds only ids and interfaces, never a
// direct reference to the Router or Scheduler, so every lookup
// goes through the registry.
type Moderator struct {
	ID              int64
	BaseMint        string
	QuoteMint       string
	BaseDecimals    int32
	QuoteDecimals   int32
	RPCEndpoint     string
	PoolAuthorities map[string]SigningKeyRef
	// WithdrawalPercentage enables the pre-proposal liquidity withdrawal
	// for every proposal this moderator creates, when positive.
	WithdrawalPercentage float64

	Store     PersistenceStore
	History   HistoryStore
	Scheduler TaskScheduler
	Withdraw  WithdrawAPI

	counter int64
}

// NewModerator constructs a Moderator from its persisted record and wired
// dependencies.
func NewModerator(rec ModeratorRecord, store PersistenceStore, history HistoryStore, scheduler TaskScheduler, withdraw WithdrawAPI) *Moderator {
	return &Moderator{
		ID:                   rec.ID,
		BaseMint:             rec.BaseMint,
		QuoteMint:            rec.QuoteMint,
		BaseDecimals:         rec.BaseDecimals,
		QuoteDecimals:        rec.QuoteDecimals,
		RPCEndpoint:          rec.RPCEndpoint,
		PoolAuthorities:      rec.PoolAuthorities,
		WithdrawalPercentage: rec.WithdrawalPercentage,
		Store:                store,
		History:              history,
		Scheduler:            scheduler,
		Withdraw:             withdraw,
		counter:              rec.ProposalIDCounter,
	}
}

// GetAuthorityForPool resolves the signing-key reference bound to a pool
// address. There is no silent fallback: an unconfigured pool is fatal.
func (m *Moderator) GetAuthorityForPool(poolAddress string) (SigningKeyRef, error) {
	ref, ok := m.PoolAuthorities[poolAddress]
	if !ok {
		return SigningKeyRef{}, Wrap(ErrKindConfig, m.ID, 0, ErrMissingAuthority, "pool "+poolAddress)
	}
	return ref, nil
}

// ProposalFactory builds the concrete Proposal (its vaults and price
// sources) for a given config and resolved signing key. It is injected
// rather than constructed inline so Moderator never imports the concrete
// AMM/vault adapter packages (core/futarchyamm, core/futarchyvault).
type ProposalFactory interface {
	Build(ctx context.Context, id int64, moderatorID int64, cfg ProposalConfig, authority crypto.SigningKey, createdAt int64) (*Proposal, error)
}

// CreateProposal creates the next numbered proposal: resolve
// authority, optionally withdraw liquidity ahead of market seeding, assign
// an id off the moderator's counter, build and initialize the Proposal,
// persist it and the bumped counter, persist the withdrawal record, then
// schedule its four task kinds.
func (m *Moderator) CreateProposal(ctx context.Context, cfg ProposalConfig, authority crypto.SigningKey, factory ProposalFactory, now int64) (*Proposal, error) {
	if cfg.SpotPoolAddress == "" {
		return nil, NewProposalError(ErrKindConfig, m.ID, 0, "spotPoolAddress is required")
	}
	if _, err := m.GetAuthorityForPool(cfg.SpotPoolAddress); err != nil {
		return nil, err
	}

	// Counter is bumped unconditionally on the way out of this function,
	// even on failure: a failed creation still consumes an id so ids are
	// never reused across retries.
	id := m.counter + 1
	defer func() {
		m.counter = id
		_ = m.Store.SaveModeratorCounter(ctx, m.ID, m.counter)
	}()

	// Per-proposal override first, moderator-level default second.
	pct := cfg.WithdrawPercentage
	if pct == 0 {
		pct = m.WithdrawalPercentage
	}

	var withdrawal *WithdrawalRecord
	if pct > 0 && m.Withdraw != nil {
		built, err := m.Withdraw.Build(ctx, cfg.SpotPoolAddress, pct)
		if err != nil {
			return nil, Wrap(ErrKindWithdrawAPI, m.ID, id, err, "build withdrawal")
		}
		signed := authority.Sign(built.Transaction)
		confirmed, err := m.Withdraw.Confirm(ctx, built.RequestID, signed)
		if err != nil {
			return nil, Wrap(ErrKindWithdrawAPI, m.ID, id, err, "confirm withdrawal")
		}
		spotPrice := spotPriceFromConfirmedAmounts(confirmed.AmountA, confirmed.AmountB, cfg.BaseDecimals, cfg.QuoteDecimals)
		rec := WithdrawalRecord{
			ModeratorID:      m.ID,
			ProposalID:       id,
			RequestID:        built.RequestID,
			Signature:        confirmed.Signature,
			Percentage:       pct,
			WithdrawnTokenA:  confirmed.AmountA,
			WithdrawnTokenB:  confirmed.AmountB,
			SpotPrice:        &spotPrice,
			NeedsDepositBack: true,
			PoolAddress:      cfg.SpotPoolAddress,
		}
		withdrawal = &rec
	}

	proposal, err := factory.Build(ctx, id, m.ID, cfg, authority, now)
	if err != nil {
		return nil, Wrap(ErrKindConfig, m.ID, id, err, "build proposal")
	}
	if err := proposal.Initialize(ctx, cfg.BaseAmount, cfg.QuoteAmount); err != nil {
		return nil, err
	}

	// Persist the proposal first, the counter second (via the deferred
	// save above): readers may briefly observe the new proposal before the
	// counter reflects it, never the reverse.
	if err := m.Store.SaveProposal(ctx, m.ID, proposal); err != nil {
		return nil, Wrap(ErrKindPersistence, m.ID, id, err, "save proposal")
	}

	if withdrawal != nil {
		if err := m.Store.SaveWithdrawalRecord(ctx, *withdrawal); err != nil {
			return nil, Wrap(ErrKindPersistence, m.ID, id, err, "save withdrawal record")
		}
	}

	if err := m.scheduleProposalTasks(proposal, cfg, now); err != nil {
		return nil, err
	}

	return proposal, nil
}

func (m *Moderator) scheduleProposalTasks(p *Proposal, cfg ProposalConfig, now int64) error {
	tasks := []ScheduledTask{
		{Kind: TaskTwapCrank, ModeratorID: m.ID, ProposalID: p.ID, IntervalMs: cfg.TwapConfig.MinUpdateIntervalMs, FireAt: now + cfg.TwapConfig.MinUpdateIntervalMs},
		{Kind: TaskPriceRecord, ModeratorID: m.ID, ProposalID: p.ID, IntervalMs: 5000, FireAt: now + 5000},
	}
	if cfg.SpotPoolAddress != "" {
		tasks = append(tasks, ScheduledTask{Kind: TaskSpotPriceRecord, ModeratorID: m.ID, ProposalID: p.ID, IntervalMs: 60000, FireAt: now + 60000})
	}
	tasks = append(tasks, ScheduledTask{Kind: TaskFinalize, ModeratorID: m.ID, ProposalID: p.ID, FireAt: p.FinalizedAt + 1000})

	for _, t := range tasks {
		if err := m.Scheduler.Schedule(t); err != nil {
			return Wrap(ErrKindConfig, m.ID, p.ID, err, "schedule "+string(t.Kind))
		}
	}
	return nil
}

// FinalizeProposal loads the proposal, runs Proposal.Finalize, persists the
// result, and on a fresh transition to Finalized waits a brief RPC sync
// delay before attempting deposit-back. Per-market settlement failures are
// returned for the caller to log; they never abort the finalize. authority
// is the same pool signing key CreateProposal used; it is supplied by the
// caller rather than resolved internally since Moderator never holds
// private key material itself (see services/futarchyd wiring).
func (m *Moderator) FinalizeProposal(ctx context.Context, proposalID int64, now int64, authority crypto.SigningKey, rpcSyncDelay func(context.Context)) (ProposalStatus, *int, []error, error) {
	proposal, err := m.Store.LoadProposal(ctx, m.ID, proposalID)
	if err != nil {
		return StatusUninitialized, nil, nil, Wrap(ErrKindPersistence, m.ID, proposalID, err, "load proposal")
	}

	wasFinalized := proposal.Status == StatusFinalized
	status, winnerIdx, settlementErrors, err := proposal.Finalize(ctx, now)
	if err != nil {
		return status, winnerIdx, settlementErrors, err
	}

	if err := m.Store.SaveProposal(ctx, m.ID, proposal); err != nil {
		return status, winnerIdx, settlementErrors, Wrap(ErrKindPersistence, m.ID, proposalID, err, "save finalized proposal")
	}

	if status != StatusFinalized {
		return status, winnerIdx, settlementErrors, nil
	}

	if err := m.Scheduler.CancelProposalTasks(m.ID, proposalID); err != nil {
		return status, winnerIdx, settlementErrors, Wrap(ErrKindConfig, m.ID, proposalID, err, "cancel proposal tasks")
	}

	if wasFinalized {
		return status, winnerIdx, settlementErrors, nil
	}

	if m.Withdraw != nil && proposal.SpotPoolAddress != nil {
		if rpcSyncDelay != nil {
			rpcSyncDelay(ctx)
		} else {
			select {
			case <-ctx.Done():
				return status, winnerIdx, settlementErrors, nil
			case <-time.After(2 * time.Second):
			}
		}
		if _, authErr := m.GetAuthorityForPool(*proposal.SpotPoolAddress); authErr == nil && !authority.IsZero() {
			result, depErr := m.Withdraw.CleanupSwapAndDeposit(ctx, *proposal.SpotPoolAddress, authority)
			if depErr != nil {
				settlementErrors = append(settlementErrors, Wrap(ErrKindSettlement, m.ID, proposalID, depErr, "deposit back"))
			} else if result != nil && result.Deposited {
				_ = m.Store.MarkWithdrawalDepositedBack(ctx, m.ID, proposalID, result.Signature, now)
			}
		}
	}

	return status, winnerIdx, settlementErrors, nil
}

// spotPriceFromConfirmedAmounts derives the authoritative spot price from
// confirmed on-chain token amounts, not book quotes, using exact apd
// arithmetic throughout (no float ever touches a persisted price).
func spotPriceFromConfirmedAmounts(amountA, amountB *big.Int, decimalsA, decimalsB int32) string {
	if amountA == nil || amountB == nil || amountB.Sign() == 0 {
		return ZeroDecimal().String()
	}
	a, err := ParseDecimal(amountA.String())
	if err != nil {
		return ZeroDecimal().String()
	}
	b, err := ParseDecimal(amountB.String())
	if err != nil {
		return ZeroDecimal().String()
	}
	ratio, err := decQuo(a, b)
	if err != nil {
		return ZeroDecimal().String()
	}
	scale := apd.New(1, decimalsB-decimalsA)
	return decMul(ratio, scale).String()
}
