package futarchy

import (
	"fmt"

	"github.com/cockroachdb/apd/v2"
)

// ProposalStatus is the closed set of lifecycle phases a Proposal moves
// through. Transitions are strictly forward: Uninitialized -> Pending ->
// Finalized.
type ProposalStatus uint8

const (
	StatusUninitialized ProposalStatus = iota
	StatusPending
	StatusFinalized
)

func (s ProposalStatus) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusPending:
		return "pending"
	case StatusFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// PriceSourceState is the closed lifecycle of a PriceSource adapter.
type PriceSourceState uint8

const (
	SourceUninitialized PriceSourceState = iota
	SourceTrading
	SourceFinalized
)

func (s PriceSourceState) String() string {
	switch s {
	case SourceUninitialized:
		return "uninitialized"
	case SourceTrading:
		return "trading"
	case SourceFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// VaultState is the closed lifecycle of a conditional-token vault.
type VaultState uint8

const (
	VaultUninitialized VaultState = iota
	VaultInitialized
	VaultFinalized
)

func (s VaultState) String() string {
	switch s {
	case VaultUninitialized:
		return "uninitialized"
	case VaultInitialized:
		return "initialized"
	case VaultFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// ScheduledTaskKind is the closed set of task kinds the scheduler dispatches.
type ScheduledTaskKind string

const (
	TaskTwapCrank       ScheduledTaskKind = "twap_crank"
	TaskPriceRecord     ScheduledTaskKind = "price_record"
	TaskSpotPriceRecord ScheduledTaskKind = "spot_price_record"
	TaskFinalize        ScheduledTaskKind = "finalize"
)

// Periodic reports whether the task kind repeats on a fixed interval (true)
// or fires exactly once (false, Finalize only).
func (k ScheduledTaskKind) Periodic() bool {
	return k != TaskFinalize
}

// TaskKey renders the scheduler's unique task identifier, "{kind}-{moderatorId}-{proposalId}".
func TaskKey(kind ScheduledTaskKind, moderatorID, proposalID int64) string {
	return fmt.Sprintf("%s-%d-%d", kind, moderatorID, proposalID)
}

// TwapConfig holds the immutable knobs for one proposal's oracle, frozen at
// construction.
type TwapConfig struct {
	// InitialTwapValue seeds every observation before the first crank.
	InitialTwapValue *apd.Decimal
	// TwapMaxObservationChangePerUpdate bounds the single-tick clamp; nil
	// disables clamping entirely.
	TwapMaxObservationChangePerUpdate *apd.Decimal
	// TwapStartDelayMs delays the start of integration relative to
	// createdAt.
	TwapStartDelayMs int64
	// PassThresholdBps is retained for forward compatibility with the
	// legacy pass/fail oracle variant; unused in argmax winner selection.
	PassThresholdBps int32
	// MinUpdateIntervalMs throttles crank frequency; must be non-negative,
	// and zero lets every crank through.
	MinUpdateIntervalMs int64
}

// Validate checks the construction-time bounds on TwapConfig.
func (c TwapConfig) Validate() error {
	if c.InitialTwapValue == nil || decIsNeg(c.InitialTwapValue) {
		return NewError(ErrKindNumeric, "initialTwapValue must be present and non-negative")
	}
	if c.TwapMaxObservationChangePerUpdate != nil && decIsNeg(c.TwapMaxObservationChangePerUpdate) {
		return NewError(ErrKindNumeric, "twapMaxObservationChangePerUpdate must be non-negative")
	}
	if c.TwapStartDelayMs < 0 {
		return NewError(ErrKindNumeric, "twapStartDelayMs must be non-negative")
	}
	if c.MinUpdateIntervalMs < 0 {
		return NewError(ErrKindNumeric, "minUpdateIntervalMs must be non-negative")
	}
	if c.PassThresholdBps < 0 || c.PassThresholdBps > 10000 {
		return NewError(ErrKindNumeric, "passThresholdBps must be within [0,10000]")
	}
	return nil
}
