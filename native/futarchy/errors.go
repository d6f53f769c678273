package futarchy

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the error taxonomy of the proposal lifecycle engine.
// Kinds are closed: every fallible operation in this package returns one of
// these rather than an ad-hoc error, so callers can branch on Kind without
// string matching.
type ErrorKind string

const (
	// ErrKindConfig covers missing authorities, bad decimals, or unknown
	// pools: fatal at proposal creation, surfaced to the caller.
	ErrKindConfig ErrorKind = "config"
	// ErrKindState covers an operation illegal for the current status, e.g.
	// finalize on an Uninitialized proposal.
	ErrKindState ErrorKind = "state"
	// ErrKindNumeric covers out-of-range market counts, negative clamp
	// configuration, or non-positive elapsed time at fetch.
	ErrKindNumeric ErrorKind = "numeric"
	// ErrKindTransientRPC covers price-fetch or transaction-submission
	// failures that should be retried on the next tick without mutating
	// state.
	ErrKindTransientRPC ErrorKind = "transient_rpc"
	// ErrKindWithdrawAPI covers withdraw/confirm failures from the external
	// liquidity-withdrawal API.
	ErrKindWithdrawAPI ErrorKind = "withdraw_api"
	// ErrKindSettlement covers removeLiquidity or vault-finalize failures
	// during proposal finalization; non-fatal to the overall finalize.
	ErrKindSettlement ErrorKind = "settlement"
	// ErrKindPersistence covers database write failures.
	ErrKindPersistence ErrorKind = "persistence"
)

// Error is the user-visible failure contract: a kind, the offending
// (moderatorID, proposalID) pair, and a short human message. No stack
// traces cross this boundary.
type Error struct {
	Kind        ErrorKind
	ModeratorID int64
	ProposalID  int64
	Message     string
	cause       error
}

func (e *Error) Error() string {
	if e.ModeratorID == 0 && e.ProposalID == 0 {
		return fmt.Sprintf("futarchy: %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("futarchy: %s: moderator=%d proposal=%d: %s", e.Kind, e.ModeratorID, e.ProposalID, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError constructs a taxonomy error not tied to a specific proposal, e.g.
// construction-time validation failures.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// NewProposalError constructs a taxonomy error scoped to a (moderator,
// proposal) pair.
func NewProposalError(kind ErrorKind, moderatorID, proposalID int64, message string) *Error {
	return &Error{Kind: kind, ModeratorID: moderatorID, ProposalID: proposalID, Message: message}
}

// Wrap attaches an underlying cause to a taxonomy error while preserving the
// kind and scope, so errors.Is/As keep working against the original cause.
func Wrap(kind ErrorKind, moderatorID, proposalID int64, cause error, message string) *Error {
	return &Error{Kind: kind, ModeratorID: moderatorID, ProposalID: proposalID, Message: message, cause: cause}
}

// KindOf extracts the ErrorKind from err, if it (or something it wraps) is a
// *Error.
func KindOf(err error) (ErrorKind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

var (
	// ErrUnbound is returned by TwapOracle.Crank when sources have not yet
	// been bound.
	ErrUnbound = errors.New("futarchy: oracle sources not bound")
	// ErrAlreadyBound is returned by BindSources when sources are already
	// attached.
	ErrAlreadyBound = errors.New("futarchy: oracle sources already bound")
	// ErrMissingAuthority is returned by Moderator.GetAuthorityForPool when
	// the pool address has no configured signing key. There is no silent
	// fallback.
	ErrMissingAuthority = errors.New("futarchy: no signing authority configured for pool")
	// ErrProposalNotFound is wrapped by PersistenceStore.LoadProposal when
	// the row does not exist, letting the scheduler tell a vanished proposal
	// apart from a transient database failure.
	ErrProposalNotFound = errors.New("futarchy: proposal not found")
)
