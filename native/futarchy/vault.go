package futarchy

import (
	"context"
	"math/big"
)

// SplitTx and MergeTx model the built-but-unsigned transaction envelopes a
// Vault exchanges with its caller: building is a pure local computation,
// executing is the suspension point that submits to the settlement backend.
type SplitTx struct {
	User   string
	Amount *big.Int
	Raw    []byte
}

type MergeTx struct {
	User   string
	Amount *big.Int
	Raw    []byte
}

type RedeemTx struct {
	User string
	Raw  []byte
}

// Vault is the capability interface for the two token vaults (base, quote)
// a Proposal owns. Each vault mints N conditional tokens, one per market.
type Vault interface {
	// ConditionalMints returns the N conditional mint identifiers, indexed
	// by market.
	ConditionalMints() []string
	// State reports the vault's current lifecycle phase.
	State() VaultState
	// Initialize sets up the N conditional mints. Idempotent once
	// Initialized.
	Initialize(ctx context.Context) error
	// BuildSplitTx/ExecuteSplitTx split the underlying asset into N
	// conditional tokens for a user.
	BuildSplitTx(ctx context.Context, user string, amount *big.Int) (*SplitTx, error)
	ExecuteSplitTx(ctx context.Context, tx *SplitTx) (string, error)
	// BuildMergeTx/ExecuteMergeTx merge N conditional tokens back into the
	// underlying asset.
	BuildMergeTx(ctx context.Context, user string, amount *big.Int) (*MergeTx, error)
	ExecuteMergeTx(ctx context.Context, tx *MergeTx) (string, error)
	// Finalize closes the vault against the winning conditional mint.
	// Terminal: subsequent calls must be idempotent no-ops.
	Finalize(ctx context.Context, winningMint string) error
	// BuildRedeemWinningTokensTx/ExecuteRedeemWinningTokensTx redeem the
	// authority's share of winning conditional tokens after Finalize.
	BuildRedeemWinningTokensTx(ctx context.Context, user string) (*RedeemTx, error)
	ExecuteRedeemWinningTokensTx(ctx context.Context, tx *RedeemTx) (string, error)
}

// VaultFactory rehydrates a Vault from serialized state, mirroring
// PriceSourceFactory.
type VaultFactory interface {
	Deserialize(data []byte, deps VaultDeps) (Vault, error)
}

// VaultDeps bundles runtime dependencies a Vault needs after deserialization.
type VaultDeps struct {
	RPCEndpoint string
}
