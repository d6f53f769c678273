package futarchy

import (
	"context"
	"math/big"

	"github.com/cockroachdb/apd/v2"
)

// PriceSource is the capability interface the engine needs from the AMM
// backend: a single conditional market's price feed and settlement hooks.
// Concrete backends (constant-product, dynamic-fee, or a real on-chain AMM
// client) are selected by configuration; the engine never type-switches on
// a concrete PriceSource.
type PriceSource interface {
	// Initialize seeds the pool with the given base/quote amounts. Callers
	// must treat a second call after the pool has entered Trading as a
	// no-op (idempotent), not an error.
	Initialize(ctx context.Context, baseAmount, quoteAmount *big.Int) error
	// State reports the adapter's current lifecycle phase.
	State() PriceSourceState
	// FetchPrice returns the current mid price, base per quote.
	FetchPrice(ctx context.Context) (*apd.Decimal, error)
	// FetchLiquidity returns the current liquidity scalar.
	FetchLiquidity(ctx context.Context) (*big.Int, error)
	// RemoveLiquidity is terminal: it transitions the source to Finalized
	// and returns a settlement signature. Subsequent calls must fail.
	RemoveLiquidity(ctx context.Context) (string, error)
	// Serialize renders the adapter's state for persistence.
	Serialize() ([]byte, error)
}

// PriceSourceFactory rehydrates a PriceSource from its serialized bytes,
// re-attaching runtime dependencies (RPC clients, etc.) the serialized form
// cannot carry.
type PriceSourceFactory interface {
	Deserialize(data []byte, deps PriceSourceDeps) (PriceSource, error)
}

// PriceSourceDeps bundles the runtime dependencies a PriceSource needs after
// deserialization. Concrete adapters embed whichever of these they use.
type PriceSourceDeps struct {
	RPCEndpoint string
}
