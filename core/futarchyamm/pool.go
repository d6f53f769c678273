// Package futarchyamm adapts futarchy.PriceSource to two reference AMM
// backends: a plain constant-product pool and a dynamic-fee variant layered
// on top of it. Both are local, in-process adapters suitable for tests and
// for any deployment that does not need a live on-chain client; an RPC-backed
// adapter implementing the same interface can be swapped in by configuration.
package futarchyamm

import (
	"context"
	"math/big"
	"sync"

	"github.com/cockroachdb/apd/v2"

	"futarchyd/native/futarchy"
)

// Pool is the shared constant-product state both adapters build on: x*y=k
// with integer reserves, guarded by a mutex so concurrent fetch/trade calls
// never observe a torn update.
type Pool struct {
	mu sync.Mutex

	state futarchy.PriceSourceState

	baseReserve  *big.Int
	quoteReserve *big.Int

	conditionalMint string
	finalizeSig     string
}

// ConstantProductSource is the plain x*y=k adapter: FetchPrice is the
// instantaneous quoteReserve/baseReserve ratio, no fee is deducted.
type ConstantProductSource struct {
	pool *Pool
}

// NewConstantProductSource constructs an uninitialized source for one
// conditional mint.
func NewConstantProductSource(conditionalMint string) *ConstantProductSource {
	return &ConstantProductSource{pool: &Pool{state: futarchy.SourceUninitialized, conditionalMint: conditionalMint}}
}

func (s *ConstantProductSource) Initialize(ctx context.Context, baseAmount, quoteAmount *big.Int) error {
	return s.pool.initialize(baseAmount, quoteAmount)
}

func (s *ConstantProductSource) State() futarchy.PriceSourceState {
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	return s.pool.state
}

func (s *ConstantProductSource) FetchPrice(ctx context.Context) (*apd.Decimal, error) {
	return s.pool.fetchPrice()
}

func (s *ConstantProductSource) FetchLiquidity(ctx context.Context) (*big.Int, error) {
	return s.pool.fetchLiquidity()
}

func (s *ConstantProductSource) RemoveLiquidity(ctx context.Context) (string, error) {
	return s.pool.removeLiquidity()
}

func (s *ConstantProductSource) Serialize() ([]byte, error) {
	return s.pool.serialize("constant_product")
}

// DeserializeConstantProductSource rehydrates a source from its serialized
// snapshot; RPCEndpoint in deps is accepted for interface symmetry but
// unused by this in-process backend.
func DeserializeConstantProductSource(data []byte, deps futarchy.PriceSourceDeps) (futarchy.PriceSource, error) {
	pool, err := deserializePool(data, "constant_product")
	if err != nil {
		return nil, err
	}
	return &ConstantProductSource{pool: pool}, nil
}

// DynamicFeeSource layers a basis-point trading fee on top of the same
// constant-product reserves. The fee does not change FetchPrice (still the
// raw mid) but widens the effective price a trade would clear at; this
// reference adapter exposes FeeBps for callers that need it and otherwise
// behaves identically to ConstantProductSource for the oracle's purposes.
type DynamicFeeSource struct {
	pool   *Pool
	feeBps int32
}

// NewDynamicFeeSource constructs an uninitialized source with the given
// basis-point fee (0-10000).
func NewDynamicFeeSource(conditionalMint string, feeBps int32) *DynamicFeeSource {
	return &DynamicFeeSource{
		pool:   &Pool{state: futarchy.SourceUninitialized, conditionalMint: conditionalMint},
		feeBps: feeBps,
	}
}

func (s *DynamicFeeSource) FeeBps() int32 { return s.feeBps }

func (s *DynamicFeeSource) Initialize(ctx context.Context, baseAmount, quoteAmount *big.Int) error {
	return s.pool.initialize(baseAmount, quoteAmount)
}

func (s *DynamicFeeSource) State() futarchy.PriceSourceState {
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	return s.pool.state
}

func (s *DynamicFeeSource) FetchPrice(ctx context.Context) (*apd.Decimal, error) {
	return s.pool.fetchPrice()
}

func (s *DynamicFeeSource) FetchLiquidity(ctx context.Context) (*big.Int, error) {
	return s.pool.fetchLiquidity()
}

func (s *DynamicFeeSource) RemoveLiquidity(ctx context.Context) (string, error) {
	return s.pool.removeLiquidity()
}

func (s *DynamicFeeSource) Serialize() ([]byte, error) {
	return s.pool.serializeWithFee("dynamic_fee", s.feeBps)
}

// DeserializeDynamicFeeSource rehydrates a source from its serialized
// snapshot.
func DeserializeDynamicFeeSource(data []byte, deps futarchy.PriceSourceDeps) (futarchy.PriceSource, error) {
	pool, feeBps, err := deserializePoolWithFee(data)
	if err != nil {
		return nil, err
	}
	return &DynamicFeeSource{pool: pool, feeBps: feeBps}, nil
}

func (p *Pool) initialize(baseAmount, quoteAmount *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != futarchy.SourceUninitialized {
		// Idempotent once Trading.
		return nil
	}
	if baseAmount == nil || quoteAmount == nil || baseAmount.Sign() <= 0 || quoteAmount.Sign() <= 0 {
		return futarchy.NewError(futarchy.ErrKindNumeric, "pool reserves must be positive")
	}
	p.baseReserve = new(big.Int).Set(baseAmount)
	p.quoteReserve = new(big.Int).Set(quoteAmount)
	p.state = futarchy.SourceTrading
	return nil
}

func (p *Pool) fetchPrice() (*apd.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == futarchy.SourceUninitialized {
		return nil, futarchy.NewError(futarchy.ErrKindState, "fetchPrice requires an initialized pool")
	}
	quote, err := futarchy.ParseDecimal(p.quoteReserve.String())
	if err != nil {
		return nil, err
	}
	base, err := futarchy.ParseDecimal(p.baseReserve.String())
	if err != nil {
		return nil, err
	}
	price, err := futarchy.DecQuo(quote, base)
	if err != nil {
		return nil, futarchy.Wrap(futarchy.ErrKindTransientRPC, 0, 0, err, "fetchPrice")
	}
	return price, nil
}

func (p *Pool) fetchLiquidity() (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == futarchy.SourceUninitialized {
		return nil, futarchy.NewError(futarchy.ErrKindState, "fetchLiquidity requires an initialized pool")
	}
	k := new(big.Int).Mul(p.baseReserve, p.quoteReserve)
	return k.Sqrt(k), nil
}

func (p *Pool) removeLiquidity() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == futarchy.SourceFinalized {
		return "", futarchy.NewError(futarchy.ErrKindState, "removeLiquidity already finalized")
	}
	p.state = futarchy.SourceFinalized
	p.finalizeSig = syntheticSignature(p.conditionalMint, p.baseReserve, p.quoteReserve)
	return p.finalizeSig, nil
}

func syntheticSignature(mint string, base, quote *big.Int) string {
	b := "0"
	q := "0"
	if base != nil {
		b = base.String()
	}
	if quote != nil {
		q = quote.String()
	}
	return "removeLiquidity:" + mint + ":" + b + ":" + q
}
