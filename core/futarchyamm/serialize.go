package futarchyamm

import (
	"encoding/json"
	"math/big"

	"futarchyd/native/futarchy"
)

type poolSnapshot struct {
	Kind            string `json:"kind"`
	State           uint8  `json:"state"`
	BaseReserve     string `json:"base_reserve"`
	QuoteReserve    string `json:"quote_reserve"`
	ConditionalMint string `json:"conditional_mint"`
	FinalizeSig     string `json:"finalize_signature,omitempty"`
	FeeBps          int32  `json:"fee_bps,omitempty"`
}

func (p *Pool) serialize(kind string) ([]byte, error) {
	return p.serializeWithFee(kind, 0)
}

func (p *Pool) serializeWithFee(kind string, feeBps int32) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := poolSnapshot{
		Kind:            kind,
		State:           uint8(p.state),
		ConditionalMint: p.conditionalMint,
		FinalizeSig:     p.finalizeSig,
		FeeBps:          feeBps,
	}
	if p.baseReserve != nil {
		snap.BaseReserve = p.baseReserve.String()
	}
	if p.quoteReserve != nil {
		snap.QuoteReserve = p.quoteReserve.String()
	}
	return json.Marshal(snap)
}

func deserializePool(data []byte, expectKind string) (*Pool, error) {
	pool, _, err := deserializePoolWithFee(data)
	if err != nil {
		return nil, err
	}
	return pool, nil
}

func deserializePoolWithFee(data []byte) (*Pool, int32, error) {
	var snap poolSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, 0, futarchy.NewError(futarchy.ErrKindPersistence, "decode pool snapshot: "+err.Error())
	}
	pool := &Pool{
		state:           futarchy.PriceSourceState(snap.State),
		conditionalMint: snap.ConditionalMint,
		finalizeSig:     snap.FinalizeSig,
	}
	if snap.BaseReserve != "" {
		v, ok := new(big.Int).SetString(snap.BaseReserve, 10)
		if !ok {
			return nil, 0, futarchy.NewError(futarchy.ErrKindPersistence, "invalid base reserve in snapshot")
		}
		pool.baseReserve = v
	}
	if snap.QuoteReserve != "" {
		v, ok := new(big.Int).SetString(snap.QuoteReserve, 10)
		if !ok {
			return nil, 0, futarchy.NewError(futarchy.ErrKindPersistence, "invalid quote reserve in snapshot")
		}
		pool.quoteReserve = v
	}
	return pool, snap.FeeBps, nil
}
