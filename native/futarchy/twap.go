package futarchy

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/apd/v2"
)

// TwapOracle is the per-proposal, tick-driven aggregator of N clamped price
// observations. It is a pure numeric core: the only suspension point in its
// API is the price-fetch step inside Crank; clamping and integration are
// local computations.
type TwapOracle struct {
	proposalID  int64
	markets     int
	config      TwapConfig
	createdAt   int64
	finalizedAt int64

	obs          []*apd.Decimal
	agg          []*apd.Decimal
	lastUpdateMs int64

	sources []PriceSource
	bound   bool
}

// NewTwapOracle constructs an oracle for markets in [2,4]. It fails if the
// market count is out of range, the config is invalid, or finalizedAt does
// not strictly follow createdAt.
func NewTwapOracle(proposalID int64, config TwapConfig, markets int, createdAt, finalizedAt int64) (*TwapOracle, error) {
	if markets < 2 || markets > 4 {
		return nil, NewError(ErrKindNumeric, "markets must be within [2,4]")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if finalizedAt <= createdAt {
		return nil, NewError(ErrKindNumeric, "finalizedAt must be strictly after createdAt")
	}

	obs := make([]*apd.Decimal, markets)
	agg := make([]*apd.Decimal, markets)
	for i := 0; i < markets; i++ {
		obs[i] = CloneDecimal(config.InitialTwapValue)
		agg[i] = ZeroDecimal()
	}

	return &TwapOracle{
		proposalID:   proposalID,
		markets:      markets,
		config:       config,
		createdAt:    createdAt,
		finalizedAt:  finalizedAt,
		obs:          obs,
		agg:          agg,
		lastUpdateMs: createdAt,
	}, nil
}

// Markets reports N.
func (o *TwapOracle) Markets() int { return o.markets }

// FinalizedAt reports the oracle's expiry timestamp in ms.
func (o *TwapOracle) FinalizedAt() int64 { return o.finalizedAt }

// CreatedAt reports the oracle's construction timestamp in ms.
func (o *TwapOracle) CreatedAt() int64 { return o.createdAt }

// LastUpdateMs reports the timestamp of the most recent successful crank.
func (o *TwapOracle) LastUpdateMs() int64 { return o.lastUpdateMs }

// MinUpdateIntervalMs reports the configured crank throttle, used by the
// scheduler to reconstruct the twap_crank task's interval on recovery.
func (o *TwapOracle) MinUpdateIntervalMs() int64 { return o.config.MinUpdateIntervalMs }

// BindSources attaches the N PriceSources this oracle observes. Fails if
// already bound or the slice length does not match markets.
func (o *TwapOracle) BindSources(sources []PriceSource) error {
	if o.bound {
		return Wrap(ErrKindState, 0, o.proposalID, ErrAlreadyBound, "bind sources")
	}
	if len(sources) != o.markets {
		return NewError(ErrKindConfig, "source count must equal markets")
	}
	o.sources = append([]PriceSource(nil), sources...)
	o.bound = true
	return nil
}

// Crank performs one observation-and-integration step at wall clock now (ms).
// It is a no-op past finalizedAt, throttled below minUpdateIntervalMs, and
// fails without mutating state if any source's price fetch errors (the
// caller retries on the next tick).
func (o *TwapOracle) Crank(ctx context.Context, now int64) error {
	if now >= o.finalizedAt {
		return nil
	}
	if !o.bound {
		return Wrap(ErrKindState, 0, o.proposalID, ErrUnbound, "crank requires bound sources")
	}
	if now < o.lastUpdateMs+o.config.MinUpdateIntervalMs {
		return nil
	}

	prices := make([]*apd.Decimal, o.markets)
	for i, src := range o.sources {
		price, err := src.FetchPrice(ctx)
		if err != nil {
			return Wrap(ErrKindTransientRPC, 0, o.proposalID, err, "fetch price")
		}
		prices[i] = price
	}

	newObs := make([]*apd.Decimal, o.markets)
	for i := range newObs {
		newObs[i] = clampObservation(o.obs[i], prices[i], o.config.TwapMaxObservationChangePerUpdate)
	}

	twapStart := o.createdAt + o.config.TwapStartDelayMs
	if now > twapStart {
		effectiveLast := maxInt64(o.lastUpdateMs, twapStart)
		effectiveNow := minInt64(now, o.finalizedAt)
		dt := effectiveNow - effectiveLast
		if dt > 0 {
			dtDec := msToDecimal(dt)
			for i := range o.agg {
				o.agg[i] = decAdd(o.agg[i], decMul(newObs[i], dtDec))
			}
		}
	}

	o.obs = newObs
	o.lastUpdateMs = now
	return nil
}

// clampObservation applies the bounded-rate clamp rule for a single
// market.
func clampObservation(prevObs, price, maxChange *apd.Decimal) *apd.Decimal {
	if maxChange == nil {
		return CloneDecimal(price)
	}
	if price.Cmp(prevObs) > 0 {
		return decMin(price, decAdd(prevObs, maxChange))
	}
	floor := decMax(ZeroDecimal(), decSub(prevObs, maxChange))
	return decMax(price, floor)
}

// FetchTwaps returns the per-market TWAPs and the underlying cumulative
// aggregations as of now (clamped to finalizedAt). Before the TWAP start
// delay has elapsed, twaps equal the current (possibly still-initial)
// observations and aggregations are zero.
func (o *TwapOracle) FetchTwaps(now int64) ([]*apd.Decimal, []*apd.Decimal, error) {
	twapStart := o.createdAt + o.config.TwapStartDelayMs
	effectiveNow := minInt64(now, o.finalizedAt)

	aggs := make([]*apd.Decimal, o.markets)
	for i := range aggs {
		aggs[i] = CloneDecimal(o.agg[i])
	}

	if effectiveNow <= twapStart {
		twaps := make([]*apd.Decimal, o.markets)
		for i := range twaps {
			twaps[i] = CloneDecimal(o.obs[i])
			aggs[i] = ZeroDecimal()
		}
		return twaps, aggs, nil
	}

	dt := effectiveNow - twapStart
	dtDec := msToDecimal(dt)
	twaps := make([]*apd.Decimal, o.markets)
	for i := range twaps {
		twap, err := decQuo(o.agg[i], dtDec)
		if err != nil {
			return nil, nil, err
		}
		twaps[i] = twap
	}
	return twaps, aggs, nil
}

// FetchHighestIndex returns the argmax market index over the TWAPs at now,
// breaking ties by lowest index.
func (o *TwapOracle) FetchHighestIndex(now int64) (int, error) {
	twaps, _, err := o.FetchTwaps(now)
	if err != nil {
		return 0, err
	}
	best := 0
	for i := 1; i < len(twaps); i++ {
		if twaps[i].Cmp(twaps[best]) > 0 {
			best = i
		}
	}
	return best, nil
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// twapOracleSnapshot is the JSON-serializable form of TwapOracle used by
// Serialize/Deserialize. Decimals are rendered as strings to avoid any
// float round-trip through the encoder.
type twapOracleSnapshot struct {
	ProposalID          int64  `json:"proposal_id"`
	Markets             int    `json:"markets"`
	InitialTwapValue    string `json:"initial_twap_value"`
	MaxObservationDelta string `json:"max_observation_delta,omitempty"`
	TwapStartDelayMs    int64  `json:"twap_start_delay_ms"`
	PassThresholdBps    int32  `json:"pass_threshold_bps"`
	MinUpdateIntervalMs int64  `json:"min_update_interval_ms"`
	CreatedAt           int64  `json:"created_at"`
	FinalizedAt         int64  `json:"finalized_at"`
	Observations        []string `json:"observations"`
	Aggregations        []string `json:"aggregations"`
	LastUpdateMs        int64  `json:"last_update_ms"`
}

// Serialize renders the oracle's state for persistence. Bound PriceSources
// are not part of the snapshot; callers re-bind them after Deserialize.
func (o *TwapOracle) Serialize() ([]byte, error) {
	snap := twapOracleSnapshot{
		ProposalID:          o.proposalID,
		Markets:             o.markets,
		InitialTwapValue:    o.config.InitialTwapValue.String(),
		TwapStartDelayMs:    o.config.TwapStartDelayMs,
		PassThresholdBps:    o.config.PassThresholdBps,
		MinUpdateIntervalMs: o.config.MinUpdateIntervalMs,
		CreatedAt:           o.createdAt,
		FinalizedAt:         o.finalizedAt,
		LastUpdateMs:        o.lastUpdateMs,
	}
	if o.config.TwapMaxObservationChangePerUpdate != nil {
		snap.MaxObservationDelta = o.config.TwapMaxObservationChangePerUpdate.String()
	}
	for i := range o.obs {
		snap.Observations = append(snap.Observations, o.obs[i].String())
		snap.Aggregations = append(snap.Aggregations, o.agg[i].String())
	}
	return json.Marshal(snap)
}

// DeserializeTwapOracle rebuilds an oracle from its serialized snapshot.
// Sources must be re-bound by the caller via BindSources.
func DeserializeTwapOracle(data []byte) (*TwapOracle, error) {
	var snap twapOracleSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, NewError(ErrKindPersistence, "decode twap oracle snapshot: "+err.Error())
	}
	initial, err := ParseDecimal(snap.InitialTwapValue)
	if err != nil {
		return nil, err
	}
	cfg := TwapConfig{
		InitialTwapValue:    initial,
		TwapStartDelayMs:    snap.TwapStartDelayMs,
		PassThresholdBps:    snap.PassThresholdBps,
		MinUpdateIntervalMs: snap.MinUpdateIntervalMs,
	}
	if snap.MaxObservationDelta != "" {
		maxChange, err := ParseDecimal(snap.MaxObservationDelta)
		if err != nil {
			return nil, err
		}
		cfg.TwapMaxObservationChangePerUpdate = maxChange
	}

	o := &TwapOracle{
		proposalID:   snap.ProposalID,
		markets:      snap.Markets,
		config:       cfg,
		createdAt:    snap.CreatedAt,
		finalizedAt:  snap.FinalizedAt,
		lastUpdateMs: snap.LastUpdateMs,
	}
	o.obs = make([]*apd.Decimal, len(snap.Observations))
	for i, s := range snap.Observations {
		d, err := ParseDecimal(s)
		if err != nil {
			return nil, err
		}
		o.obs[i] = d
	}
	o.agg = make([]*apd.Decimal, len(snap.Aggregations))
	for i, s := range snap.Aggregations {
		d, err := ParseDecimal(s)
		if err != nil {
			return nil, err
		}
		o.agg[i] = d
	}
	return o, nil
}
