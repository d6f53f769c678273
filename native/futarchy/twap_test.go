package futarchy

import (
	"context"
	"math/big"
	"testing"

	"github.com/cockroachdb/apd/v2"
	"github.com/stretchr/testify/require"
)

// scriptedSource implements PriceSource with a preset price per call index;
// only FetchPrice is exercised by TwapOracle.Crank in these tests.
type scriptedSource struct {
	prices []string
	calls  int
}

func (s *scriptedSource) Initialize(ctx context.Context, baseAmount, quoteAmount *big.Int) error {
	return nil
}
func (s *scriptedSource) State() PriceSourceState { return SourceTrading }
func (s *scriptedSource) FetchPrice(ctx context.Context) (*apd.Decimal, error) {
	if s.calls >= len(s.prices) {
		return MustDecimal(s.prices[len(s.prices)-1]), nil
	}
	v := s.prices[s.calls]
	s.calls++
	return MustDecimal(v), nil
}
func (s *scriptedSource) FetchLiquidity(ctx context.Context) (*big.Int, error) { return nil, nil }
func (s *scriptedSource) RemoveLiquidity(ctx context.Context) (string, error)  { return "removed", nil }
func (s *scriptedSource) Serialize() ([]byte, error)                          { return nil, nil }

func basicConfig(initial string, maxChange string, startDelay, minInterval int64) TwapConfig {
	cfg := TwapConfig{
		InitialTwapValue:    MustDecimal(initial),
		TwapStartDelayMs:    startDelay,
		MinUpdateIntervalMs: minInterval,
	}
	if maxChange != "" {
		cfg.TwapMaxObservationChangePerUpdate = MustDecimal(maxChange)
	}
	return cfg
}

func TestTwapOracleTwoMarketNoClamp(t *testing.T) {
	cfg := basicConfig("0.5", "", 0, 1000)
	o, err := NewTwapOracle(1, cfg, 2, 0, 10000)
	require.NoError(t, err)

	m0 := &scriptedSource{prices: []string{"0.6", "0.7"}}
	m1 := &scriptedSource{prices: []string{"0.4", "0.3"}}
	require.NoError(t, o.BindSources([]PriceSource{m0, m1}))

	ctx := context.Background()
	require.NoError(t, o.Crank(ctx, 1000))
	require.NoError(t, o.Crank(ctx, 2000))

	require.Equal(t, 0, o.agg[0].Cmp(MustDecimal("1300")), o.agg[0].Text('f'))
	require.Equal(t, 0, o.agg[1].Cmp(MustDecimal("700")), o.agg[1].Text('f'))

	twaps, _, err := o.FetchTwaps(2000)
	require.NoError(t, err)
	require.Equal(t, "0.65", twaps[0].Text('f'))
	require.Equal(t, "0.35", twaps[1].Text('f'))

	idx, err := o.FetchHighestIndex(2000)
	require.NoError(t, err)
	require.Equal(t, 0, idx)
}

func TestTwapOracleClampSaturates(t *testing.T) {
	cfg := basicConfig("0.5", "0.05", 0, 1000)
	o, err := NewTwapOracle(1, cfg, 2, 0, 10000)
	require.NoError(t, err)

	m0 := &scriptedSource{prices: []string{"1.0"}}
	m1 := &scriptedSource{prices: []string{"0.5"}}
	require.NoError(t, o.BindSources([]PriceSource{m0, m1}))

	require.NoError(t, o.Crank(context.Background(), 1000))
	require.Equal(t, "0.55", o.obs[0].Text('f'))
}

func TestTwapOracleStartDelayGating(t *testing.T) {
	cfg := basicConfig("0.5", "", 5000, 500)
	o, err := NewTwapOracle(1, cfg, 2, 0, 10000)
	require.NoError(t, err)

	m0 := &scriptedSource{prices: []string{"0.6", "0.7", "0.8"}}
	m1 := &scriptedSource{prices: []string{"0.4", "0.3", "0.2"}}
	require.NoError(t, o.BindSources([]PriceSource{m0, m1}))

	ctx := context.Background()
	require.NoError(t, o.Crank(ctx, 1000))
	require.True(t, o.agg[0].Sign() == 0)
	require.NoError(t, o.Crank(ctx, 3000))
	require.True(t, o.agg[0].Sign() == 0)

	require.NoError(t, o.Crank(ctx, 6000))
	require.Equal(t, 0, o.agg[0].Cmp(MustDecimal("800")), o.agg[0].Text('f'))
}

func TestTwapOraclePostFinalizationFreeze(t *testing.T) {
	cfg := basicConfig("0.5", "", 0, 500)
	o, err := NewTwapOracle(1, cfg, 2, 0, 10000)
	require.NoError(t, err)

	m0 := &scriptedSource{prices: []string{"0.6", "0.7", "0.8"}}
	m1 := &scriptedSource{prices: []string{"0.4", "0.3", "0.2"}}
	require.NoError(t, o.BindSources([]PriceSource{m0, m1}))

	ctx := context.Background()
	require.NoError(t, o.Crank(ctx, 9500))
	lastUpdate := o.lastUpdateMs
	aggBefore := CloneDecimal(o.agg[0])

	require.NoError(t, o.Crank(ctx, 10000))
	require.NoError(t, o.Crank(ctx, 11000))
	require.Equal(t, lastUpdate, o.lastUpdateMs)
	require.True(t, aggBefore.Cmp(o.agg[0]) == 0)

	twaps, _, err := o.FetchTwaps(15000)
	require.NoError(t, err)
	require.NotNil(t, twaps)
}

func TestTwapOracleRejectsOutOfRangeMarketCount(t *testing.T) {
	cfg := basicConfig("0.5", "", 0, 1000)
	_, err := NewTwapOracle(1, cfg, 1, 0, 10000)
	require.Error(t, err)
	_, err = NewTwapOracle(1, cfg, 5, 0, 10000)
	require.Error(t, err)
	_, err = NewTwapOracle(1, cfg, 4, 0, 10000)
	require.NoError(t, err)
}

func TestTwapOracleMinUpdateIntervalZeroRunsEveryTick(t *testing.T) {
	cfg := basicConfig("0.5", "", 0, 0)
	o, err := NewTwapOracle(1, cfg, 2, 0, 10000)
	require.NoError(t, err)
	m0 := &scriptedSource{prices: []string{"0.6", "0.65"}}
	m1 := &scriptedSource{prices: []string{"0.4", "0.35"}}
	require.NoError(t, o.BindSources([]PriceSource{m0, m1}))

	ctx := context.Background()
	require.NoError(t, o.Crank(ctx, 1))
	require.NoError(t, o.Crank(ctx, 2))
	require.Equal(t, int64(2), o.lastUpdateMs)
}

func TestTwapOracleMaxChangeZeroFreezes(t *testing.T) {
	cfg := basicConfig("0.5", "0", 0, 1000)
	o, err := NewTwapOracle(1, cfg, 2, 0, 10000)
	require.NoError(t, err)
	m0 := &scriptedSource{prices: []string{"0.9"}}
	m1 := &scriptedSource{prices: []string{"0.1"}}
	require.NoError(t, o.BindSources([]PriceSource{m0, m1}))

	require.NoError(t, o.Crank(context.Background(), 1000))
	require.Equal(t, "0.5", o.obs[0].Text('f'))
	require.Equal(t, "0.5", o.obs[1].Text('f'))
}

func TestFetchHighestIndexTiesBreakLowest(t *testing.T) {
	cfg := basicConfig("0.5", "", 0, 1000)
	o, err := NewTwapOracle(1, cfg, 3, 0, 10000)
	require.NoError(t, err)
	idx, err := o.FetchHighestIndex(0)
	require.NoError(t, err)
	require.Equal(t, 0, idx)
}

func TestTwapOracleSerializeRoundTrip(t *testing.T) {
	cfg := basicConfig("0.5", "0.1", 0, 1000)
	o, err := NewTwapOracle(7, cfg, 2, 0, 10000)
	require.NoError(t, err)
	m0 := &scriptedSource{prices: []string{"0.6"}}
	m1 := &scriptedSource{prices: []string{"0.4"}}
	require.NoError(t, o.BindSources([]PriceSource{m0, m1}))
	require.NoError(t, o.Crank(context.Background(), 1000))

	data, err := o.Serialize()
	require.NoError(t, err)

	restored, err := DeserializeTwapOracle(data)
	require.NoError(t, err)
	require.Equal(t, o.lastUpdateMs, restored.LastUpdateMs())
	require.Equal(t, o.markets, restored.Markets())
	require.Equal(t, o.agg[0].Text('f'), restored.agg[0].Text('f'))
}
