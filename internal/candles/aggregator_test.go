package candles

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/trade-terminal/internal/errs"
	"github.com/and161185/trade-terminal/internal/model"
)

func trade(sym string, ts int64, price int64) model.Trade {
	return model.Trade{Symbol: sym, Price: decimal.NewFromInt(price), Volume: decimal.NewFromInt(1), Timestamp: time.Unix(ts, 0)}
}

func feedAll(t *testing.T, a *Aggregator, trades ...model.Trade) {
	t.Helper()
	for _, tr := range trades {
		require.NoError(t, a.Feed(context.Background(), tr))
	}
}

func requireOHLC(t *testing.T, c model.Candle, openTime, o, h, l, cl int64) {
	t.Helper()
	require.Equal(t, openTime, c.OpenTime)
	require.True(t, c.Open.Equal(decimal.NewFromInt(o)), "open %s", c.Open)
	require.True(t, c.High.Equal(decimal.NewFromInt(h)), "high %s", c.High)
	require.True(t, c.Low.Equal(decimal.NewFromInt(l)), "low %s", c.Low)
	require.True(t, c.Close.Equal(decimal.NewFromInt(cl)), "close %s", c.Close)
}

func TestAggregator_OneMinuteRollover(t *testing.T) {
	t.Parallel()
	a := New(zaptest.NewLogger(t), WithTimeframes(model.TF1m))
	defer a.Close()

	closed, cancel := a.Subscribe()
	defer cancel()

	feedAll(t, a,
		trade("SOL", 0, 10),
		trade("SOL", 15, 12),
		trade("SOL", 45, 9),
		trade("SOL", 60, 11),
	)

	got := <-closed
	require.Equal(t, "SOL", got.Symbol)
	require.Equal(t, model.TF1m, got.Timeframe)
	requireOHLC(t, got, 0, 10, 12, 9, 9)
	require.True(t, got.Volume.Equal(decimal.NewFromInt(3)))

	cs, err := a.Candles(context.Background(), "SOL", model.TF1m, 0)
	require.NoError(t, err)
	require.Len(t, cs, 2)
	requireOHLC(t, cs[0], 0, 10, 12, 9, 9)
	requireOHLC(t, cs[1], 60, 11, 11, 11, 11)
}

func TestAggregator_LateTrades(t *testing.T) {
	t.Parallel()
	a := New(zaptest.NewLogger(t), WithTimeframes(model.TF1m), WithRingSize(2))
	defer a.Close()

	feedAll(t, a,
		trade("BTC", 0, 100),
		trade("BTC", 60, 101),
		trade("BTC", 120, 102),
		trade("BTC", 180, 103),
	)
	// bucket 60 is still in the ring; the late print widens it
	feedAll(t, a, trade("BTC", 70, 150), trade("BTC", 75, 50))
	// bucket 0 was evicted
	feedAll(t, a, trade("BTC", 30, 99))
	require.EqualValues(t, 1, a.StaleTicks())

	cs, err := a.Candles(context.Background(), "BTC", model.TF1m, 10)
	require.NoError(t, err)
	require.Len(t, cs, 3)
	requireOHLC(t, cs[0], 60, 101, 150, 50, 101)
	requireOHLC(t, cs[1], 120, 102, 102, 102, 102)
	requireOHLC(t, cs[2], 180, 103, 103, 103, 103)

	// a late trade for the open bucket's predecessor does not reopen it
	feedAll(t, a, trade("BTC", 130, 1))
	cs, err = a.Candles(context.Background(), "BTC", model.TF1m, 1)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	require.EqualValues(t, 180, cs[0].OpenTime)
}

func TestAggregator_InvariantsUnderRandomFeed(t *testing.T) {
	t.Parallel()
	a := New(zaptest.NewLogger(t), WithRingSize(50))
	defer a.Close()

	closed, cancel := a.Subscribe()
	defer cancel()

	stop := make(chan struct{})
	result := make(chan bool, 1)
	go func() {
		last := map[model.Timeframe]int64{}
		ordered := true
		for {
			select {
			case c := <-closed:
				if prev, ok := last[c.Timeframe]; ok && c.OpenTime <= prev {
					ordered = false
				}
				last[c.Timeframe] = c.OpenTime
			case <-stop:
				result <- ordered && len(last) > 0
				return
			}
		}
	}()

	rng := rand.New(rand.NewSource(7))
	ts := int64(1_700_000_000)
	for i := 0; i < 3000; i++ {
		// mostly forward, sometimes up to five minutes back
		ts += rng.Int63n(90) - 20
		require.NoError(t, a.Feed(context.Background(), trade("ETH", ts-rng.Int63n(2)*rng.Int63n(300), 1+rng.Int63n(1000))))
	}

	for _, tf := range model.Timeframes {
		cs, err := a.Candles(context.Background(), "ETH", tf, MaxLimit)
		require.NoError(t, err)
		require.NotEmpty(t, cs)
		for i, c := range cs {
			require.Zero(t, c.OpenTime%tf.Seconds(), "alignment")
			require.True(t, c.Low.LessThanOrEqual(c.Open) && c.Open.LessThanOrEqual(c.High))
			require.True(t, c.Low.LessThanOrEqual(c.Close) && c.Close.LessThanOrEqual(c.High))
			if i > 0 {
				require.Greater(t, c.OpenTime, cs[i-1].OpenTime)
			}
		}
	}

	close(stop)
	require.True(t, <-result, "emitted closes must strictly increase per timeframe")
}

func TestAggregator_Queries(t *testing.T) {
	t.Parallel()
	a := New(zaptest.NewLogger(t))

	cs, err := a.Candles(context.Background(), "NOPE", model.TF1h, 10)
	require.NoError(t, err)
	require.Empty(t, cs)

	_, err = a.Candles(context.Background(), "NOPE", model.Timeframe("2m"), 10)
	require.ErrorIs(t, err, errs.ErrInvalidInput)

	require.ErrorIs(t, a.Feed(context.Background(), trade("SOL", 0, 0)), errs.ErrInvalidInput)

	feedAll(t, a, trade("SOL", 3600*5+10, 20))
	cs, err = a.Candles(context.Background(), "SOL", model.TF4h, 10)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	require.EqualValues(t, 3600*4, cs[0].OpenTime)

	a.Close()
	a.Close()
	require.ErrorIs(t, a.Feed(context.Background(), trade("SOL", 1, 1)), ErrClosed)
}

func TestAggregator_RunConsumesTicks(t *testing.T) {
	t.Parallel()
	a := New(zaptest.NewLogger(t), WithTimeframes(model.TF1m))
	defer a.Close()

	ticks := make(chan model.PriceTick, 2)
	ticks <- model.PriceTick{Symbol: "SOL", PriceUSD: decimal.NewFromInt(5), Timestamp: time.Unix(120, 0)}
	ticks <- model.PriceTick{Symbol: "SOL", PriceUSD: decimal.NewFromInt(7), Timestamp: time.Unix(130, 0)}
	close(ticks)
	a.Run(context.Background(), ticks)

	cs, err := a.Candles(context.Background(), "SOL", model.TF1m, 5)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	requireOHLC(t, cs[0], 120, 5, 7, 5, 7)
	require.True(t, cs[0].Volume.IsZero())
}

func TestBucketStart(t *testing.T) {
	t.Parallel()
	require.EqualValues(t, 0, bucketStart(59, 60))
	require.EqualValues(t, 60, bucketStart(60, 60))
	require.EqualValues(t, -60, bucketStart(-1, 60))
	require.EqualValues(t, -60, bucketStart(-60, 60))
}
