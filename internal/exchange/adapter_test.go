package exchange

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"

	"signalmill/internal/clock"
	"signalmill/internal/schema"
	"signalmill/internal/store"
	"signalmill/pkg/types"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSource serves synthetic 1m candles and counts upstream calls.
type fakeSource struct {
	calls   int
	candles []types.Candle
	err     error
}

func (f *fakeSource) getCandles(_ context.Context, _ string, _ types.Interval, since int64, limit int, _ bool) ([]types.Candle, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []types.Candle
	for _, c := range f.candles {
		if c.Time >= since && len(out) < limit {
			out = append(out, c)
		}
	}
	return out, nil
}

func minuteCandles(start int64, closes ...float64) []types.Candle {
	out := make([]types.Candle, len(closes))
	for i, c := range closes {
		out[i] = types.Candle{
			Time:   start + int64(i)*60_000,
			Open:   c,
			High:   c + 1,
			Low:    c - 1,
			Close:  c,
			Volume: 10,
		}
	}
	return out
}

func newTestAdapter(t *testing.T, src *fakeSource, cache *store.Store) *Adapter {
	t.Helper()
	a, err := New(schema.Exchange{ExchangeName: "fake", GetCandles: src.getCandles}, cache, discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func backtestCtx(when int64) context.Context {
	return clock.With(context.Background(), clock.Scope{Symbol: "BTCUSDT", When: when, Backtest: true})
}

func TestCandlesFiltersBeyondClock(t *testing.T) {
	t.Parallel()

	src := &fakeSource{candles: minuteCandles(0, 100, 101, 102, 103, 104, 105)}
	a := newTestAdapter(t, src, nil)

	// Clock at the close of the fourth candle: bars 4 and 5 are the future.
	ctx := backtestCtx(4 * 60_000)
	candles, err := a.Candles(ctx, "BTCUSDT", types.Interval1m, 10)
	if err != nil {
		t.Fatalf("Candles: %v", err)
	}
	if len(candles) != 4 {
		t.Fatalf("got %d candles, want 4", len(candles))
	}
	for _, c := range candles {
		if c.CloseTime(types.Interval1m) > 4*60_000 {
			t.Errorf("candle closing at %d leaked past clock", c.CloseTime(types.Interval1m))
		}
	}
}

func TestRawCandlesRejectsLookAheadBeforeIO(t *testing.T) {
	t.Parallel()

	src := &fakeSource{candles: minuteCandles(0, 100, 101)}
	a := newTestAdapter(t, src, nil)
	ctx := backtestCtx(60_000)

	_, err := a.RawCandles(ctx, "BTCUSDT", types.Interval1m, 0, 0, 120_000)
	if !errors.Is(err, ErrLookAhead) {
		t.Fatalf("err = %v, want ErrLookAhead", err)
	}
	if src.calls != 0 {
		t.Errorf("upstream called %d times before look-ahead validation", src.calls)
	}

	// Implied end via sDate+limit also counts.
	_, err = a.RawCandles(ctx, "BTCUSDT", types.Interval1m, 5, 0, 0)
	if err != nil {
		t.Errorf("in-range raw fetch failed: %v", err)
	}
	_, err = a.RawCandles(ctx, "BTCUSDT", types.Interval1m, 5, 60_000, 0)
	if !errors.Is(err, ErrLookAhead) {
		t.Errorf("implied end: err = %v, want ErrLookAhead", err)
	}
}

func TestNextCandlesBacktestOnly(t *testing.T) {
	t.Parallel()

	src := &fakeSource{candles: minuteCandles(0, 100, 101, 102)}
	a := newTestAdapter(t, src, nil)

	liveCtx := clock.With(context.Background(), clock.Scope{When: 60_000, Backtest: false})
	if _, err := a.NextCandles(liveCtx, "BTCUSDT", types.Interval1m, 2); !errors.Is(err, ErrLookAhead) {
		t.Errorf("live NextCandles err = %v, want ErrLookAhead", err)
	}

	candles, err := a.NextCandles(backtestCtx(60_000), "BTCUSDT", types.Interval1m, 2)
	if err != nil {
		t.Fatalf("backtest NextCandles: %v", err)
	}
	if len(candles) != 2 || candles[0].Time != 60_000 {
		t.Errorf("candles = %+v", candles)
	}
}

func TestAveragePriceVWAP(t *testing.T) {
	t.Parallel()

	// Five 1m bars with distinct typical prices and volumes.
	src := &fakeSource{candles: []types.Candle{
		{Time: 0, High: 102, Low: 98, Close: 100, Volume: 1},
		{Time: 60_000, High: 104, Low: 100, Close: 102, Volume: 2},
		{Time: 120_000, High: 106, Low: 102, Close: 104, Volume: 3},
		{Time: 180_000, High: 108, Low: 104, Close: 106, Volume: 2},
		{Time: 240_000, High: 110, Low: 106, Close: 108, Volume: 2},
	}}
	a := newTestAdapter(t, src, nil)

	got, err := a.AveragePrice(backtestCtx(5*60_000), "BTCUSDT")
	if err != nil {
		t.Fatalf("AveragePrice: %v", err)
	}

	var notional, volume float64
	for _, c := range src.candles {
		tp := (c.High + c.Low + c.Close) / 3
		notional += tp * c.Volume
		volume += c.Volume
	}
	if want := notional / volume; math.Abs(got-want) > 1e-9 {
		t.Errorf("VWAP = %v, want %v", got, want)
	}
}

func TestAveragePriceZeroVolumeFallsBackToClose(t *testing.T) {
	t.Parallel()

	candles := minuteCandles(0, 100, 101, 102)
	for i := range candles {
		candles[i].Volume = 0
	}
	a := newTestAdapter(t, &fakeSource{candles: candles}, nil)

	got, err := a.AveragePrice(backtestCtx(3*60_000), "BTCUSDT")
	if err != nil {
		t.Fatalf("AveragePrice: %v", err)
	}
	if got != 102 {
		t.Errorf("fallback = %v, want last close 102", got)
	}
}

func TestUnknownIntervalRejectedBeforeIO(t *testing.T) {
	t.Parallel()

	src := &fakeSource{candles: minuteCandles(0, 100, 101)}
	a := newTestAdapter(t, src, nil)
	ctx := backtestCtx(60_000)

	if _, err := a.Candles(ctx, "BTCUSDT", types.Interval("2m"), 1); !errors.Is(err, ErrExchange) {
		t.Errorf("Candles err = %v, want ErrExchange", err)
	}
	if _, err := a.NextCandles(ctx, "BTCUSDT", types.Interval("2m"), 1); !errors.Is(err, ErrExchange) {
		t.Errorf("NextCandles err = %v, want ErrExchange", err)
	}
	// RawCandles with a computed range must not divide by the zero length of
	// an unknown interval.
	if _, err := a.RawCandles(ctx, "BTCUSDT", types.Interval("2m"), 0, 0, 60_000); !errors.Is(err, ErrExchange) {
		t.Errorf("RawCandles err = %v, want ErrExchange", err)
	}
	if src.calls != 0 {
		t.Errorf("upstream called %d times for unknown interval", src.calls)
	}
}

func TestUpstreamFailureWrapsExchangeError(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t, &fakeSource{err: errors.New("conn reset")}, nil)

	_, err := a.Candles(backtestCtx(60_000), "BTCUSDT", types.Interval1m, 1)
	if !errors.Is(err, ErrExchange) {
		t.Errorf("err = %v, want ErrExchange", err)
	}
}

func TestBacktestCandleCache(t *testing.T) {
	t.Parallel()

	cache, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	src := &fakeSource{candles: minuteCandles(0, 100, 101, 102, 103, 104, 105)}
	a := newTestAdapter(t, src, cache)

	ctx := backtestCtx(5 * 60_000)
	first, err := a.Candles(ctx, "BTCUSDT", types.Interval1m, 3)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	calls := src.calls

	second, err := a.Candles(ctx, "BTCUSDT", types.Interval1m, 3)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if src.calls != calls {
		t.Errorf("cache miss on identical backtest fetch: %d -> %d upstream calls", calls, src.calls)
	}
	if len(first) != len(second) {
		t.Errorf("cached result differs: %d vs %d", len(first), len(second))
	}
}
