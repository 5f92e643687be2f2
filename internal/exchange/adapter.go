// Package exchange wraps a registered exchange schema behind the adapter
// the tick engine queries for prices.
//
// The adapter's job is discipline, not data: every method resolves the
// execution clock from the context and refuses to look past it, upstream
// fetches are rate-limited and retried with exponential backoff, and
// backtest fetches are cached write-through in the persistence store so a
// replay never refetches the same range.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"signalmill/internal/clock"
	"signalmill/internal/schema"
	"signalmill/internal/store"
	"signalmill/pkg/types"
)

var (
	// ErrLookAhead is raised before any I/O when a request would read
	// candles beyond the execution clock.
	ErrLookAhead = errors.New("exchange: request reaches past execution clock")
	// ErrExchange wraps upstream data-source failures.
	ErrExchange = errors.New("exchange: upstream failure")
)

// CandleCacheNamespace is the store namespace backtest fetches are cached in.
const CandleCacheNamespace = "candles"

// vwapBars is the number of trailing 1m candles the VWAP averages over.
const vwapBars = 5

// Adapter wraps one exchange schema.
type Adapter struct {
	ex      schema.Exchange
	cache   *store.Store // nil disables the backtest candle cache
	limiter *rate.Limiter
	retries uint
	logger  *slog.Logger
}

// New creates an adapter over a registered exchange schema. cache may be nil.
func New(ex schema.Exchange, cache *store.Store, logger *slog.Logger) (*Adapter, error) {
	if cache != nil {
		if err := cache.WaitForInit(CandleCacheNamespace, validCandleBlob); err != nil {
			return nil, err
		}
	}
	return &Adapter{
		ex:    ex,
		cache: cache,
		// Generous default: upstream sources throttle around tens of
		// requests per second for public market data.
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		retries: 3,
		logger:  logger.With("component", "exchange", "exchange", ex.ExchangeName),
	}, nil
}

// Name returns the wrapped exchange's registered name.
func (a *Adapter) Name() string {
	return a.ex.ExchangeName
}

func validCandleBlob(data []byte) error {
	var candles []types.Candle
	return json.Unmarshal(data, &candles)
}

// Candles returns the most recent limit candles whose close is at or before
// the execution clock.
func (a *Adapter) Candles(ctx context.Context, symbol string, interval types.Interval, limit int) ([]types.Candle, error) {
	if !interval.Valid() {
		return nil, fmt.Errorf("unknown interval %q: %w", interval, ErrExchange)
	}
	when := clock.Now(ctx)
	// Over-fetch one bar so a partially formed head candle never starves
	// the window after the close-time filter.
	since := when - int64(limit+1)*interval.Millis()

	candles, err := a.fetch(ctx, symbol, interval, since, limit+1)
	if err != nil {
		return nil, err
	}

	filtered := candles[:0:0]
	for _, c := range candles {
		if c.CloseTime(interval) <= when {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered, nil
}

// NextCandles returns candles forward of the execution clock. Only the tick
// engine replaying a backtest may call it: it owns the clock advancement, so
// reading ahead is bookkeeping rather than bias.
func (a *Adapter) NextCandles(ctx context.Context, symbol string, interval types.Interval, limit int) ([]types.Candle, error) {
	if !interval.Valid() {
		return nil, fmt.Errorf("unknown interval %q: %w", interval, ErrExchange)
	}
	if !clock.Backtest(ctx) {
		return nil, fmt.Errorf("next candles outside backtest replay: %w", ErrLookAhead)
	}
	when := clock.Now(ctx)
	return a.fetch(ctx, symbol, interval, when, limit)
}

// RawCandles fetches a flexible range. The resolved end of the range must
// not exceed the execution clock; violations fail with ErrLookAhead before
// any I/O happens. sDate/eDate are ms UTC, 0 meaning unset.
func (a *Adapter) RawCandles(ctx context.Context, symbol string, interval types.Interval, limit int, sDate, eDate int64) ([]types.Candle, error) {
	if !interval.Valid() {
		return nil, fmt.Errorf("unknown interval %q: %w", interval, ErrExchange)
	}
	when := clock.Now(ctx)

	end := eDate
	if end == 0 {
		switch {
		case sDate > 0 && limit > 0:
			end = sDate + int64(limit)*interval.Millis()
		default:
			end = when
		}
	}
	if end > when {
		return nil, fmt.Errorf("range end %d past clock %d: %w", end, when, ErrLookAhead)
	}

	since := sDate
	if since == 0 {
		if limit <= 0 {
			limit = 100
		}
		since = end - int64(limit)*interval.Millis()
	}
	if limit <= 0 {
		limit = int((end - since) / interval.Millis())
	}

	candles, err := a.fetch(ctx, symbol, interval, since, limit)
	if err != nil {
		return nil, err
	}

	filtered := candles[:0:0]
	for _, c := range candles {
		if c.CloseTime(interval) <= end {
			filtered = append(filtered, c)
		}
	}
	return filtered, nil
}

// AveragePrice returns the VWAP over the last five 1m candles, using the
// typical price (H+L+C)/3 weighted by volume. With zero traded volume the
// VWAP is undefined and the last close is returned instead.
func (a *Adapter) AveragePrice(ctx context.Context, symbol string) (float64, error) {
	candles, err := a.Candles(ctx, symbol, types.Interval1m, vwapBars)
	if err != nil {
		return 0, err
	}
	if len(candles) == 0 {
		return 0, fmt.Errorf("no candles for %s: %w", symbol, ErrExchange)
	}

	var notional, volume float64
	for _, c := range candles {
		typical := (c.High + c.Low + c.Close) / 3
		notional += typical * c.Volume
		volume += c.Volume
	}
	if volume == 0 {
		return candles[len(candles)-1].Close, nil
	}
	return notional / volume, nil
}

// FormatPrice renders a price with the schema's formatter, or the plain
// float when none is registered.
func (a *Adapter) FormatPrice(symbol string, price float64) string {
	if a.ex.FormatPrice != nil {
		return a.ex.FormatPrice(symbol, price)
	}
	return fmt.Sprintf("%v", price)
}

// FormatQuantity renders a quantity with the schema's formatter.
func (a *Adapter) FormatQuantity(symbol string, quantity float64) string {
	if a.ex.FormatQuantity != nil {
		return a.ex.FormatQuantity(symbol, quantity)
	}
	return fmt.Sprintf("%v", quantity)
}

// fetch pulls candles from the schema with rate limiting and retry,
// consulting the backtest cache first.
func (a *Adapter) fetch(ctx context.Context, symbol string, interval types.Interval, since int64, limit int) ([]types.Candle, error) {
	backtest := clock.Backtest(ctx)

	var cacheKey string
	if backtest && a.cache != nil {
		cacheKey = fmt.Sprintf("%s:%s:%s:%d:%d", a.ex.ExchangeName, symbol, interval, since, limit)
		if blob, err := a.cache.Read(CandleCacheNamespace, cacheKey); err == nil {
			var candles []types.Candle
			if json.Unmarshal(blob, &candles) == nil {
				return candles, nil
			}
		}
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	candles, err := backoff.Retry(ctx, func() ([]types.Candle, error) {
		return a.ex.GetCandles(ctx, symbol, interval, since, limit, backtest)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(a.retries))
	if err != nil {
		return nil, fmt.Errorf("get candles %s/%s: %w: %w", symbol, interval, ErrExchange, err)
	}

	if cacheKey != "" {
		if blob, err := json.Marshal(candles); err == nil {
			if err := a.cache.Write(CandleCacheNamespace, cacheKey, blob); err != nil {
				a.logger.Warn("candle cache write failed", "key", cacheKey, "error", err)
			}
		}
	}
	return candles, nil
}
