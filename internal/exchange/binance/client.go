// Package binance implements the reference exchange schema over the Binance
// spot API: kline history via REST and live closed candles via WebSocket.
//
// The REST client wraps resty with retry on 5xx and parses Binance's
// positional kline arrays into Candle rows. Price and quantity formatting
// follow the symbol's PRICE_FILTER tick and LOT_SIZE step, fetched lazily
// from /api/v3/exchangeInfo and cached per symbol.
package binance

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"signalmill/internal/schema"
	"signalmill/pkg/types"
)

// Name is the registered exchange name.
const Name = "binance"

// Client is the Binance spot REST client.
type Client struct {
	http   *resty.Client
	logger *slog.Logger

	mu      sync.Mutex
	filters map[string]symbolFilters
}

type symbolFilters struct {
	tick decimal.Decimal
	step decimal.Decimal
}

// NewClient creates a REST client with retry on transport errors and 5xx.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	return &Client{
		http:    httpClient,
		logger:  logger.With("component", "binance"),
		filters: make(map[string]symbolFilters),
	}
}

// Schema returns the exchange schema to register with the engine.
func (c *Client) Schema() schema.Exchange {
	return schema.Exchange{
		ExchangeName: Name,
		Note:         "Binance spot klines",
		GetCandles: func(ctx context.Context, symbol string, interval types.Interval, since int64, limit int, _ bool) ([]types.Candle, error) {
			return c.GetKlines(ctx, symbol, interval, since, limit)
		},
		FormatPrice:    c.FormatPrice,
		FormatQuantity: c.FormatQuantity,
	}
}

// GetKlines fetches OHLCV bars. since is ms UTC, 0 meaning "most recent".
func (c *Client) GetKlines(ctx context.Context, symbol string, interval types.Interval, since int64, limit int) ([]types.Candle, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	req := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetQueryParam("interval", string(interval)).
		SetQueryParam("limit", strconv.Itoa(limit))
	if since > 0 {
		req.SetQueryParam("startTime", strconv.FormatInt(since, 10))
	}

	resp, err := req.Get("/api/v3/klines")
	if err != nil {
		return nil, fmt.Errorf("get klines: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get klines: status %d: %s", resp.StatusCode(), resp.String())
	}
	return parseKlines(resp.Body())
}

// parseKlines decodes Binance's positional kline rows:
// [openTime, open, high, low, close, volume, closeTime, ...].
func parseKlines(data []byte) ([]types.Candle, error) {
	var rows [][]any
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parse klines: %w", err)
	}

	candles := make([]types.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("parse klines: short row (%d fields)", len(row))
		}
		openTime, ok := row[0].(float64)
		if !ok {
			return nil, fmt.Errorf("parse klines: open time %T", row[0])
		}

		var c types.Candle
		c.Time = int64(openTime)
		for i, dst := range []*float64{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume} {
			s, ok := row[i+1].(string)
			if !ok {
				return nil, fmt.Errorf("parse klines: field %d is %T", i+1, row[i+1])
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("parse klines: field %d: %w", i+1, err)
			}
			*dst = v
		}
		candles = append(candles, c)
	}
	return candles, nil
}

// FormatPrice renders a price snapped down to the symbol's tick size.
func (c *Client) FormatPrice(symbol string, price float64) string {
	return quantize(price, c.symbolFilters(symbol).tick)
}

// FormatQuantity renders a quantity snapped down to the symbol's lot step.
func (c *Client) FormatQuantity(symbol string, quantity float64) string {
	return quantize(quantity, c.symbolFilters(symbol).step)
}

func quantize(v float64, unit decimal.Decimal) string {
	d := decimal.NewFromFloat(v)
	if unit.IsZero() {
		return d.String()
	}
	return d.Div(unit).Floor().Mul(unit).String()
}

// symbolFilters returns the cached tick/step for a symbol, fetching exchange
// info on first use. Lookup failure degrades to identity formatting.
func (c *Client) symbolFilters(symbol string) symbolFilters {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f, ok := c.filters[symbol]; ok {
		return f
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	f, err := c.fetchFilters(ctx, symbol)
	if err != nil {
		c.logger.Warn("exchange info unavailable", "symbol", symbol, "error", err)
		return symbolFilters{}
	}
	c.filters[symbol] = f
	return f
}

func (c *Client) fetchFilters(ctx context.Context, symbol string) (symbolFilters, error) {
	var info struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				TickSize   string `json:"tickSize"`
				StepSize   string `json:"stepSize"`
			} `json:"filters"`
		} `json:"symbols"`
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&info).
		Get("/api/v3/exchangeInfo")
	if err != nil {
		return symbolFilters{}, fmt.Errorf("exchange info: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return symbolFilters{}, fmt.Errorf("exchange info: status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(info.Symbols) == 0 {
		return symbolFilters{}, fmt.Errorf("exchange info: symbol %s not listed", symbol)
	}

	var f symbolFilters
	for _, flt := range info.Symbols[0].Filters {
		switch flt.FilterType {
		case "PRICE_FILTER":
			if d, err := decimal.NewFromString(flt.TickSize); err == nil {
				f.tick = d
			}
		case "LOT_SIZE":
			if d, err := decimal.NewFromString(flt.StepSize); err == nil {
				f.step = d
			}
		}
	}
	return f, nil
}
