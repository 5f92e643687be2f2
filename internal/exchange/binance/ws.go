// ws.go implements the live kline feed over the Binance WebSocket API.
//
// The feed subscribes per (symbol, interval) stream and forwards only closed
// candles, which is what live ticks consume. It auto-reconnects with
// exponential backoff (1s → 30s max) and re-subscribes every tracked stream
// on reconnection; a read deadline catches silent server failures.
package binance

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	json "github.com/goccy/go-json"

	"signalmill/pkg/types"
)

const (
	readTimeout      = 90 * time.Second
	writeTimeout     = 10 * time.Second
	maxReconnectWait = 30 * time.Second
	candleBufferSize = 256
)

// ClosedKline is one finished candle delivered by the feed.
type ClosedKline struct {
	Symbol   string
	Interval types.Interval
	Candle   types.Candle
}

// KlineFeed manages one WebSocket connection streaming kline events.
type KlineFeed struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex

	subscribedMu sync.RWMutex
	subscribed   map[string]bool // stream names, e.g. btcusdt@kline_1m
	nextID       int64

	candleCh chan ClosedKline
	logger   *slog.Logger
}

// NewKlineFeed creates a feed against the given WebSocket endpoint.
func NewKlineFeed(wsURL string, logger *slog.Logger) *KlineFeed {
	return &KlineFeed{
		url:        wsURL,
		subscribed: make(map[string]bool),
		candleCh:   make(chan ClosedKline, candleBufferSize),
		logger:     logger.With("component", "binance_ws"),
	}
}

// Candles returns the read-only stream of closed candles.
func (f *KlineFeed) Candles() <-chan ClosedKline { return f.candleCh }

// Subscribe adds a (symbol, interval) kline stream.
func (f *KlineFeed) Subscribe(symbol string, interval types.Interval) error {
	stream := streamName(symbol, interval)
	f.subscribedMu.Lock()
	f.subscribed[stream] = true
	f.subscribedMu.Unlock()
	return f.sendSubscribe("SUBSCRIBE", []string{stream})
}

// Unsubscribe removes a stream.
func (f *KlineFeed) Unsubscribe(symbol string, interval types.Interval) error {
	stream := streamName(symbol, interval)
	f.subscribedMu.Lock()
	delete(f.subscribed, stream)
	f.subscribedMu.Unlock()
	return f.sendSubscribe("UNSUBSCRIBE", []string{stream})
}

func streamName(symbol string, interval types.Interval) string {
	return strings.ToLower(symbol) + "@kline_" + string(interval)
}

// Run connects and maintains the connection with auto-reconnect. Blocks
// until ctx is cancelled.
func (f *KlineFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close gracefully closes the connection.
func (f *KlineFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *KlineFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	// Binance sends pings; answering keeps the 10-minute idle timer away.
	conn.SetPingHandler(func(appData string) error {
		f.connMu.Lock()
		defer f.connMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteMessage(websocket.PongMessage, []byte(appData))
	})

	if err := f.resubscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.logger.Info("websocket connected", "streams", f.streamCount())

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatchMessage(msg)
	}
}

func (f *KlineFeed) streamCount() int {
	f.subscribedMu.RLock()
	defer f.subscribedMu.RUnlock()
	return len(f.subscribed)
}

func (f *KlineFeed) resubscribe() error {
	f.subscribedMu.RLock()
	streams := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		streams = append(streams, s)
	}
	f.subscribedMu.RUnlock()

	if len(streams) == 0 {
		return nil
	}
	return f.sendSubscribe("SUBSCRIBE", streams)
}

func (f *KlineFeed) sendSubscribe(method string, streams []string) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		// Not connected yet; Run's initial resubscribe picks it up.
		return nil
	}
	f.nextID++
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(map[string]any{
		"method": method,
		"params": streams,
		"id":     f.nextID,
	})
}

// klineMessage is the kline event envelope.
type klineMessage struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime int64  `json:"t"`
		Interval string `json:"i"`
		Open     string `json:"o"`
		Close    string `json:"c"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Volume   string `json:"v"`
		Closed   bool   `json:"x"`
	} `json:"k"`
}

func (f *KlineFeed) dispatchMessage(data []byte) {
	kline, ok, err := parseKlineMessage(data)
	if err != nil {
		f.logger.Debug("ignoring ws message", "error", err)
		return
	}
	if !ok {
		return
	}

	select {
	case f.candleCh <- kline:
	default:
		f.logger.Warn("candle channel full, dropping", "symbol", kline.Symbol)
	}
}

// parseKlineMessage decodes one frame. ok is false for frames that are not
// closed klines (in-progress bars, subscription acks, other event types).
func parseKlineMessage(data []byte) (ClosedKline, bool, error) {
	var msg klineMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClosedKline{}, false, fmt.Errorf("parse kline frame: %w", err)
	}
	if msg.EventType != "kline" || !msg.Kline.Closed {
		return ClosedKline{}, false, nil
	}

	candle := types.Candle{Time: msg.Kline.OpenTime}
	for _, field := range []struct {
		raw string
		dst *float64
	}{
		{msg.Kline.Open, &candle.Open},
		{msg.Kline.High, &candle.High},
		{msg.Kline.Low, &candle.Low},
		{msg.Kline.Close, &candle.Close},
		{msg.Kline.Volume, &candle.Volume},
	} {
		v, err := strconv.ParseFloat(field.raw, 64)
		if err != nil {
			return ClosedKline{}, false, fmt.Errorf("parse kline frame: %w", err)
		}
		*field.dst = v
	}

	return ClosedKline{
		Symbol:   msg.Symbol,
		Interval: types.Interval(msg.Kline.Interval),
		Candle:   candle,
	}, true, nil
}
