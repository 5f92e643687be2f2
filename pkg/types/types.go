// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — candle intervals,
// the persisted signal row, signal DTOs produced by strategies, and the
// event payloads published on the bus. It has no dependencies on internal
// packages, so it can be imported by any layer.
package types

import "time"

// Core enums

// Interval is a candle interval supported by exchange schemas.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval3m  Interval = "3m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
)

// intervalMinutes maps every interval accepted at exchange registration.
var intervalMinutes = map[Interval]int64{
	Interval1m:  1,
	Interval3m:  3,
	Interval5m:  5,
	Interval15m: 15,
	Interval30m: 30,
	Interval1h:  60,
	Interval4h:  240,
	Interval1d:  1440,
}

// Minutes returns the interval length in minutes, or 0 for an unknown interval.
func (i Interval) Minutes() int64 {
	return intervalMinutes[i]
}

// Millis returns the interval length in milliseconds.
func (i Interval) Millis() int64 {
	return i.Minutes() * 60_000
}

// Duration returns the interval as a time.Duration.
func (i Interval) Duration() time.Duration {
	return time.Duration(i.Minutes()) * time.Minute
}

// Valid reports whether the interval is one an exchange schema may serve.
func (i Interval) Valid() bool {
	_, ok := intervalMinutes[i]
	return ok
}

// ValidForStrategy reports whether the interval may drive a strategy's
// getSignal throttle. Strategies poll at 1h or faster.
func (i Interval) ValidForStrategy() bool {
	return i.Valid() && i.Minutes() <= 60
}

// PositionSide is the direction of a signal: long or short.
type PositionSide string

const (
	Long  PositionSide = "long"
	Short PositionSide = "short"
)

// Valid reports whether the side is long or short.
func (p PositionSide) Valid() bool {
	return p == Long || p == Short
}

// Candles

// Candle is a single OHLCV bar. Time is the bar's open time in integer
// milliseconds UTC; the bar covers [Time, Time+interval).
type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// CloseTime returns the bar's close timestamp for the given interval.
func (c Candle) CloseTime(iv Interval) int64 {
	return c.Time + iv.Millis()
}

// Signals

// SignalDTO is the row a strategy's getSignal returns to request a position.
// A non-nil PriceOpen selects scheduled mode: the signal waits for the price
// to touch PriceOpen before it becomes a position.
type SignalDTO struct {
	Position            PositionSide `json:"position"`
	PriceOpen           *float64     `json:"priceOpen,omitempty"`
	PriceTakeProfit     float64      `json:"priceTakeProfit"`
	PriceStopLoss       float64      `json:"priceStopLoss"`
	MinuteEstimatedTime int64        `json:"minuteEstimatedTime"`
	Note                string       `json:"note,omitempty"`
	Timestamp           int64        `json:"timestamp,omitempty"`
}

// PartialKind tags a partial close as profit-taking or loss-cutting.
type PartialKind string

const (
	PartialProfit PartialKind = "profit"
	PartialLoss   PartialKind = "loss"
)

// PartialFill is one entry of a signal's append-only partial-close history.
type PartialFill struct {
	Type    PartialKind `json:"type"`
	Percent float64     `json:"percent"`
	Price   float64     `json:"price"`
}

// Signal is the persisted signal row — the engine's simulated bookkeeping
// entity. It is mutated only by the owning instance and written through the
// store before any event referencing the mutation is published.
type Signal struct {
	ID string `json:"id"`

	// Immutable context, fixed at creation.
	Symbol       string `json:"symbol"`
	StrategyName string `json:"strategyName"`
	ExchangeName string `json:"exchangeName"`
	FrameName    string `json:"frameName"` // empty = live
	Backtest     bool   `json:"backtest"`

	Position PositionSide `json:"position"`

	PriceOpen       float64 `json:"priceOpen"`
	PriceTakeProfit float64 `json:"priceTakeProfit"`
	PriceStopLoss   float64 `json:"priceStopLoss"`

	// Original copies fixed at creation; trailing never touches these.
	OriginalPriceTakeProfit float64 `json:"originalPriceTakeProfit"`
	OriginalPriceStopLoss   float64 `json:"originalPriceStopLoss"`

	// Trailing overrides. When set they replace the base prices for
	// TP/SL checks.
	TrailingPriceStopLoss   *float64 `json:"trailingPriceStopLoss,omitempty"`
	TrailingPriceTakeProfit *float64 `json:"trailingPriceTakeProfit,omitempty"`

	ScheduledAt int64 `json:"scheduledAt"`         // signal born
	PendingAt   int64 `json:"pendingAt"`           // position activated
	CloseTime   int64 `json:"closeTime,omitempty"` // set once closed

	MinuteEstimatedTime int64 `json:"minuteEstimatedTime"`
	IsScheduled         bool  `json:"isScheduled"`

	Note string `json:"note,omitempty"`

	// Partial-close bookkeeping. PartialHistory is append-only;
	// TPClosed/SLClosed are the running percent sums, each in [0, 100].
	PartialHistory []PartialFill `json:"partialHistory,omitempty"`
	TPClosed       float64       `json:"tpClosed"`
	SLClosed       float64       `json:"slClosed"`
}

// TotalClosed returns the percentage of the position already closed by
// partials, in [0, 100].
func (s *Signal) TotalClosed() float64 {
	return s.TPClosed + s.SLClosed
}

// EffectiveStopLoss returns the trailing SL override if set, else the base SL.
func (s *Signal) EffectiveStopLoss() float64 {
	if s.TrailingPriceStopLoss != nil {
		return *s.TrailingPriceStopLoss
	}
	return s.PriceStopLoss
}

// EffectiveTakeProfit returns the trailing TP override if set, else the base TP.
func (s *Signal) EffectiveTakeProfit() float64 {
	if s.TrailingPriceTakeProfit != nil {
		return *s.TrailingPriceTakeProfit
	}
	return s.PriceTakeProfit
}

// Clone returns a deep copy of the signal. Instances hand out clones so
// callers can never mutate the live row.
func (s *Signal) Clone() *Signal {
	if s == nil {
		return nil
	}
	cp := *s
	if s.TrailingPriceStopLoss != nil {
		v := *s.TrailingPriceStopLoss
		cp.TrailingPriceStopLoss = &v
	}
	if s.TrailingPriceTakeProfit != nil {
		v := *s.TrailingPriceTakeProfit
		cp.TrailingPriceTakeProfit = &v
	}
	if s.PartialHistory != nil {
		cp.PartialHistory = make([]PartialFill, len(s.PartialHistory))
		copy(cp.PartialHistory, s.PartialHistory)
	}
	return &cp
}

// Tick results

// TickAction labels the outcome of one state-machine step.
type TickAction string

const (
	ActionIdle      TickAction = "idle"
	ActionScheduled TickAction = "scheduled"
	ActionOpened    TickAction = "opened"
	ActionActive    TickAction = "active"
	ActionClosed    TickAction = "closed"
	ActionCancelled TickAction = "cancelled"
)

// CloseReason explains why an active position was closed.
type CloseReason string

const (
	CloseTakeProfit  CloseReason = "take_profit"
	CloseStopLoss    CloseReason = "stop_loss"
	CloseTimeExpired CloseReason = "time_expired"
	CloseUser        CloseReason = "user"
)

// CancelReason explains why a scheduled signal was cancelled before activation.
type CancelReason string

const (
	CancelTimeout     CancelReason = "timeout"
	CancelPriceReject CancelReason = "price_reject"
	CancelUser        CancelReason = "user"
)

// PnL is the realized profit summary attached to a closed tick event.
// PnlPercentage already accounts for fees, slippage, and partial closes.
type PnL struct {
	PnlPercentage float64 `json:"pnlPercentage"`
	PriceOpen     float64 `json:"priceOpen"`
	PriceClose    float64 `json:"priceClose"`
}

// Event payloads

// TickEvent is the envelope published on the tick topics for every
// state-machine step, discriminated by Action.
type TickEvent struct {
	Action       TickAction `json:"action"`
	Signal       *Signal    `json:"signal,omitempty"`
	CurrentPrice float64    `json:"currentPrice"`
	StrategyName string     `json:"strategyName"`
	ExchangeName string     `json:"exchangeName"`
	Symbol       string     `json:"symbol"`
	FrameName    string     `json:"frameName,omitempty"`
	Backtest     bool       `json:"backtest"`
	Timestamp    int64      `json:"timestamp"`

	// Set when Action is closed.
	CloseReason    CloseReason `json:"closeReason,omitempty"`
	CloseTimestamp int64       `json:"closeTimestamp,omitempty"`
	Pnl            *PnL        `json:"pnl,omitempty"`

	// Set when Action is cancelled.
	CancelReason CancelReason `json:"cancelReason,omitempty"`
	CancelID     string       `json:"cancelId,omitempty"`
}

// PartialEvent is published on partial-profit / partial-loss after a partial
// close has been applied and persisted. Level is 1-based by order in the
// signal's partial history.
type PartialEvent struct {
	Timestamp               int64         `json:"timestamp"`
	Action                  PartialKind   `json:"action"`
	SignalID                string        `json:"signalId"`
	Position                PositionSide  `json:"position"`
	CurrentPrice            float64       `json:"currentPrice"`
	Level                   int           `json:"level"`
	PriceOpen               float64       `json:"priceOpen"`
	PriceTakeProfit         float64       `json:"priceTakeProfit"`
	PriceStopLoss           float64       `json:"priceStopLoss"`
	OriginalPriceTakeProfit float64       `json:"originalPriceTakeProfit"`
	OriginalPriceStopLoss   float64       `json:"originalPriceStopLoss"`
	TotalExecuted           float64       `json:"totalExecuted"`
	PartialHistory          []PartialFill `json:"partialHistory"`
	Note                    string        `json:"note,omitempty"`
	PendingAt               int64         `json:"pendingAt"`
	ScheduledAt             int64         `json:"scheduledAt"`
	MinuteEstimatedTime     int64         `json:"minuteEstimatedTime"`
}

// BreakevenEvent is published after a successful breakeven move.
// PriceStopLoss reflects the new breakeven stop.
type BreakevenEvent struct {
	Timestamp               int64         `json:"timestamp"`
	Action                  string        `json:"action"` // always "breakeven"
	SignalID                string        `json:"signalId"`
	Position                PositionSide  `json:"position"`
	CurrentPrice            float64       `json:"currentPrice"`
	PriceOpen               float64       `json:"priceOpen"`
	PriceTakeProfit         float64       `json:"priceTakeProfit"`
	PriceStopLoss           float64       `json:"priceStopLoss"`
	OriginalPriceTakeProfit float64       `json:"originalPriceTakeProfit"`
	OriginalPriceStopLoss   float64       `json:"originalPriceStopLoss"`
	TotalExecuted           float64       `json:"totalExecuted"`
	PartialHistory          []PartialFill `json:"partialHistory,omitempty"`
	Note                    string        `json:"note,omitempty"`
	PendingAt               int64         `json:"pendingAt"`
	ScheduledAt             int64         `json:"scheduledAt"`
	MinuteEstimatedTime     int64         `json:"minuteEstimatedTime"`
}

// RiskRejectEvent is published when a risk rule refuses a pending signal.
// The tick itself does not fail; the instance stays idle.
type RiskRejectEvent struct {
	Timestamp           int64      `json:"timestamp"`
	CurrentPrice        float64    `json:"currentPrice"`
	ActivePositionCount int        `json:"activePositionCount"`
	RejectionID         string     `json:"rejectionId"`
	RejectionNote       string     `json:"rejectionNote"`
	PendingSignal       *SignalDTO `json:"pendingSignal"`
	Symbol              string     `json:"symbol"`
	StrategyName        string     `json:"strategyName"`
	ExchangeName        string     `json:"exchangeName"`
}

// PingEvent is published at most once per simulated minute while a scheduled
// signal waits for activation.
type PingEvent struct {
	Timestamp    int64   `json:"timestamp"`
	SignalID     string  `json:"signalId"`
	Symbol       string  `json:"symbol"`
	StrategyName string  `json:"strategyName"`
	CurrentPrice float64 `json:"currentPrice"`
	PriceOpen    float64 `json:"priceOpen"`
}

// PerformanceEvent summarizes a completed backtest sweep.
type PerformanceEvent struct {
	Timestamp     int64   `json:"timestamp"`
	Symbol        string  `json:"symbol"`
	StrategyName  string  `json:"strategyName"`
	ExchangeName  string  `json:"exchangeName"`
	FrameName     string  `json:"frameName,omitempty"`
	CandlesSwept  int     `json:"candlesSwept"`
	SignalsOpened int     `json:"signalsOpened"`
	SignalsClosed int     `json:"signalsClosed"`
	TotalPnlPct   float64 `json:"totalPnlPct"`
}
