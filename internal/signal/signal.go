// Package signal implements the signal state machine's pure core: DTO
// validation, the per-tick trigger decisions, and the mutation protocol for
// partial closes, trailing stops, and breakeven moves.
//
// Everything here is side-effect free. The engine's instance layer owns the
// I/O order (persist, then emit); this package only answers "what happens to
// this row under this price window" so the answers are trivially testable
// and identical between live ticks and backtest replay.
package signal

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"signalmill/pkg/types"
)

var (
	// ErrBadPartial is returned for a partial percent outside (0, 100].
	ErrBadPartial = errors.New("signal: bad partial percent")
	// ErrBadShift is returned for a trailing shift outside [-100, 100] or zero.
	ErrBadShift = errors.New("signal: bad trailing shift")
	// ErrInvalidState is returned when a mutation is invoked on a signal that
	// is not an active position (scheduled, or no signal at all).
	ErrInvalidState = errors.New("signal: no active position")
	// ErrBadSignal is returned when a strategy's DTO fails validation.
	ErrBadSignal = errors.New("signal: invalid signal dto")
)

// Meta is the immutable instance context stamped onto a new signal.
type Meta struct {
	Symbol       string
	StrategyName string
	ExchangeName string
	FrameName    string
	Backtest     bool
}

// New validates a strategy DTO against the current price and builds the
// persisted row. A DTO with PriceOpen set produces a scheduled signal; one
// without enters immediately at currentPrice.
func New(dto *types.SignalDTO, meta Meta, currentPrice float64, when int64) (*types.Signal, error) {
	if dto == nil {
		return nil, fmt.Errorf("%w: nil dto", ErrBadSignal)
	}
	if !dto.Position.Valid() {
		return nil, fmt.Errorf("%w: position %q", ErrBadSignal, dto.Position)
	}
	if dto.MinuteEstimatedTime <= 0 {
		return nil, fmt.Errorf("%w: minuteEstimatedTime %d", ErrBadSignal, dto.MinuteEstimatedTime)
	}
	if dto.PriceTakeProfit <= 0 || dto.PriceStopLoss <= 0 {
		return nil, fmt.Errorf("%w: non-positive TP/SL", ErrBadSignal)
	}

	scheduled := dto.PriceOpen != nil
	priceOpen := currentPrice
	if scheduled {
		priceOpen = *dto.PriceOpen
	}
	if priceOpen <= 0 {
		return nil, fmt.Errorf("%w: non-positive priceOpen", ErrBadSignal)
	}

	switch dto.Position {
	case types.Long:
		if !(dto.PriceStopLoss < priceOpen && priceOpen < dto.PriceTakeProfit) {
			return nil, fmt.Errorf("%w: long needs SL < open < TP (%v, %v, %v)",
				ErrBadSignal, dto.PriceStopLoss, priceOpen, dto.PriceTakeProfit)
		}
	case types.Short:
		if !(dto.PriceTakeProfit < priceOpen && priceOpen < dto.PriceStopLoss) {
			return nil, fmt.Errorf("%w: short needs TP < open < SL (%v, %v, %v)",
				ErrBadSignal, dto.PriceTakeProfit, priceOpen, dto.PriceStopLoss)
		}
	}

	scheduledAt := when
	if dto.Timestamp > 0 {
		scheduledAt = dto.Timestamp
	}

	sig := &types.Signal{
		ID:                      uuid.NewString(),
		Symbol:                  meta.Symbol,
		StrategyName:            meta.StrategyName,
		ExchangeName:            meta.ExchangeName,
		FrameName:               meta.FrameName,
		Backtest:                meta.Backtest,
		Position:                dto.Position,
		PriceOpen:               priceOpen,
		PriceTakeProfit:         dto.PriceTakeProfit,
		PriceStopLoss:           dto.PriceStopLoss,
		OriginalPriceTakeProfit: dto.PriceTakeProfit,
		OriginalPriceStopLoss:   dto.PriceStopLoss,
		ScheduledAt:             scheduledAt,
		MinuteEstimatedTime:     dto.MinuteEstimatedTime,
		IsScheduled:             scheduled,
		Note:                    dto.Note,
	}
	if !scheduled {
		sig.PendingAt = when
	}
	return sig, nil
}
