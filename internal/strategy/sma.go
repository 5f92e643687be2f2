// Package strategy ships the built-in reference strategy: a simple moving
// average crossover. It exists to exercise the engine end to end; real
// deployments register their own strategy schemas.
package strategy

import (
	"context"
	"fmt"
	"log/slog"

	"signalmill/internal/exchange"
	"signalmill/internal/schema"
	"signalmill/pkg/types"
)

// SMACrossConfig tunes the crossover strategy.
type SMACrossConfig struct {
	Name     string
	Interval types.Interval
	Fast     int // fast SMA length in bars
	Slow     int // slow SMA length in bars

	// Exit placement as percent offsets from the entry price.
	TakeProfitPct float64
	StopLossPct   float64

	// Position monitoring budget in minutes.
	EstimatedMinutes int64

	// Optional shared risk the signals are admitted under.
	RiskName string
}

// SMACross emits a long when the fast SMA crosses above the slow SMA on the
// latest closed bar, and a short on the cross below. It is stateless: every
// poll re-reads the candle window through the adapter, so live ticks and
// backtest replay see identical inputs.
type SMACross struct {
	adapter *exchange.Adapter
	cfg     SMACrossConfig
	logger  *slog.Logger
}

// NewSMACross validates the config and builds the strategy.
func NewSMACross(adapter *exchange.Adapter, cfg SMACrossConfig, logger *slog.Logger) (*SMACross, error) {
	if cfg.Name == "" {
		cfg.Name = "sma-cross"
	}
	if cfg.Fast <= 0 || cfg.Slow <= cfg.Fast {
		return nil, fmt.Errorf("sma-cross: need 0 < fast < slow, got %d/%d", cfg.Fast, cfg.Slow)
	}
	if cfg.TakeProfitPct <= 0 || cfg.StopLossPct <= 0 {
		return nil, fmt.Errorf("sma-cross: exit offsets must be positive")
	}
	if cfg.EstimatedMinutes <= 0 {
		return nil, fmt.Errorf("sma-cross: estimated minutes must be positive")
	}
	if !cfg.Interval.ValidForStrategy() {
		return nil, fmt.Errorf("sma-cross: interval %q", cfg.Interval)
	}
	return &SMACross{
		adapter: adapter,
		cfg:     cfg,
		logger:  logger.With("component", "strategy", "strategy", cfg.Name),
	}, nil
}

// Schema returns the strategy schema to register with the engine.
func (s *SMACross) Schema() schema.Strategy {
	return schema.Strategy{
		StrategyName: s.cfg.Name,
		Interval:     s.cfg.Interval,
		GetSignal:    s.getSignal,
		RiskName:     s.cfg.RiskName,
		Note:         fmt.Sprintf("SMA %d/%d crossover on %s bars", s.cfg.Fast, s.cfg.Slow, s.cfg.Interval),
	}
}

func (s *SMACross) getSignal(ctx context.Context, symbol string) (*types.SignalDTO, error) {
	// One extra bar so the previous window exists for cross detection.
	candles, err := s.adapter.Candles(ctx, symbol, s.cfg.Interval, s.cfg.Slow+1)
	if err != nil {
		return nil, err
	}
	if len(candles) < s.cfg.Slow+1 {
		return nil, nil
	}

	prev := candles[:len(candles)-1]
	cur := candles[1:]

	prevDelta := sma(prev, s.cfg.Fast) - sma(prev, s.cfg.Slow)
	curDelta := sma(cur, s.cfg.Fast) - sma(cur, s.cfg.Slow)

	var side types.PositionSide
	switch {
	case prevDelta <= 0 && curDelta > 0:
		side = types.Long
	case prevDelta >= 0 && curDelta < 0:
		side = types.Short
	default:
		return nil, nil
	}

	price := cur[len(cur)-1].Close
	dto := &types.SignalDTO{
		Position:            side,
		MinuteEstimatedTime: s.cfg.EstimatedMinutes,
		Note:                fmt.Sprintf("sma %d/%d cross", s.cfg.Fast, s.cfg.Slow),
	}
	if side == types.Long {
		dto.PriceTakeProfit = price * (1 + s.cfg.TakeProfitPct/100)
		dto.PriceStopLoss = price * (1 - s.cfg.StopLossPct/100)
	} else {
		dto.PriceTakeProfit = price * (1 - s.cfg.TakeProfitPct/100)
		dto.PriceStopLoss = price * (1 + s.cfg.StopLossPct/100)
	}

	s.logger.Debug("cross detected", "symbol", symbol, "side", string(side), "price", price)
	return dto, nil
}

// sma averages the closes of the trailing n bars of the window.
func sma(candles []types.Candle, n int) float64 {
	var sum float64
	for _, c := range candles[len(candles)-n:] {
		sum += c.Close
	}
	return sum / float64(n)
}
