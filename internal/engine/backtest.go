package engine

import (
	"context"

	"signalmill/internal/bus"
	"signalmill/internal/clock"
	"signalmill/internal/signal"
	"signalmill/pkg/types"
)

// Sweep replays the state machine over recorded candles, binding the
// execution clock to each candle's close. The events channel yields every
// action the sweep takes, in order, one or more per candle; it closes when
// the sweep completes. The error channel carries at most one error: a failed
// candle step, or ctx cancellation after the in-flight candle finishes.
//
// A completed sweep publishes a performance event summarizing the run.
func (i *Instance) Sweep(ctx context.Context, candles []types.Candle) (<-chan types.TickEvent, <-chan error) {
	events := make(chan types.TickEvent)
	errc := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errc)

		for _, c := range candles {
			if err := ctx.Err(); err != nil {
				errc <- err
				return
			}

			when := c.CloseTime(i.strat.Interval)
			tctx := clock.With(ctx, clock.Scope{
				Symbol:   i.key.Symbol,
				When:     when,
				Backtest: true,
			})
			win := signal.Window{Low: c.Low, High: c.High, Close: c.Close, Open: c.Open}

			i.mu.Lock()
			stepped, err := i.step(tctx, win)
			i.swept++
			i.mu.Unlock()
			if err != nil {
				errc <- err
				return
			}

			for _, ev := range stepped {
				select {
				case events <- ev:
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				}
			}
		}

		i.publishPerformance()
	}()

	return events, errc
}

func (i *Instance) publishPerformance() {
	i.mu.Lock()
	ev := &types.PerformanceEvent{
		Timestamp:     i.lastTickAt,
		Symbol:        i.key.Symbol,
		StrategyName:  i.key.Strategy,
		ExchangeName:  i.key.Exchange,
		FrameName:     i.key.Frame,
		CandlesSwept:  i.swept,
		SignalsOpened: i.opened,
		SignalsClosed: i.closed,
		TotalPnlPct:   i.totalPnl,
	}
	i.mu.Unlock()

	i.deps.Bus.Publish(bus.TopicPerformance, ev)
	i.logger.Info("sweep complete",
		"candles", ev.CandlesSwept,
		"opened", ev.SignalsOpened,
		"closed", ev.SignalsClosed,
		"pnl", ev.TotalPnlPct,
	)
}
