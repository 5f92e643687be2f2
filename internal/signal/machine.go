package signal

import (
	"fmt"
	"math"

	"signalmill/pkg/types"
)

// Window is the price range a tick observes. Backtest ticks carry a full
// candle range so intra-candle extremes are honored; live ticks collapse it
// to the VWAP (Low == High == Close).
type Window struct {
	Low   float64
	High  float64
	Close float64
	// Open is the candle open, used only to break the SL/TP tie when a
	// single candle crosses both levels. Live ticks set it to the VWAP.
	Open float64
}

// PointWindow collapses a single price into a window, for live ticks.
func PointWindow(price float64) Window {
	return Window{Low: price, High: price, Close: price, Open: price}
}

// ActivationHit reports whether the window touched a scheduled signal's
// entry price: long activates when the low reaches down to it, short when
// the high reaches up to it.
func ActivationHit(sig *types.Signal, win Window) bool {
	if sig.Position == types.Long {
		return win.Low <= sig.PriceOpen
	}
	return win.High >= sig.PriceOpen
}

// PreActivationReject reports whether price moved adversely past the stop
// loss before the scheduled entry was touched. The pessimistic reading: a
// schedule whose stop is already breached is not worth entering.
func PreActivationReject(sig *types.Signal, win Window) bool {
	if sig.Position == types.Long {
		return win.Low <= sig.PriceStopLoss
	}
	return win.High >= sig.PriceStopLoss
}

// ScheduleTimedOut reports whether a scheduled signal exhausted its
// activation budget.
func ScheduleTimedOut(sig *types.Signal, when int64) bool {
	return when-sig.ScheduledAt >= sig.MinuteEstimatedTime*60_000
}

// TimeExpired reports whether an active position exhausted its monitoring
// budget.
func TimeExpired(sig *types.Signal, when int64) bool {
	return when-sig.PendingAt >= sig.MinuteEstimatedTime*60_000
}

// ExitCheck evaluates the effective SL and TP against the window and returns
// the close reason and exit price if either is crossed.
//
// When one candle crosses both levels the pessimistic rule decides: for a
// long, SL wins if the candle opened below the entry, TP otherwise; mirrored
// for a short.
func ExitCheck(sig *types.Signal, win Window) (types.CloseReason, float64, bool) {
	sl := sig.EffectiveStopLoss()
	tp := sig.EffectiveTakeProfit()

	var slHit, tpHit bool
	if sig.Position == types.Long {
		slHit = win.Low <= sl
		tpHit = win.High >= tp
	} else {
		slHit = win.High >= sl
		tpHit = win.Low <= tp
	}

	switch {
	case slHit && tpHit:
		adverseOpen := win.Open < sig.PriceOpen
		if sig.Position == types.Short {
			adverseOpen = win.Open > sig.PriceOpen
		}
		if adverseOpen {
			return types.CloseStopLoss, sl, true
		}
		return types.CloseTakeProfit, tp, true
	case slHit:
		return types.CloseStopLoss, sl, true
	case tpHit:
		return types.CloseTakeProfit, tp, true
	}
	return "", 0, false
}

// ApplyPartial appends a partial close to the signal's history and bumps the
// matching percent counter. A partial that would push totalClosed past 100
// is a silent no-op so retried commands stay idempotent. The caller must
// hold an active (non-scheduled) signal.
func ApplyPartial(sig *types.Signal, kind types.PartialKind, percent, price float64) (bool, error) {
	if sig == nil || sig.IsScheduled || sig.PendingAt == 0 {
		return false, ErrInvalidState
	}
	if percent <= 0 || percent > 100 {
		return false, fmt.Errorf("%w: %v", ErrBadPartial, percent)
	}
	if sig.TotalClosed()+percent > 100 {
		return false, nil
	}

	sig.PartialHistory = append(sig.PartialHistory, types.PartialFill{
		Type:    kind,
		Percent: percent,
		Price:   price,
	})
	if kind == types.PartialProfit {
		sig.TPClosed += percent
	} else {
		sig.SLClosed += percent
	}
	return true, nil
}

// ApplyTrailingStop recomputes the stop from the original SL distance:
//
//	newSL = priceOpen − sign · d · (1 + shift/100)
//
// with d = |priceOpen − originalPriceStopLoss| and sign = +1 for long, −1
// for short. A shift of −50 therefore halves the stop distance. The update
// applies only if the new stop is strictly better than the current effective
// stop and stays strictly on the loss side of priceOpen; otherwise it is
// skipped and false is returned. The base PriceStopLoss is never touched.
func ApplyTrailingStop(sig *types.Signal, shift float64) (bool, error) {
	if sig == nil || sig.IsScheduled || sig.PendingAt == 0 {
		return false, ErrInvalidState
	}
	if shift == 0 || shift < -100 || shift > 100 {
		return false, fmt.Errorf("%w: %v", ErrBadShift, shift)
	}

	d := math.Abs(sig.PriceOpen - sig.OriginalPriceStopLoss)
	factor := 1 + shift/100

	var newSL float64
	if sig.Position == types.Long {
		newSL = sig.PriceOpen - d*factor
		if newSL <= sig.EffectiveStopLoss() || newSL >= sig.PriceOpen {
			return false, nil
		}
	} else {
		newSL = sig.PriceOpen + d*factor
		if newSL >= sig.EffectiveStopLoss() || newSL <= sig.PriceOpen {
			return false, nil
		}
	}

	sig.TrailingPriceStopLoss = &newSL
	return true, nil
}

// ApplyTrailingProfit is the take-profit counterpart of ApplyTrailingStop:
// it tightens the target toward the entry by the same shift rule. Present
// for protocol symmetry; not exposed through the public controller verbs.
func ApplyTrailingProfit(sig *types.Signal, shift float64) (bool, error) {
	if sig == nil || sig.IsScheduled || sig.PendingAt == 0 {
		return false, ErrInvalidState
	}
	if shift == 0 || shift < -100 || shift > 100 {
		return false, fmt.Errorf("%w: %v", ErrBadShift, shift)
	}

	d := math.Abs(sig.OriginalPriceTakeProfit - sig.PriceOpen)
	factor := 1 + shift/100

	var newTP float64
	if sig.Position == types.Long {
		newTP = sig.PriceOpen + d*factor
		if newTP >= sig.EffectiveTakeProfit() || newTP <= sig.PriceOpen {
			return false, nil
		}
	} else {
		newTP = sig.PriceOpen - d*factor
		if newTP <= sig.EffectiveTakeProfit() || newTP >= sig.PriceOpen {
			return false, nil
		}
	}

	sig.TrailingPriceTakeProfit = &newTP
	return true, nil
}

// ApplyBreakeven moves the effective stop to the entry price once
// profit-direction progress covers the round trip: at least
// 2·(feePct+slipPct) percent away from the entry. Once the stop sits at the
// entry (or better) further calls return false without mutation.
func ApplyBreakeven(sig *types.Signal, currentPrice, feePct, slipPct float64) (bool, error) {
	if sig == nil || sig.IsScheduled || sig.PendingAt == 0 {
		return false, ErrInvalidState
	}

	threshold := 2 * (feePct + slipPct)

	var progress float64
	if sig.Position == types.Long {
		progress = (currentPrice - sig.PriceOpen) / sig.PriceOpen * 100
		if sig.EffectiveStopLoss() >= sig.PriceOpen {
			return false, nil
		}
	} else {
		progress = (sig.PriceOpen - currentPrice) / sig.PriceOpen * 100
		if sig.EffectiveStopLoss() <= sig.PriceOpen {
			return false, nil
		}
	}
	if progress < threshold {
		return false, nil
	}

	entry := sig.PriceOpen
	sig.TrailingPriceStopLoss = &entry
	return true, nil
}

// PerLegPnL returns the percentage PnL of one leg entered at open and exited
// at exit, with feePct charged on both entry and exit and entry/exit prices
// skewed by slipPct in the adverse direction for the side.
func PerLegPnL(side types.PositionSide, open, exit, feePct, slipPct float64) float64 {
	slip := slipPct / 100
	if side == types.Long {
		entryAdj := open * (1 + slip)
		exitAdj := exit * (1 - slip)
		return (exitAdj-entryAdj)/entryAdj*100 - 2*feePct
	}
	entryAdj := open * (1 - slip)
	exitAdj := exit * (1 + slip)
	return (entryAdj-exitAdj)/entryAdj*100 - 2*feePct
}

// RealizedPnL sums the weighted contribution of every partial close plus the
// remainder exited at closePrice.
func RealizedPnL(sig *types.Signal, closePrice, feePct, slipPct float64) types.PnL {
	var total float64
	for _, fill := range sig.PartialHistory {
		total += fill.Percent * PerLegPnL(sig.Position, sig.PriceOpen, fill.Price, feePct, slipPct)
	}
	total += (100 - sig.TotalClosed()) * PerLegPnL(sig.Position, sig.PriceOpen, closePrice, feePct, slipPct)

	return types.PnL{
		PnlPercentage: total / 100,
		PriceOpen:     sig.PriceOpen,
		PriceClose:    closePrice,
	}
}
