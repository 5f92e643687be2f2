package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"

	"signalmill/internal/bus"
	"signalmill/internal/risk"
	"signalmill/internal/schema"
	"signalmill/internal/signal"
	"signalmill/internal/store"
	"signalmill/pkg/types"
)

type harness struct {
	schemas *schema.Registries
	reg     *Registry
	ctrl    *Controller
	bus     *bus.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	b := bus.New(logger)
	schemas := schema.NewRegistries()
	if err := schemas.AddExchange(schema.Exchange{
		ExchangeName: "fake",
		GetCandles:   flatCandles(100),
	}); err != nil {
		t.Fatalf("exchange: %v", err)
	}

	reg := NewRegistry(schemas, Deps{
		Store:   st,
		Bus:     b,
		Risks:   risk.NewEngine(logger),
		Logger:  logger,
		FeePct:  0.1,
		SlipPct: 0.1,
	})
	return &harness{
		schemas: schemas,
		reg:     reg,
		ctrl:    NewController(reg, t.TempDir()),
		bus:     b,
	}
}

// flatCandles synthesizes 1m bars pinned to one price, so live VWAP reads
// resolve to it.
func flatCandles(price float64) schema.GetCandlesFunc {
	return func(_ context.Context, _ string, _ types.Interval, since int64, limit int, _ bool) ([]types.Candle, error) {
		out := make([]types.Candle, limit)
		for k := range out {
			out[k] = types.Candle{
				Time: since + int64(k)*60_000,
				Open: price, High: price, Low: price, Close: price,
				Volume: 1,
			}
		}
		return out, nil
	}
}

// script registers a strategy that returns the given DTOs in order, then nil
// forever. The returned counter tracks getSignal invocations.
func (h *harness) script(t *testing.T, name, riskName string, interval types.Interval, dtos ...*types.SignalDTO) (Key, *int) {
	t.Helper()
	calls := new(int)
	err := h.schemas.AddStrategy(schema.Strategy{
		StrategyName: name,
		Interval:     interval,
		RiskName:     riskName,
		GetSignal: func(context.Context, string) (*types.SignalDTO, error) {
			*calls++
			if *calls <= len(dtos) {
				return dtos[*calls-1], nil
			}
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("strategy %s: %v", name, err)
	}
	return Key{Symbol: "BTCUSDT", Strategy: name, Exchange: "fake", Backtest: true}, calls
}

func bar(when int64, o, h, l, c float64) types.Candle {
	return types.Candle{Time: when, Open: o, High: h, Low: l, Close: c, Volume: 1}
}

func flat(when int64, price float64) types.Candle {
	return bar(when, price, price, price, price)
}

func actions(events []types.TickEvent) []types.TickAction {
	out := make([]types.TickAction, len(events))
	for i, ev := range events {
		out[i] = ev.Action
	}
	return out
}

func sameActions(got []types.TickEvent, want ...types.TickAction) bool {
	if len(got) != len(want) {
		return false
	}
	for i, ev := range got {
		if ev.Action != want[i] {
			return false
		}
	}
	return true
}

func fp(v float64) *float64 { return &v }

func immediateLong(tp, sl float64, minutes int64) *types.SignalDTO {
	return &types.SignalDTO{
		Position:            types.Long,
		PriceTakeProfit:     tp,
		PriceStopLoss:       sl,
		MinuteEstimatedTime: minutes,
	}
}

func TestImmediateLongHitsTakeProfit(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	key, _ := h.script(t, "momentum", "", types.Interval1m, immediateLong(51_000, 49_500, 60))

	events, err := h.ctrl.Backtest(context.Background(), key, []types.Candle{
		flat(0, 50_000),
		bar(60_000, 50_600, 51_100, 50_500, 51_050),
	})
	if err != nil {
		t.Fatalf("Backtest: %v", err)
	}
	if !sameActions(events, types.ActionOpened, types.ActionActive, types.ActionClosed) {
		t.Fatalf("actions = %v", actions(events))
	}

	closed := events[2]
	if closed.CloseReason != types.CloseTakeProfit {
		t.Errorf("close reason = %s", closed.CloseReason)
	}
	if closed.Pnl == nil || closed.Pnl.PriceClose != 51_000 {
		t.Fatalf("pnl = %+v", closed.Pnl)
	}
	if closed.Pnl.PnlPercentage <= 0 {
		t.Errorf("take profit yielded pnl %v", closed.Pnl.PnlPercentage)
	}
	if want := signal.PerLegPnL(types.Long, 50_000, 51_000, 0.1, 0.1); math.Abs(closed.Pnl.PnlPercentage-want) > 1e-9 {
		t.Errorf("pnl = %v, want %v", closed.Pnl.PnlPercentage, want)
	}
}

func TestScheduledActivationThenTakeProfit(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	key, calls := h.script(t, "pullback", "", types.Interval1m, &types.SignalDTO{
		Position:            types.Long,
		PriceOpen:           fp(100),
		PriceTakeProfit:     110,
		PriceStopLoss:       95,
		MinuteEstimatedTime: 60,
	})

	events, err := h.ctrl.Backtest(context.Background(), key, []types.Candle{
		bar(0, 101, 101.5, 100.5, 101),        // waits: low never touches 100
		bar(60_000, 100.5, 100.6, 99.8, 100.2), // activates at 100
		bar(120_000, 101, 110.5, 100.1, 110.2), // take profit at 110
	})
	if err != nil {
		t.Fatalf("Backtest: %v", err)
	}
	if !sameActions(events, types.ActionScheduled, types.ActionOpened, types.ActionActive, types.ActionClosed) {
		t.Fatalf("actions = %v", actions(events))
	}

	opened := events[1]
	if opened.Signal == nil || opened.Signal.PriceOpen != 100 {
		t.Fatalf("opened signal = %+v", opened.Signal)
	}
	if opened.Signal.PendingAt != 120_000 {
		t.Errorf("pendingAt = %d", opened.Signal.PendingAt)
	}
	if events[3].Pnl.PriceClose != 110 {
		t.Errorf("close price = %v", events[3].Pnl.PriceClose)
	}
	if *calls != 1 {
		t.Errorf("getSignal called %d times while a signal was live", *calls)
	}
}

func TestScheduledTimesOut(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	key, _ := h.script(t, "stale", "", types.Interval1m, &types.SignalDTO{
		Position:            types.Long,
		PriceOpen:           fp(100),
		PriceTakeProfit:     110,
		PriceStopLoss:       95,
		MinuteEstimatedTime: 2,
	})

	events, err := h.ctrl.Backtest(context.Background(), key, []types.Candle{
		bar(0, 101, 101.5, 100.5, 101),
		bar(60_000, 101, 101.5, 100.5, 101),
		bar(120_000, 101, 101.5, 100.5, 101),
	})
	if err != nil {
		t.Fatalf("Backtest: %v", err)
	}
	if !sameActions(events, types.ActionScheduled, types.ActionScheduled, types.ActionCancelled) {
		t.Fatalf("actions = %v", actions(events))
	}
	if events[2].CancelReason != types.CancelTimeout {
		t.Errorf("cancel reason = %s", events[2].CancelReason)
	}

	// The slot is free again.
	if data, err := h.ctrl.GetData(key); err != nil || data != nil {
		t.Errorf("slot after timeout = %v, %v", data, err)
	}
}

func TestScheduledWaitPingsOncePerMinute(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	key, _ := h.script(t, "limitwait", "", types.Interval1m, &types.SignalDTO{
		Position:            types.Long,
		PriceOpen:           fp(100),
		PriceTakeProfit:     110,
		PriceStopLoss:       95,
		MinuteEstimatedTime: 60,
	})

	var pings []*types.PingEvent
	defer h.bus.Subscribe(bus.TopicPing, func(event any) {
		pings = append(pings, event.(*types.PingEvent))
	})()

	// Five 1m bars whose lows never reach the 100 entry.
	var candles []types.Candle
	for k := int64(0); k < 5; k++ {
		candles = append(candles, bar(k*60_000, 101, 101.5, 100.5, 101))
	}
	events, err := h.ctrl.Backtest(context.Background(), key, candles)
	if err != nil {
		t.Fatalf("Backtest: %v", err)
	}
	if !sameActions(events, types.ActionScheduled, types.ActionScheduled, types.ActionScheduled, types.ActionScheduled, types.ActionScheduled) {
		t.Fatalf("actions = %v", actions(events))
	}

	// The creation tick emits the scheduled event; every later minute of
	// waiting emits exactly one ping.
	want := []int64{120_000, 180_000, 240_000, 300_000}
	if len(pings) != len(want) {
		t.Fatalf("got %d pings, want %d", len(pings), len(want))
	}
	sig := events[0].Signal
	for k, p := range pings {
		if p.Timestamp != want[k] {
			t.Errorf("ping %d at %d, want %d", k, p.Timestamp, want[k])
		}
		if p.SignalID != sig.ID || p.Symbol != "BTCUSDT" || p.PriceOpen != 100 {
			t.Errorf("ping %d payload = %+v", k, p)
		}
		if p.CurrentPrice != 101 {
			t.Errorf("ping %d price = %v", k, p.CurrentPrice)
		}
	}
}

func TestScheduledPriceReject(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	key, _ := h.script(t, "knifecatch", "", types.Interval1m, &types.SignalDTO{
		Position:            types.Short,
		PriceOpen:           fp(105),
		PriceTakeProfit:     95,
		PriceStopLoss:       110,
		MinuteEstimatedTime: 60,
	})

	// Price spikes through the short's stop. The candle also touches the
	// entry at 105, but the breached stop cancels the schedule instead of
	// entering a position that is already underwater.
	events, err := h.ctrl.Backtest(context.Background(), key, []types.Candle{
		bar(0, 100, 101, 99.5, 100.5),
		bar(60_000, 100.5, 111, 100.4, 110.8),
	})
	if err != nil {
		t.Fatalf("Backtest: %v", err)
	}
	if !sameActions(events, types.ActionScheduled, types.ActionCancelled) {
		t.Fatalf("actions = %v", actions(events))
	}
	if events[1].CancelReason != types.CancelPriceReject {
		t.Errorf("cancel reason = %s", events[1].CancelReason)
	}

	// The slot frees up for the next signal.
	if data, err := h.ctrl.GetData(key); err != nil || data != nil {
		t.Errorf("slot after reject = %v, %v", data, err)
	}
}

func TestScheduledPriceRejectOnGapDown(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	key, _ := h.script(t, "fader", "", types.Interval1m, &types.SignalDTO{
		Position:            types.Long,
		PriceOpen:           fp(100),
		PriceTakeProfit:     110,
		PriceStopLoss:       95,
		MinuteEstimatedTime: 60,
	})

	// A gap straight down through both entry and stop.
	events, err := h.ctrl.Backtest(context.Background(), key, []types.Candle{
		bar(0, 101, 101.5, 100.5, 101),
		bar(60_000, 94, 94.5, 93, 94.2),
	})
	if err != nil {
		t.Fatalf("Backtest: %v", err)
	}
	if !sameActions(events, types.ActionScheduled, types.ActionCancelled) {
		t.Fatalf("actions = %v", actions(events))
	}
	if events[1].CancelReason != types.CancelPriceReject {
		t.Errorf("cancel reason = %s", events[1].CancelReason)
	}
}

func TestRiskRejectSharedLedger(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	err := h.schemas.AddRisk(schema.Risk{
		RiskName: "shared",
		Validations: []schema.RiskRule{func(_ context.Context, check schema.RiskCheck) error {
			if check.ActivePositionCount >= 1 {
				return &schema.RiskRejectError{RejectionID: "max_positions", RejectionNote: "one at a time"}
			}
			return nil
		}},
	})
	if err != nil {
		t.Fatalf("risk: %v", err)
	}

	keyA, _ := h.script(t, "alpha", "shared", types.Interval1m, immediateLong(200, 50, 600))
	keyB, _ := h.script(t, "beta", "shared", types.Interval1m, immediateLong(200, 50, 600))

	var mu sync.Mutex
	var rejects []*types.RiskRejectEvent
	h.bus.Subscribe(bus.TopicRiskReject, func(event any) {
		mu.Lock()
		defer mu.Unlock()
		rejects = append(rejects, event.(*types.RiskRejectEvent))
	})

	if _, err := h.ctrl.Backtest(context.Background(), keyA, []types.Candle{flat(0, 100)}); err != nil {
		t.Fatalf("alpha sweep: %v", err)
	}

	events, err := h.ctrl.Backtest(context.Background(), keyB, []types.Candle{flat(0, 100)})
	if err != nil {
		t.Fatalf("beta sweep: %v", err)
	}
	if !sameActions(events, types.ActionIdle) {
		t.Fatalf("beta actions = %v", actions(events))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(rejects) != 1 || rejects[0].RejectionID != "max_positions" {
		t.Fatalf("rejects = %+v", rejects)
	}
	if rejects[0].StrategyName != "beta" || rejects[0].ActivePositionCount != 1 {
		t.Errorf("reject payload = %+v", rejects[0])
	}
}

func TestGetSignalThrottledByInterval(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	key, calls := h.script(t, "slowpoll", "", types.Interval5m)

	candles := make([]types.Candle, 6)
	for i := range candles {
		candles[i] = flat(int64(i)*60_000, 100)
	}
	if _, err := h.ctrl.Backtest(context.Background(), key, candles); err != nil {
		t.Fatalf("Backtest: %v", err)
	}
	if *calls != 2 {
		t.Errorf("getSignal called %d times over 6 minutes at 5m interval, want 2", *calls)
	}
}

func TestStopHaltsSignalGeneration(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	key, calls := h.script(t, "stoppable", "", types.Interval1m)

	if _, err := h.ctrl.Backtest(context.Background(), key, []types.Candle{flat(0, 100)}); err != nil {
		t.Fatalf("warmup sweep: %v", err)
	}
	if err := h.ctrl.Stop(key); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	before := *calls
	if _, err := h.ctrl.Backtest(context.Background(), key, []types.Candle{flat(60_000, 100), flat(120_000, 100)}); err != nil {
		t.Fatalf("stopped sweep: %v", err)
	}
	if *calls != before {
		t.Errorf("stopped instance still polled the strategy")
	}
}

func TestCancelOnIdleIsNoOp(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	key, _ := h.script(t, "idlecancel", "", types.Interval1m)

	if _, err := h.ctrl.Cancel(key, "x"); !errors.Is(err, ErrNoInstance) {
		t.Errorf("cancel before first run: %v", err)
	}

	if _, err := h.ctrl.Backtest(context.Background(), key, []types.Candle{flat(0, 100)}); err != nil {
		t.Fatalf("Backtest: %v", err)
	}
	id, err := h.ctrl.Cancel(key, "x")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if id != "" {
		t.Errorf("cancel on idle returned id %q", id)
	}
}

func TestCancelScheduledSignal(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	key, _ := h.script(t, "cancellable", "", types.Interval1m, &types.SignalDTO{
		Position:            types.Long,
		PriceOpen:           fp(100),
		PriceTakeProfit:     110,
		PriceStopLoss:       95,
		MinuteEstimatedTime: 60,
	})

	if _, err := h.ctrl.Backtest(context.Background(), key, []types.Candle{bar(0, 101, 101.5, 100.5, 101)}); err != nil {
		t.Fatalf("Backtest: %v", err)
	}
	id, err := h.ctrl.Cancel(key, "cid-1")
	if err != nil || id != "cid-1" {
		t.Fatalf("Cancel = %q, %v", id, err)
	}

	events, err := h.ctrl.Backtest(context.Background(), key, []types.Candle{bar(60_000, 101, 101.5, 100.5, 101)})
	if err != nil {
		t.Fatalf("cancel sweep: %v", err)
	}
	if !sameActions(events, types.ActionCancelled) {
		t.Fatalf("actions = %v", actions(events))
	}
	if events[0].CancelReason != types.CancelUser || events[0].CancelID != "cid-1" {
		t.Errorf("cancelled = %+v", events[0])
	}
}

func TestCancelActivePositionClosesAsUser(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	key, _ := h.script(t, "usersexit", "", types.Interval1m, immediateLong(200, 50, 600))

	if _, err := h.ctrl.Backtest(context.Background(), key, []types.Candle{flat(0, 100)}); err != nil {
		t.Fatalf("open sweep: %v", err)
	}
	if id, err := h.ctrl.Cancel(key, ""); err != nil || id == "" {
		t.Fatalf("Cancel = %q, %v", id, err)
	}

	events, err := h.ctrl.Backtest(context.Background(), key, []types.Candle{flat(60_000, 101)})
	if err != nil {
		t.Fatalf("close sweep: %v", err)
	}
	if !sameActions(events, types.ActionClosed) {
		t.Fatalf("actions = %v", actions(events))
	}
	if events[0].CloseReason != types.CloseUser {
		t.Errorf("close reason = %s", events[0].CloseReason)
	}
	if events[0].Pnl.PriceClose != 101 {
		t.Errorf("user close price = %v", events[0].Pnl.PriceClose)
	}
}

func TestTimeExpiredClosesAtCurrentPrice(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	key, _ := h.script(t, "expiry", "", types.Interval1m, immediateLong(200, 50, 2))

	events, err := h.ctrl.Backtest(context.Background(), key, []types.Candle{
		flat(0, 100),
		flat(60_000, 101),
		flat(120_000, 102),
	})
	if err != nil {
		t.Fatalf("Backtest: %v", err)
	}
	if !sameActions(events, types.ActionOpened, types.ActionActive, types.ActionActive, types.ActionClosed) {
		t.Fatalf("actions = %v", actions(events))
	}
	last := events[3]
	if last.CloseReason != types.CloseTimeExpired || last.Pnl.PriceClose != 102 {
		t.Errorf("expiry close = %s @ %v", last.CloseReason, last.Pnl.PriceClose)
	}
}

func TestPartialThenCloseCombinesPnl(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	key, _ := h.script(t, "scaler", "", types.Interval1m, immediateLong(51_000, 49_500, 600))

	ctx := context.Background()
	if _, err := h.ctrl.Backtest(ctx, key, []types.Candle{flat(0, 50_000)}); err != nil {
		t.Fatalf("open sweep: %v", err)
	}

	var mu sync.Mutex
	var partials []*types.PartialEvent
	h.bus.Subscribe(bus.TopicPartialProfit, func(event any) {
		mu.Lock()
		defer mu.Unlock()
		partials = append(partials, event.(*types.PartialEvent))
	})

	applied, err := h.ctrl.PartialProfit(ctx, key, 50, 50_500)
	if err != nil || !applied {
		t.Fatalf("PartialProfit = %v, %v", applied, err)
	}

	data, err := h.ctrl.GetData(key)
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	if data.TPClosed != 50 || len(data.PartialHistory) != 1 {
		t.Fatalf("partial state = %+v", data)
	}

	// Overflow past 100 percent is a silent no-op.
	if applied, err := h.ctrl.PartialProfit(ctx, key, 60, 50_600); err != nil || applied {
		t.Errorf("overflow partial = %v, %v", applied, err)
	}
	if _, err := h.ctrl.PartialProfit(ctx, key, 0, 50_600); !errors.Is(err, signal.ErrBadPartial) {
		t.Errorf("zero percent err = %v", err)
	}

	mu.Lock()
	if len(partials) != 1 || partials[0].Level != 1 || partials[0].TotalExecuted != 50 {
		t.Fatalf("partial events = %+v", partials)
	}
	mu.Unlock()

	events, err := h.ctrl.Backtest(ctx, key, []types.Candle{bar(60_000, 50_600, 51_100, 50_500, 51_050)})
	if err != nil {
		t.Fatalf("close sweep: %v", err)
	}
	if !sameActions(events, types.ActionClosed) {
		t.Fatalf("actions = %v", actions(events))
	}

	leg := signal.PerLegPnL(types.Long, 50_000, 50_500, 0.1, 0.1)
	rest := signal.PerLegPnL(types.Long, 50_000, 51_000, 0.1, 0.1)
	if want := (50*leg + 50*rest) / 100; math.Abs(events[0].Pnl.PnlPercentage-want) > 1e-9 {
		t.Errorf("combined pnl = %v, want %v", events[0].Pnl.PnlPercentage, want)
	}
}

func TestTrailingStopViaController(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	key, _ := h.script(t, "trailer", "", types.Interval1m, immediateLong(51_000, 49_500, 600))

	ctx := context.Background()
	if _, err := h.ctrl.Backtest(ctx, key, []types.Candle{flat(0, 50_000)}); err != nil {
		t.Fatalf("open sweep: %v", err)
	}

	applied, err := h.ctrl.TrailingStop(ctx, key, -50)
	if err != nil || !applied {
		t.Fatalf("TrailingStop = %v, %v", applied, err)
	}
	data, _ := h.ctrl.GetData(key)
	if got := data.EffectiveStopLoss(); got != 49_750 {
		t.Errorf("effective stop = %v, want 49750", got)
	}
	if data.PriceStopLoss != 49_500 {
		t.Errorf("base stop mutated to %v", data.PriceStopLoss)
	}

	// A looser shift is refused without error.
	if applied, err := h.ctrl.TrailingStop(ctx, key, -10); err != nil || applied {
		t.Errorf("looser shift = %v, %v", applied, err)
	}
	if _, err := h.ctrl.TrailingStop(ctx, key, 0); !errors.Is(err, signal.ErrBadShift) {
		t.Errorf("zero shift err = %v", err)
	}
}

func TestBreakevenViaController(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	key, _ := h.script(t, "evener", "", types.Interval1m, immediateLong(110, 95, 600))

	ctx := context.Background()
	if _, err := h.ctrl.Backtest(ctx, key, []types.Candle{flat(0, 100)}); err != nil {
		t.Fatalf("open sweep: %v", err)
	}

	var mu sync.Mutex
	moves := 0
	h.bus.Subscribe(bus.TopicBreakeven, func(any) {
		mu.Lock()
		moves++
		mu.Unlock()
	})

	// Round trip costs 2*(0.1+0.1) = 0.4 percent; 100.3 is not enough.
	if applied, err := h.ctrl.Breakeven(ctx, key, 100.3); err != nil || applied {
		t.Fatalf("early breakeven = %v, %v", applied, err)
	}
	if applied, err := h.ctrl.Breakeven(ctx, key, 100.5); err != nil || !applied {
		t.Fatalf("breakeven = %v, %v", applied, err)
	}
	data, _ := h.ctrl.GetData(key)
	if data.EffectiveStopLoss() != 100 {
		t.Errorf("stop after breakeven = %v", data.EffectiveStopLoss())
	}
	// Idempotent: the stop already sits at the entry.
	if applied, err := h.ctrl.Breakeven(ctx, key, 101); err != nil || applied {
		t.Errorf("repeat breakeven = %v, %v", applied, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if moves != 1 {
		t.Errorf("breakeven events = %d", moves)
	}
}

func TestSweepIsDeterministic(t *testing.T) {
	t.Parallel()

	candles := []types.Candle{
		flat(0, 100),
		bar(60_000, 100, 103, 99, 102),
		bar(120_000, 102, 106, 101, 105.5),
		bar(180_000, 105.5, 111, 104, 110.5),
	}

	run := func() []types.TickEvent {
		h := newHarness(t)
		key, _ := h.script(t, "replay", "", types.Interval1m, immediateLong(110, 95, 600))
		events, err := h.ctrl.Backtest(context.Background(), key, candles)
		if err != nil {
			t.Fatalf("Backtest: %v", err)
		}
		return events
	}

	first, second := run(), run()
	if len(first) != len(second) {
		t.Fatalf("event counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		a, b := first[i], second[i]
		if a.Action != b.Action || a.CurrentPrice != b.CurrentPrice ||
			a.Timestamp != b.Timestamp || a.CloseReason != b.CloseReason {
			t.Errorf("event %d differs: %+v vs %+v", i, a, b)
		}
		if a.Pnl != nil && b.Pnl != nil && *a.Pnl != *b.Pnl {
			t.Errorf("pnl %d differs: %+v vs %+v", i, a.Pnl, b.Pnl)
		}
	}
}

func TestRehydrateAfterClear(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	key, _ := h.script(t, "phoenix", "", types.Interval1m, immediateLong(200, 50, 600))

	if _, err := h.ctrl.Backtest(context.Background(), key, []types.Candle{flat(0, 100)}); err != nil {
		t.Fatalf("open sweep: %v", err)
	}
	before, _ := h.ctrl.GetData(key)
	if before == nil {
		t.Fatal("no open position to rehydrate")
	}

	h.reg.Clear(key)
	if _, err := h.ctrl.GetData(key); !errors.Is(err, ErrNoInstance) {
		t.Fatalf("cleared lookup err = %v", err)
	}

	inst, err := h.reg.Get(key)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	after := inst.GetData()
	if after == nil || after.ID != before.ID || after.PriceOpen != before.PriceOpen {
		t.Errorf("rehydrated = %+v, want %+v", after, before)
	}
}

func TestBackgroundSweepFulfills(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	key, _ := h.script(t, "bg", "", types.Interval1m, immediateLong(110, 95, 600))

	candles := []types.Candle{
		flat(0, 100),
		bar(60_000, 100, 111, 99, 110.5),
	}
	cancel, err := h.ctrl.Background(context.Background(), key, candles)
	if err != nil {
		t.Fatalf("Background: %v", err)
	}
	defer cancel()
	h.ctrl.Wait()

	report, err := h.ctrl.GetReport(key)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if report.Status != StatusFulfilled {
		t.Errorf("status = %s", report.Status)
	}
	if report.CandlesSwept != 2 || report.SignalsOpened != 1 || report.SignalsClosed != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestPerformanceEventAfterSweep(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	key, _ := h.script(t, "perf", "", types.Interval1m, immediateLong(110, 95, 600))

	var mu sync.Mutex
	var perfs []*types.PerformanceEvent
	h.bus.Subscribe(bus.TopicPerformance, func(event any) {
		mu.Lock()
		defer mu.Unlock()
		perfs = append(perfs, event.(*types.PerformanceEvent))
	})

	if _, err := h.ctrl.Backtest(context.Background(), key, []types.Candle{
		flat(0, 100),
		bar(60_000, 100, 111, 99, 110.5),
	}); err != nil {
		t.Fatalf("Backtest: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(perfs) != 1 {
		t.Fatalf("performance events = %d", len(perfs))
	}
	p := perfs[0]
	if p.CandlesSwept != 2 || p.SignalsOpened != 1 || p.SignalsClosed != 1 {
		t.Errorf("performance = %+v", p)
	}
	if p.TotalPnlPct <= 0 {
		t.Errorf("pnl = %v", p.TotalPnlPct)
	}
}

func TestLiveTickIdleAndOpen(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	quietKey, _ := h.script(t, "quiet", "", types.Interval1m)
	quietKey.Backtest = false

	ev, err := h.ctrl.Run(context.Background(), quietKey)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ev.Action != types.ActionIdle || ev.Backtest {
		t.Errorf("idle live tick = %+v", ev)
	}

	busyKey, _ := h.script(t, "busy", "", types.Interval1m, immediateLong(200, 50, 600))
	busyKey.Backtest = false

	var mu sync.Mutex
	var live []types.TickAction
	h.bus.Subscribe(bus.TopicTickLive, func(event any) {
		mu.Lock()
		defer mu.Unlock()
		live = append(live, event.(*types.TickEvent).Action)
	})

	ev, err = h.ctrl.Run(context.Background(), busyKey)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ev.Action != types.ActionActive {
		t.Errorf("opening live tick final action = %s", ev.Action)
	}
	if ev.Signal == nil || ev.Signal.PriceOpen != 100 {
		t.Errorf("live entry = %+v", ev.Signal)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(live) != 2 || live[0] != types.ActionOpened || live[1] != types.ActionActive {
		t.Errorf("live topic saw %v", live)
	}
}

func TestUnknownSchemaFailsFast(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	key := Key{Symbol: "BTCUSDT", Strategy: "ghost", Exchange: "fake", Backtest: true}
	if _, err := h.ctrl.Backtest(context.Background(), key, nil); !errors.Is(err, schema.ErrUnknown) {
		t.Errorf("unknown strategy err = %v", err)
	}

	key = Key{Symbol: "BTCUSDT", Strategy: "ghost", Exchange: "nowhere", Backtest: true}
	h.script(t, "ghost", "", types.Interval1m)
	if _, err := h.ctrl.Backtest(context.Background(), key, nil); !errors.Is(err, schema.ErrUnknown) {
		t.Errorf("unknown exchange err = %v", err)
	}
}

func TestKeyRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		key  Key
		want string
	}{
		{Key{Symbol: "BTCUSDT", Strategy: "sma", Exchange: "binance", Backtest: false}, "BTCUSDT:sma:binance:live"},
		{Key{Symbol: "ETHUSDT", Strategy: "sma", Exchange: "binance", Frame: "q1", Backtest: true}, "ETHUSDT:sma:binance:q1:backtest"},
	}
	for _, tc := range cases {
		if got := tc.key.String(); got != tc.want {
			t.Errorf("String() = %q, want %q", got, tc.want)
		}
		parsed, err := ParseKey(tc.want)
		if err != nil {
			t.Fatalf("ParseKey(%q): %v", tc.want, err)
		}
		if parsed != tc.key {
			t.Errorf("ParseKey(%q) = %+v, want %+v", tc.want, parsed, tc.key)
		}
	}

	for _, bad := range []string{"", "a:b", "a:b:c:d:e:f", "a:b:c:nonsense"} {
		if _, err := ParseKey(bad); err == nil {
			t.Errorf("ParseKey(%q) accepted", bad)
		}
	}
}
