package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"signalmill/internal/bus"
	"signalmill/internal/clock"
	"signalmill/internal/exchange"
	"signalmill/internal/risk"
	"signalmill/internal/schema"
	"signalmill/internal/signal"
	"signalmill/internal/store"
	"signalmill/pkg/types"
)

// SignalsNamespace is the store namespace active signal rows live in.
const SignalsNamespace = "signals"

// pingInterval is the minimum simulated gap between ping events while a
// scheduled signal waits for activation.
const pingInterval int64 = 60_000

// ErrNoInstance is returned by controller verbs addressing a key that has
// never run.
var ErrNoInstance = errors.New("engine: no such instance")

// Status tracks the lifecycle of an instance's most recent run.
type Status string

const (
	StatusReady     Status = "ready"
	StatusPending   Status = "pending"
	StatusFulfilled Status = "fulfilled"
	StatusRejected  Status = "rejected"
)

// Deps bundles the shared services every instance runs against.
type Deps struct {
	Store   *store.Store
	Bus     *bus.Bus
	Risks   *risk.Engine
	Logger  *slog.Logger
	FeePct  float64 // taker fee, percent per fill
	SlipPct float64 // slippage, percent per fill
}

// Instance is the state machine for one key. At most one signal occupies the
// slot at a time; every mutation is persisted through the store before the
// event describing it is published.
type Instance struct {
	key     Key
	strat   schema.Strategy
	adapter *exchange.Adapter
	rule    risk.Rule
	ledger  risk.LedgerKey
	deps    Deps
	logger  *slog.Logger

	mu           sync.Mutex
	sig          *types.Signal
	lastSignalAt int64
	lastPingAt   int64
	lastTickAt   int64
	stopped      bool
	cancelAsked  bool
	cancelID     string
	status       Status

	swept    int
	opened   int
	closed   int
	totalPnl float64
}

func newInstance(key Key, strat schema.Strategy, adapter *exchange.Adapter, rule risk.Rule, deps Deps) (*Instance, error) {
	if err := deps.Store.WaitForInit(SignalsNamespace, validSignalBlob); err != nil {
		return nil, err
	}

	riskName := strat.RiskName
	if riskName == "" {
		// No shared risk: the strategy gets a ledger of its own.
		riskName = strat.StrategyName
	}

	inst := &Instance{
		key:     key,
		strat:   strat,
		adapter: adapter,
		rule:    rule,
		ledger: risk.LedgerKey{
			RiskName: riskName,
			Exchange: key.Exchange,
			Frame:    key.Frame,
			Backtest: key.Backtest,
		},
		deps:   deps,
		logger: deps.Logger.With("component", "engine", "key", key.String()),
		status: StatusReady,
	}

	if err := inst.rehydrate(); err != nil {
		return nil, err
	}
	return inst, nil
}

func validSignalBlob(data []byte) error {
	var sig types.Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		return err
	}
	if sig.ID == "" || sig.Symbol == "" || !sig.Position.Valid() {
		return fmt.Errorf("incomplete signal row")
	}
	return nil
}

// rehydrate restores the persisted signal slot after a restart. An active
// position re-enters the risk ledger so shared rules keep seeing it.
func (i *Instance) rehydrate() error {
	blob, err := i.deps.Store.Read(SignalsNamespace, i.key.String())
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var sig types.Signal
	if err := json.Unmarshal(blob, &sig); err != nil {
		return fmt.Errorf("rehydrate %s: %w", i.key, err)
	}
	i.sig = &sig
	if !sig.IsScheduled {
		i.deps.Risks.Add(i.ledger, &sig)
	}
	i.logger.Info("rehydrated signal", "signal", sig.ID, "scheduled", sig.IsScheduled)
	return nil
}

// Tick runs one live step: fetch the VWAP, collapse it to a point window, and
// advance the state machine. The returned event is the step's final action.
func (i *Instance) Tick(ctx context.Context) (types.TickEvent, error) {
	if _, ok := clock.Current(ctx); !ok {
		ctx = clock.With(ctx, clock.Scope{
			Symbol:   i.key.Symbol,
			When:     time.Now().UnixMilli(),
			Backtest: i.key.Backtest,
		})
	}

	price, err := i.adapter.AveragePrice(ctx, i.key.Symbol)
	if err != nil {
		return types.TickEvent{}, err
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	events, err := i.step(ctx, signal.PointWindow(price))
	if err != nil {
		return types.TickEvent{}, err
	}
	return events[len(events)-1], nil
}

// step advances the machine one window. It returns every action taken during
// the step, in order: a scheduled signal that activates and immediately exits
// yields opened followed by closed in one call. Callers hold i.mu.
func (i *Instance) step(ctx context.Context, win signal.Window) ([]types.TickEvent, error) {
	when := clock.Now(ctx)
	i.lastTickAt = when

	var events []types.TickEvent
	switch {
	case i.sig == nil:
		evs, err := i.stepIdle(ctx, win, when)
		if err != nil {
			return nil, err
		}
		events = append(events, evs...)
	case i.sig.IsScheduled:
		evs, err := i.stepScheduled(win, when)
		if err != nil {
			return nil, err
		}
		events = append(events, evs...)
	}

	// Opened this step, or already active: run the exit checks against the
	// same window so an entry and its exit may land on one tick.
	if i.sig != nil && !i.sig.IsScheduled {
		evs, err := i.stepActive(win, when)
		if err != nil {
			return nil, err
		}
		events = append(events, evs...)
	}
	return events, nil
}

func (i *Instance) stepIdle(ctx context.Context, win signal.Window, when int64) ([]types.TickEvent, error) {
	idle := []types.TickEvent{i.tickEvent(types.ActionIdle, nil, win.Close, when)}

	if i.stopped {
		return idle, nil
	}
	if i.lastSignalAt != 0 && when-i.lastSignalAt < i.strat.Interval.Millis() {
		return idle, nil
	}
	i.lastSignalAt = when

	dto, err := i.strat.GetSignal(ctx, i.key.Symbol)
	if err != nil {
		return nil, fmt.Errorf("get signal %s: %w", i.key, err)
	}
	if dto == nil {
		return idle, nil
	}

	sig, err := signal.New(dto, signal.Meta{
		Symbol:       i.key.Symbol,
		StrategyName: i.key.Strategy,
		ExchangeName: i.key.Exchange,
		FrameName:    i.key.Frame,
		Backtest:     i.key.Backtest,
	}, win.Close, when)
	if err != nil {
		return nil, err
	}

	// Scheduled signals hold no position yet, so they are checked but not
	// ledgered; immediate entries are admitted and inserted atomically.
	if sig.IsScheduled {
		err = i.deps.Risks.Check(ctx, i.rule, i.ledger, sig)
	} else {
		err = i.deps.Risks.CheckAndAdd(ctx, i.rule, i.ledger, sig)
	}
	if err != nil {
		var reject *schema.RiskRejectError
		if !errors.As(err, &reject) {
			return nil, err
		}
		i.deps.Bus.Publish(bus.TopicRiskReject, &types.RiskRejectEvent{
			Timestamp:           when,
			CurrentPrice:        win.Close,
			ActivePositionCount: i.deps.Risks.ActiveCount(i.ledger),
			RejectionID:         reject.RejectionID,
			RejectionNote:       reject.RejectionNote,
			PendingSignal:       dto,
			Symbol:              i.key.Symbol,
			StrategyName:        i.key.Strategy,
			ExchangeName:        i.key.Exchange,
		})
		i.logger.Info("signal rejected by risk", "rejection", reject.RejectionID)
		return idle, nil
	}

	if err := i.persist(sig); err != nil {
		if !sig.IsScheduled {
			i.deps.Risks.Remove(i.ledger, sig)
		}
		return nil, err
	}
	i.sig = sig

	if sig.IsScheduled {
		ev := i.tickEvent(types.ActionScheduled, sig, win.Close, when)
		i.publishTick(ev)
		return []types.TickEvent{ev}, nil
	}

	i.opened++
	i.notifyOpen(sig)
	ev := i.tickEvent(types.ActionOpened, sig, win.Close, when)
	i.publishTick(ev)
	return []types.TickEvent{ev}, nil
}

func (i *Instance) stepScheduled(win signal.Window, when int64) ([]types.TickEvent, error) {
	sig := i.sig

	// Cancels are checked before activation. The pessimistic reading of a
	// candle that both touches the entry and breaches the stop is that the
	// stop was hit first, so the schedule is rejected rather than entered.
	switch {
	case i.cancelAsked:
		return i.cancelScheduled(sig, types.CancelUser, win, when)
	case signal.ScheduleTimedOut(sig, when):
		return i.cancelScheduled(sig, types.CancelTimeout, win, when)
	case signal.PreActivationReject(sig, win):
		return i.cancelScheduled(sig, types.CancelPriceReject, win, when)
	}

	if signal.ActivationHit(sig, win) {
		snap := sig.Clone()
		sig.IsScheduled = false
		sig.PendingAt = when
		if err := i.persist(sig); err != nil {
			i.sig = snap
			return nil, err
		}
		i.deps.Risks.Add(i.ledger, sig)
		i.opened++
		i.notifyOpen(sig)
		ev := i.tickEvent(types.ActionOpened, sig, win.Close, when)
		i.publishTick(ev)
		return []types.TickEvent{ev}, nil
	}

	if when-i.lastPingAt >= pingInterval {
		i.lastPingAt = when
		i.deps.Bus.Publish(bus.TopicPing, &types.PingEvent{
			Timestamp:    when,
			SignalID:     sig.ID,
			Symbol:       i.key.Symbol,
			StrategyName: i.key.Strategy,
			CurrentPrice: win.Close,
			PriceOpen:    sig.PriceOpen,
		})
	}
	return []types.TickEvent{i.tickEvent(types.ActionScheduled, sig, win.Close, when)}, nil
}

func (i *Instance) cancelScheduled(sig *types.Signal, reason types.CancelReason, win signal.Window, when int64) ([]types.TickEvent, error) {
	if err := i.deps.Store.Delete(SignalsNamespace, i.key.String()); err != nil {
		return nil, err
	}
	i.sig = nil

	cancelID := i.cancelID
	i.cancelAsked = false
	i.cancelID = ""
	if reason != types.CancelUser {
		cancelID = ""
	}

	if cb := i.strat.Callbacks.OnCancel; cb != nil {
		cb(sig.Clone(), reason)
	}

	ev := i.tickEvent(types.ActionCancelled, sig, win.Close, when)
	ev.CancelReason = reason
	ev.CancelID = cancelID
	i.publishTick(ev)
	i.logger.Info("schedule cancelled", "signal", sig.ID, "reason", string(reason))
	return []types.TickEvent{ev}, nil
}

func (i *Instance) stepActive(win signal.Window, when int64) ([]types.TickEvent, error) {
	sig := i.sig

	switch {
	case i.cancelAsked:
		return i.closePosition(sig, types.CloseUser, win.Close, win, when)
	case signal.TimeExpired(sig, when):
		return i.closePosition(sig, types.CloseTimeExpired, win.Close, win, when)
	}
	if reason, price, hit := signal.ExitCheck(sig, win); hit {
		return i.closePosition(sig, reason, price, win, when)
	}

	ev := i.tickEvent(types.ActionActive, sig, win.Close, when)
	i.publishTick(ev)
	return []types.TickEvent{ev}, nil
}

func (i *Instance) closePosition(sig *types.Signal, reason types.CloseReason, exitPrice float64, win signal.Window, when int64) ([]types.TickEvent, error) {
	if err := i.deps.Store.Delete(SignalsNamespace, i.key.String()); err != nil {
		return nil, err
	}
	sig.CloseTime = when
	i.sig = nil
	i.cancelAsked = false
	i.cancelID = ""
	i.deps.Risks.Remove(i.ledger, sig)

	pnl := signal.RealizedPnL(sig, exitPrice, i.deps.FeePct, i.deps.SlipPct)
	i.closed++
	i.totalPnl += pnl.PnlPercentage

	if cb := i.strat.Callbacks.OnClose; cb != nil {
		cb(sig.Clone(), reason)
	}

	ev := i.tickEvent(types.ActionClosed, sig, win.Close, when)
	ev.CloseReason = reason
	ev.CloseTimestamp = when
	ev.Pnl = &pnl
	i.publishTick(ev)
	i.logger.Info("position closed",
		"signal", sig.ID,
		"reason", string(reason),
		"pnl", pnl.PnlPercentage,
	)
	return []types.TickEvent{ev}, nil
}

func (i *Instance) notifyOpen(sig *types.Signal) {
	if cb := i.strat.Callbacks.OnOpen; cb != nil {
		cb(sig.Clone())
	}
	i.logger.Info("position opened", "signal", sig.ID, "position", string(sig.Position), "open", sig.PriceOpen)
}

func (i *Instance) tickEvent(action types.TickAction, sig *types.Signal, price float64, when int64) types.TickEvent {
	return types.TickEvent{
		Action:       action,
		Signal:       sig.Clone(),
		CurrentPrice: price,
		StrategyName: i.key.Strategy,
		ExchangeName: i.key.Exchange,
		Symbol:       i.key.Symbol,
		FrameName:    i.key.Frame,
		Backtest:     i.key.Backtest,
		Timestamp:    when,
	}
}

// publishTick fans the event out on the mode topic and then tick-any. Idle
// and waiting steps are not published; only signal-bearing transitions are.
func (i *Instance) publishTick(ev types.TickEvent) {
	topic := bus.TopicTickLive
	if i.key.Backtest {
		topic = bus.TopicTickBacktest
	}
	i.deps.Bus.Publish(topic, &ev)
	i.deps.Bus.Publish(bus.TopicTickAny, &ev)
}

func (i *Instance) persist(sig *types.Signal) error {
	blob, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal %s: %w", sig.ID, err)
	}
	return i.deps.Store.Write(SignalsNamespace, i.key.String(), blob)
}

// User commands. These run immediately under the instance mutex, between
// ticks; Stop and Cancel only mark intent, observed at the next tick.

// Stop halts signal generation. The current signal, if any, still runs to
// completion; the instance simply stops asking the strategy for new ones.
func (i *Instance) Stop() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.stopped = true
	i.logger.Info("instance stopped")
}

// Cancel requests that the current signal be dropped at the next tick: a
// scheduled signal cancels with reason user, an active position closes at
// the tick's price with reason user. On an idle instance it is a no-op and
// returns the empty string; otherwise it returns the cancel id in effect.
func (i *Instance) Cancel(cancelID string) string {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.sig == nil {
		return ""
	}
	if cancelID == "" {
		cancelID = uuid.NewString()
	}
	i.cancelAsked = true
	i.cancelID = cancelID
	return cancelID
}

// PartialProfit closes percent of the position at price on the profit side.
func (i *Instance) PartialProfit(ctx context.Context, percent, price float64) (bool, error) {
	return i.partial(ctx, types.PartialProfit, bus.TopicPartialProfit, percent, price)
}

// PartialLoss closes percent of the position at price on the loss side.
func (i *Instance) PartialLoss(ctx context.Context, percent, price float64) (bool, error) {
	return i.partial(ctx, types.PartialLoss, bus.TopicPartialLoss, percent, price)
}

func (i *Instance) partial(ctx context.Context, kind types.PartialKind, topic bus.Topic, percent, price float64) (bool, error) {
	if price <= 0 {
		return false, fmt.Errorf("%w: price %v", signal.ErrBadPartial, price)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	snap := i.sig.Clone()
	applied, err := signal.ApplyPartial(i.sig, kind, percent, price)
	if err != nil || !applied {
		return applied, err
	}
	if err := i.persist(i.sig); err != nil {
		i.sig = snap
		return false, err
	}

	sig := i.sig
	i.deps.Bus.Publish(topic, &types.PartialEvent{
		Timestamp:               clock.Now(ctx),
		Action:                  kind,
		SignalID:                sig.ID,
		Position:                sig.Position,
		CurrentPrice:            price,
		Level:                   len(sig.PartialHistory),
		PriceOpen:               sig.PriceOpen,
		PriceTakeProfit:         sig.EffectiveTakeProfit(),
		PriceStopLoss:           sig.EffectiveStopLoss(),
		OriginalPriceTakeProfit: sig.OriginalPriceTakeProfit,
		OriginalPriceStopLoss:   sig.OriginalPriceStopLoss,
		TotalExecuted:           sig.TotalClosed(),
		PartialHistory:          sig.Clone().PartialHistory,
		Note:                    sig.Note,
		PendingAt:               sig.PendingAt,
		ScheduledAt:             sig.ScheduledAt,
		MinuteEstimatedTime:     sig.MinuteEstimatedTime,
	})
	return true, nil
}

// TrailingStop tightens the stop by shift percent of the original SL
// distance. A rejected move (not strictly better, or crossing the entry)
// returns false with no error and no mutation.
func (i *Instance) TrailingStop(ctx context.Context, shift float64) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	snap := i.sig.Clone()
	applied, err := signal.ApplyTrailingStop(i.sig, shift)
	if err != nil || !applied {
		return applied, err
	}
	if err := i.persist(i.sig); err != nil {
		i.sig = snap
		return false, err
	}
	i.logger.Info("trailing stop moved", "signal", i.sig.ID, "stop", i.sig.EffectiveStopLoss())
	return true, nil
}

// Breakeven moves the stop to the entry once progress covers the round-trip
// cost. A zero currentPrice resolves to the VWAP.
func (i *Instance) Breakeven(ctx context.Context, currentPrice float64) (bool, error) {
	if currentPrice <= 0 {
		var err error
		currentPrice, err = i.adapter.AveragePrice(ctx, i.key.Symbol)
		if err != nil {
			return false, err
		}
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	snap := i.sig.Clone()
	applied, err := signal.ApplyBreakeven(i.sig, currentPrice, i.deps.FeePct, i.deps.SlipPct)
	if err != nil || !applied {
		return applied, err
	}
	if err := i.persist(i.sig); err != nil {
		i.sig = snap
		return false, err
	}

	sig := i.sig
	i.deps.Bus.Publish(bus.TopicBreakeven, &types.BreakevenEvent{
		Timestamp:               clock.Now(ctx),
		Action:                  "breakeven",
		SignalID:                sig.ID,
		Position:                sig.Position,
		CurrentPrice:            currentPrice,
		PriceOpen:               sig.PriceOpen,
		PriceTakeProfit:         sig.EffectiveTakeProfit(),
		PriceStopLoss:           sig.EffectiveStopLoss(),
		OriginalPriceTakeProfit: sig.OriginalPriceTakeProfit,
		OriginalPriceStopLoss:   sig.OriginalPriceStopLoss,
		TotalExecuted:           sig.TotalClosed(),
		PartialHistory:          sig.Clone().PartialHistory,
		Note:                    sig.Note,
		PendingAt:               sig.PendingAt,
		ScheduledAt:             sig.ScheduledAt,
		MinuteEstimatedTime:     sig.MinuteEstimatedTime,
	})
	return true, nil
}

// GetData returns a deep copy of the current signal slot, nil when idle.
func (i *Instance) GetData() *types.Signal {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.sig.Clone()
}

// Report is the queryable snapshot of one instance.
type Report struct {
	Key           string        `json:"key"`
	Status        Status        `json:"status"`
	Stopped       bool          `json:"stopped"`
	Signal        *types.Signal `json:"signal,omitempty"`
	LastSignalAt  int64         `json:"lastSignalAt,omitempty"`
	CandlesSwept  int           `json:"candlesSwept"`
	SignalsOpened int           `json:"signalsOpened"`
	SignalsClosed int           `json:"signalsClosed"`
	TotalPnlPct   float64       `json:"totalPnlPct"`
}

// GetReport snapshots the instance counters and slot.
func (i *Instance) GetReport() Report {
	i.mu.Lock()
	defer i.mu.Unlock()
	return Report{
		Key:           i.key.String(),
		Status:        i.status,
		Stopped:       i.stopped,
		Signal:        i.sig.Clone(),
		LastSignalAt:  i.lastSignalAt,
		CandlesSwept:  i.swept,
		SignalsOpened: i.opened,
		SignalsClosed: i.closed,
		TotalPnlPct:   i.totalPnl,
	}
}

// Status returns the lifecycle status of the most recent run.
func (i *Instance) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

func (i *Instance) setStatus(s Status) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.status = s
}
