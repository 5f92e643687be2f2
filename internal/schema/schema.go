// Package schema holds the consumer-facing contracts: exchange, strategy,
// and risk schemas, plus the name→schema registries the engine resolves
// against. Registration validates the schema once; lookups after that are
// cheap and concurrent.
package schema

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"signalmill/pkg/types"
)

var (
	// ErrUnknown is wrapped by registry lookups for unregistered names.
	ErrUnknown = errors.New("schema: unknown name")
	// ErrDuplicate is returned when a name is registered twice.
	ErrDuplicate = errors.New("schema: duplicate registration")
	// ErrInvalid is returned when a schema fails registration validation.
	ErrInvalid = errors.New("schema: invalid schema")
)

// GetCandlesFunc fetches candles from the data source backing an exchange.
// since is ms UTC; backtest selects recorded data where the source
// distinguishes.
type GetCandlesFunc func(ctx context.Context, symbol string, interval types.Interval, since int64, limit int, backtest bool) ([]types.Candle, error)

// Exchange is a consumer-provided exchange schema.
type Exchange struct {
	ExchangeName string
	Note         string

	GetCandles GetCandlesFunc

	// Optional formatters. Nil means identity formatting.
	FormatQuantity func(symbol string, quantity float64) string
	FormatPrice    func(symbol string, price float64) string

	// Optional order-book fetch; unused by the core engine.
	GetOrderBook func(ctx context.Context, symbol string) (any, error)
}

func (e Exchange) validate() error {
	if e.ExchangeName == "" {
		return fmt.Errorf("%w: exchangeName is required", ErrInvalid)
	}
	if e.GetCandles == nil {
		return fmt.Errorf("%w: exchange %q needs getCandles", ErrInvalid, e.ExchangeName)
	}
	return nil
}

// GetSignalFunc produces a signal request, or nil for "no trade now".
type GetSignalFunc func(ctx context.Context, symbol string) (*types.SignalDTO, error)

// StrategyCallbacks are optional hooks invoked by the tick engine around
// signal lifecycle transitions. All are best-effort notifications.
type StrategyCallbacks struct {
	OnOpen   func(signal *types.Signal)
	OnClose  func(signal *types.Signal, reason types.CloseReason)
	OnCancel func(signal *types.Signal, reason types.CancelReason)
}

// Strategy is a consumer-provided strategy schema. Interval throttles how
// often getSignal is consulted.
type Strategy struct {
	StrategyName string
	Interval     types.Interval
	GetSignal    GetSignalFunc

	// RiskName plus RiskList compose the effective risk rule, RiskName first.
	RiskName string
	RiskList []string

	Callbacks StrategyCallbacks
	Note      string
}

func (s Strategy) validate() error {
	if s.StrategyName == "" {
		return fmt.Errorf("%w: strategyName is required", ErrInvalid)
	}
	if !s.Interval.ValidForStrategy() {
		return fmt.Errorf("%w: strategy %q interval %q (want 1m..1h)", ErrInvalid, s.StrategyName, s.Interval)
	}
	if s.GetSignal == nil {
		return fmt.Errorf("%w: strategy %q needs getSignal", ErrInvalid, s.StrategyName)
	}
	return nil
}

// RiskCheck is the payload handed to each risk validation rule.
type RiskCheck struct {
	PendingSignal       *types.Signal
	ActivePositionCount int
	ActivePositions     []*types.Signal
}

// RiskRule accepts by returning nil or rejects with a *RiskRejectError.
type RiskRule func(ctx context.Context, check RiskCheck) error

// Risk is a consumer-provided risk schema: an ordered list of validations.
type Risk struct {
	RiskName    string
	Note        string
	Validations []RiskRule
}

func (r Risk) validate() error {
	if r.RiskName == "" {
		return fmt.Errorf("%w: riskName is required", ErrInvalid)
	}
	return nil
}

// RiskRejectError carries the rejection detail a rule reports. It is
// surfaced as a risk-reject event; the tick itself never fails on it.
type RiskRejectError struct {
	RejectionID   string
	RejectionNote string
}

func (e *RiskRejectError) Error() string {
	return fmt.Sprintf("risk reject %s: %s", e.RejectionID, e.RejectionNote)
}

// registry is a concurrent name→schema map with duplicate detection.
type registry[T any] struct {
	kind string

	mu      sync.RWMutex
	entries map[string]T
}

func (r *registry[T]) register(name string, schema T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("%w: %s %q", ErrDuplicate, r.kind, name)
	}
	r.entries[name] = schema
	return nil
}

func (r *registry[T]) get(name string) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schema, ok := r.entries[name]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s %q", ErrUnknown, r.kind, name)
	}
	return schema, nil
}

func (r *registry[T]) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	return out
}

// Registries groups the three schema registries the engine resolves against.
type Registries struct {
	exchanges  registry[Exchange]
	strategies registry[Strategy]
	risks      registry[Risk]
}

// NewRegistries creates empty registries.
func NewRegistries() *Registries {
	return &Registries{
		exchanges:  registry[Exchange]{kind: "exchange", entries: make(map[string]Exchange)},
		strategies: registry[Strategy]{kind: "strategy", entries: make(map[string]Strategy)},
		risks:      registry[Risk]{kind: "risk", entries: make(map[string]Risk)},
	}
}

// AddExchange validates and registers an exchange schema.
func (r *Registries) AddExchange(e Exchange) error {
	if err := e.validate(); err != nil {
		return err
	}
	return r.exchanges.register(e.ExchangeName, e)
}

// AddStrategy validates and registers a strategy schema.
func (r *Registries) AddStrategy(s Strategy) error {
	if err := s.validate(); err != nil {
		return err
	}
	return r.strategies.register(s.StrategyName, s)
}

// AddRisk validates and registers a risk schema.
func (r *Registries) AddRisk(rs Risk) error {
	if err := rs.validate(); err != nil {
		return err
	}
	return r.risks.register(rs.RiskName, rs)
}

// Exchange resolves a registered exchange by name.
func (r *Registries) Exchange(name string) (Exchange, error) {
	return r.exchanges.get(name)
}

// Strategy resolves a registered strategy by name.
func (r *Registries) Strategy(name string) (Strategy, error) {
	return r.strategies.get(name)
}

// Risk resolves a registered risk by name.
func (r *Registries) Risk(name string) (Risk, error) {
	return r.risks.get(name)
}

// StrategyNames lists registered strategy names.
func (r *Registries) StrategyNames() []string { return r.strategies.names() }

// ExchangeNames lists registered exchange names.
func (r *Registries) ExchangeNames() []string { return r.exchanges.names() }
