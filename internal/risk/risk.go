// Package risk enforces portfolio-level policy across instances that share a
// risk name.
//
// The engine keeps an active-positions ledger per (riskName, exchange,
// frame, mode). When a strategy produces a pending signal the tick engine
// asks the effective rule whether to admit it; the rule sees the pending
// signal together with every position currently open under the same ledger,
// across strategies. Rules compose as a tree: Leaf wraps one validation
// function, Merge accepts iff every member accepts, evaluated in order.
//
// A rejection is data, not failure: the tick engine turns it into a
// risk-reject event and the instance stays idle.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"signalmill/internal/schema"
	"signalmill/pkg/types"
)

// Rule is a composable admission rule.
type Rule interface {
	Check(ctx context.Context, check schema.RiskCheck) error
}

type leaf struct {
	fn schema.RiskRule
}

func (l leaf) Check(ctx context.Context, check schema.RiskCheck) error {
	return l.fn(ctx, check)
}

// Leaf wraps a single validation function as a Rule.
func Leaf(fn schema.RiskRule) Rule {
	return leaf{fn: fn}
}

type merge struct {
	rules []Rule
}

func (m merge) Check(ctx context.Context, check schema.RiskCheck) error {
	for _, r := range m.rules {
		if err := r.Check(ctx, check); err != nil {
			return err
		}
	}
	return nil
}

// Merge composes rules; the merge accepts iff every member accepts.
func Merge(rules ...Rule) Rule {
	return merge{rules: rules}
}

// Accept is the default rule when a strategy names no risk: always admits.
func Accept() Rule {
	return merge{}
}

// FromSchema flattens a registered risk schema into a Rule.
func FromSchema(rs schema.Risk) Rule {
	rules := make([]Rule, 0, len(rs.Validations))
	for _, fn := range rs.Validations {
		rules = append(rules, Leaf(fn))
	}
	return Merge(rules...)
}

// Resolve builds the effective rule for a strategy: riskName first, then
// riskList in schema order. An empty strategy risk set yields Accept.
func Resolve(reg *schema.Registries, strat schema.Strategy) (Rule, error) {
	names := make([]string, 0, len(strat.RiskList)+1)
	if strat.RiskName != "" {
		names = append(names, strat.RiskName)
	}
	names = append(names, strat.RiskList...)

	if len(names) == 0 {
		return Accept(), nil
	}

	rules := make([]Rule, 0, len(names))
	for _, name := range names {
		rs, err := reg.Risk(name)
		if err != nil {
			return nil, err
		}
		rules = append(rules, FromSchema(rs))
	}
	return Merge(rules...), nil
}

// MaxPositions builds a validation that admits a pending signal only while
// fewer than max positions are open under the ledger.
func MaxPositions(max int) schema.RiskRule {
	return func(_ context.Context, check schema.RiskCheck) error {
		if check.ActivePositionCount >= max {
			return &schema.RiskRejectError{
				RejectionID:   "max_positions",
				RejectionNote: fmt.Sprintf("%d of %d positions already open", check.ActivePositionCount, max),
			}
		}
		return nil
	}
}

// LedgerKey identifies one active-positions ledger.
type LedgerKey struct {
	RiskName string
	Exchange string
	Frame    string
	Backtest bool
}

func (k LedgerKey) String() string {
	mode := "live"
	if k.Backtest {
		mode = "backtest"
	}
	parts := []string{k.RiskName, k.Exchange}
	if k.Frame != "" {
		parts = append(parts, k.Frame)
	}
	parts = append(parts, mode)
	return strings.Join(parts, ":")
}

// Engine owns the ledgers. Instances hold it only by handle; signals never
// point back at instances.
type Engine struct {
	mu      sync.Mutex
	ledgers map[string]map[string]*types.Signal // ledger key -> signal id -> signal
	logger  *slog.Logger
}

// NewEngine creates an empty risk engine.
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{
		ledgers: make(map[string]map[string]*types.Signal),
		logger:  logger.With("component", "risk"),
	}
}

// Check evaluates the rule for a pending signal against the ledger.
// Returns nil on acceptance or the *schema.RiskRejectError the rule raised.
func (e *Engine) Check(ctx context.Context, rule Rule, key LedgerKey, pending *types.Signal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkLocked(ctx, rule, key, pending)
}

// CheckAndAdd runs check→insert as one critical section, for signals that
// become active the moment they are admitted (immediate entries).
func (e *Engine) CheckAndAdd(ctx context.Context, rule Rule, key LedgerKey, pending *types.Signal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkLocked(ctx, rule, key, pending); err != nil {
		return err
	}
	e.addLocked(key, pending)
	return nil
}

func (e *Engine) checkLocked(ctx context.Context, rule Rule, key LedgerKey, pending *types.Signal) error {
	active := e.ledgers[key.String()]
	positions := make([]*types.Signal, 0, len(active))
	for _, sig := range active {
		positions = append(positions, sig.Clone())
	}

	err := rule.Check(ctx, schema.RiskCheck{
		PendingSignal:       pending,
		ActivePositionCount: len(positions),
		ActivePositions:     positions,
	})
	if err == nil {
		return nil
	}

	var reject *schema.RiskRejectError
	if !errors.As(err, &reject) {
		// A rule failing with a plain error still rejects; give it an id
		// so the event payload stays structured.
		return fmt.Errorf("risk rule: %w", &schema.RiskRejectError{
			RejectionID:   "rule_error",
			RejectionNote: err.Error(),
		})
	}
	return err
}

// Add inserts a signal that just became active into its ledger.
func (e *Engine) Add(key LedgerKey, sig *types.Signal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.addLocked(key, sig)
}

func (e *Engine) addLocked(key LedgerKey, sig *types.Signal) {
	k := key.String()
	if e.ledgers[k] == nil {
		e.ledgers[k] = make(map[string]*types.Signal)
	}
	e.ledgers[k][sig.ID] = sig.Clone()
}

// Remove drops a signal from its ledger on close, or when a scheduled
// signal is cancelled pre-activation. Removing an absent signal is a no-op.
func (e *Engine) Remove(key LedgerKey, sig *types.Signal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if active, ok := e.ledgers[key.String()]; ok {
		delete(active, sig.ID)
	}
}

// ActiveCount returns the number of open positions in one ledger.
func (e *Engine) ActiveCount(key LedgerKey) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.ledgers[key.String()])
}
