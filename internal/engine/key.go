// Package engine drives the signal state machine: one Instance per
// (symbol, strategy, exchange, frame, mode) key, a memoizing Registry, and
// the Controller that exposes the per-instance verbs.
package engine

import (
	"fmt"
	"strings"
)

// Key identifies one instance. Frame is an optional tag partitioning
// backtest runs; it is empty for live.
type Key struct {
	Symbol   string
	Strategy string
	Exchange string
	Frame    string
	Backtest bool
}

// String renders the canonical form symbol:strategy:exchange[:frame]:mode.
func (k Key) String() string {
	mode := "live"
	if k.Backtest {
		mode = "backtest"
	}
	parts := []string{k.Symbol, k.Strategy, k.Exchange}
	if k.Frame != "" {
		parts = append(parts, k.Frame)
	}
	parts = append(parts, mode)
	return strings.Join(parts, ":")
}

// ParseKey parses the canonical key form back into its parts.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 && len(parts) != 5 {
		return Key{}, fmt.Errorf("malformed instance key %q", s)
	}

	mode := parts[len(parts)-1]
	if mode != "live" && mode != "backtest" {
		return Key{}, fmt.Errorf("malformed instance key %q: mode %q", s, mode)
	}

	k := Key{
		Symbol:   parts[0],
		Strategy: parts[1],
		Exchange: parts[2],
		Backtest: mode == "backtest",
	}
	if len(parts) == 5 {
		k.Frame = parts[3]
	}
	if k.Symbol == "" || k.Strategy == "" || k.Exchange == "" {
		return Key{}, fmt.Errorf("malformed instance key %q", s)
	}
	return k, nil
}
