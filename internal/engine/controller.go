package engine

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc"

	"signalmill/pkg/types"
)

// Controller is the public verb surface over the instance registry. One
// controller serves every key; verbs addressing a key that has never run
// fail with ErrNoInstance, except Run, Backtest, and Background which build
// the instance on first use.
type Controller struct {
	registry *Registry
	dumpDir  string

	wg conc.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewController creates a controller over the registry. dumpDir receives
// Dump output; empty disables dumping.
func NewController(registry *Registry, dumpDir string) *Controller {
	return &Controller{
		registry: registry,
		dumpDir:  dumpDir,
		running:  make(map[string]context.CancelFunc),
	}
}

// Run executes one live tick for the key, building the instance on first use.
func (c *Controller) Run(ctx context.Context, key Key) (types.TickEvent, error) {
	inst, err := c.registry.Get(key)
	if err != nil {
		return types.TickEvent{}, err
	}
	return inst.Tick(ctx)
}

// Backtest sweeps the candles synchronously and returns every event the
// sweep produced. The instance status moves pending → fulfilled, or rejected
// when a step fails; the events produced before the failure are returned
// alongside the error.
func (c *Controller) Backtest(ctx context.Context, key Key, candles []types.Candle) ([]types.TickEvent, error) {
	inst, err := c.registry.Get(key)
	if err != nil {
		return nil, err
	}
	inst.setStatus(StatusPending)

	events, errc := inst.Sweep(ctx, candles)
	var out []types.TickEvent
	for ev := range events {
		out = append(out, ev)
	}
	if err := <-errc; err != nil {
		inst.setStatus(StatusRejected)
		return out, err
	}
	inst.setStatus(StatusFulfilled)
	return out, nil
}

// Background runs the sweep in a controller-owned goroutine, draining events
// as they are produced. It returns a cancel function that stops the sweep
// after the in-flight candle. Wait blocks until every background sweep ends.
func (c *Controller) Background(ctx context.Context, key Key, candles []types.Candle) (context.CancelFunc, error) {
	inst, err := c.registry.Get(key)
	if err != nil {
		return nil, err
	}

	bctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if _, ok := c.running[key.String()]; ok {
		c.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("engine: sweep already running for %s", key)
	}
	c.running[key.String()] = cancel
	c.mu.Unlock()

	inst.setStatus(StatusPending)
	c.wg.Go(func() {
		defer func() {
			c.mu.Lock()
			delete(c.running, key.String())
			c.mu.Unlock()
		}()

		events, errc := inst.Sweep(bctx, candles)
		for range events {
			// Events still reach the bus; the background drain just keeps
			// the sweep moving.
		}
		if err := <-errc; err != nil {
			inst.setStatus(StatusRejected)
			inst.logger.Warn("background sweep failed", "error", err)
			return
		}
		inst.setStatus(StatusFulfilled)
	})
	return cancel, nil
}

// Wait blocks until every background sweep has finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Stop halts signal generation for the key.
func (c *Controller) Stop(key Key) error {
	inst, ok := c.registry.Lookup(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoInstance, key)
	}
	inst.Stop()
	return nil
}

// Cancel requests the key's current signal be dropped at the next tick. It
// returns the cancel id in effect, or the empty string when the instance is
// idle and nothing was cancelled.
func (c *Controller) Cancel(key Key, cancelID string) (string, error) {
	inst, ok := c.registry.Lookup(key)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoInstance, key)
	}
	return inst.Cancel(cancelID), nil
}

// PartialProfit closes percent of the key's position at price, profit side.
func (c *Controller) PartialProfit(ctx context.Context, key Key, percent, price float64) (bool, error) {
	inst, ok := c.registry.Lookup(key)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNoInstance, key)
	}
	return inst.PartialProfit(ctx, percent, price)
}

// PartialLoss closes percent of the key's position at price, loss side.
func (c *Controller) PartialLoss(ctx context.Context, key Key, percent, price float64) (bool, error) {
	inst, ok := c.registry.Lookup(key)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNoInstance, key)
	}
	return inst.PartialLoss(ctx, percent, price)
}

// TrailingStop tightens the key's stop by shift percent of the original
// stop distance.
func (c *Controller) TrailingStop(ctx context.Context, key Key, shift float64) (bool, error) {
	inst, ok := c.registry.Lookup(key)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNoInstance, key)
	}
	return inst.TrailingStop(ctx, shift)
}

// Breakeven moves the key's stop to its entry once progress covers costs.
func (c *Controller) Breakeven(ctx context.Context, key Key, currentPrice float64) (bool, error) {
	inst, ok := c.registry.Lookup(key)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNoInstance, key)
	}
	return inst.Breakeven(ctx, currentPrice)
}

// GetData returns a deep copy of the key's current signal, nil when idle.
func (c *Controller) GetData(key Key) (*types.Signal, error) {
	inst, ok := c.registry.Lookup(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoInstance, key)
	}
	return inst.GetData(), nil
}

// GetReport snapshots the key's counters and slot.
func (c *Controller) GetReport(key Key) (Report, error) {
	inst, ok := c.registry.Lookup(key)
	if !ok {
		return Report{}, fmt.Errorf("%w: %s", ErrNoInstance, key)
	}
	return inst.GetReport(), nil
}

// List reports every built instance.
func (c *Controller) List() []Report {
	instances := c.registry.List()
	out := make([]Report, 0, len(instances))
	for _, inst := range instances {
		out = append(out, inst.GetReport())
	}
	return out
}

// Dump writes the key's report to the dump directory as JSON and returns
// the written path.
func (c *Controller) Dump(key Key) (string, error) {
	if c.dumpDir == "" {
		return "", fmt.Errorf("engine: dump directory not configured")
	}
	report, err := c.GetReport(key)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(c.dumpDir, 0o755); err != nil {
		return "", fmt.Errorf("dump %s: %w", key, err)
	}
	blob, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("dump %s: %w", key, err)
	}
	path := filepath.Join(c.dumpDir, url.QueryEscape(key.String())+".json")
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return "", fmt.Errorf("dump %s: %w", key, err)
	}
	return path, nil
}
