// Package report persists the engine's event streams for later analysis.
//
// A Collector subscribes to every bus topic and appends each event as one
// JSON line to <dir>/<topic>.jsonl. Files are opened lazily and appended
// through a single mutex, so lines never interleave; a write failure is
// logged and the stream keeps going.
package report

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"

	"signalmill/internal/bus"
)

// Collector mirrors bus topics into JSONL files.
type Collector struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	files map[bus.Topic]*os.File
	unsub []func()
}

// NewCollector attaches a collector to every topic on the bus.
func NewCollector(b *bus.Bus, dir string, logger *slog.Logger) (*Collector, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}

	c := &Collector{
		dir:    dir,
		logger: logger.With("component", "report"),
		files:  make(map[bus.Topic]*os.File),
	}
	for _, topic := range bus.Topics() {
		topic := topic
		c.unsub = append(c.unsub, b.Subscribe(topic, func(event any) {
			c.append(topic, event)
		}))
	}
	return c, nil
}

func (c *Collector) append(topic bus.Topic, event any) {
	line, err := json.Marshal(event)
	if err != nil {
		c.logger.Warn("event not serializable", "topic", string(topic), "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := c.file(topic)
	if err != nil {
		c.logger.Warn("report file unavailable", "topic", string(topic), "error", err)
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		c.logger.Warn("report append failed", "topic", string(topic), "error", err)
	}
}

// file returns the open handle for a topic, opening it on first use.
// Callers hold c.mu.
func (c *Collector) file(topic bus.Topic) (*os.File, error) {
	if f, ok := c.files[topic]; ok {
		return f, nil
	}
	f, err := os.OpenFile(filepath.Join(c.dir, string(topic)+".jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	c.files[topic] = f
	return f, nil
}

// Close detaches the collector from the bus and closes every file. Events
// published after Close are not recorded.
func (c *Collector) Close() error {
	for _, u := range c.unsub {
		u()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for topic, f := range c.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.files, topic)
	}
	return firstErr
}
