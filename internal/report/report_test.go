package report

import (
	"bufio"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"

	"signalmill/internal/bus"
	"signalmill/pkg/types"
)

func TestCollectorWritesOneLinePerEvent(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(logger)
	dir := t.TempDir()

	c, err := NewCollector(b, dir, logger)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	b.Publish(bus.TopicTickBacktest, &types.TickEvent{Action: types.ActionOpened, Symbol: "BTCUSDT", Timestamp: 1})
	b.Publish(bus.TopicTickBacktest, &types.TickEvent{Action: types.ActionClosed, Symbol: "BTCUSDT", Timestamp: 2})
	b.Publish(bus.TopicPing, &types.PingEvent{SignalID: "s1", Timestamp: 3})

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "tick-backtest.jsonl"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var lines []types.TickEvent
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev types.TickEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		lines = append(lines, ev)
	}
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	if lines[0].Action != types.ActionOpened || lines[1].Action != types.ActionClosed {
		t.Errorf("order lost: %s, %s", lines[0].Action, lines[1].Action)
	}

	if _, err := os.Stat(filepath.Join(dir, "ping.jsonl")); err != nil {
		t.Errorf("ping stream missing: %v", err)
	}
	// Topics with no events open no files.
	if _, err := os.Stat(filepath.Join(dir, "breakeven.jsonl")); !os.IsNotExist(err) {
		t.Errorf("unexpected breakeven stream: %v", err)
	}
}

func TestCloseDetachesFromBus(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(logger)
	dir := t.TempDir()

	c, err := NewCollector(b, dir, logger)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	b.Publish(bus.TopicPing, &types.PingEvent{SignalID: "s1"})
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	b.Publish(bus.TopicPing, &types.PingEvent{SignalID: "s2"})

	data, err := os.ReadFile(filepath.Join(dir, "ping.jsonl"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n := len(splitLines(data)); n != 1 {
		t.Errorf("lines after close = %d, want 1", n)
	}
}

func splitLines(data []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				out = append(out, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		out = append(out, data[start:])
	}
	return out
}
