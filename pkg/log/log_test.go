package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const addr = "D4:22:CD:00:00:01"

func sampleEvents(base time.Time) []Event {
	return []Event{
		{
			Timestamp: base,
			SessionID: "s-1",
			Direction: DirectionOut,
			Layer:     LayerTransport,
			Category:  CategoryFrame,
			Address:   addr,
			Frame:     NewFrameEvent("CONTROL", "enable", []byte{0x01, 0x01, 0x10}),
		},
		{
			Timestamp: base.Add(time.Millisecond),
			SessionID: "s-1",
			Layer:     LayerOrchestrator,
			Category:  CategoryState,
			Address:   addr,
			StateChange: &StateChangeEvent{
				Entity:   StateEntityDevice,
				OldState: "Enabling",
				NewState: "Measuring",
				Trigger:  "subscribed",
			},
		},
		{
			Timestamp: base.Add(2 * time.Millisecond),
			SessionID: "s-1",
			Layer:     LayerSync,
			Category:  CategorySync,
			Sync: &SyncEvent{
				RoundID:  "r-1",
				Root:     addr,
				Members:  []string{addr},
				Results:  map[string]bool{addr: true},
				Success:  true,
				Duration: 3 * time.Second,
			},
		},
		{
			Timestamp: base.Add(3 * time.Millisecond),
			SessionID: "s-2",
			Layer:     LayerTransport,
			Category:  CategoryError,
			Address:   "D4:22:CD:00:00:02",
			Error:     &ErrorEventData{Layer: LayerTransport, Message: "page timeout", Kind: "transport"},
		},
	}
}

func writeTrace(t *testing.T, events []Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "session"+Extension)

	logger, err := NewFileLogger(path)
	require.NoError(t, err)
	for _, ev := range events {
		logger.Log(ev)
	}
	require.NoError(t, logger.Close())
	return path
}

func TestFileLoggerRoundTrip(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC)
	path := writeTrace(t, sampleEvents(base))

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	got, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, got, 4)

	assert.True(t, got[0].Timestamp.Equal(base), "nanosecond timestamps survive")
	assert.Equal(t, []byte{0x01, 0x01, 0x10}, got[0].Frame.Data)
	assert.Equal(t, "Measuring", got[1].StateChange.NewState)
	assert.Equal(t, map[string]bool{addr: true}, got[2].Sync.Results)
	assert.Equal(t, 3*time.Second, got[2].Sync.Duration)
	assert.Equal(t, "page timeout", got[3].Error.Message)
}

func TestFileLoggerAppends(t *testing.T) {
	base := time.Now()
	path := writeTrace(t, sampleEvents(base)[:1])

	logger, err := NewFileLogger(path)
	require.NoError(t, err)
	logger.Log(sampleEvents(base)[1])
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	events, err := DecodeEvents(data)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestFileLoggerIgnoresAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x"+Extension)
	logger, err := NewFileLogger(path)
	require.NoError(t, err)

	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())
	logger.Log(Event{Timestamp: time.Now()})
	assert.NoError(t, logger.Flush())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestFilteredReader(t *testing.T) {
	path := writeTrace(t, sampleEvents(time.Now()))

	category := CategoryFrame
	layer := LayerTransport

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 4},
		{"session", Filter{SessionID: "s-2"}, 1},
		{"address", Filter{Address: addr}, 2},
		{"category", Filter{Category: &category}, 1},
		{"layer", Filter{Layer: &layer}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewFilteredReader(path, tt.filter)
			require.NoError(t, err)
			defer r.Close()

			got, err := r.ReadAll()
			require.NoError(t, err)
			if len(got) != tt.want {
				t.Errorf("ReadAll() = %d events, want %d", len(got), tt.want)
			}
		})
	}
}

func TestFilterTimeWindow(t *testing.T) {
	base := time.Now()
	start, end := base.Add(time.Millisecond), base.Add(3*time.Millisecond)
	f := Filter{TimeStart: &start, TimeEnd: &end}

	var n int
	for _, ev := range sampleEvents(base) {
		if f.Matches(ev) {
			n++
		}
	}
	assert.Equal(t, 2, n)
}

func TestReaderStopsAtTruncatedTail(t *testing.T) {
	path := writeTrace(t, sampleEvents(time.Now()))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-3], 0o644))

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	got, err := r.ReadAll()
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestNewFrameEventTruncates(t *testing.T) {
	f := NewFrameEvent("MEASUREMENT", "sample", make([]byte, MaxFrameData+10))

	assert.Equal(t, MaxFrameData+10, f.Size)
	assert.Len(t, f.Data, MaxFrameData)
	assert.True(t, f.Truncated)
}

func TestParseNames(t *testing.T) {
	l, ok := ParseLayer("sync")
	assert.True(t, ok)
	assert.Equal(t, LayerSync, l)

	c, ok := ParseCategory("Error")
	assert.True(t, ok)
	assert.Equal(t, CategoryError, c)

	_, ok = ParseLayer("session")
	assert.False(t, ok)
}

func TestSlogAdapter(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewSlogAdapter(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	adapter.Log(sampleEvents(time.Now())[0])

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "DEBUG", entry["level"])
	assert.Equal(t, "OUT", entry["direction"])
	assert.Equal(t, "CONTROL", entry["channel"])
	assert.Equal(t, "010110", entry["data"])
	assert.Equal(t, addr, entry["address"])
}

func TestSlogAdapterErrorsWarn(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewSlogAdapter(slog.New(slog.NewJSONHandler(&buf, nil)))

	adapter.Log(sampleEvents(time.Now())[3])

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "transport", entry["error_kind"])
}

func TestMultiLogger(t *testing.T) {
	var a, b []Event
	m := NewMultiLogger(
		LoggerFunc(func(e Event) { a = append(a, e) }),
		nil,
		LoggerFunc(func(e Event) { b = append(b, e) }),
		NoopLogger{},
	)

	m.Log(Event{SessionID: "x"})

	assert.Equal(t, 3, m.Len())
	assert.Len(t, a, 1)
	assert.Len(t, b, 1)
}
