package commands

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dotfleet/dotfleet-go/pkg/log"
)

// Stats holds aggregate statistics about a trace file.
type Stats struct {
	TotalEvents       int
	EventsByLayer     map[log.Layer]int
	EventsByCategory  map[log.Category]int
	EventsByDirection map[log.Direction]int
	Devices           map[string]*DeviceStats
	Sessions          map[string]bool
	SyncRounds        int
	SyncFailures      int
	Errors            int
	TimeRange         struct {
		Start time.Time
		End   time.Time
	}
}

// DeviceStats holds statistics for one sensor.
type DeviceStats struct {
	FirstSeen time.Time
	LastSeen  time.Time
	FramesIn  int
	FramesOut int
	Errors    int
	LastState string
}

// RunStats analyzes the trace file and prints statistics.
func RunStats(path string, w io.Writer) error {
	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open trace file: %w", err)
	}
	defer reader.Close()

	stats := &Stats{
		EventsByLayer:     make(map[log.Layer]int),
		EventsByCategory:  make(map[log.Category]int),
		EventsByDirection: make(map[log.Direction]int),
		Devices:           make(map[string]*DeviceStats),
		Sessions:          make(map[string]bool),
	}

	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		stats.add(event)
	}

	printStats(w, stats)
	return nil
}

func (s *Stats) add(event log.Event) {
	s.TotalEvents++
	s.EventsByLayer[event.Layer]++
	s.EventsByCategory[event.Category]++
	if event.Frame != nil {
		s.EventsByDirection[event.Direction]++
	}
	if event.SessionID != "" {
		s.Sessions[event.SessionID] = true
	}

	if s.TimeRange.Start.IsZero() || event.Timestamp.Before(s.TimeRange.Start) {
		s.TimeRange.Start = event.Timestamp
	}
	if event.Timestamp.After(s.TimeRange.End) {
		s.TimeRange.End = event.Timestamp
	}

	if event.Sync != nil {
		s.SyncRounds++
		if !event.Sync.Success {
			s.SyncFailures++
		}
	}
	if event.Error != nil {
		s.Errors++
	}

	if event.Address == "" {
		return
	}
	dev, ok := s.Devices[event.Address]
	if !ok {
		dev = &DeviceStats{FirstSeen: event.Timestamp, LastSeen: event.Timestamp}
		s.Devices[event.Address] = dev
	}
	if event.Timestamp.After(dev.LastSeen) {
		dev.LastSeen = event.Timestamp
	}
	switch {
	case event.Frame != nil && event.Direction == log.DirectionIn:
		dev.FramesIn++
	case event.Frame != nil:
		dev.FramesOut++
	case event.Error != nil:
		dev.Errors++
	case event.StateChange != nil && event.StateChange.Entity == log.StateEntityDevice:
		dev.LastState = event.StateChange.NewState
	}
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w, "=== dotfleet Trace Statistics ===")
	fmt.Fprintln(w)

	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			stats.TimeRange.Start.UTC().Format(time.RFC3339),
			stats.TimeRange.End.UTC().Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Millisecond))
		fmt.Fprintf(w, "Sessions:   %d\n", len(stats.Sessions))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", stats.TotalEvents)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Layer:")
	for l := log.LayerTransport; l <= log.LayerRecording; l++ {
		if count := stats.EventsByLayer[l]; count > 0 {
			fmt.Fprintf(w, "  %-14s %d\n", l.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for c := log.CategoryFrame; c <= log.CategoryError; c++ {
		if count := stats.EventsByCategory[c]; count > 0 {
			fmt.Fprintf(w, "  %-14s %d\n", c.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Frames by Direction:")
	for _, dir := range []log.Direction{log.DirectionIn, log.DirectionOut} {
		if count := stats.EventsByDirection[dir]; count > 0 {
			fmt.Fprintf(w, "  %-14s %d\n", dir.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Devices: %d\n", len(stats.Devices))
	addrs := make([]string, 0, len(stats.Devices))
	for a := range stats.Devices {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)
	for _, a := range addrs {
		d := stats.Devices[a]
		fmt.Fprintf(w, "  %s in=%d out=%d errors=%d", a, d.FramesIn, d.FramesOut, d.Errors)
		if d.LastState != "" {
			fmt.Fprintf(w, " state=%s", d.LastState)
		}
		fmt.Fprintln(w)
	}

	if stats.SyncRounds > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Sync Rounds: %d (%d failed)\n", stats.SyncRounds, stats.SyncFailures)
	}
	if stats.Errors > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors: %d\n", stats.Errors)
	}
}
