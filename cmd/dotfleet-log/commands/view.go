// Package commands implements the dotfleet-log CLI commands.
package commands

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dotfleet/dotfleet-go/pkg/log"
)

const timeLayout = "2006-01-02T15:04:05.000000Z"

// RunView prints the matching events of a trace file.
func RunView(path string, filter log.Filter, output io.Writer) error {
	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return fmt.Errorf("failed to open trace file: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		formatEvent(output, event)
	}
}

// formatEvent writes a human-readable representation of the event to w.
func formatEvent(w io.Writer, event log.Event) {
	// Header line: timestamp [sess:id] DIRECTION LAYER Type address
	ts := event.Timestamp.UTC().Format(timeLayout)
	header := fmt.Sprintf("%s [sess:%s] %-3s %s %s", ts, shortID(event.SessionID),
		direction(event), event.Layer.String(), eventType(event))
	if event.Address != "" {
		header += " " + event.Address
	}
	fmt.Fprintln(w, header)

	switch {
	case event.Frame != nil:
		formatFrameDetails(w, event.Frame)
	case event.StateChange != nil:
		formatStateChangeDetails(w, event.StateChange)
	case event.Sync != nil:
		formatSyncDetails(w, event.Sync)
	case event.Error != nil:
		formatErrorDetails(w, event.Error)
	}
	fmt.Fprintln(w)
}

// direction is only meaningful for frames.
func direction(event log.Event) string {
	if event.Frame == nil {
		return "-"
	}
	return event.Direction.String()
}

func eventType(event log.Event) string {
	switch {
	case event.Frame != nil:
		return "Frame"
	case event.StateChange != nil:
		return "State"
	case event.Sync != nil:
		return "Sync"
	case event.Error != nil:
		return "Error"
	default:
		return "Unknown"
	}
}

// shortID returns the first 8 characters of a session id.
func shortID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

func formatFrameDetails(w io.Writer, frame *log.FrameEvent) {
	if frame.Kind != "" {
		fmt.Fprintf(w, "  Channel: %s (%s)\n", frame.Channel, frame.Kind)
	} else {
		fmt.Fprintf(w, "  Channel: %s\n", frame.Channel)
	}
	fmt.Fprintf(w, "  Size: %d bytes\n", frame.Size)
	if len(frame.Data) > 0 {
		fmt.Fprintf(w, "  Data: %s", hex.EncodeToString(frame.Data))
		if frame.Truncated {
			fmt.Fprint(w, " (truncated)")
		}
		fmt.Fprintln(w)
	}
}

func formatStateChangeDetails(w io.Writer, sc *log.StateChangeEvent) {
	fmt.Fprintf(w, "  Entity: %s\n", sc.Entity.String())
	if sc.OldState != "" {
		fmt.Fprintf(w, "  %s -> %s\n", sc.OldState, sc.NewState)
	} else {
		fmt.Fprintf(w, "  -> %s\n", sc.NewState)
	}
	if sc.Trigger != "" {
		fmt.Fprintf(w, "  Trigger: %s\n", sc.Trigger)
	}
}

func formatSyncDetails(w io.Writer, s *log.SyncEvent) {
	fmt.Fprintf(w, "  Round: %s\n", s.RoundID)
	fmt.Fprintf(w, "  Root: %s\n", s.Root)
	status := "ok"
	switch {
	case s.TimedOut:
		status = "timed out"
	case !s.Success:
		status = "failed"
	}
	fmt.Fprintf(w, "  Result: %s", status)
	if s.Duration > 0 {
		fmt.Fprintf(w, " after %s", formatDuration(s.Duration))
	}
	fmt.Fprintln(w)

	addrs := make([]string, 0, len(s.Results))
	for a := range s.Results {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)
	for _, a := range addrs {
		mark := "ok"
		if !s.Results[a] {
			mark = "fail"
		}
		fmt.Fprintf(w, "    %s %s\n", a, mark)
	}
}

func formatErrorDetails(w io.Writer, err *log.ErrorEventData) {
	fmt.Fprintf(w, "  Layer: %s\n", err.Layer.String())
	fmt.Fprintf(w, "  Message: %s\n", err.Message)
	if err.Kind != "" {
		fmt.Fprintf(w, "  Kind: %s\n", err.Kind)
	}
	if err.Context != "" {
		fmt.Fprintf(w, "  Context: %s\n", err.Context)
	}
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%.3fus", float64(d.Nanoseconds())/1000)
	}
	if d < time.Second {
		return fmt.Sprintf("%.3fms", float64(d.Microseconds())/1000)
	}
	return fmt.Sprintf("%.3fs", d.Seconds())
}

// ParseLayerFlag parses a layer name, in any case.
func ParseLayerFlag(s string) (log.Layer, error) {
	l, ok := log.ParseLayer(s)
	if !ok {
		return 0, fmt.Errorf("invalid layer: %s (must be transport, wire, orchestrator, sync, or recording)", s)
	}
	return l, nil
}

// ParseDirectionFlag parses a direction string, in any case.
func ParseDirectionFlag(s string) (log.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return log.DirectionIn, nil
	case "out":
		return log.DirectionOut, nil
	default:
		return 0, fmt.Errorf("invalid direction: %s (must be in or out)", s)
	}
}

// ParseCategoryFlag parses a category name, in any case.
func ParseCategoryFlag(s string) (log.Category, error) {
	c, ok := log.ParseCategory(s)
	if !ok {
		return 0, fmt.Errorf("invalid category: %s (must be frame, state, sync, or error)", s)
	}
	return c, nil
}
