package commands

import (
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dotfleet/dotfleet-go/pkg/log"
)

// RunExport exports the trace file to format ("jsonl" or "csv"). An empty
// output writes to w.
func RunExport(path, format, output string, w io.Writer) error {
	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open trace file: %w", err)
	}
	defer reader.Close()

	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	switch format {
	case "jsonl":
		return exportJSONL(reader, w)
	case "csv":
		return exportCSV(reader, w)
	default:
		return fmt.Errorf("unknown format: %s (supported: jsonl, csv)", format)
	}
}

func exportJSONL(reader *log.Reader, w io.Writer) error {
	encoder := json.NewEncoder(w)
	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		if err := encoder.Encode(event); err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
	}
}

var csvHeader = []string{"timestamp", "session_id", "direction", "layer", "category", "address", "type", "detail"}

func exportCSV(reader *log.Reader, w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		row := []string{
			event.Timestamp.UTC().Format(timeLayout),
			event.SessionID,
			direction(event),
			event.Layer.String(),
			event.Category.String(),
			event.Address,
			eventType(event),
			detail(event),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// detail is a one-cell summary of the event payload.
func detail(event log.Event) string {
	switch {
	case event.Frame != nil:
		return fmt.Sprintf("%s %s %s", event.Frame.Channel, event.Frame.Kind, hex.EncodeToString(event.Frame.Data))
	case event.StateChange != nil:
		return fmt.Sprintf("%s %s->%s (%s)", event.StateChange.Entity, event.StateChange.OldState,
			event.StateChange.NewState, event.StateChange.Trigger)
	case event.Sync != nil:
		return fmt.Sprintf("round %s success=%t timedOut=%t", event.Sync.RoundID, event.Sync.Success, event.Sync.TimedOut)
	case event.Error != nil:
		return event.Error.Message
	default:
		return ""
	}
}
