package orchestrator

import (
	"context"
	"time"

	"github.com/dotfleet/dotfleet-go/pkg/store"
	"github.com/dotfleet/dotfleet-go/pkg/wire"
)

// Notifier receives named dashboard notifications. Notify is called from
// the dispatcher goroutine and must not block.
type Notifier interface {
	Notify(name string, params map[string]any)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(name string, params map[string]any)

// Notify calls f.
func (f NotifierFunc) Notify(name string, params map[string]any) { f(name, params) }

type noopNotifier struct{}

func (noopNotifier) Notify(string, map[string]any) {}

// Sink receives the rows of one recording. The header is written by the
// SinkOpener.
type Sink interface {
	Name() string
	WriteRows(rows [][]string) error
	Close() error
}

// SinkOpener creates a recording named name. It must fail without leaving
// a file behind when the name is taken or the header cannot be written. It
// is called off the dispatcher goroutine.
type SinkOpener func(name string, payload wire.PayloadID, start time.Time) (Sink, error)

// History persists recording sessions and sync rounds.
type History interface {
	StartRecording(ctx context.Context, rec store.Recording) error
	FinishRecording(ctx context.Context, id string, stopped time.Time, samples int64) error
	SaveSyncRound(ctx context.Context, round store.SyncRound) error
}
