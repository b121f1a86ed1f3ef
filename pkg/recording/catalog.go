package recording

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dotfleet/dotfleet-go/pkg/wire"
)

// DefaultSettle coalesces bursts of directory changes into one callback.
const DefaultSettle = 100 * time.Millisecond

// FileInfo describes one recording file.
type FileInfo struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// Catalog manages the recordings directory.
type Catalog struct {
	Dir string

	// Generator is written into new file headers.
	Generator string

	Logger *slog.Logger
}

// NewCatalog creates dir if needed.
func NewCatalog(dir string) (*Catalog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recordings dir: %w", err)
	}
	return &Catalog{Dir: dir}, nil
}

// Open creates a new recording. Its signature matches the orchestrator's
// sink opener.
func (c *Catalog) Open(name string, payload wire.PayloadID, start time.Time) (*FileSink, error) {
	return Create(c.Dir, name, payload, start, c.Generator)
}

// List returns the recording files sorted by name.
func (c *Catalog) List() ([]FileInfo, error) {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	var out []FileInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Ext) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		out = append(out, FileInfo{Name: e.Name(), Size: info.Size(), Modified: info.ModTime()})
	}
	slices.SortFunc(out, func(a, b FileInfo) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// Path returns the path of an existing recording.
func (c *Catalog) Path(name string) (string, error) {
	file, err := FileName(name)
	if err != nil {
		return "", err
	}
	path := filepath.Join(c.Dir, file)
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	return path, nil
}

// Delete removes recordings by name. Missing files are skipped. It returns
// the names that were removed; the error joins every failure.
func (c *Catalog) Delete(names []string) ([]string, error) {
	var removed []string
	var errs []error
	for _, n := range names {
		file, err := FileName(n)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		err = os.Remove(filepath.Join(c.Dir, file))
		switch {
		case err == nil:
			removed = append(removed, file)
		case errors.Is(err, fs.ErrNotExist):
		default:
			errs = append(errs, err)
		}
	}
	return removed, errors.Join(errs...)
}

// Watch calls onChange after recording files were created, removed or
// renamed, until ctx is done. Changes within settle of each other produce
// one call.
func (c *Catalog) Watch(ctx context.Context, settle time.Duration, onChange func()) error {
	if settle <= 0 {
		settle = DefaultSettle
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(c.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", c.Dir, err)
	}

	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !relevant(ev) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(settle, onChange)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if c.Logger != nil {
				c.Logger.Warn("recordings watcher", "error", err)
			}
		}
	}
}

func relevant(ev fsnotify.Event) bool {
	if !strings.HasSuffix(ev.Name, Ext) {
		return false
	}
	return ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)
}
