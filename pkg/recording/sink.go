package recording

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dotfleet/dotfleet-go/pkg/wire"
)

// Recording errors.
var (
	ErrFileExists  = errors.New("recording: file exists")
	ErrInvalidName = errors.New("recording: invalid name")
	ErrClosed      = errors.New("recording: closed")
)

// Ext is the file extension of recordings.
const Ext = ".csv"

// DefaultGenerator is the generator line of the header.
const DefaultGenerator = "Generated by dotfleet"

// startTimeLayout matches the UTC date format of the header.
const startTimeLayout = "Mon, 02 Jan 2006 15:04:05 GMT"

// FileName returns the file name for a recording name, adding the
// extension when missing. Names must not contain path elements.
func FileName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if !strings.HasSuffix(name, Ext) {
		name += Ext
	}
	return name, nil
}

// FileSink is one open recording file. It is safe for concurrent use.
type FileSink struct {
	mu     sync.Mutex
	name   string
	path   string
	f      *os.File
	buf    *bufio.Writer
	w      *csv.Writer
	closed bool
}

// Create creates dir/name exclusively and writes the header for payload.
func Create(dir, name string, payload wire.PayloadID, start time.Time, generator string) (*FileSink, error) {
	file, err := FileName(name)
	if err != nil {
		return nil, err
	}
	if generator == "" {
		generator = DefaultGenerator
	}
	path := filepath.Join(dir, file)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileExists, file)
		}
		return nil, fmt.Errorf("create recording: %w", err)
	}

	s := &FileSink{name: file, path: path, f: f, buf: bufio.NewWriter(f)}
	s.w = csv.NewWriter(s.buf)
	if err := s.writeHeader(payload, start, generator); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write recording header: %w", err)
	}
	return s, nil
}

func (s *FileSink) writeHeader(payload wire.PayloadID, start time.Time, generator string) error {
	header := []string{
		"sep=,",
		"Measurement Mode:," + payload.ModeLabel(),
		"StartTime:," + start.UTC().Format(startTimeLayout),
		generator,
		"",
		strings.Join(payload.Columns(), ","),
	}
	for _, line := range header {
		if _, err := s.buf.WriteString(line + "\n"); err != nil {
			return err
		}
	}
	return s.buf.Flush()
}

// Name returns the file name.
func (s *FileSink) Name() string {
	return s.name
}

// Path returns the full path of the file.
func (s *FileSink) Path() string {
	return s.path
}

// WriteRows appends rows and flushes them to the file.
func (s *FileSink) WriteRows(rows [][]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if err := s.w.WriteAll(rows); err != nil {
		return fmt.Errorf("write %s: %w", s.name, err)
	}
	return s.buf.Flush()
}

// Close flushes and closes the file. Closing twice is a no-op.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.w.Flush()
	werr := s.w.Error()
	if err := s.buf.Flush(); werr == nil {
		werr = err
	}
	if err := s.f.Close(); werr == nil {
		werr = err
	}
	return werr
}
