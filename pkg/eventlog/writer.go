// Package eventlog persists executor lifecycle events to rotated JSONL
// files. The files are the audit trail of a run: every stage start, loop
// back, checkpoint and terminal transition lands here in emission order.
package eventlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"dxpipe/pkg/logx"
	"dxpipe/pkg/proto"
)

// Writer appends lifecycle events to time-bucketed JSONL log files.
type Writer struct {
	dir           string
	currentFile   *os.File
	currentKey    string
	logger        *logx.Logger
	rotationHours int
	mu            sync.Mutex
}

// NewWriter creates an event log writer rooted at dir. rotationHours sets
// the bucket width; anything outside 1..24 means one file per day.
func NewWriter(dir string, rotationHours int) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}

	if rotationHours < 1 || rotationHours > 24 {
		rotationHours = 24
	}

	writer := &Writer{
		dir:           dir,
		rotationHours: rotationHours,
		logger:        logx.NewLogger("eventlog"),
	}

	if err := writer.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("failed to initialize event log file: %w", err)
	}

	return writer, nil
}

// Append writes one event as a JSON line, rotating first if the time bucket
// changed. The file is synced after every event.
func (w *Writer) Append(event *proto.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return fmt.Errorf("failed to rotate event log: %w", err)
	}

	data, err := event.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	if _, err := w.currentFile.Write(data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	if _, err := w.currentFile.WriteString("\n"); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	if err := w.currentFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync event log: %w", err)
	}

	return nil
}

// Emit satisfies the executor's event sink. Append failures are logged and
// dropped; the journal must never fail a run.
func (w *Writer) Emit(event *proto.Event) {
	if err := w.Append(event); err != nil {
		w.logger.Error("failed to append %s event for run %s: %v", event.Type, event.RunID, err)
	}
}

func (w *Writer) rotateIfNeeded() error {
	key := w.bucketKey(time.Now())

	if w.currentFile == nil || w.currentKey != key {
		return w.rotate(key)
	}

	return nil
}

// bucketKey names the file bucket for a timestamp: the date, plus the bucket
// start hour when rotating more than once a day.
func (w *Writer) bucketKey(now time.Time) string {
	date := now.Format("2006-01-02")
	if w.rotationHours >= 24 {
		return date
	}
	bucket := (now.Hour() / w.rotationHours) * w.rotationHours
	return fmt.Sprintf("%s-%02d", date, bucket)
}

func (w *Writer) rotate(key string) error {
	// Close current file if open.
	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close current event log: %w", err)
		}
	}

	path := filepath.Join(w.dir, fmt.Sprintf("events-%s.jsonl", key))

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open event log %s: %w", path, err)
	}

	w.currentFile = file
	w.currentKey = key

	return nil
}

// Close closes the current log file. A later Append reopens the bucket.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile != nil {
		err := w.currentFile.Close()
		w.currentFile = nil
		if err != nil {
			return fmt.Errorf("failed to close event log file: %w", err)
		}
	}

	return nil
}

// GetCurrentLogFile returns the path of the currently active log file.
func (w *Writer) GetCurrentLogFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return ""
	}

	return filepath.Join(w.dir, fmt.Sprintf("events-%s.jsonl", w.currentKey))
}

// ReadEvents reads and parses all events from a specific log file.
func ReadEvents(path string) ([]*proto.Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}

	if len(data) == 0 {
		return []*proto.Event{}, nil
	}

	// Split by newlines to get individual JSON records.
	line := []byte{}
	var events []*proto.Event

	for _, b := range data {
		if b == '\n' {
			if len(line) > 0 {
				event, err := proto.EventFromJSON(line)
				if err != nil {
					return nil, fmt.Errorf("failed to parse event: %w", err)
				}
				events = append(events, event)
				line = []byte{}
			}
		} else {
			line = append(line, b)
		}
	}

	// Handle last line if no trailing newline.
	if len(line) > 0 {
		event, err := proto.EventFromJSON(line)
		if err != nil {
			return nil, fmt.Errorf("failed to parse final event: %w", err)
		}
		events = append(events, event)
	}

	return events, nil
}

// ListLogFiles returns all event log files in the log directory. Bucket keys
// sort lexically, so the list is oldest first.
func ListLogFiles(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "events-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list event logs: %w", err)
	}

	return files, nil
}

// ReadRunEvents returns every logged event for one run, in log order across
// rotated files.
func ReadRunEvents(dir, runID string) ([]*proto.Event, error) {
	files, err := ListLogFiles(dir)
	if err != nil {
		return nil, err
	}

	var matched []*proto.Event
	for _, file := range files {
		events, err := ReadEvents(file)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
		for _, event := range events {
			if event.RunID == runID {
				matched = append(matched, event)
			}
		}
	}

	return matched, nil
}
