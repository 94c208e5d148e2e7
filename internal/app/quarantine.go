package app

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// QuarantineWriter appends outbound actions whose execution panicked to a
// JSON-lines file for later inspection. A writer built with an empty path
// is disabled and discards everything.
type QuarantineWriter struct {
	file    *os.File
	writer  *bufio.Writer
	mu      sync.Mutex
	count   atomic.Int64
	enabled bool
	path    string
}

type QuarantineEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	WorkerID   int       `json:"worker_id"`
	PanicError string    `json:"panic_error"`
	Kind       string    `json:"kind"`
	Identity   string    `json:"identity"`
	Handle     string    `json:"handle,omitempty"`
	AlertID    string    `json:"alert_id,omitempty"`
}

func NewQuarantineWriter(path string) (*QuarantineWriter, error) {
	if path == "" {
		return &QuarantineWriter{enabled: false}, nil
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open quarantine file: %w", err)
	}

	log.Info().Str("path", path).Msg("Quarantine writer initialized for failed actions")

	return &QuarantineWriter{
		file:    file,
		writer:  bufio.NewWriterSize(file, 16*1024),
		enabled: true,
		path:    path,
	}, nil
}

func panicString(v any) string {
	switch p := v.(type) {
	case nil:
		return "unknown panic"
	case error:
		return p.Error()
	case string:
		return p
	default:
		return fmt.Sprintf("%v", p)
	}
}

// WriteAction records one action that crashed a worker. The file is flushed
// on every write since these are rare.
func (w *QuarantineWriter) WriteAction(workerID int, panicErr any, a Action) error {
	if !w.enabled {
		return nil
	}

	qe := QuarantineEntry{
		Timestamp:  time.Now(),
		WorkerID:   workerID,
		PanicError: panicString(panicErr),
		Kind:       a.Kind.String(),
		Identity:   a.Identity,
		Handle:     string(a.Handle),
	}
	if a.Alert != nil {
		qe.AlertID = a.Alert.ID
	}

	line, err := json.Marshal(qe)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.writer.Write(line); err != nil {
		return err
	}
	if err := w.writer.WriteByte('\n'); err != nil {
		return err
	}
	w.count.Add(1)
	return w.writer.Flush()
}

func (w *QuarantineWriter) Count() int64 {
	return w.count.Load()
}

func (w *QuarantineWriter) Close() error {
	if !w.enabled {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}
	if n := w.count.Load(); n > 0 {
		log.Warn().
			Int64("quarantined", n).
			Str("path", w.path).
			Msg("Quarantine file contains failed actions")
	}
	return w.file.Close()
}
