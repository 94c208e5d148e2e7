// Package output provides alert and metrics adapters for sshwarden.
//
// This file implements alert destinations:
//   - JSONAlerter: Buffered JSON lines to stdout and/or a rotated file
//   - MemoryAlerter: In-memory ring buffer surfaced in status snapshots
//
// Thread Safety: All implementations are safe for concurrent Send() calls.
package output

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/xoelrdgz/sshwarden/internal/domain"
)

// JSONAlerter writes one JSON object per alert.
//
// Features:
//   - Buffered writes, flushed every second and on Close
//   - File output rotated by size via lumberjack
//   - Stdout and file may be enabled together
type JSONAlerter struct {
	bufWriter *bufio.Writer
	file      *lumberjack.Logger // nil when no file is configured
	encoder   *json.Encoder
	mu        sync.Mutex
	stopFlush chan struct{}
	closeOnce sync.Once
	written   int64
}

// JSONAlerterConfig configures JSON alert output.
type JSONAlerterConfig struct {
	FilePath   string // Output file path (empty for none)
	Stdout     bool   // Also write to stdout
	MaxSizeMB  int    // Rotate the file at this size (default 100)
	MaxBackups int    // Rotated files to keep (default 5)
	Pretty     bool

	// Writer overrides stdout, mainly for tests.
	Writer io.Writer
}

// NewJSONAlerter creates a JSON alert output.
//
// Output: every enabled destination receives every alert; with none
// enabled alerts are discarded.
//
// File Permissions: lumberjack creates files 0600 (owner read/write only)
func NewJSONAlerter(config JSONAlerterConfig) (*JSONAlerter, error) {
	var writers []io.Writer

	if config.Writer != nil {
		writers = append(writers, config.Writer)
	} else if config.Stdout {
		writers = append(writers, os.Stdout)
	}

	var file *lumberjack.Logger
	if config.FilePath != "" {
		if config.MaxSizeMB <= 0 {
			config.MaxSizeMB = 100
		}
		if config.MaxBackups <= 0 {
			config.MaxBackups = 5
		}
		file = &lumberjack.Logger{
			Filename:   config.FilePath,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
		}
		// Fail early on an unwritable path instead of on the first alert.
		if _, err := file.Write(nil); err != nil {
			return nil, err
		}
		writers = append(writers, file)
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = io.MultiWriter(writers...)
	}

	const bufferSize = 64 * 1024
	bufWriter := bufio.NewWriterSize(writer, bufferSize)

	alerter := &JSONAlerter{
		bufWriter: bufWriter,
		file:      file,
		stopFlush: make(chan struct{}),
	}
	alerter.encoder = json.NewEncoder(bufWriter)
	if config.Pretty {
		alerter.encoder.SetIndent("", "  ")
	}

	go alerter.periodicFlush()

	return alerter, nil
}

func (a *JSONAlerter) periodicFlush() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = a.Flush()
		case <-a.stopFlush:
			return
		}
	}
}

// Send encodes alert into the buffer.
//
// Thread Safety: Safe for concurrent calls via mutex.
func (a *JSONAlerter) Send(ctx context.Context, alert *domain.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.encoder.Encode(alert); err != nil {
		return err
	}
	a.written++
	return nil
}

// Flush writes buffered alerts to their destinations.
func (a *JSONAlerter) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bufWriter.Flush()
}

// Close stops periodic flushing, flushes the buffer and closes the file.
func (a *JSONAlerter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.stopFlush)

		a.mu.Lock()
		defer a.mu.Unlock()

		err = a.bufWriter.Flush()
		if a.file != nil {
			err = errors.Join(err, a.file.Close())
		}
	})
	return err
}

// Written returns the number of alerts encoded so far.
func (a *JSONAlerter) Written() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.written
}

// MemoryAlerter stores alerts in a fixed-size ring buffer.
//
// Backs the recent alerts in status snapshots, keeping memory bounded.
//
// Thread Safety: Safe for concurrent access via RWMutex.
type MemoryAlerter struct {
	alerts    []*domain.Alert // Ring buffer storage
	head      int             // Next write position
	count     int             // Current alert count
	maxAlerts int             // Buffer capacity
	mu        sync.RWMutex
}

// NewMemoryAlerter creates an in-memory alert buffer holding up to
// maxAlerts (default: 256 if <= 0).
func NewMemoryAlerter(maxAlerts int) *MemoryAlerter {
	if maxAlerts <= 0 {
		maxAlerts = 256
	}
	return &MemoryAlerter{
		alerts:    make([]*domain.Alert, maxAlerts),
		maxAlerts: maxAlerts,
	}
}

// Send stores an alert, overwriting the oldest when the buffer is full.
func (a *MemoryAlerter) Send(_ context.Context, alert *domain.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.alerts[a.head] = alert
	a.head = (a.head + 1) % a.maxAlerts
	if a.count < a.maxAlerts {
		a.count++
	}
	return nil
}

func (a *MemoryAlerter) Flush() error { return nil }
func (a *MemoryAlerter) Close() error { return nil }

// All returns every stored alert, oldest first.
// Recent returns the n most recent alerts, oldest first. n <= 0 returns all
// of them.
func (a *MemoryAlerter) Recent(n int) []*domain.Alert {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if n <= 0 || n > a.count {
		n = a.count
	}
	result := make([]*domain.Alert, n)
	for i := 0; i < n; i++ {
		idx := (a.head - n + i + a.maxAlerts) % a.maxAlerts
		result[i] = a.alerts[idx]
	}
	return result
}

func (a *MemoryAlerter) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.count
}

// OnAlert implements ports.AlertSubscriber.
func (a *MemoryAlerter) OnAlert(alert *domain.Alert) {
	_ = a.Send(context.Background(), alert)
}
