package input

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/sshwarden/internal/domain"
	"github.com/xoelrdgz/sshwarden/internal/ports"
)

var DefaultJournalUnits = []string{"ssh", "sshd"}

// StreamOpener starts a line stream. Closing the reader ends the stream and
// reports how it exited.
type StreamOpener func(ctx context.Context) (io.ReadCloser, error)

type JournalSourceConfig struct {
	Units      []string
	BufferSize int

	// Open replaces the journalctl subprocess, mainly for tests.
	Open StreamOpener
}

// JournalSource follows the systemd journal through journalctl. The
// subprocess is restarted with backoff whenever it exits.
type JournalSource struct {
	cfg    JournalSourceConfig
	parser ports.LineParser

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewJournalSource(cfg JournalSourceConfig, parser ports.LineParser) *JournalSource {
	if len(cfg.Units) == 0 {
		cfg.Units = DefaultJournalUnits
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.Open == nil {
		cfg.Open = journalctl(cfg.Units)
	}
	return &JournalSource{cfg: cfg, parser: parser}
}

// JournalctlArgs returns the arguments used to follow units.
func JournalctlArgs(units []string) []string {
	args := []string{"-f", "-o", "short-iso", "--no-pager", "-n", "0"}
	for _, u := range units {
		args = append(args, "-u", u)
	}
	return args
}

func journalctl(units []string) StreamOpener {
	return func(ctx context.Context) (io.ReadCloser, error) {
		cmd := exec.CommandContext(ctx, "journalctl", JournalctlArgs(units)...)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("failed to start journalctl: %w", err)
		}
		return &cmdStream{ReadCloser: stdout, cmd: cmd}, nil
	}
}

type cmdStream struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func (c *cmdStream) Close() error {
	_ = c.ReadCloser.Close()
	return c.cmd.Wait()
}

func (s *JournalSource) Name() string {
	return "journald"
}

func (s *JournalSource) Start(ctx context.Context) (<-chan domain.AuthEvent, <-chan error) {
	events := make(chan domain.AuthEvent, s.cfg.BufferSize)
	errs := make(chan error, 10)

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		close(events)
		return events, errs
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.running = true
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer close(events)
		defer close(errs)

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Second
		b.MaxInterval = time.Minute
		b.MaxElapsedTime = 0

		for {
			started := time.Now()
			err := s.stream(ctx, events)
			if ctx.Err() != nil {
				return
			}
			if err == nil {
				err = errors.New("journal stream ended")
			}
			// A stream that ran for a while resets the backoff.
			if time.Since(started) > b.MaxInterval {
				b.Reset()
			}
			select {
			case errs <- err:
			default:
			}

			wait := b.NextBackOff()
			log.Warn().Err(err).Dur("retry_in", wait).Msg("journalctl exited, restarting")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}()

	return events, errs
}

func (s *JournalSource) stream(ctx context.Context, events chan<- domain.AuthEvent) error {
	rc, err := s.cfg.Open(ctx)
	if err != nil {
		return err
	}
	log.Info().Strs("units", s.cfg.Units).Msg("Following systemd journal")

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	for scanner.Scan() {
		ev, ok, perr := s.parser.Parse(scanner.Text())
		if perr != nil {
			log.Debug().Err(perr).Msg("Skipping unparseable journal line")
			continue
		}
		if !ok {
			continue
		}
		ev.Source = s.Name()
		select {
		case events <- ev:
		case <-ctx.Done():
			_ = rc.Close()
			return nil
		}
	}
	scanErr := scanner.Err()
	closeErr := rc.Close()
	if scanErr != nil {
		return scanErr
	}
	return closeErr
}

func (s *JournalSource) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	done := s.done
	s.mu.Unlock()

	<-done
	return nil
}
