package input

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nxadm/tail"
	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/sshwarden/internal/domain"
	"github.com/xoelrdgz/sshwarden/internal/ports"
)

type FileSourceConfig struct {
	Path string

	// Follow keeps reading as the file grows and across rotation. Without
	// it the file is replayed from the start and the source ends at EOF.
	Follow        bool
	FromBeginning bool
	Poll          bool
	BufferSize    int
}

// FileSource tails an sshd log file.
type FileSource struct {
	cfg    FileSourceConfig
	parser ports.LineParser

	mu       sync.Mutex
	tail     *tail.Tail
	running  bool
	stopChan chan struct{}
}

func NewFileSource(cfg FileSourceConfig, parser ports.LineParser) *FileSource {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	return &FileSource{
		cfg:      cfg,
		parser:   parser,
		stopChan: make(chan struct{}),
	}
}

func (s *FileSource) Name() string {
	return "file:" + s.cfg.Path
}

func (s *FileSource) Start(ctx context.Context) (<-chan domain.AuthEvent, <-chan error) {
	events := make(chan domain.AuthEvent, s.cfg.BufferSize)
	errs := make(chan error, 10)

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		close(events)
		return events, errs
	}
	s.running = true
	s.stopChan = make(chan struct{})
	stop := s.stopChan
	s.mu.Unlock()

	go func() {
		defer close(events)
		defer close(errs)

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 500 * time.Millisecond
		b.MaxInterval = 30 * time.Second
		b.MaxElapsedTime = 0

		// Only the first session honours FromBeginning; a restarted follow
		// session resumes at the end so no line is counted twice.
		whence := io.SeekEnd
		if s.cfg.FromBeginning || !s.cfg.Follow {
			whence = io.SeekStart
		}

		for {
			err := s.session(ctx, stop, whence, events, errs)
			if err == nil || !s.cfg.Follow {
				if err != nil {
					s.report(errs, err)
				}
				return
			}
			s.report(errs, err)
			whence = io.SeekEnd

			wait := b.NextBackOff()
			log.Warn().Err(err).Str("file", s.cfg.Path).Dur("retry_in", wait).Msg("Tailer stopped, restarting")
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-time.After(wait):
			}
		}
	}()

	return events, errs
}

// session runs one tail until it ends. A nil error means the source is done:
// stopped, cancelled, or EOF in replay mode.
func (s *FileSource) session(ctx context.Context, stop <-chan struct{}, whence int, events chan<- domain.AuthEvent, errs chan<- error) error {
	config := tail.Config{
		Follow:    s.cfg.Follow,
		ReOpen:    s.cfg.Follow,
		MustExist: !s.cfg.Follow,
		Poll:      s.cfg.Poll,
		Location:  &tail.SeekInfo{Offset: 0, Whence: whence},
		Logger:    tail.DiscardingLogger,
	}

	t, err := tail.TailFile(s.cfg.Path, config)
	if err != nil {
		return fmt.Errorf("failed to tail %s: %w", s.cfg.Path, err)
	}
	s.mu.Lock()
	s.tail = t
	s.mu.Unlock()
	defer t.Cleanup()

	log.Info().Str("file", s.cfg.Path).Bool("follow", s.cfg.Follow).Msg("Started tailing log file")

	for {
		select {
		case <-ctx.Done():
			_ = t.Stop()
			return nil
		case <-stop:
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				if !s.cfg.Follow {
					return nil
				}
				if terr := t.Err(); terr != nil {
					return terr
				}
				return errors.New("tail closed unexpectedly")
			}
			if line.Err != nil {
				s.report(errs, line.Err)
				continue
			}
			if line.Text == "" {
				continue
			}

			ev, ok, err := s.parser.Parse(line.Text)
			if err != nil {
				log.Debug().Err(err).Str("file", s.cfg.Path).Msg("Skipping unparseable line")
				continue
			}
			if !ok {
				continue
			}
			ev.Source = s.Name()

			select {
			case events <- ev:
			case <-ctx.Done():
				_ = t.Stop()
				return nil
			case <-stop:
				return nil
			}
		}
	}
}

func (s *FileSource) report(errs chan<- error, err error) {
	select {
	case errs <- err:
	default:
		log.Warn().Err(err).Str("file", s.cfg.Path).Msg("Error channel full, dropping read error")
	}
}

func (s *FileSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	close(s.stopChan)
	s.running = false

	if s.tail != nil {
		return s.tail.Stop()
	}
	return nil
}

func (s *FileSource) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
