// Package app provides the decision engine: the block ledger, the outbound
// action pool and the monitor that serializes every state mutation.
//
// The ActionPool manages a fixed set of worker goroutines that execute
// firewall calls and alert dispatch off the decision loop. Actions for the
// same identity always land on the same worker, so a block and the unblock
// that follows it are applied in order.
package app

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/xoelrdgz/sshwarden/internal/domain"
	"github.com/xoelrdgz/sshwarden/internal/ports"
)

var (
	ErrPoolClosed  = errors.New("action pool is closed")
	ErrActionPanic = errors.New("action panicked")
)

// hashSeed is the process-wide seed for lane selection.
var hashSeed = maphash.MakeSeed()

type ActionKind int

const (
	ActionBlock ActionKind = iota + 1
	ActionUnblock
	ActionAlert
)

func (k ActionKind) String() string {
	switch k {
	case ActionBlock:
		return "block"
	case ActionUnblock:
		return "unblock"
	case ActionAlert:
		return "alert"
	default:
		return "unknown"
	}
}

// Action is one side effect of a ledger transition.
type Action struct {
	Kind     ActionKind
	Identity string
	Handle   domain.RuleHandle
	Alert    *domain.Alert

	// Reassert marks a block issued by reconciliation rather than by a new
	// decision.
	Reassert bool
}

// ActionResult reports the outcome of a firewall action back to the
// decision loop. Alert actions produce no result.
type ActionResult struct {
	Action Action
	Handle domain.RuleHandle
	Err    error
}

type ActionPoolConfig struct {
	Workers        int    // Number of worker goroutines (default: 4)
	BufferSize     int    // Total outbound queue capacity (default: 1024)
	QuarantinePath string // JSON-lines file for actions that panicked (empty disables)
}

func DefaultActionPoolConfig() ActionPoolConfig {
	return ActionPoolConfig{
		Workers:    4,
		BufferSize: 1024,
	}
}

// ActionPool executes outbound actions.
//
// Features:
//   - Fixed worker count with one bounded lane per worker
//   - Per-identity ordering through hashed lane selection
//   - Blocking backpressure that keeps draining results
//   - Automatic worker restart on panic, with the action quarantined
//
// Thread Safety: Submit and Close are called from the decision loop only.
// Workers run concurrently and touch nothing but the controller, the
// alerters and the results channel.
type ActionPool struct {
	workerCount int
	lanes       []chan Action
	results     chan ActionResult
	bufferSize  int

	controller  ports.RuleController
	alerters    []ports.Alerter
	subscribers []ports.AlertSubscriber
	quarantine  *QuarantineWriter

	queued       atomic.Int64
	panics       atomic.Int64
	backpressure atomic.Int64
	warn         rate.Sometimes

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	done      chan struct{}
	abort     chan struct{}
	abortOnce sync.Once
	closeOnce sync.Once
	closed    atomic.Bool
	running   atomic.Bool
}

func NewActionPool(config ActionPoolConfig, controller ports.RuleController, alerters []ports.Alerter, subscribers []ports.AlertSubscriber) (*ActionPool, error) {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1024
	}
	perLane := config.BufferSize / config.Workers
	if perLane < 1 {
		perLane = 1
	}

	quarantine, err := NewQuarantineWriter(config.QuarantinePath)
	if err != nil {
		return nil, err
	}

	p := &ActionPool{
		workerCount: config.Workers,
		lanes:       make([]chan Action, config.Workers),
		results:     make(chan ActionResult, config.BufferSize),
		bufferSize:  config.BufferSize,
		controller:  controller,
		alerters:    alerters,
		subscribers: subscribers,
		quarantine:  quarantine,
		warn:        rate.Sometimes{Interval: 5 * time.Second},
		done:        make(chan struct{}),
		abort:       make(chan struct{}),
	}
	for i := range p.lanes {
		p.lanes[i] = make(chan Action, perLane)
	}
	return p, nil
}

// Start launches the workers. ctx bounds every firewall call; it should not
// be the context whose cancellation starts shutdown, or in-flight actions
// could not drain.
func (p *ActionPool) Start(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(p.ctx, i)
	}
	go func() {
		p.wg.Wait()
		close(p.done)
	}()

	log.Info().
		Int("workers", p.workerCount).
		Int("buffer", p.bufferSize).
		Msg("Action pool started")
}

func (p *ActionPool) lane(identity string) chan Action {
	if identity == "" || p.workerCount == 1 {
		return p.lanes[0]
	}
	return p.lanes[maphash.String(hashSeed, identity)%uint64(p.workerCount)]
}

// worker executes actions from its lane until the lane is closed.
// Includes panic recovery with automatic restart.
func (p *ActionPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	var current *Action

	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			log.Error().
				Interface("panic", r).
				Int("worker_id", id).
				Msg("Action worker panic recovered")

			if current != nil {
				if err := p.quarantine.WriteAction(id, r, *current); err != nil {
					log.Error().Err(err).Int("worker_id", id).Msg("Failed to quarantine action")
				}
				if current.Kind != ActionAlert {
					p.report(ActionResult{Action: *current, Err: fmt.Errorf("%w: %s", ErrActionPanic, panicString(r))})
				}
			}

			p.wg.Add(1)
			go p.worker(ctx, id)
		}
	}()

	for a := range p.lanes[id] {
		current = &a
		p.queued.Add(-1)
		p.execute(ctx, a)
		current = nil
	}
	log.Debug().Int("worker_id", id).Msg("Action worker stopped (lane closed)")
}

func (p *ActionPool) execute(ctx context.Context, a Action) {
	switch a.Kind {
	case ActionBlock:
		handle, err := p.controller.Block(ctx, a.Identity)
		p.report(ActionResult{Action: a, Handle: handle, Err: err})
	case ActionUnblock:
		var err error
		if a.Handle != "" {
			err = p.controller.Unblock(ctx, a.Handle)
		} else {
			err = p.controller.UnblockIdentity(ctx, a.Identity)
		}
		p.report(ActionResult{Action: a, Handle: a.Handle, Err: err})
	case ActionAlert:
		p.dispatch(ctx, a.Alert)
	default:
		log.Warn().Int("kind", int(a.Kind)).Msg("Unknown action kind ignored")
	}
}

func (p *ActionPool) report(r ActionResult) {
	select {
	case p.results <- r:
	case <-p.abort:
	}
}

// dispatch sends an alert to all alerters and subscribers.
func (p *ActionPool) dispatch(ctx context.Context, alert *domain.Alert) {
	if alert == nil {
		return
	}
	for _, alerter := range p.alerters {
		if err := alerter.Send(ctx, alert); err != nil {
			log.Debug().Err(err).Str("alert_id", alert.ID).Msg("Alert send failed")
		}
	}
	for _, sub := range p.subscribers {
		sub.OnAlert(alert)
	}
}

// Submit queues an action on its identity's lane. When the lane is full it
// logs a rate-limited backpressure warning and blocks, handing every result
// that arrives meanwhile to drain so workers never stall on the results
// channel.
func (p *ActionPool) Submit(ctx context.Context, a Action, drain func(ActionResult)) error {
	if p.closed.Load() || !p.running.Load() {
		return ErrPoolClosed
	}
	lane := p.lane(a.Identity)

	p.queued.Add(1)
	select {
	case lane <- a:
		return nil
	default:
	}

	p.backpressure.Add(1)
	p.warn.Do(func() {
		log.Warn().
			Int64("queued", p.queued.Load()).
			Int("capacity", p.bufferSize).
			Msg("Outbound action queue full, applying backpressure")
	})

	for {
		select {
		case lane <- a:
			return nil
		case r := <-p.results:
			drain(r)
		case <-p.abort:
			p.queued.Add(-1)
			return ErrPoolClosed
		case <-ctx.Done():
			p.queued.Add(-1)
			return ctx.Err()
		}
	}
}

// Results returns the channel the decision loop reads action outcomes from.
func (p *ActionPool) Results() <-chan ActionResult {
	return p.results
}

// Close stops accepting actions and closes every lane. The returned channel
// is closed once all queued actions have executed.
func (p *ActionPool) Close() <-chan struct{} {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		for _, lane := range p.lanes {
			close(lane)
		}
		if !p.running.Load() {
			close(p.done)
		}
	})
	return p.done
}

// Abort cancels in-flight firewall calls and releases workers blocked on
// reporting. Used when draining exceeds the shutdown timeout.
func (p *ActionPool) Abort() {
	p.abortOnce.Do(func() {
		close(p.abort)
		if p.cancel != nil {
			p.cancel()
		}
		if err := p.quarantine.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close quarantine writer")
		}
	})
}

// Drain closes the pool and hands results to handle until every queued
// action has executed or timeout passes, then aborts whatever is left. It
// reports whether the queue drained in time. A nil handle discards results.
func (p *ActionPool) Drain(timeout time.Duration, handle func(ActionResult)) bool {
	if handle == nil {
		handle = func(ActionResult) {}
	}
	done := p.Close()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	drained := false
wait:
	for {
		select {
		case <-done:
			drained = true
			break wait
		case r := <-p.results:
			handle(r)
		case <-timer.C:
			break wait
		}
	}
	p.Abort()

	for {
		select {
		case r := <-p.results:
			handle(r)
		default:
			return drained
		}
	}
}

// Queued returns the number of actions waiting in the lanes.
func (p *ActionPool) Queued() int {
	return int(p.queued.Load())
}

func (p *ActionPool) Panics() int64 {
	return p.panics.Load()
}

// BackpressureEvents returns how many submissions found their lane full.
func (p *ActionPool) BackpressureEvents() int64 {
	return p.backpressure.Load()
}
