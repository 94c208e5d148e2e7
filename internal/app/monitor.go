package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/xoelrdgz/sshwarden/internal/adapters/detection"
	"github.com/xoelrdgz/sshwarden/internal/domain"
	"github.com/xoelrdgz/sshwarden/internal/ports"
)

// recentAlertsInStatus is how many alerts a status snapshot carries.
const recentAlertsInStatus = 20

var (
	// ErrMonitorClosed is returned by Start after Stop.
	ErrMonitorClosed = errors.New("monitor has been stopped")
)

type MonitorConfig struct {
	Tracker   detection.TrackerConfig
	Threshold int

	DistributedEnabled   bool
	DistributedThreshold int
	Correlation          detection.CorrelatorConfig

	Whitelist []string
	Cooldown  CooldownPolicy
	Pool      ActionPoolConfig

	InboundBuffer     int
	SweepInterval     time.Duration
	ReconcileInterval time.Duration
	ShutdownTimeout   time.Duration

	// MaxSyncAttempts is how many sweep passes retry an unsynced block
	// before it is escalated and left to reconciliation.
	MaxSyncAttempts int

	// ExitOnEOF stops the monitor once every source has ended. Only
	// meaningful for replay of finished logs.
	ExitOnEOF bool

	Clock func() time.Time
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Tracker:              detection.DefaultTrackerConfig(),
		Threshold:            5,
		DistributedEnabled:   true,
		DistributedThreshold: detection.DefaultDistributedThreshold,
		Correlation: detection.CorrelatorConfig{
			Window:       detection.DefaultDistributedWindow,
			GlobalBucket: true,
		},
		Whitelist:         []string{"127.0.0.1", "::1"},
		Cooldown:          DefaultCooldownPolicy(),
		Pool:              DefaultActionPoolConfig(),
		InboundBuffer:     4096,
		SweepInterval:     30 * time.Second,
		ReconcileInterval: 5 * time.Minute,
		ShutdownTimeout:   10 * time.Second,
		MaxSyncAttempts:   10,
	}
}

// MonitorDeps are the collaborators a Monitor drives.
type MonitorDeps struct {
	Sources     []ports.EventSource
	Store       ports.LedgerStore
	Controller  ports.RuleController
	Alerters    []ports.Alerter
	Subscribers []ports.AlertSubscriber
	Recent      ports.RecentAlerts
	Observer    ports.MonitorObserver
}

// SweepReport summarizes one sweep pass.
type SweepReport struct {
	Expired         int
	SyncRetried     int
	ReleasesRetried int
	IdleCollected   int
	GroupsCollected int
}

type request struct {
	fn   func() error
	err  error
	done chan struct{}
}

// Monitor wires event sources to the decision state and the outbound
// action pool.
//
// All decision state (tracker, correlator, whitelist, ledger) is owned by
// one goroutine, the decision loop. Events, action results, timer-driven
// sweeps and administrative requests all reach that state through the loop,
// so none of it needs a lock.
type Monitor struct {
	cfg MonitorConfig
	now func() time.Time

	tracker    *detection.FailureTracker
	correlator *detection.Correlator
	whitelist  *detection.Whitelist
	ledger     *Ledger
	pool       *ActionPool

	sources    []ports.EventSource
	store      ports.LedgerStore
	controller ports.RuleController
	recent     ports.RecentAlerts
	observer   ports.MonitorObserver

	inbound     chan domain.AuthEvent
	requests    chan *request
	inboundWarn rate.Sometimes

	// Loop-owned.
	inflight  map[string]int
	runtimeWL map[string]struct{} // entries added over the control API
	counters  domain.Counters
	flushErr  error
	startedAt time.Time

	ctx          context.Context
	cancel       context.CancelFunc
	actionCtx    context.Context
	pumps        sync.WaitGroup
	tickers      sync.WaitGroup
	loopDone     chan struct{}
	eof          chan struct{}
	eofOnce      sync.Once
	liveSrcs     atomic.Int32
	sourceErrors atomic.Int64

	mu      sync.Mutex
	running bool
	stopped bool
}

func NewMonitor(cfg MonitorConfig, deps MonitorDeps) (*Monitor, error) {
	if deps.Store == nil {
		return nil, errors.New("monitor requires a ledger store")
	}
	if deps.Controller == nil {
		return nil, errors.New("monitor requires a firewall controller")
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.DistributedThreshold <= 0 {
		cfg.DistributedThreshold = detection.DefaultDistributedThreshold
	}
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = 4096
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.MaxSyncAttempts <= 0 {
		cfg.MaxSyncAttempts = 10
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	cfg.Tracker.Clock = cfg.Clock
	cfg.Correlation.Clock = cfg.Clock

	whitelist, err := detection.NewWhitelist(cfg.Whitelist)
	if err != nil {
		return nil, fmt.Errorf("invalid whitelist: %w", err)
	}

	observer := deps.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	pool, err := NewActionPool(cfg.Pool, deps.Controller, deps.Alerters, deps.Subscribers)
	if err != nil {
		return nil, err
	}

	ledger := NewLedger(deps.Store, cfg.Cooldown)
	ledger.OnWriteError(observer.ObserveStoreError)

	return &Monitor{
		cfg:         cfg,
		now:         cfg.Clock,
		tracker:     detection.NewFailureTracker(cfg.Tracker),
		correlator:  detection.NewCorrelator(cfg.Correlation),
		whitelist:   whitelist,
		ledger:      ledger,
		pool:        pool,
		sources:     deps.Sources,
		store:       deps.Store,
		controller:  deps.Controller,
		recent:      deps.Recent,
		observer:    observer,
		inbound:     make(chan domain.AuthEvent, cfg.InboundBuffer),
		requests:    make(chan *request),
		inboundWarn: rate.Sometimes{Interval: 5 * time.Second},
		inflight:    make(map[string]int),
		runtimeWL:   make(map[string]struct{}),
		loopDone:    make(chan struct{}),
		eof:         make(chan struct{}),
	}, nil
}

// Start loads the ledger, reconciles the firewall with it and begins
// consuming events. A ledger that cannot be loaded is fatal.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	if m.stopped {
		return ErrMonitorClosed
	}

	if err := m.ledger.Load(); err != nil {
		return err
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	// Firewall calls must outlive the shutdown signal so they can drain.
	m.actionCtx = context.WithoutCancel(ctx)
	m.startedAt = m.now()

	m.pool.Start(m.actionCtx)
	m.recoverState(m.now())

	go m.loop()

	m.liveSrcs.Store(int32(len(m.sources)))
	for _, src := range m.sources {
		events, errs := src.Start(m.ctx)
		m.pumps.Add(1)
		go m.pump(src, events, errs)
	}
	if len(m.sources) == 0 && m.cfg.ExitOnEOF {
		m.eofOnce.Do(func() { close(m.eof) })
	}

	m.startTicker(m.cfg.SweepInterval, func(ctx context.Context) {
		if _, err := m.Sweep(ctx); err != nil && !errors.Is(err, ports.ErrMonitorStopped) {
			log.Warn().Err(err).Msg("Sweep failed")
		}
	})
	if m.cfg.ReconcileInterval > 0 {
		m.startTicker(m.cfg.ReconcileInterval, func(ctx context.Context) {
			if _, err := m.Reconcile(ctx); err != nil && !errors.Is(err, ports.ErrMonitorStopped) {
				log.Warn().Err(err).Msg("Reconciliation failed")
			}
		})
	}

	m.running = true
	log.Info().
		Int("sources", len(m.sources)).
		Str("backend", m.controller.Backend()).
		Bool("simulate", m.controller.Simulated()).
		Int("threshold", m.cfg.Threshold).
		Dur("window", m.tracker.Window()).
		Msg("Monitor started")
	return nil
}

func (m *Monitor) startTicker(interval time.Duration, fn func(context.Context)) {
	m.tickers.Add(1)
	go func() {
		defer m.tickers.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				fn(m.ctx)
			}
		}
	}()
}

// recoverState reconciles the firewall with the loaded ledger. It runs
// before the decision loop starts, so it owns the state exclusively.
func (m *Monitor) recoverState(now time.Time) {
	active := m.ledger.Active()
	releases := m.ledger.PendingReleases()

	for _, rec := range active {
		if rec.RuleHandle != "" {
			m.controller.Adopt(rec.RuleHandle, rec.Identity)
		}
	}
	for _, rel := range releases {
		if rel.RuleHandle != "" {
			m.controller.Adopt(rel.RuleHandle, rel.Identity)
		}
	}

	reasserted, expired, whitelisted := 0, 0, 0
	for _, rec := range active {
		switch {
		case m.whitelist.Contains(rec.Identity):
			m.release(rec.Identity, domain.ReleaseWhitelisted, now)
			whitelisted++
		case rec.Expired(now):
			m.release(rec.Identity, domain.ReleaseExpired, now)
			expired++
		default:
			m.submit(Action{Kind: ActionBlock, Identity: rec.Identity, Handle: rec.RuleHandle, Reassert: true})
			reasserted++
		}
	}
	for _, rel := range releases {
		m.submit(Action{Kind: ActionUnblock, Identity: rel.Identity, Handle: rel.RuleHandle})
	}

	if len(active) > 0 || len(releases) > 0 {
		log.Info().
			Int("reasserted", reasserted).
			Int("expired", expired).
			Int("whitelisted", whitelisted).
			Int("pending_releases", len(releases)).
			Msg("Ledger recovered, reconciling firewall")
	}
	m.publishGauges()
}

func (m *Monitor) pump(src ports.EventSource, events <-chan domain.AuthEvent, errs <-chan error) {
	defer m.pumps.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			m.sourceError(src, err)
		case ev, ok := <-events:
			if !ok {
				// A source reports why it stopped before closing events.
				for drained := errs == nil; !drained; {
					select {
					case err, ok := <-errs:
						if !ok {
							drained = true
							break
						}
						m.sourceError(src, err)
					default:
						drained = true
					}
				}
				log.Info().Str("source", src.Name()).Msg("Event source reached end of stream")
				m.sourceEnded()
				return
			}
			if ev.Source == "" {
				ev.Source = src.Name()
			}
			m.enqueue(m.ctx, ev)
		}
	}
}

func (m *Monitor) sourceError(src ports.EventSource, err error) {
	m.sourceErrors.Add(1)
	log.Warn().Err(err).Str("source", src.Name()).Msg("Event source read error")
}

func (m *Monitor) sourceEnded() {
	if m.liveSrcs.Add(-1) == 0 && m.cfg.ExitOnEOF {
		m.eofOnce.Do(func() { close(m.eof) })
	}
}

// enqueue blocks when the inbound queue is full. Events are never dropped
// for lack of space.
func (m *Monitor) enqueue(ctx context.Context, ev domain.AuthEvent) bool {
	select {
	case m.inbound <- ev:
		return true
	default:
	}
	m.inboundWarn.Do(func() {
		log.Warn().
			Int("capacity", cap(m.inbound)).
			Msg("Inbound event queue full, applying backpressure")
	})
	select {
	case m.inbound <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Ingest queues an event from an embedding caller, blocking while the
// inbound queue is full.
func (m *Monitor) Ingest(ctx context.Context, ev domain.AuthEvent) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ports.ErrMonitorStopped
	}
	// Counted as a producer so Stop cannot close the queue under us.
	m.pumps.Add(1)
	m.mu.Unlock()
	defer m.pumps.Done()

	select {
	case m.inbound <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.ctx.Done():
		return ports.ErrMonitorStopped
	}
}

func (m *Monitor) loop() {
	defer close(m.loopDone)
	results := m.pool.Results()
	for {
		select {
		case ev, ok := <-m.inbound:
			if !ok {
				m.shutdown()
				return
			}
			m.handleEvent(ev)
		case r := <-results:
			m.handleResult(r)
		case req := <-m.requests:
			req.err = req.fn()
			close(req.done)
		}
	}
}

// do runs fn on the decision loop and waits for it.
func (m *Monitor) do(ctx context.Context, fn func() error) error {
	if !m.IsRunning() {
		return ports.ErrMonitorStopped
	}
	req := &request{fn: fn, done: make(chan struct{})}
	select {
	case m.requests <- req:
	case <-m.loopDone:
		return ports.ErrMonitorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-req.done
	return req.err
}

func (m *Monitor) handleEvent(raw domain.AuthEvent) {
	ev, err := raw.Normalize()
	if err != nil {
		m.counters.EventsDropped++
		m.observer.ObserveDrop("malformed")
		log.Warn().Err(err).Str("source", raw.Source).Msg("Dropping malformed event")
		return
	}

	if m.whitelist.Contains(ev.Identity) {
		m.counters.EventsIgnored++
		m.observer.ObserveDrop("whitelisted")
		log.Debug().Str("identity", ev.Identity).Msg("Event from whitelisted identity ignored")
		return
	}

	m.counters.EventsProcessed++
	m.observer.ObserveEvent(ev.Outcome.String())

	blocked := m.ledger.IsBlocked(ev.Identity)
	if ev.Outcome == domain.OutcomeSuccess {
		// A success never undoes a block.
		if !blocked {
			m.tracker.Reset(ev.Identity)
		}
		return
	}

	now := m.now()
	if !blocked {
		count := m.tracker.RecordFailure(ev.Identity, ev.Time)
		if count >= m.cfg.Threshold {
			m.block(ev.Identity, domain.ReasonThreshold, count, ev.Target, now)
		}
	}

	if m.cfg.DistributedEnabled {
		m.correlate(ev, now)
	}
}

func (m *Monitor) correlate(ev domain.AuthEvent, now time.Time) {
	distinct := m.correlator.RecordFailure(ev.Identity, ev.Target, ev.Time)
	if distinct < m.cfg.DistributedThreshold {
		return
	}

	target, _ := m.correlator.Bucket(ev.Target)
	members := m.correlator.Members(ev.Target)
	blocked := 0
	for _, id := range members {
		if m.whitelist.Contains(id) || m.ledger.IsBlocked(id) {
			continue
		}
		attempts := m.tracker.Count(id)
		if attempts < 1 {
			attempts = 1
		}
		if m.block(id, domain.ReasonDistributed, attempts, ev.Target, now) {
			blocked++
		}
	}
	if blocked > 0 {
		log.Warn().
			Str("target", target).
			Int("distinct_identities", distinct).
			Int("blocked", blocked).
			Msg("Distributed attack detected")
	}
}

// block moves identity to BLOCKED. It reports false when a record already
// existed, in which case nothing is dispatched.
func (m *Monitor) block(identity string, reason domain.BlockReason, attempts int, target string, now time.Time) bool {
	if m.whitelist.Contains(identity) {
		log.Debug().Str("identity", identity).Msg("Refusing to block whitelisted identity")
		return false
	}
	rec, created := m.ledger.Block(identity, reason, attempts, target, now)
	if !created {
		return false
	}

	m.counters.Blocks++
	m.observer.ObserveBlock(reason)

	evt := log.Warn().
		Str("identity", identity).
		Str("reason", string(reason)).
		Int("attempts", attempts).
		Int("offense", rec.Offense)
	if rec.Permanent() {
		evt = evt.Bool("permanent", true)
	} else {
		evt = evt.Time("expires_at", rec.ExpiresAt)
	}
	evt.Msg("Identity blocked")

	m.submit(Action{Kind: ActionBlock, Identity: identity, Handle: rec.RuleHandle})
	m.submit(Action{Kind: ActionAlert, Identity: identity, Alert: domain.NewBlockedAlert(&rec)})
	return true
}

// release moves identity back to untracked and schedules the rule removal.
func (m *Monitor) release(identity string, reason domain.ReleaseReason, now time.Time) bool {
	rec, rel, ok := m.ledger.Release(identity, reason, now)
	if !ok {
		return false
	}
	m.tracker.Reset(identity)
	m.correlator.Remove(identity)

	m.counters.Releases++
	m.observer.ObserveRelease(reason)
	log.Info().
		Str("identity", identity).
		Str("reason", string(reason)).
		Str("handle", string(rel.RuleHandle)).
		Msg("Identity released")

	m.submit(Action{Kind: ActionUnblock, Identity: identity, Handle: rel.RuleHandle})
	m.submit(Action{Kind: ActionAlert, Identity: identity, Alert: domain.NewExpiredAlert(&rec, reason, now)})
	return true
}

func (m *Monitor) submit(a Action) {
	tracked := a.Kind != ActionAlert
	if tracked {
		m.inflight[a.Identity]++
	}
	if err := m.pool.Submit(m.actionCtx, a, m.handleResult); err != nil {
		if tracked {
			m.settle(a.Identity)
		}
		log.Warn().
			Err(err).
			Str("action", a.Kind.String()).
			Str("identity", a.Identity).
			Msg("Outbound action not queued")
	}
	m.observer.SetOutboundQueue(m.pool.Queued())
}

func (m *Monitor) settle(identity string) {
	if n := m.inflight[identity]; n > 1 {
		m.inflight[identity] = n - 1
	} else {
		delete(m.inflight, identity)
	}
}

func (m *Monitor) handleResult(r ActionResult) {
	id := r.Action.Identity
	switch r.Action.Kind {
	case ActionBlock:
		m.settle(id)
		if r.Err == nil {
			if m.ledger.MarkSynced(id, r.Handle) && r.Action.Reassert {
				log.Debug().Str("identity", id).Msg("Firewall rule re-asserted")
			}
			return
		}
		m.counters.FirewallErrors++
		rec, ok := m.ledger.MarkUnsynced(id, r.Handle)
		if !ok {
			return
		}
		log.Warn().
			Err(r.Err).
			Str("identity", id).
			Int("sync_attempts", rec.SyncAttempts).
			Msg("Firewall block failed, block kept as unsynced")
		if rec.SyncAttempts >= m.cfg.MaxSyncAttempts && !rec.Escalated {
			m.ledger.MarkEscalated(id)
			log.Error().
				Str("identity", id).
				Int("sync_attempts", rec.SyncAttempts).
				Msg("Firewall rule could not be synchronized, escalating")
			m.submit(Action{Kind: ActionAlert, Identity: id, Alert: domain.NewUnsyncedAlert(&rec, m.now(), r.Err.Error())})
		}
	case ActionUnblock:
		m.settle(id)
		if r.Err == nil {
			m.ledger.ReleaseDone(id)
			return
		}
		m.counters.FirewallErrors++
		if rel, ok := m.ledger.ReleaseFailed(id); ok {
			log.Warn().
				Err(r.Err).
				Str("identity", id).
				Int("attempts", rel.Attempts).
				Msg("Firewall unblock failed, removal pending")
		}
	}
	m.publishGauges()
}

func (m *Monitor) sweep(now time.Time) SweepReport {
	var rep SweepReport

	for _, id := range m.ledger.Due(now) {
		if m.release(id, domain.ReleaseExpired, now) {
			rep.Expired++
		}
	}

	for _, rec := range m.ledger.Unsynced() {
		if rec.SyncAttempts >= m.cfg.MaxSyncAttempts || m.inflight[rec.Identity] > 0 {
			continue
		}
		m.submit(Action{Kind: ActionBlock, Identity: rec.Identity, Handle: rec.RuleHandle, Reassert: true})
		rep.SyncRetried++
	}

	for _, rel := range m.ledger.PendingReleases() {
		if m.inflight[rel.Identity] > 0 {
			continue
		}
		m.submit(Action{Kind: ActionUnblock, Identity: rel.Identity, Handle: rel.RuleHandle})
		rep.ReleasesRetried++
	}

	rep.IdleCollected = m.tracker.Sweep(now)
	rep.GroupsCollected = m.correlator.Sweep(now)
	m.publishGauges()

	if rep.Expired > 0 || rep.SyncRetried > 0 || rep.ReleasesRetried > 0 {
		log.Info().
			Int("expired", rep.Expired).
			Int("sync_retried", rep.SyncRetried).
			Int("releases_retried", rep.ReleasesRetried).
			Msg("Sweep completed")
	}
	return rep
}

func (m *Monitor) reconcile() int {
	n := 0
	for _, rec := range m.ledger.Active() {
		if m.inflight[rec.Identity] > 0 {
			continue
		}
		m.submit(Action{Kind: ActionBlock, Identity: rec.Identity, Handle: rec.RuleHandle, Reassert: true})
		n++
	}
	if n > 0 {
		log.Debug().Int("reasserted", n).Msg("Reconciliation pass queued")
	}
	return n
}

// shutdown drains the action pool within the shutdown timeout and flushes
// the ledger. Runs on the decision loop after the inbound queue closed.
func (m *Monitor) shutdown() {
	if !m.pool.Drain(m.cfg.ShutdownTimeout, m.handleResult) {
		log.Warn().
			Int("queued", m.pool.Queued()).
			Dur("timeout", m.cfg.ShutdownTimeout).
			Msg("Shutdown timeout reached, abandoned outbound actions")
	}

	if err := m.ledger.Flush(); err != nil {
		m.flushErr = err
		log.Error().Err(err).Msg("Failed to flush ledger on shutdown")
		return
	}
	log.Info().Int("active_blocks", m.ledger.Len()).Msg("Ledger flushed")
}

func (m *Monitor) publishGauges() {
	m.observer.SetLedgerGauges(m.ledger.Len(), len(m.ledger.Unsynced()), m.tracker.Len())
	m.observer.SetOutboundQueue(m.pool.Queued())
}

func (m *Monitor) snapshot() domain.StatusSnapshot {
	s := domain.StatusSnapshot{
		GeneratedAt:       m.now(),
		StartedAt:         m.startedAt,
		Backend:           m.controller.Backend(),
		Simulate:          m.controller.Simulated(),
		Blocks:            m.ledger.Active(),
		PendingReleases:   m.ledger.PendingReleases(),
		Whitelist:         m.whitelist.Entries(),
		TrackedIdentities: m.tracker.Len(),
		DistributedGroups: m.correlator.Groups(),
		Offenses:          m.ledger.Offenses(),
		Counters:          m.counters,
		OutboundQueued:    m.pool.Queued(),
	}
	s.Counters.StoreWriteErrors = m.ledger.WriteErrors()
	s.Counters.SourceErrors = m.sourceErrors.Load()
	s.Counters.ActionPanics = m.pool.Panics()
	s.Counters.Backpressure = m.pool.BackpressureEvents()
	if m.recent != nil {
		s.RecentAlerts = m.recent.Recent(recentAlertsInStatus)
	}
	return s
}

// Sweep expires due blocks, retries unsynced rules and pending removals, and
// collects idle tracking state.
func (m *Monitor) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	err := m.do(ctx, func() error {
		rep = m.sweep(m.now())
		return nil
	})
	return rep, err
}

// Reconcile re-asserts the rule of every active block. Backend calls are
// idempotent, so rules that already exist are left alone.
func (m *Monitor) Reconcile(ctx context.Context) (int, error) {
	var n int
	err := m.do(ctx, func() error {
		n = m.reconcile()
		return nil
	})
	return n, err
}

var _ ports.AdminControl = (*Monitor)(nil)

func (m *Monitor) Unblock(ctx context.Context, identity string) error {
	id, err := domain.NormalizeIdentity(identity)
	if err != nil {
		return err
	}
	return m.do(ctx, func() error {
		if !m.release(id, domain.ReleaseUnblocked, m.now()) {
			return ports.ErrNotBlocked
		}
		return nil
	})
}

// WhitelistAdd adds an IP or CIDR entry. Blocked identities it covers are
// released immediately and their tracking state is discarded. The entry
// survives ReplaceWhitelist but is not persisted across restarts.
func (m *Monitor) WhitelistAdd(ctx context.Context, entry string) error {
	canonical, err := detection.ParseWhitelistEntry(entry)
	if err != nil {
		return err
	}
	return m.do(ctx, func() error {
		if _, err := m.whitelist.Add(canonical); err != nil {
			return err
		}
		m.runtimeWL[canonical] = struct{}{}
		released := m.applyWhitelist()
		log.Info().Str("entry", canonical).Int("released", released).Msg("Whitelist entry added")
		return nil
	})
}

func (m *Monitor) WhitelistRemove(ctx context.Context, entry string) error {
	canonical, err := detection.ParseWhitelistEntry(entry)
	if err != nil {
		return err
	}
	return m.do(ctx, func() error {
		removed, err := m.whitelist.Remove(canonical)
		if err != nil {
			return err
		}
		delete(m.runtimeWL, canonical)
		if !removed {
			return ports.ErrNotWhitelisted
		}
		log.Info().Str("entry", canonical).Msg("Whitelist entry removed")
		return nil
	})
}

// ReplaceWhitelist swaps the configured whitelist, as on a config reload.
// Entries added with WhitelistAdd are carried over.
func (m *Monitor) ReplaceWhitelist(ctx context.Context, entries []string) error {
	wl, err := detection.NewWhitelist(entries)
	if err != nil {
		return err
	}
	return m.do(ctx, func() error {
		for entry := range m.runtimeWL {
			if _, err := wl.Add(entry); err != nil {
				return err
			}
		}
		m.whitelist = wl
		released := m.applyWhitelist()
		log.Info().Int("entries", wl.Len()).Int("runtime", len(m.runtimeWL)).Int("released", released).Msg("Whitelist replaced")
		return nil
	})
}

// applyWhitelist releases every blocked identity the whitelist now covers
// and drops their failure history.
func (m *Monitor) applyWhitelist() int {
	now := m.now()
	released := 0
	for _, rec := range m.ledger.Active() {
		if m.whitelist.Contains(rec.Identity) && m.release(rec.Identity, domain.ReleaseWhitelisted, now) {
			released++
		}
	}
	m.tracker.ResetMatching(m.whitelist.Contains)
	m.correlator.RemoveMatching(m.whitelist.Contains)
	return released
}

func (m *Monitor) Whitelist(ctx context.Context) ([]string, error) {
	var out []string
	err := m.do(ctx, func() error {
		out = m.whitelist.Entries()
		return nil
	})
	return out, err
}

func (m *Monitor) Status(ctx context.Context) (domain.StatusSnapshot, error) {
	var s domain.StatusSnapshot
	err := m.do(ctx, func() error {
		s = m.snapshot()
		return nil
	})
	return s, err
}

func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Done is closed once every source has ended when ExitOnEOF is set.
func (m *Monitor) Done() <-chan struct{} {
	return m.eof
}

// Stop shuts the pipeline down: sources stop, the inbound queue closes and
// drains, outbound actions drain within ShutdownTimeout, and the ledger is
// flushed before the store closes.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.stopped = true
	m.mu.Unlock()

	log.Info().Msg("Stopping monitor gracefully...")

	m.cancel()
	for _, src := range m.sources {
		if err := src.Stop(); err != nil {
			log.Error().Err(err).Str("source", src.Name()).Msg("Error stopping event source")
		}
	}
	m.pumps.Wait()
	close(m.inbound)
	<-m.loopDone
	m.tickers.Wait()

	err := m.flushErr
	if cerr := m.store.Close(); cerr != nil {
		log.Error().Err(cerr).Msg("Error closing ledger store")
		if err == nil {
			err = cerr
		}
	}

	log.Info().Msg("Monitor stopped")
	return err
}

// Run starts the monitor and blocks until ctx is cancelled or, with
// ExitOnEOF, every source has ended. The monitor is stopped on return.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown requested")
	case <-m.eof:
		log.Info().Msg("All event sources ended")
	}
	return m.Stop()
}

type nopObserver struct{}

func (nopObserver) ObserveEvent(string)                       {}
func (nopObserver) ObserveDrop(string)                        {}
func (nopObserver) ObserveBlock(domain.BlockReason)           {}
func (nopObserver) ObserveRelease(domain.ReleaseReason)       {}
func (nopObserver) ObserveFirewallCall(string, bool, float64) {}
func (nopObserver) SetLedgerGauges(int, int, int)             {}
func (nopObserver) SetOutboundQueue(int)                      {}
func (nopObserver) ObserveStoreError(string)                  {}
