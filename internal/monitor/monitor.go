// Package monitor runs the periodic tick loop that fans out to every
// configured peer and observer, collecting their state into a shared
// cluster snapshot for the decision engine to reason about.
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pgsentry/pgsentry/internal/cluster"
	"github.com/pgsentry/pgsentry/internal/config"
	"github.com/pgsentry/pgsentry/internal/logging"
)

// MemberProbe is satisfied by *prober.MemberProber.
type MemberProbe interface {
	Probe(ctx context.Context, instance, conninfo string) cluster.MemberState
	Reconcile(conninfos map[string]string)
}

// ObserverProbe is satisfied by *prober.ObserverProber.
type ObserverProbe interface {
	Probe(ctx context.Context, instance, uri string) cluster.ObservedState
}

// Snapshot is the shared, mutex-guarded cluster view the decision engine
// reads from and the HTTP status server serves.
type Snapshot struct {
	mu        sync.RWMutex
	members   map[string]cluster.MemberState
	observers map[string]cluster.ObservedState
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		members:   make(map[string]cluster.MemberState),
		observers: make(map[string]cluster.ObservedState),
	}
}

// Members returns a shallow copy of the current member states.
func (s *Snapshot) Members() map[string]cluster.MemberState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]cluster.MemberState, len(s.members))
	for k, v := range s.members {
		out[k] = v
	}
	return out
}

// Observers returns a shallow copy of the current observer states.
func (s *Snapshot) Observers() map[string]cluster.ObservedState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]cluster.ObservedState, len(s.observers))
	for k, v := range s.observers {
		out[k] = v
	}
	return out
}

func (s *Snapshot) setMember(name string, state cluster.MemberState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.members[name]

	if had && !state.Connection {
		// A failed probe only carries FetchTime/Connection; preserve
		// everything else from the last known state instead of wiping it,
		// so a transient disconnect doesn't erase what we knew about the
		// member a moment ago.
		state.DBTime = prev.DBTime
		state.PGIsInRecovery = prev.PGIsInRecovery
		state.PGLastXactReplayTimestamp = prev.PGLastXactReplayTimestamp
		state.PGLastXlogReceiveLocation = prev.PGLastXlogReceiveLocation
		state.PGLastXlogReplayLocation = prev.PGLastXlogReplayLocation
		state.ReplicationTimeLag = prev.ReplicationTimeLag
		state.ReplicationSlots = prev.ReplicationSlots
	}

	if state.PGLastXlogReceiveLocation != nil {
		if had && prev.ReplicationStartTime != nil {
			state.ReplicationStartTime = prev.ReplicationStartTime
		} else {
			now := time.Now()
			state.ReplicationStartTime = &now
		}
	}

	if state.ReplicationTimeLag != nil {
		if had && prev.MinReplicationTimeLag != nil && *prev.MinReplicationTimeLag < *state.ReplicationTimeLag {
			state.MinReplicationTimeLag = prev.MinReplicationTimeLag
		} else {
			lag := *state.ReplicationTimeLag
			state.MinReplicationTimeLag = &lag
		}
	} else if had {
		state.MinReplicationTimeLag = prev.MinReplicationTimeLag
	}

	s.members[name] = state
}

func (s *Snapshot) setObserver(name string, state cluster.ObservedState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers[name] = state
}

func (s *Snapshot) reconcile(names map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.members {
		if _, ok := names[name]; !ok {
			delete(s.members, name)
		}
	}
}

// Monitor runs the tick loop: connect-and-cleanup, then fan out a bounded
// number of concurrent probes across all members and (conditionally)
// observers.
type Monitor struct {
	cfg          atomic.Pointer[config.Config]
	memberProbe  MemberProbe
	observerProbe ObserverProbe
	snapshot     *Snapshot
	overWarning  func() bool

	// PriorityCheck receives a value whenever a tick completes that
	// was triggered by an out-of-band priority check (the HTTP /check
	// endpoint), so callers can be woken up rather than polling.
	PriorityCheck chan struct{}

	lastSuccess atomic.Value // time.Time
}

// New constructs a Monitor. overWarning reports whether replication lag is
// currently over the warning limit, gating observer polling per
// poll_observers_on_warning_only.
func New(cfg *config.Config, memberProbe MemberProbe, observerProbe ObserverProbe, snapshot *Snapshot, overWarning func() bool) *Monitor {
	m := &Monitor{
		memberProbe:   memberProbe,
		observerProbe: observerProbe,
		snapshot:      snapshot,
		overWarning:   overWarning,
		PriorityCheck: make(chan struct{}, 1),
	}
	m.cfg.Store(cfg)
	return m
}

// ReloadConfig swaps in a newly loaded configuration for the next tick;
// the in-flight tick, if any, finishes against the configuration it
// started with.
func (m *Monitor) ReloadConfig(cfg *config.Config) {
	m.cfg.Store(cfg)
}

// LastSuccess returns the time of the last completed tick, or the zero
// time if none has completed yet.
func (m *Monitor) LastSuccess() time.Time {
	v := m.lastSuccess.Load()
	if v == nil {
		return time.Time{}
	}
	return v.(time.Time)
}

// Run blocks, ticking every db_poll_interval until ctx is canceled.
// requestCh delivers priority-check requests that short-circuit the wait.
func (m *Monitor) Run(ctx context.Context, requestCh <-chan struct{}) error {
	m.tick(ctx, false)

	interval := time.Duration(m.cfg.Load().DBPollInterval * float64(time.Second))
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-requestCh:
			m.tick(ctx, true)
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(interval)
		case <-timer.C:
			m.tick(ctx, false)
			timer.Reset(interval)
		}
	}
}

func (m *Monitor) tick(ctx context.Context, requested bool) {
	cfg := m.cfg.Load()
	conninfos := make(map[string]string, len(cfg.RemoteConns))
	for name, rc := range cfg.RemoteConns {
		conninfos[name] = rc.Raw
	}
	m.memberProbe.Reconcile(conninfos)

	names := make(map[string]struct{}, len(conninfos))
	for name := range conninfos {
		names[name] = struct{}{}
	}
	m.snapshot.reconcile(names)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(conninfos) + len(cfg.Observers) + 1)

	for name, conninfo := range conninfos {
		name, conninfo := name, conninfo
		g.Go(func() error {
			state := m.memberProbe.Probe(gctx, name, conninfo)
			m.snapshot.setMember(name, state)
			return nil
		})
	}

	alwaysObservers := !cfg.PollObserversOnWarningOnly
	if alwaysObservers || (m.overWarning != nil && m.overWarning()) {
		for name, uri := range cfg.Observers {
			name, uri := name, uri
			g.Go(func() error {
				state := m.observerProbe.Probe(gctx, name, uri)
				m.snapshot.setObserver(name, state)
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		logging.Error("monitoring tick encountered an error", "error", err)
	}

	m.lastSuccess.Store(time.Now())

	if requested {
		select {
		case m.PriorityCheck <- struct{}{}:
		default:
		}
	}
}
