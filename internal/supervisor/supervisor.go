// Package supervisor owns the daemon's outer loop: run the decision engine,
// publish the state snapshot, and check monitor health, once per
// replication_state_check_interval or immediately on a priority signal.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgsentry/pgsentry/internal/config"
	"github.com/pgsentry/pgsentry/internal/decision"
	"github.com/pgsentry/pgsentry/internal/httpapi"
	"github.com/pgsentry/pgsentry/internal/logging"
	"github.com/pgsentry/pgsentry/internal/metrics"
	"github.com/pgsentry/pgsentry/internal/monitor"
	"github.com/pgsentry/pgsentry/internal/statefile"
)

// Supervisor coordinates the monitor's tick loop, the decision engine, and
// state publication, and exposes the process's shutdown path.
type Supervisor struct {
	cfg      atomic.Pointer[config.Config]
	monitor  *monitor.Monitor
	engine   *decision.Engine
	snapshot *monitor.Snapshot
	http     *httpapi.Server
	stats    *metrics.Client

	startTime time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// FailoverQueue carries wake-up signals that shortcut the outer loop's
	// wait: a completed priority tick, or a config reload.
	FailoverQueue chan struct{}
}

// New constructs a Supervisor. http may be nil in configurations that
// disable the status server (never expected in practice, but http_port=0
// is not validated against, so the caller may choose not to start one).
func New(cfg *config.Config, mon *monitor.Monitor, engine *decision.Engine, snapshot *monitor.Snapshot, httpSrv *httpapi.Server, stats *metrics.Client) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		monitor:       mon,
		engine:        engine,
		snapshot:      snapshot,
		http:          httpSrv,
		stats:         stats,
		startTime:     time.Now(),
		ctx:           ctx,
		cancel:        cancel,
		FailoverQueue: make(chan struct{}, 8),
	}
	s.cfg.Store(cfg)
	return s
}

// ReloadConfig swaps in a newly loaded configuration for both the
// supervisor's own iteration interval and health timeout, and the
// monitor's peer/observer set, then wakes the outer loop so the new
// node set is reflected without waiting out the current interval.
func (s *Supervisor) ReloadConfig(cfg *config.Config) {
	s.cfg.Store(cfg)
	s.monitor.ReloadConfig(cfg)
	s.engine.NoteConfigNodeSetChanged()
	s.NotifyConfigReloaded()
}

// Start launches the monitor loop, the HTTP server, and the outer
// supervisor loop as background goroutines.
func (s *Supervisor) Start() error {
	logging.Info("starting supervisor")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.monitor.Run(s.ctx, s.monitor.PriorityCheck); err != nil && s.ctx.Err() == nil {
			logging.Error("monitor loop exited unexpectedly", "error", err)
		}
	}()

	if s.http != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.http.ListenAndServe(); err != nil {
				logging.Error("http status server exited unexpectedly", "error", err)
			}
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()

	return nil
}

func (s *Supervisor) loop() {
	interval := time.Duration(s.cfg.Load().ReplicationStateCheckInterval * float64(time.Second))
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.FailoverQueue:
			s.drainFailoverQueue()
			s.iterate()
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(interval)
		case <-timer.C:
			s.iterate()
			timer.Reset(interval)
		}
	}
}

func (s *Supervisor) drainFailoverQueue() {
	for {
		select {
		case <-s.FailoverQueue:
		default:
			return
		}
	}
}

func (s *Supervisor) iterate() {
	cfg := s.cfg.Load()
	members := s.snapshot.Members()
	observers := s.snapshot.Observers()

	func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Error("decision engine panicked", "panic", r)
				if s.stats != nil {
					s.stats.UnexpectedException("decision_engine", fmt.Errorf("%v", r))
				}
			}
		}()
		s.engine.Run(members, observers)
	}()

	path := cfg.JSONStateFilePath
	if path == "" {
		path = "/tmp/json_state_file"
	}
	snap := statefile.Snapshot{
		DBNodes:       members,
		ObserverNodes: observers,
		CurrentMaster: s.engine.CurrentMaster(),
	}
	if err := statefile.Write(path, snap); err != nil {
		logging.Error("writing state snapshot failed", "error", err)
	}

	s.checkMonitorHealth()
}

func (s *Supervisor) checkMonitorHealth() {
	cfg := s.cfg.Load()
	if cfg.ClusterMonitorHealthTimeoutSecs == nil {
		return
	}
	timeout := time.Duration(*cfg.ClusterMonitorHealthTimeoutSecs * float64(time.Second))

	last := s.monitor.LastSuccess()
	if last.IsZero() {
		last = s.startTime
	}
	if time.Since(last) >= timeout {
		logging.Error("cluster monitor health timeout exceeded", "since", last)
		if s.stats != nil {
			s.stats.Increase("cluster_monitor_health_timeout", 1, nil)
		}
	}
}

// RequestPriorityCheck wakes the monitor loop for an immediate tick and
// queues a wake-up for the supervisor loop once it completes.
func (s *Supervisor) RequestPriorityCheck() {
	select {
	case s.monitor.PriorityCheck <- struct{}{}:
	default:
	}
}

// NotifyConfigReloaded wakes the supervisor loop immediately so a config
// change (e.g. a changed remote_conns set) is reflected without waiting
// out the current interval.
func (s *Supervisor) NotifyConfigReloaded() {
	select {
	case s.FailoverQueue <- struct{}{}:
	default:
	}
}

// Stop signals shutdown and waits (bounded) for all goroutines to exit.
func (s *Supervisor) Stop() error {
	logging.Info("stopping supervisor")
	s.cancel()

	if s.http != nil {
		_ = s.http.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Info("supervisor stopped gracefully")
	case <-time.After(5 * time.Second):
		logging.Warn("supervisor shutdown timed out, forcing exit")
	}
	return nil
}

// Wait blocks until the supervisor's context is canceled.
func (s *Supervisor) Wait() {
	<-s.ctx.Done()
}
