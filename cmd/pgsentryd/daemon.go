package main

import (
	"fmt"

	"github.com/pgsentry/pgsentry/internal/alertfile"
	"github.com/pgsentry/pgsentry/internal/autofollow"
	"github.com/pgsentry/pgsentry/internal/config"
	"github.com/pgsentry/pgsentry/internal/decision"
	"github.com/pgsentry/pgsentry/internal/httpapi"
	"github.com/pgsentry/pgsentry/internal/logging"
	"github.com/pgsentry/pgsentry/internal/metrics"
	"github.com/pgsentry/pgsentry/internal/monitor"
	"github.com/pgsentry/pgsentry/internal/nodemap"
	"github.com/pgsentry/pgsentry/internal/prober"
	"github.com/pgsentry/pgsentry/internal/store"
	"github.com/pgsentry/pgsentry/internal/supervisor"
)

// daemon bundles the wired supervisor with the resources it alone owns the
// lifetime of: the history store and statsd client aren't referenced by the
// supervisor itself, so they need an explicit close path.
type daemon struct {
	sup   *supervisor.Supervisor
	store *store.DB
	stats *metrics.Client
}

func (d *daemon) Start() error {
	return d.sup.Start()
}

func (d *daemon) Stop() error {
	err := d.sup.Stop()
	if d.store != nil {
		d.store.Close()
	}
	if d.stats != nil {
		d.stats.Close()
	}
	return err
}

// buildDaemon loads configuration from configPath and wires every
// component: the alert-file engine, the statsd client, the member and
// observer probers, the node-map builder, the autofollow writer (if
// enabled), the decision engine, the HTTP status server, the optional
// history store, and finally the supervisor that drives them all.
func buildDaemon(configPath string, debug bool) (*daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logLevel := cfg.LogLevel
	if debug {
		logLevel = "debug"
	}
	if err := logging.Init(logging.Config{
		Level:          logLevel,
		Syslog:         cfg.Syslog,
		SyslogAddress:  cfg.SyslogAddress,
		SyslogFacility: cfg.SyslogFacility,
	}); err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	alerts := alertfile.NewEngine(cfg.AlertFileDir)

	stats, err := metrics.NewClient(cfg.Statsd.Host, cfg.Statsd.Port, cfg.Statsd.Tags)
	if err != nil {
		return nil, fmt.Errorf("init statsd client: %w", err)
	}

	memberProber := prober.NewMemberProber(stats, alerts)
	observerProber := prober.NewObserverProber()

	nm := nodemap.NewBuilder(alerts)

	var autofollowWriter decision.AutofollowWriter
	if cfg.Autofollow {
		autofollowWriter = autofollow.NewWriter(cfg.PGDataDirectory, cfg.PrimaryConninfoTemplate, cfg.PGStartCommand, cfg.PGStopCommand)
	}

	var historyStore *store.DB
	if cfg.HistoryDBPath != "" {
		historyStore, err = store.Open(cfg.HistoryDBPath)
		if err != nil {
			return nil, fmt.Errorf("open history store: %w", err)
		}
	}

	// historyRecorder stays a true nil interface (rather than a non-nil
	// interface wrapping a nil *store.DB) when no history store is
	// configured, so decision.Engine's nil check works correctly.
	var historyRecorder decision.HistoryRecorder
	if historyStore != nil {
		historyRecorder = historyStore
	}

	engine := decision.New(cfg, cfg.OwnDB, alerts, nm, autofollowWriter, historyRecorder)

	snapshot := monitor.NewSnapshot()
	overWarning := func() bool { return engine.ObserverStateNewerThan() != nil }
	mon := monitor.New(cfg, memberProber, observerProber, snapshot, overWarning)

	var httpSrv *httpapi.Server
	if cfg.HTTPPort != 0 {
		addr := fmt.Sprintf("%s:%d", cfg.HTTPAddress, cfg.HTTPPort)
		httpSrv = httpapi.New(addr, snapshot, mon.PriorityCheck)
	}

	sup := supervisor.New(cfg, mon, engine, snapshot, httpSrv, stats)

	return &daemon{sup: sup, store: historyStore, stats: stats}, nil
}

// reloadableDaemon is satisfied by *daemon's supervisor for the SIGHUP
// reload path; kept as a narrow interface so main.go's signal handler
// doesn't need the concrete supervisor type.
type reloadableDaemon interface {
	ReloadConfig(cfg *config.Config)
}

func (d *daemon) reload(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	d.sup.ReloadConfig(cfg)
	logging.Info("configuration reloaded", "peers", len(cfg.RemoteConns))
	return nil
}

var _ reloadableDaemon = (*supervisor.Supervisor)(nil)
