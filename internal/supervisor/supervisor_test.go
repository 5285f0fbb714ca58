package supervisor

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pgsentry/pgsentry/internal/cluster"
	"github.com/pgsentry/pgsentry/internal/config"
	"github.com/pgsentry/pgsentry/internal/decision"
	"github.com/pgsentry/pgsentry/internal/metrics"
	"github.com/pgsentry/pgsentry/internal/monitor"
	"github.com/pgsentry/pgsentry/internal/nodemap"
)

func floatPtr(f float64) *float64 { return &f }

type fakeMemberProbe struct{}

func (fakeMemberProbe) Probe(ctx context.Context, instance, conninfo string) cluster.MemberState {
	return cluster.MemberState{}
}
func (fakeMemberProbe) Reconcile(conninfos map[string]string) {}

type fakeObserverProbe struct{}

func (fakeObserverProbe) Probe(ctx context.Context, instance, uri string) cluster.ObservedState {
	return cluster.ObservedState{}
}

func newTestSupervisor(t *testing.T, cfg *config.Config, stats *metrics.Client) *Supervisor {
	t.Helper()
	snap := monitor.NewSnapshot()
	mon := monitor.New(cfg, fakeMemberProbe{}, fakeObserverProbe{}, snap, nil)
	engine := decision.New(cfg, "", nil, nodemap.NewBuilder(nil), nil, nil)
	if stats == nil {
		var err error
		stats, err = metrics.NewClient("", 0, nil)
		if err != nil {
			t.Fatalf("setup: %v", err)
		}
	}
	return New(cfg, mon, engine, snap, nil, stats)
}

func TestIterateWritesStateFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "json_state_file")
	cfg := &config.Config{JSONStateFilePath: path, DBPollInterval: 5, ReplicationStateCheckInterval: 5}
	s := newTestSupervisor(t, cfg, nil)

	s.iterate()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected state file to be written: %v", err)
	}
	var decoded struct {
		CurrentMaster string `json:"current_master"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("expected valid state file JSON: %v", err)
	}
}

func newUDPListener(t *testing.T) (*net.UDPConn, int) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	return conn, conn.LocalAddr().(*net.UDPAddr).Port
}

func TestCheckMonitorHealthEmitsStatsOnTimeout(t *testing.T) {
	listener, port := newUDPListener(t)
	defer listener.Close()

	stats, err := metrics.NewClient("127.0.0.1", port, nil)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer stats.Close()

	cfg := &config.Config{
		ClusterMonitorHealthTimeoutSecs: floatPtr(0),
		DBPollInterval:                  5,
		ReplicationStateCheckInterval:   5,
	}
	s := newTestSupervisor(t, cfg, stats)

	s.checkMonitorHealth()

	buf := make([]byte, 1024)
	listener.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := listener.Read(buf)
	if err != nil {
		t.Fatalf("expected a stats packet on health timeout: %v", err)
	}
	if !strings.HasPrefix(string(buf[:n]), "cluster_monitor_health_timeout") {
		t.Errorf("expected cluster_monitor_health_timeout metric, got %q", string(buf[:n]))
	}
}

func TestCheckMonitorHealthNoopWhenTimeoutUnset(t *testing.T) {
	listener, port := newUDPListener(t)
	defer listener.Close()

	stats, err := metrics.NewClient("127.0.0.1", port, nil)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer stats.Close()

	cfg := &config.Config{DBPollInterval: 5, ReplicationStateCheckInterval: 5}
	s := newTestSupervisor(t, cfg, stats)

	s.checkMonitorHealth()

	listener.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 1024)
	if _, err := listener.Read(buf); err == nil {
		t.Errorf("expected no stats packet when cluster_monitor_health_timeout_seconds is unset")
	}
}

func TestReloadConfigSwapsConfigAndWakesLoop(t *testing.T) {
	cfg := &config.Config{DBPollInterval: 5, ReplicationStateCheckInterval: 5}
	s := newTestSupervisor(t, cfg, nil)

	next := &config.Config{DBPollInterval: 5, ReplicationStateCheckInterval: 5, OwnDB: "node-a", RemoteConns: map[string]config.RemoteConn{"node-a": {Raw: "x"}}}
	s.ReloadConfig(next)

	if s.cfg.Load() != next {
		t.Errorf("expected ReloadConfig to swap in the new configuration")
	}

	select {
	case <-s.FailoverQueue:
	default:
		t.Errorf("expected ReloadConfig to wake the outer loop via FailoverQueue")
	}
}

func TestRequestPriorityCheckSignalsMonitor(t *testing.T) {
	cfg := &config.Config{DBPollInterval: 5, ReplicationStateCheckInterval: 5}
	s := newTestSupervisor(t, cfg, nil)

	s.RequestPriorityCheck()

	select {
	case <-s.monitor.PriorityCheck:
	default:
		t.Errorf("expected RequestPriorityCheck to signal the monitor's priority channel")
	}
}
