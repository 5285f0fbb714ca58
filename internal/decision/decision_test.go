package decision

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pgsentry/pgsentry/internal/cluster"
	"github.com/pgsentry/pgsentry/internal/config"
	"github.com/pgsentry/pgsentry/internal/nodemap"
	"github.com/pgsentry/pgsentry/internal/pgconninfo"
	"github.com/pgsentry/pgsentry/internal/store"
)

func boolPtr(b bool) *bool       { return &b }
func strPtr(s string) *string    { return &s }
func floatPtr(f float64) *float64 { return &f }

type fakeAlerts struct {
	created []string
	deleted []string
}

func (f *fakeAlerts) Create(name string) error { f.created = append(f.created, name); return nil }
func (f *fakeAlerts) Delete(name string) error { f.deleted = append(f.deleted, name); return nil }

type fakeAutofollow struct {
	calls []string
}

func (f *fakeAutofollow) Follow(instanceName string, conninfo pgconninfo.Info) (string, error) {
	f.calls = append(f.calls, instanceName)
	return "changed", nil
}

func baseConfig() *config.Config {
	return &config.Config{
		MissingMasterFromConfigTimeout: 0,
		WarningReplicationTimeLag:       10,
		MaxFailoverReplicationTimeLag:   1000,
		ReplicationCatchupTimeout:       30,
		FailoverCommand:                 "true",
		FailoverSleepTime:               0,
	}
}

func newTestEngine(cfg *config.Config, ownDB string, alerts AlertFileCreator) *Engine {
	e := New(cfg, ownDB, alerts, nodemap.NewBuilder(nil), nil, nil)
	e.clusterNodeChangeTime = time.Now().Add(-time.Hour)
	e.ExecuteCommand = func(string) error { return nil }
	return e
}

type fakeHistory struct {
	lagSamples  []store.LagSample
	transitions []store.Transition
}

func (f *fakeHistory) SaveLagSample(ctx context.Context, s store.LagSample) error {
	f.lagSamples = append(f.lagSamples, s)
	return nil
}

func (f *fakeHistory) SaveTransition(ctx context.Context, t store.Transition) error {
	f.transitions = append(f.transitions, t)
	return nil
}

func standbyAt(lsn string, fetch time.Time) cluster.MemberState {
	return cluster.MemberState{
		Connection:                true,
		FetchTime:                 fetch,
		PGIsInRecovery:            boolPtr(true),
		PGLastXlogReceiveLocation: strPtr(lsn),
	}
}

func TestRunPromotesFurthestAlongStandbyOnMissingMaster(t *testing.T) {
	cfg := baseConfig()
	alerts := &fakeAlerts{}
	e := newTestEngine(cfg, "node-a", alerts)

	var executed []string
	e.ExecuteCommand = func(cmd string) error { executed = append(executed, cmd); return nil }

	now := time.Now()
	members := map[string]cluster.MemberState{
		"node-a": standbyAt("0/2000000", now),
		"node-b": standbyAt("0/1000000", now),
	}

	e.Run(members, nil)

	if len(executed) != 1 || executed[0] != cfg.FailoverCommand {
		t.Fatalf("expected failover command to run once, got %v", executed)
	}
	if len(alerts.created) != 1 || alerts.created[0] != "failover_has_happened" {
		t.Errorf("expected failover_has_happened alert, got %v", alerts.created)
	}
}

func TestRunSkipsFailoverWhenQuorumNotReached(t *testing.T) {
	cfg := baseConfig()
	cfg.Observers = map[string]string{"obs-1": "", "obs-2": ""}
	e := newTestEngine(cfg, "node-a", &fakeAlerts{})

	var executed []string
	e.ExecuteCommand = func(cmd string) error { executed = append(executed, cmd); return nil }

	now := time.Now()
	members := map[string]cluster.MemberState{
		"node-a": standbyAt("0/2000000", now),
		"node-b": standbyAt("0/1000000", now.Add(-time.Minute)),
	}

	e.Run(members, nil)

	if len(executed) != 0 {
		t.Errorf("expected no failover command when quorum unreachable, got %v", executed)
	}
}

func TestRunSkipsFailoverInMaintenanceMode(t *testing.T) {
	cfg := baseConfig()
	dir := t.TempDir()
	cfg.MaintenanceModeFile = filepath.Join(dir, "maintenance")
	if err := os.WriteFile(cfg.MaintenanceModeFile, []byte(""), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	e := newTestEngine(cfg, "node-a", &fakeAlerts{})

	var executed []string
	e.ExecuteCommand = func(cmd string) error { executed = append(executed, cmd); return nil }

	now := time.Now()
	members := map[string]cluster.MemberState{
		"node-a": standbyAt("0/2000000", now),
		"node-b": standbyAt("0/1000000", now),
	}

	e.Run(members, nil)

	if len(executed) != 0 {
		t.Errorf("expected maintenance mode to veto failover, got %v", executed)
	}
}

func TestRunSkipsFailoverForNeverPromoteOnlyCandidate(t *testing.T) {
	cfg := baseConfig()
	cfg.NeverPromoteTheseNodes = []string{"node-a"}
	e := newTestEngine(cfg, "node-a", &fakeAlerts{})

	var executed []string
	e.ExecuteCommand = func(cmd string) error { executed = append(executed, cmd); return nil }

	now := time.Now()
	members := map[string]cluster.MemberState{
		"node-a": standbyAt("0/2000000", now),
	}

	e.Run(members, nil)

	if len(executed) != 0 {
		t.Errorf("expected never_promote_these_nodes to exclude the only candidate, got %v", executed)
	}
}

func TestUpdateLagStateWarnsThenClears(t *testing.T) {
	cfg := baseConfig()
	cfg.WarningReplicationTimeLag = 5
	cfg.MaxFailoverReplicationTimeLag = 1000
	alerts := &fakeAlerts{}
	e := newTestEngine(cfg, "node-a", alerts)
	e.currentMaster = "node-b"

	now := time.Now()
	members := map[string]cluster.MemberState{
		"node-b": {Connection: true, FetchTime: now, PGIsInRecovery: boolPtr(false)},
		"node-a": {
			Connection:          true,
			FetchTime:           now,
			PGIsInRecovery:      boolPtr(true),
			ReplicationTimeLag:  floatPtr(20),
		},
	}

	e.Run(members, nil)

	if len(alerts.created) != 1 || alerts.created[0] != "replication_delay_warning" {
		t.Fatalf("expected warning alert to be created, got %v", alerts.created)
	}

	members["node-a"] = cluster.MemberState{
		Connection:         true,
		FetchTime:          now,
		PGIsInRecovery:     boolPtr(true),
		ReplicationTimeLag: floatPtr(1),
	}
	e.Run(members, nil)

	if len(alerts.deleted) != 1 || alerts.deleted[0] != "replication_delay_warning" {
		t.Errorf("expected warning alert to be cleared once lag drops, got %v", alerts.deleted)
	}
}

func TestIsCatchingUpSuppressesWarning(t *testing.T) {
	cfg := baseConfig()
	cfg.WarningReplicationTimeLag = 5
	alerts := &fakeAlerts{}
	e := newTestEngine(cfg, "node-a", alerts)
	e.currentMaster = "node-b"

	now := time.Now()
	startTime := now.Add(-time.Second)
	members := map[string]cluster.MemberState{
		"node-b": {Connection: true, FetchTime: now, PGIsInRecovery: boolPtr(false)},
		"node-a": {
			Connection:            true,
			FetchTime:             now,
			PGIsInRecovery:        boolPtr(true),
			ReplicationTimeLag:    floatPtr(20),
			ReplicationStartTime:  &startTime,
		},
	}

	e.Run(members, nil)

	if len(alerts.created) != 0 {
		t.Errorf("expected catching-up member to suppress lag warning, got %v", alerts.created)
	}
}

func TestPollObserversOnWarningOnlySetsObserverStateNewerThan(t *testing.T) {
	cfg := baseConfig()
	cfg.WarningReplicationTimeLag = 5
	cfg.PollObserversOnWarningOnly = true
	e := newTestEngine(cfg, "node-a", &fakeAlerts{})
	e.currentMaster = "node-b"

	now := time.Now()
	members := map[string]cluster.MemberState{
		"node-b": {Connection: true, FetchTime: now, PGIsInRecovery: boolPtr(false)},
		"node-a": {
			Connection:         true,
			FetchTime:          now,
			PGIsInRecovery:     boolPtr(true),
			ReplicationTimeLag: floatPtr(20),
		},
	}

	e.Run(members, nil)

	if e.ObserverStateNewerThan() == nil {
		t.Fatalf("expected observer-state-newer-than stamp to be set while in warning state")
	}
}

func TestRunSkipsFailoverOverCriticalLagWhenDisconnectedMasterRecentlyContacted(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxFailoverReplicationTimeLag = 1000
	e := newTestEngine(cfg, "node-a", &fakeAlerts{})

	var executed []string
	e.ExecuteCommand = func(cmd string) error { executed = append(executed, cmd); return nil }

	now := time.Now()
	dbTime := now.Add(-time.Second)
	members := map[string]cluster.MemberState{
		"node-b": {Connection: false, FetchTime: now, DBTime: &dbTime, PGIsInRecovery: boolPtr(false)},
		"node-a": {
			Connection:         true,
			FetchTime:          now,
			PGIsInRecovery:     boolPtr(true),
			ReplicationTimeLag: floatPtr(2000),
		},
	}

	e.Run(members, nil)

	if len(executed) != 0 {
		t.Errorf("expected recent contact with the disconnected master to veto failover, got %v", executed)
	}
}

func TestRunFailsOverOverCriticalLagWhenDisconnectedMasterContactIsStale(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxFailoverReplicationTimeLag = 1000
	e := newTestEngine(cfg, "node-a", &fakeAlerts{})

	var executed []string
	e.ExecuteCommand = func(cmd string) error { executed = append(executed, cmd); return nil }

	now := time.Now()
	staleDBTime := now.Add(-2 * time.Hour)
	members := map[string]cluster.MemberState{
		"node-b": {Connection: false, FetchTime: now, DBTime: &staleDBTime, PGIsInRecovery: boolPtr(false)},
		"node-a": {
			Connection:                true,
			FetchTime:                 now,
			PGIsInRecovery:            boolPtr(true),
			ReplicationTimeLag:        floatPtr(2000),
			PGLastXlogReceiveLocation: strPtr("0/2000000"),
		},
	}

	e.Run(members, nil)

	if len(executed) != 1 || executed[0] != cfg.FailoverCommand {
		t.Errorf("expected failover once the disconnected master's last contact is stale, got %v", executed)
	}
}

func TestRunRecordsLagSampleAndFailoverTransitionToHistory(t *testing.T) {
	cfg := baseConfig()
	history := &fakeHistory{}
	e := New(cfg, "node-a", &fakeAlerts{}, nodemap.NewBuilder(nil), nil, history)
	e.clusterNodeChangeTime = time.Now().Add(-time.Hour)
	e.ExecuteCommand = func(string) error { return nil }

	now := time.Now()
	members := map[string]cluster.MemberState{
		"node-b": {Connection: true, FetchTime: now, PGIsInRecovery: boolPtr(false)},
		"node-a": {
			Connection:                true,
			FetchTime:                 now,
			PGIsInRecovery:            boolPtr(true),
			ReplicationTimeLag:        floatPtr(5),
			PGLastXlogReceiveLocation: strPtr("0/2000000"),
		},
	}
	e.Run(members, nil)

	if len(history.lagSamples) != 1 || history.lagSamples[0].MemberName != "node-a" || *history.lagSamples[0].ReplicationTimeLag != 5 {
		t.Fatalf("expected a recorded lag sample for node-a, got %+v", history.lagSamples)
	}

	foundMasterChanged := false
	for _, tr := range history.transitions {
		if tr.Kind == "master_changed" {
			foundMasterChanged = true
		}
	}
	if !foundMasterChanged {
		t.Errorf("expected a master_changed transition, got %+v", history.transitions)
	}

	// Now push lag over the critical boundary and trigger a failover.
	cfg.MaxFailoverReplicationTimeLag = 1
	members["node-a"] = cluster.MemberState{
		Connection:                true,
		FetchTime:                 now,
		PGIsInRecovery:            boolPtr(true),
		ReplicationTimeLag:        floatPtr(1000),
		PGLastXlogReceiveLocation: strPtr("0/2000000"),
	}
	delete(members, "node-b")
	e.Run(members, nil)

	foundFailover := false
	for _, tr := range history.transitions {
		if tr.Kind == "failover" {
			foundFailover = true
		}
	}
	if !foundFailover {
		t.Errorf("expected a failover transition to be recorded, got %+v", history.transitions)
	}
}

func TestRunAutofollowsOnMasterChange(t *testing.T) {
	cfg := baseConfig()
	cfg.Autofollow = true
	cfg.PrimaryConninfoTemplate = "sslmode=prefer"
	cfg.RemoteConns = map[string]config.RemoteConn{
		"node-b": {Raw: "host=node-b port=5432"},
	}
	af := &fakeAutofollow{}
	e := New(cfg, "node-a", &fakeAlerts{}, nodemap.NewBuilder(nil), af, nil)
	e.clusterNodeChangeTime = time.Now().Add(-time.Hour)

	now := time.Now()
	members := map[string]cluster.MemberState{
		"node-b": {Connection: true, FetchTime: now, PGIsInRecovery: boolPtr(false)},
		"node-a": {Connection: true, FetchTime: now, PGIsInRecovery: boolPtr(true), ReplicationTimeLag: floatPtr(0)},
	}

	e.Run(members, nil)

	if len(af.calls) != 1 || af.calls[0] != "node-a" {
		t.Errorf("expected autofollow to be triggered for node-a once, got %v", af.calls)
	}
}
