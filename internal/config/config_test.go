package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"remote_conns": {"node-a": "host=localhost"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cases := map[string]float64{
		"db_poll_interval":                   cfg.DBPollInterval,
		"replication_state_check_interval":   cfg.ReplicationStateCheckInterval,
		"warning_replication_time_lag":       cfg.WarningReplicationTimeLag,
		"max_failover_replication_time_lag":  cfg.MaxFailoverReplicationTimeLag,
		"replication_catchup_timeout":        cfg.ReplicationCatchupTimeout,
		"missing_master_from_config_timeout": cfg.MissingMasterFromConfigTimeout,
		"failover_sleep_time":                cfg.FailoverSleepTime,
	}
	want := map[string]float64{
		"db_poll_interval":                   5.0,
		"replication_state_check_interval":   5.0,
		"warning_replication_time_lag":       30.0,
		"max_failover_replication_time_lag":  120.0,
		"replication_catchup_timeout":        300.0,
		"missing_master_from_config_timeout": 15.0,
		"failover_sleep_time":                2.0,
	}
	for k, got := range cases {
		if got != want[k] {
			t.Errorf("%s: expected default %v, got %v", k, want[k], got)
		}
	}
	if cfg.HTTPPort != 15000 {
		t.Errorf("expected default http_port 15000, got %d", cfg.HTTPPort)
	}
	if cfg.LogLevel != "INFO" {
		t.Errorf("expected default log_level INFO, got %q", cfg.LogLevel)
	}
}

func TestLoadRejectsEmptyRemoteConns(t *testing.T) {
	path := writeConfig(t, `{}`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected an error for a config with no remote_conns")
	}
}

func TestLoadRejectsOwnDBNotInRemoteConns(t *testing.T) {
	path := writeConfig(t, `{"remote_conns": {"node-a": "host=localhost"}, "own_db": "node-b"}`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected an error when own_db is absent from remote_conns")
	}
}

func TestLoadClampsWarningLagToMax(t *testing.T) {
	path := writeConfig(t, `{
		"remote_conns": {"node-a": "host=localhost"},
		"warning_replication_time_lag": 200,
		"max_failover_replication_time_lag": 100
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.WarningReplicationTimeLag != 100 {
		t.Errorf("expected warning lag to be clamped to the max, got %v", cfg.WarningReplicationTimeLag)
	}
}

func TestLoadRequiresConninfoTemplateWhenAutofollowEnabled(t *testing.T) {
	path := writeConfig(t, `{"remote_conns": {"node-a": "host=localhost"}, "autofollow": true}`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "primary_conninfo_template") {
		t.Fatalf("expected an error naming primary_conninfo_template, got %v", err)
	}
}

func TestLoadRequiresDataDirectoryWhenAutofollowEnabled(t *testing.T) {
	path := writeConfig(t, `{
		"remote_conns": {"node-a": "host=localhost"},
		"autofollow": true,
		"primary_conninfo_template": "sslmode=prefer"
	}`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "pg_data_directory") {
		t.Fatalf("expected an error naming pg_data_directory, got %v", err)
	}
}

func TestRemoteConnAcceptsStringShape(t *testing.T) {
	path := writeConfig(t, `{"remote_conns": {"node-a": "host=localhost port=5432"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RemoteConns["node-a"].Raw != "host=localhost port=5432" {
		t.Errorf("expected raw string to round-trip unchanged, got %q", cfg.RemoteConns["node-a"].Raw)
	}
}

func TestRemoteConnAcceptsObjectShape(t *testing.T) {
	path := writeConfig(t, `{"remote_conns": {"node-a": {"host": "otherhost", "port": 5433}}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	raw := cfg.RemoteConns["node-a"].Raw
	if !strings.Contains(raw, "host='otherhost'") {
		t.Errorf("expected normalized raw conninfo to include host='otherhost', got %q", raw)
	}
	if !strings.Contains(raw, "port='5433'") {
		t.Errorf("expected normalized raw conninfo to include port='5433', got %q", raw)
	}
}
