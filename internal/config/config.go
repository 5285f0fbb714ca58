// Package config loads and validates the daemon's JSON configuration file,
// per the key table in the specification, and supports atomic SIGHUP-driven
// reload.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
)

// RemoteConn is a peer connection entry: either a raw libpq/URL string, or a
// keyword/value object, accepted interchangeably per the JSON value shape.
type RemoteConn struct {
	// Raw holds the conninfo as written in the config file, whichever of
	// the three accepted shapes (libpq string, postgres:// URL, keyword
	// object) it was. internal/pgconninfo normalizes it at use time.
	Raw string
}

// UnmarshalJSON accepts either a JSON string or a JSON object of
// keyword/value pairs, normalizing the latter into a libpq string.
func (r *RemoteConn) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		r.Raw = s
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("remote_conns entry must be a string or object: %w", err)
	}
	var b []byte
	for k, v := range obj {
		if len(b) > 0 {
			b = append(b, ' ')
		}
		b = append(b, []byte(fmt.Sprintf("%s='%v'", k, v))...)
	}
	r.Raw = string(b)
	return nil
}

func (r RemoteConn) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Raw)
}

// Statsd is the metrics sink destination.
type Statsd struct {
	Host string            `json:"host"`
	Port int               `json:"port"`
	Tags map[string]string `json:"tags,omitempty"`
}

// Config is the daemon's configuration, unmarshaled directly from the JSON
// file named on the command line. Field names mirror the specification's
// key table one-to-one.
type Config struct {
	RemoteConns map[string]RemoteConn `json:"remote_conns"`
	Observers   map[string]string     `json:"observers"`
	OwnDB       string                 `json:"own_db"`

	Autofollow             bool   `json:"autofollow"`
	PrimaryConninfoTemplate string `json:"primary_conninfo_template"`
	PGDataDirectory        string `json:"pg_data_directory"`
	PGStartCommand         string `json:"pg_start_command"`
	PGStopCommand          string `json:"pg_stop_command"`

	FailoverCommand        string  `json:"failover_command"`
	OverWarningLimitCommand string `json:"over_warning_limit_command"`
	FailoverSleepTime      float64 `json:"failover_sleep_time"`

	KnownGoneNodes        []string `json:"known_gone_nodes"`
	NeverPromoteTheseNodes []string `json:"never_promote_these_nodes"`

	DBPollInterval                  float64  `json:"db_poll_interval"`
	ReplicationStateCheckInterval   float64  `json:"replication_state_check_interval"`
	WarningReplicationTimeLag       float64  `json:"warning_replication_time_lag"`
	MaxFailoverReplicationTimeLag   float64  `json:"max_failover_replication_time_lag"`
	ReplicationCatchupTimeout       float64  `json:"replication_catchup_timeout"`
	MissingMasterFromConfigTimeout  float64  `json:"missing_master_from_config_timeout"`
	PollObserversOnWarningOnly      bool     `json:"poll_observers_on_warning_only"`
	ClusterMonitorHealthTimeoutSecs *float64 `json:"cluster_monitor_health_timeout_seconds"`

	MaintenanceModeFile string `json:"maintenance_mode_file"`
	AlertFileDir        string `json:"alert_file_dir"`
	JSONStateFilePath   string `json:"json_state_file_path"`

	HTTPAddress string `json:"http_address"`
	HTTPPort    int    `json:"http_port"`

	Statsd Statsd `json:"statsd"`

	LogLevel      string `json:"log_level"`
	Syslog        bool   `json:"syslog"`
	SyslogAddress string `json:"syslog_address"`
	SyslogFacility string `json:"syslog_facility"`

	// HistoryDBPath enables the optional SQLite decision-history store
	// (internal/store); empty disables it. Domain-stack supplement, not
	// part of the original key table.
	HistoryDBPath string `json:"history_db_path"`
}

// active holds the most recently loaded configuration; Load replaces it
// atomically and Active returns it. The daemon's SIGHUP path does not read
// it: it hands Load's return value to Supervisor.ReloadConfig directly.
var active atomic.Pointer[Config]

// Load reads and validates the JSON config file at path, applies defaults,
// and stores it as the active configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()

	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	active.Store(cfg)
	return cfg, nil
}

// Active returns the most recently loaded configuration, or nil if none has
// been loaded yet.
func Active() *Config {
	return active.Load()
}

// applyDefaults backfills zero-valued optional fields with their documented
// defaults. Unlike the teacher's viper.SetDefault mechanism, this operates
// directly on the unmarshaled struct since the wire format here is a single
// JSON file, not a multi-source viper tree.
func (c *Config) applyDefaults() {
	if c.DBPollInterval == 0 {
		c.DBPollInterval = 5.0
	}
	if c.ReplicationStateCheckInterval == 0 {
		c.ReplicationStateCheckInterval = 5.0
	}
	if c.WarningReplicationTimeLag == 0 {
		c.WarningReplicationTimeLag = 30.0
	}
	if c.MaxFailoverReplicationTimeLag == 0 {
		c.MaxFailoverReplicationTimeLag = 120.0
	}
	if c.ReplicationCatchupTimeout == 0 {
		c.ReplicationCatchupTimeout = 300.0
	}
	if c.MissingMasterFromConfigTimeout == 0 {
		c.MissingMasterFromConfigTimeout = 15.0
	}
	if c.HTTPPort == 0 {
		c.HTTPPort = 15000
	}
	if c.FailoverSleepTime == 0 {
		c.FailoverSleepTime = 2.0
	}
	if c.LogLevel == "" {
		c.LogLevel = "INFO"
	}
}

// ValidateConfig collects actionable errors about cross-field invariants.
// Where the source would clamp-and-log instead of fail, this does the same:
// only genuinely unusable configuration returns an error.
func ValidateConfig(cfg *Config) error {
	if len(cfg.RemoteConns) == 0 {
		return fmt.Errorf("remote_conns must name at least one peer")
	}
	if cfg.OwnDB != "" {
		if _, ok := cfg.RemoteConns[cfg.OwnDB]; !ok {
			return fmt.Errorf("own_db %q is not a key in remote_conns", cfg.OwnDB)
		}
	}

	// §4.4.2 invariant: warning_replication_time_lag < max_failover_replication_time_lag.
	// Clamp rather than fail, per spec.
	if cfg.WarningReplicationTimeLag >= cfg.MaxFailoverReplicationTimeLag {
		slog.Warn("warning_replication_time_lag is not below max_failover_replication_time_lag, clamping",
			"warning_replication_time_lag", cfg.WarningReplicationTimeLag,
			"max_failover_replication_time_lag", cfg.MaxFailoverReplicationTimeLag)
		cfg.WarningReplicationTimeLag = cfg.MaxFailoverReplicationTimeLag
	}

	if cfg.Autofollow {
		if cfg.PrimaryConninfoTemplate == "" {
			return fmt.Errorf("primary_conninfo_template is required when autofollow is enabled")
		}
		if cfg.PGDataDirectory == "" {
			return fmt.Errorf("pg_data_directory is required when autofollow is enabled")
		}
	}

	return nil
}
