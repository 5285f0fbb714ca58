// Package cluster holds the shared data model for cluster members and
// observers: MemberState, ObservedState, and the WAL LSN arithmetic they're
// compared with.
package cluster

import "time"

// ReplicationSlot is a snapshot of a logical replication slot definition, as
// reported by pg_replication_slots on servers >= PG10. Management of slots
// is out of scope; only their definitions are recorded.
type ReplicationSlot struct {
	SlotName          string `json:"slot_name"`
	Plugin            string `json:"plugin"`
	SlotType          string `json:"slot_type"`
	Database          string `json:"database"`
	CatalogXmin       string `json:"catalog_xmin,omitempty"`
	RestartLSN        string `json:"restart_lsn,omitempty"`
	ConfirmedFlushLSN string `json:"confirmed_flush_lsn,omitempty"`
}

// MemberState is the per-member snapshot produced by the Member Prober and
// kept in the cluster state map, keyed by member name.
type MemberState struct {
	FetchTime                 time.Time  `json:"fetch_time"`
	Connection                bool       `json:"connection"`
	DBTime                    *time.Time `json:"db_time,omitempty"`
	PGIsInRecovery            *bool      `json:"pg_is_in_recovery,omitempty"`
	PGLastXactReplayTimestamp *time.Time `json:"pg_last_xact_replay_timestamp,omitempty"`
	PGLastXlogReceiveLocation *string    `json:"pg_last_xlog_receive_location,omitempty"`
	PGLastXlogReplayLocation  *string    `json:"pg_last_xlog_replay_location,omitempty"`

	// ReplicationTimeLag is |db_time - pg_last_xact_replay_timestamp| in
	// seconds. Standbys only; nil on primaries and when replay timestamp is
	// unknown.
	ReplicationTimeLag *float64 `json:"replication_time_lag,omitempty"`

	// MinReplicationTimeLag is the running minimum of ReplicationTimeLag
	// ever observed for this member while the process has been running.
	// Monotonically non-increasing.
	MinReplicationTimeLag *float64 `json:"min_replication_time_lag,omitempty"`

	// ReplicationStartTime is the monotonic timestamp of the first tick on
	// which PGLastXlogReceiveLocation was non-null; the catch-up timer
	// origin.
	ReplicationStartTime *time.Time `json:"replication_start_time,omitempty"`

	// ReplicationSlots is populated only for probes of primaries on servers
	// >= PG10.
	ReplicationSlots []ReplicationSlot `json:"replication_slots,omitempty"`
}

// IsConnectedMaster reports whether this state represents a reachable,
// non-recovery primary.
func (m MemberState) IsConnectedMaster() bool {
	return m.Connection && m.PGIsInRecovery != nil && !*m.PGIsInRecovery
}

// IsDisconnectedMaster reports whether this state represents a non-recovery
// primary we currently cannot reach.
func (m MemberState) IsDisconnectedMaster() bool {
	return !m.Connection && m.PGIsInRecovery != nil && !*m.PGIsInRecovery
}

// IsStandby reports whether this state represents a member in recovery.
func (m MemberState) IsStandby() bool {
	return m.PGIsInRecovery != nil && *m.PGIsInRecovery
}

// ObservedState is the per-observer snapshot produced by the Observer
// Prober: the observer's own connectivity plus its view of every member it
// knows about.
type ObservedState struct {
	Connection bool                   `json:"connection"`
	FetchTime  time.Time              `json:"fetch_time"`
	Members    map[string]MemberState `json:"-"`
}
