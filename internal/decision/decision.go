// Package decision implements the failover decision engine: the lag
// warning state machine, the missing-master grace window, and the
// furthest-along-with-quorum election.
package decision

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/pgsentry/pgsentry/internal/cluster"
	"github.com/pgsentry/pgsentry/internal/config"
	"github.com/pgsentry/pgsentry/internal/logging"
	"github.com/pgsentry/pgsentry/internal/nodemap"
	"github.com/pgsentry/pgsentry/internal/pgconninfo"
	"github.com/pgsentry/pgsentry/internal/store"
)

// AlertFileCreator is satisfied by internal/alertfile's engine.
type AlertFileCreator interface {
	Create(name string) error
	Delete(name string) error
}

// AutofollowWriter is satisfied by internal/autofollow's Writer.
type AutofollowWriter interface {
	Follow(instanceName string, newMasterConninfo pgconninfo.Info) (string, error)
}

// HistoryRecorder is satisfied by *store.DB. Recording is skipped entirely
// when nil, so the optional history store costs nothing when unconfigured.
type HistoryRecorder interface {
	SaveLagSample(ctx context.Context, s store.LagSample) error
	SaveTransition(ctx context.Context, t store.Transition) error
}

// lagState is the replication-lag-warning state machine's current state.
type lagState int

const (
	lagOK lagState = iota
	lagWarning
)

// Engine runs one decision cycle per supervisor iteration, holding the
// state that must persist across cycles: the current master, the lag
// state, and the timers that gate the missing-master grace window.
type Engine struct {
	cfg        *config.Config
	ownDB      string
	alerts     AlertFileCreator
	nm         *nodemap.Builder
	autofollow AutofollowWriter
	history    HistoryRecorder

	currentMaster          string
	lagState               lagState
	clusterNodeChangeTime  time.Time
	observerStateNewerThan *time.Time

	// ExecuteCommand runs an external command and reports its exit status;
	// overridable for tests.
	ExecuteCommand func(command string) error
}

// New constructs a decision Engine for the named local instance (empty for
// observer-only mode). autofollow may be nil when autofollow is disabled;
// history may be nil when no history store is configured.
func New(cfg *config.Config, ownDB string, alerts AlertFileCreator, nm *nodemap.Builder, autofollow AutofollowWriter, history HistoryRecorder) *Engine {
	return &Engine{
		cfg:                   cfg,
		ownDB:                 ownDB,
		alerts:                alerts,
		nm:                    nm,
		autofollow:            autofollow,
		history:               history,
		clusterNodeChangeTime: time.Now(),
		ExecuteCommand:        runCommand,
	}
}

// recordTransition persists a decision-engine event to the history store,
// if one is configured.
func (e *Engine) recordTransition(kind, detail string) {
	if e.history == nil {
		return
	}
	if err := e.history.SaveTransition(context.Background(), store.Transition{Timestamp: time.Now(), Kind: kind, Detail: detail}); err != nil {
		logging.Warn("recording transition failed", "kind", kind, "error", err)
	}
}

// recordLagSample persists one replication-lag observation to the history
// store, if one is configured.
func (e *Engine) recordLagSample(memberName string, lag *float64) {
	if e.history == nil {
		return
	}
	if err := e.history.SaveLagSample(context.Background(), store.LagSample{Timestamp: time.Now(), MemberName: memberName, ReplicationTimeLag: lag}); err != nil {
		logging.Warn("recording lag sample failed", "member", memberName, "error", err)
	}
}

// NoteConfigNodeSetChanged stamps the time the configured remote_conns set
// last changed, for the missing-master grace window.
func (e *Engine) NoteConfigNodeSetChanged() {
	e.clusterNodeChangeTime = time.Now()
}

// CurrentMaster returns the last-resolved master name, or "" if none.
func (e *Engine) CurrentMaster() string {
	return e.currentMaster
}

// ObserverStateNewerThan returns the stamp set while replication lag is in
// the warning state, if poll_observers_on_warning_only requires decisions
// to wait on a fresh observer sample, or nil otherwise.
func (e *Engine) ObserverStateNewerThan() *time.Time {
	return e.observerStateNewerThan
}

// Run executes one decision cycle against a snapshot of cluster and
// observer state, applying the master-resolution update, the lag state
// machine, and (if warranted) the failover election.
func (e *Engine) Run(members map[string]cluster.MemberState, observers map[string]cluster.ObservedState) {
	if len(members) == 0 {
		logging.Warn("no cluster state yet, probably still starting up")
		return
	}

	pollInterval := time.Duration(e.cfg.DBPollInterval * float64(time.Second))
	result := e.nm.Build(e.ownDB, members, observers, pollInterval)

	masterChanged := result.HasMaster && result.MasterName != e.currentMaster
	if masterChanged {
		logging.Info("new master node detected", "old", e.currentMaster, "new", result.MasterName)
		e.recordTransition("master_changed", fmt.Sprintf("old=%s new=%s", e.currentMaster, result.MasterName))
	}
	if result.HasMaster {
		e.currentMaster = result.MasterName
	}

	if masterChanged && e.cfg.Autofollow && e.autofollow != nil && e.ownDB != "" && result.MasterName != e.ownDB {
		conninfo, err := pgconninfo.Parse(e.cfg.RemoteConns[result.MasterName].Raw)
		if err != nil {
			logging.Error("parsing new master's conninfo failed, cannot autofollow", "master", result.MasterName, "error", err)
		} else if status, err := e.autofollow.Follow(e.ownDB, conninfo); err != nil {
			logging.Error("autofollow failed", "master", result.MasterName, "error", err)
		} else {
			logging.Info("autofollow completed", "master", result.MasterName, "status", status)
		}
	}

	if e.ownDB == "" {
		return
	}

	if e.ownDB == e.currentMaster {
		logging.Debug("we are still the master node of this cluster, nothing to do")
		return
	}

	ownState, known := members[e.ownDB]
	if !known {
		return
	}

	if !result.HasMaster {
		e.considerMissingMaster(ownState, result.Standbys)
	}

	if len(result.Standbys) == 0 {
		logging.Warn("no standby nodes set", "master", result.MasterName)
		return
	}

	e.updateLagState(ownState, result)
}

// considerMissingMaster implements §4.4.3's missing-master trigger; the
// recent-contact guard itself lives in electFailover, since it must also
// cover the critical-lag trigger path in updateLagState.
func (e *Engine) considerMissingMaster(ownState cluster.MemberState, standbys map[string]cluster.MemberState) {
	timeout := time.Duration(e.cfg.MissingMasterFromConfigTimeout * float64(time.Second))
	elapsedSinceNodeSetChange := time.Since(e.clusterNodeChangeTime)

	if e.currentMaster == "" {
		if elapsedSinceNodeSetChange > timeout {
			logging.Warn("no master known and node set has been stable past timeout, triggering failover consideration")
			e.electFailover(ownState, standbys)
		}
		return
	}

	goneNode := false
	for _, n := range e.cfg.KnownGoneNodes {
		if n == e.currentMaster {
			goneNode = true
			break
		}
	}
	if goneNode || elapsedSinceNodeSetChange >= timeout {
		logging.Warn("current master is missing, triggering failover consideration", "master", e.currentMaster)
		e.electFailover(ownState, standbys)
	}
}

// updateLagState implements §4.4.2 and, on critical lag, triggers §4.4.3's
// critical-lag path into the election.
func (e *Engine) updateLagState(ownState cluster.MemberState, result nodemap.Result) {
	if e.isCatchingUp(ownState) {
		logging.Debug("member is still catching up, suppressing lag warning", "instance", e.ownDB)
		return
	}

	if ownState.ReplicationTimeLag == nil {
		logging.Warn("no replication lag set in own node state")
		return
	}
	lag := *ownState.ReplicationTimeLag
	e.recordLagSample(e.ownDB, ownState.ReplicationTimeLag)

	if lag >= e.cfg.WarningReplicationTimeLag {
		logging.Warn("replication time lag has grown to over warning boundary", "lag", lag, "boundary", e.cfg.WarningReplicationTimeLag)
		if e.lagState != lagWarning {
			e.lagState = lagWarning
			e.recordTransition("lag_warning", fmt.Sprintf("lag=%.3f boundary=%.3f", lag, e.cfg.WarningReplicationTimeLag))
			if e.alerts != nil {
				e.alerts.Create("replication_delay_warning")
			}
			if e.cfg.OverWarningLimitCommand != "" {
				if err := e.ExecuteCommand(e.cfg.OverWarningLimitCommand); err != nil {
					logging.Warn("over_warning_limit_command failed", "error", err)
				}
			}
			if e.cfg.PollObserversOnWarningOnly {
				now := time.Now()
				e.observerStateNewerThan = &now
			}
		}
	} else if e.lagState == lagWarning {
		e.lagState = lagOK
		e.recordTransition("lag_ok", fmt.Sprintf("lag=%.3f boundary=%.3f", lag, e.cfg.WarningReplicationTimeLag))
		if e.alerts != nil {
			e.alerts.Delete("replication_delay_warning")
		}
		e.observerStateNewerThan = nil
	}

	if lag >= e.cfg.MaxFailoverReplicationTimeLag {
		logging.Warn("replication time lag over critical boundary, considering failover", "lag", lag, "boundary", e.cfg.MaxFailoverReplicationTimeLag)
		e.electFailover(ownState, result.Standbys)
	}
}

// isCatchingUp implements §4.4.1.
func (e *Engine) isCatchingUp(state cluster.MemberState) bool {
	if state.ReplicationStartTime == nil {
		return false
	}
	timeout := time.Duration(e.cfg.ReplicationCatchupTimeout * float64(time.Second))
	if time.Since(*state.ReplicationStartTime) > timeout {
		return false
	}
	if state.PGLastXlogReceiveLocation == nil {
		return true
	}
	if state.MinReplicationTimeLag != nil && *state.MinReplicationTimeLag >= e.cfg.WarningReplicationTimeLag {
		return true
	}
	return false
}

type position struct {
	offset uint64
	name   string
}

// electFailover implements §4.4.4.
func (e *Engine) electFailover(ownState cluster.MemberState, standbys map[string]cluster.MemberState) {
	if e.nm.ConnectedMasters != nil && len(e.nm.ConnectedMasters) > 0 {
		logging.Warn("connected masters still present, not failing over", "count", len(e.nm.ConnectedMasters))
		return
	}

	if recent, name, lastContact := e.recentlyContactedDisconnectedMaster(); recent {
		logging.Warn("disconnected master was recently in contact, not failing over", "master", name, "last_contact", lastContact)
		return
	}

	neverPromote := make(map[string]bool, len(e.cfg.NeverPromoteTheseNodes))
	for _, n := range e.cfg.NeverPromoteTheseNodes {
		neverPromote[n] = true
	}

	positions := map[uint64][]string{}
	cutoff := 20 * time.Second
	now := time.Now()
	for name, state := range standbys {
		if !state.Connection {
			continue
		}
		if now.Sub(state.FetchTime) >= cutoff {
			continue
		}
		if neverPromote[name] {
			continue
		}

		var lsn string
		switch {
		case state.PGLastXlogReceiveLocation != nil:
			lsn = *state.PGLastXlogReceiveLocation
		case state.PGLastXlogReplayLocation != nil:
			lsn = *state.PGLastXlogReplayLocation
		}

		offset, err := cluster.ParseLSN(lsn)
		if err != nil {
			offset = 0
		}
		positions[offset] = append(positions[offset], name)
	}

	if len(positions) == 0 {
		logging.Warn("no known replication positions, canceling failover consideration")
		return
	}

	offsets := make([]uint64, 0, len(positions))
	for o := range positions {
		offsets = append(offsets, o)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] > offsets[j] })
	highest := offsets[0]
	candidates := positions[highest]
	sort.Sort(sort.Reverse(sort.StringSlice(candidates)))
	candidate := candidates[0]

	total := float64(len(standbys)+1+len(e.cfg.Observers)) - float64(len(neverPromote))
	need := total / 2

	knownPositions := 0
	for _, names := range positions {
		knownPositions += len(names)
	}
	known := float64(knownPositions + len(e.nm.ConnectedObservers))

	logging.Debug("election candidates computed", "candidate", candidate, "known", known, "need", need)

	if known < need {
		logging.Warn("quorum not reached, canceling failover consideration", "known", known, "need", need)
		return
	}

	if candidate != e.ownDB {
		logging.Debug("not the furthest-along candidate, not promoting", "candidate", candidate, "own", e.ownDB)
		return
	}

	if e.cfg.MaintenanceModeFile != "" {
		if _, err := os.Stat(e.cfg.MaintenanceModeFile); err == nil {
			logging.Warn("canceling failover, maintenance mode file present", "path", e.cfg.MaintenanceModeFile)
			return
		}
	}
	if neverPromote[e.ownDB] {
		logging.Warn("not failing over, this node should never be promoted", "instance", e.ownDB)
		return
	}

	logging.Warn("performing failover to ourselves, we are furthest along", "instance", e.ownDB)
	if err := e.ExecuteCommand(e.cfg.FailoverCommand); err != nil {
		logging.Error("failover command failed", "error", err)
	} else {
		e.recordTransition("failover", fmt.Sprintf("instance=%s candidate=%s", e.ownDB, candidate))
	}
	if e.alerts != nil {
		e.alerts.Create("failover_has_happened")
	}
	time.Sleep(time.Duration(e.cfg.FailoverSleepTime * float64(time.Second)))
	e.lagState = lagOK
	if e.alerts != nil {
		e.alerts.Delete("replication_delay_warning")
	}
}

// recentlyContactedDisconnectedMaster implements §4.4.3's recent-contact
// guard: a disconnected master last heard from within
// max_failover_replication_time_lag seconds is still considered reachable
// enough that we shouldn't race to replace it.
func (e *Engine) recentlyContactedDisconnectedMaster() (bool, string, time.Time) {
	maxLag := time.Duration(e.cfg.MaxFailoverReplicationTimeLag * float64(time.Second))
	for name, state := range e.nm.DisconnectedMasters {
		lastContact := state.FetchTime
		if state.DBTime != nil {
			lastContact = *state.DBTime
		}
		if time.Since(lastContact) < maxLag {
			return true, name, lastContact
		}
	}
	return false, "", time.Time{}
}

func runCommand(command string) error {
	if command == "" {
		return nil
	}
	cmd := exec.Command("/bin/sh", "-c", command)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, out)
	}
	return nil
}
