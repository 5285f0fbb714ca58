// Package prober fetches the current state of cluster members and
// observers: the Member Prober queries PostgreSQL directly over a
// long-lived pgx connection per peer, and the Observer Prober fetches a
// peer coordinator's /state.json over HTTP.
package prober

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pgsentry/pgsentry/internal/cluster"
	"github.com/pgsentry/pgsentry/internal/logging"
	"github.com/pgsentry/pgsentry/internal/metrics"
	"github.com/pgsentry/pgsentry/internal/pgconninfo"
)

// pgVersion10 is the psycopg2-style integer encoding of PostgreSQL 10.0.0,
// the threshold below which the xlog-named functions must be used instead
// of the wal-named ones.
const pgVersion10 = 100000

// AlertFileCreator is satisfied by internal/alertfile's engine.
type AlertFileCreator interface {
	Create(name string) error
}

// MemberProber maintains one long-lived connection per configured peer and
// queries each for its replication status on demand.
type MemberProber struct {
	stats   *metrics.Client
	alerts  AlertFileCreator
	mu      sync.Mutex
	conns   map[string]*pgx.Conn
	timeout time.Duration
}

// NewMemberProber constructs a prober with no open connections yet;
// connections are established lazily by Probe/Reconcile.
func NewMemberProber(stats *metrics.Client, alerts AlertFileCreator) *MemberProber {
	return &MemberProber{
		stats:   stats,
		alerts:  alerts,
		conns:   make(map[string]*pgx.Conn),
		timeout: 5 * time.Second,
	}
}

// Reconcile drops connections for instances no longer present in conninfos,
// mirroring the leftover-connection cleanup the spec calls out.
func (p *MemberProber) Reconcile(conninfos map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, conn := range p.conns {
		if _, ok := conninfos[name]; !ok {
			logging.Debug("removing leftover connection", "instance", name)
			conn.Close(context.Background())
			delete(p.conns, name)
		}
	}
}

func (p *MemberProber) connect(ctx context.Context, instance, conninfo string) (*pgx.Conn, error) {
	p.mu.Lock()
	conn, ok := p.conns[instance]
	p.mu.Unlock()
	if ok && conn != nil {
		return conn, nil
	}

	if conninfo == "" {
		return nil, fmt.Errorf("no connection string configured for %s", instance)
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := pgx.Connect(dialCtx, conninfo)
	if err != nil {
		logging.Warn("connecting to peer failed", "instance", instance, "conninfo", maskConninfo(conninfo), "error", err)
		if strings.Contains(err.Error(), "password authentication") && p.alerts != nil {
			p.alerts.Create("authentication_error")
		}
		return nil, err
	}

	p.mu.Lock()
	p.conns[instance] = conn
	p.mu.Unlock()
	return conn, nil
}

// dropConn discards a connection that failed mid-query so the next tick
// reconnects from scratch.
func (p *MemberProber) dropConn(instance string) {
	p.mu.Lock()
	conn := p.conns[instance]
	delete(p.conns, instance)
	p.mu.Unlock()
	if conn != nil {
		conn.Close(context.Background())
	}
}

// Probe queries a single peer's replication status, returning a
// disconnected MemberState rather than an error on any failure: the
// decision engine always needs a state to reason about, not an exception.
func (p *MemberProber) Probe(ctx context.Context, instance, conninfo string) cluster.MemberState {
	fetchTime := time.Now()
	result := cluster.MemberState{FetchTime: fetchTime, Connection: false}

	conn, err := p.connect(ctx, instance, conninfo)
	if err != nil {
		return result
	}

	queryCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	state, err := p.queryStatus(queryCtx, conn)
	if err != nil {
		logging.Warn("querying status failed", "instance", instance, "error", err)
		p.dropConn(instance)
		return result
	}

	if state.PGIsInRecovery != nil && !*state.PGIsInRecovery {
		masterLSN, err := p.queryMasterHeartbeat(queryCtx, conn)
		if err != nil {
			logging.Warn("updating transaction failed", "instance", instance, "error", err)
			p.dropConn(instance)
			return result
		}
		state.PGLastXlogReplayLocation = masterLSN

		if slots, err := p.queryReplicationSlots(queryCtx, conn); err == nil {
			state.ReplicationSlots = slots
		}

		state.PGLastXlogReceiveLocation = nil
		state.PGLastXactReplayTimestamp = nil
		state.ReplicationTimeLag = nil
	}

	state.Connection = true
	state.FetchTime = fetchTime
	return state
}

func (p *MemberProber) queryStatus(ctx context.Context, conn *pgx.Conn) (cluster.MemberState, error) {
	var state cluster.MemberState
	var dbTime time.Time
	var isInRecovery bool
	var replayTS *time.Time
	var receiveLoc, replayLoc *string

	query := statusQuery(conn.PgConn().ParameterStatus("server_version_num"))
	row := conn.QueryRow(ctx, query)
	if err := row.Scan(&dbTime, &isInRecovery, &replayTS, &receiveLoc, &replayLoc); err != nil {
		return state, fmt.Errorf("query status: %w", err)
	}

	state.DBTime = &dbTime
	state.PGIsInRecovery = &isInRecovery
	state.PGLastXlogReceiveLocation = receiveLoc
	state.PGLastXlogReplayLocation = replayLoc

	if replayTS != nil {
		state.PGLastXactReplayTimestamp = replayTS
		lag := dbTime.Sub(*replayTS).Seconds()
		if lag < 0 {
			lag = -lag
		}
		state.ReplicationTimeLag = &lag
	}

	return state, nil
}

func (p *MemberProber) queryMasterHeartbeat(ctx context.Context, conn *pgx.Conn) (*string, error) {
	versionNum := conn.PgConn().ParameterStatus("server_version_num")
	var txid int64
	var lsn string
	var err error
	if isPG10OrNewer(versionNum) {
		err = conn.QueryRow(ctx, "SELECT txid_current(), pg_current_wal_lsn()").Scan(&txid, &lsn)
	} else {
		err = conn.QueryRow(ctx, "SELECT txid_current(), pg_current_xlog_location()").Scan(&txid, &lsn)
	}
	if err != nil {
		return nil, fmt.Errorf("updating transaction: %w", err)
	}
	return &lsn, nil
}

func (p *MemberProber) queryReplicationSlots(ctx context.Context, conn *pgx.Conn) ([]cluster.ReplicationSlot, error) {
	versionNum := conn.PgConn().ParameterStatus("server_version_num")
	if !isPG10OrNewer(versionNum) {
		return nil, nil
	}

	rows, err := conn.Query(ctx, `SELECT slot_name, plugin, slot_type, database,
		COALESCE(catalog_xmin::text, ''), COALESCE(restart_lsn::text, ''), COALESCE(confirmed_flush_lsn::text, '')
		FROM pg_catalog.pg_replication_slots WHERE slot_type = 'logical' AND NOT temporary`)
	if err != nil {
		return nil, fmt.Errorf("query replication slots: %w", err)
	}
	defer rows.Close()

	var slots []cluster.ReplicationSlot
	for rows.Next() {
		var s cluster.ReplicationSlot
		if err := rows.Scan(&s.SlotName, &s.Plugin, &s.SlotType, &s.Database, &s.CatalogXmin, &s.RestartLSN, &s.ConfirmedFlushLSN); err != nil {
			return nil, err
		}
		slots = append(slots, s)
	}
	return slots, rows.Err()
}

func statusQuery(versionNum string) string {
	if isPG10OrNewer(versionNum) {
		return "SELECT now() AS db_time, pg_is_in_recovery(), pg_last_xact_replay_timestamp(), " +
			"pg_last_wal_receive_lsn()::text, pg_last_wal_replay_lsn()::text"
	}
	return "SELECT now() AS db_time, pg_is_in_recovery(), pg_last_xact_replay_timestamp(), " +
		"pg_last_xlog_receive_location()::text, pg_last_xlog_replay_location()::text"
}

func isPG10OrNewer(versionNum string) bool {
	var n int
	fmt.Sscanf(versionNum, "%d", &n)
	return n >= pgVersion10
}

func maskConninfo(conninfo string) string {
	info, err := pgconninfo.Parse(conninfo)
	if err != nil {
		return "***"
	}
	if _, ok := info["password"]; ok {
		info["password"] = "***"
	}
	return pgconninfo.Build(info)
}

// ObserverProber fetches a remote coordinator's observed cluster view over
// HTTP, discarding responses with too much clock skew relative to our own
// clock (the observer's Date header is the only timestamp trusted for
// this comparison, since the remote's own fetch_time is its local clock).
type ObserverProber struct {
	client      *http.Client
	maxSkew     time.Duration
	nowOverride func() time.Time
}

// NewObserverProber constructs an observer prober with a 5 second request
// timeout and the spec's 5 second maximum accepted clock skew.
func NewObserverProber() *ObserverProber {
	return &ObserverProber{
		client:  &http.Client{Timeout: 5 * time.Second},
		maxSkew: 5 * time.Second,
	}
}

func (p *ObserverProber) now() time.Time {
	if p.nowOverride != nil {
		return p.nowOverride()
	}
	return time.Now()
}

// Probe fetches GET {uri}/state.json and returns the peer's observed
// member map, or a disconnected state on any transport error, decode
// error, or excessive clock skew.
func (p *ObserverProber) Probe(ctx context.Context, instance, uri string) cluster.ObservedState {
	fetchTime := p.now()
	result := cluster.ObservedState{FetchTime: fetchTime, Connection: true}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(uri, "/")+"/state.json", nil)
	if err != nil {
		result.Connection = false
		return result
	}

	resp, err := p.client.Do(req)
	if err != nil {
		logging.Warn("fetching observer state failed", "instance", instance, "uri", uri, "error", err)
		result.Connection = false
		return result
	}
	defer resp.Body.Close()

	dateHeader := resp.Header.Get("Date")
	remoteTime, err := http.ParseTime(dateHeader)
	if err != nil {
		logging.Error("failed to parse date header from observer", "instance", instance, "date", dateHeader)
		result.Connection = false
		return result
	}
	skew := fetchTime.Sub(remoteTime)
	if skew < 0 {
		skew = -skew
	}
	if skew > p.maxSkew {
		logging.Error("clock skew too large, ignoring observer response", "instance", instance, "skew", skew)
		result.Connection = false
		return result
	}

	members, err := decodeMembers(resp)
	if err != nil {
		logging.Warn("decoding observer state failed", "instance", instance, "error", err)
		result.Connection = false
		return result
	}
	result.Members = members
	return result
}

// decodeMembers decodes the wire body of GET /state.json: a flat JSON
// object keyed by member name, with MemberState values. This is the
// counterpart of internal/httpapi's handler, which serializes the
// member map directly rather than nesting it under a "members" key.
func decodeMembers(resp *http.Response) (map[string]cluster.MemberState, error) {
	var members map[string]cluster.MemberState
	if err := json.NewDecoder(resp.Body).Decode(&members); err != nil {
		return nil, fmt.Errorf("decode state.json body: %w", err)
	}
	return members, nil
}
