// Package nodemap classifies the raw cluster/observer state maps produced
// each tick into a resolved view: which member is master, its state, and
// the set of standbys, with split-brain detection.
package nodemap

import (
	"sort"
	"time"

	"github.com/pgsentry/pgsentry/internal/cluster"
	"github.com/pgsentry/pgsentry/internal/logging"
)

// AlertFileCreator is satisfied by internal/alertfile's engine.
type AlertFileCreator interface {
	Create(name string) error
}

// Builder consumes cluster and observer state each tick and resolves the
// current master, preserving its partitions for downstream inspection
// (failover election, status reporting).
type Builder struct {
	alerts AlertFileCreator

	ConnectedMasters    map[string]cluster.MemberState
	DisconnectedMasters map[string]cluster.MemberState
	ConnectedObservers  map[string]struct{}
	DisconnectedObservers map[string]struct{}
}

// NewBuilder constructs a Node-Map Builder.
func NewBuilder(alerts AlertFileCreator) *Builder {
	return &Builder{alerts: alerts}
}

// Result is the resolved cluster view for one tick.
type Result struct {
	MasterName  string
	MasterState cluster.MemberState
	HasMaster   bool
	Standbys    map[string]cluster.MemberState
}

// Build classifies members and resolves the current master. ownName is
// excluded from observer adoption (an observer's view of us is never more
// authoritative than our own).
func (b *Builder) Build(ownName string, members map[string]cluster.MemberState, observers map[string]cluster.ObservedState, pollInterval time.Duration) Result {
	b.ConnectedMasters = make(map[string]cluster.MemberState)
	b.DisconnectedMasters = make(map[string]cluster.MemberState)
	b.ConnectedObservers = make(map[string]struct{})
	b.DisconnectedObservers = make(map[string]struct{})

	standbys := make(map[string]cluster.MemberState)

	for name, state := range members {
		switch {
		case state.IsStandby():
			standbys[name] = state
		case state.IsConnectedMaster():
			b.ConnectedMasters[name] = state
		case state.IsDisconnectedMaster():
			b.DisconnectedMasters[name] = state
		}
	}

	for obsName, observed := range observers {
		if observed.Connection {
			b.ConnectedObservers[obsName] = struct{}{}
		} else {
			b.DisconnectedObservers[obsName] = struct{}{}
		}

		for memberName, seen := range observed.Members {
			if memberName == ownName {
				continue
			}
			ownView, known := members[memberName]
			if !known {
				continue
			}

			fresherOrEqual := !observed.FetchTime.Before(ownView.FetchTime)

			if seen.IsStandby() && fresherOrEqual {
				if _, haveConnected := b.ConnectedMasters[memberName]; !haveConnected {
					if _, alreadyStandby := standbys[memberName]; !alreadyStandby {
						standbys[memberName] = seen
					}
				}
				continue
			}

			if !seen.IsStandby() && seen.PGIsInRecovery != nil {
				withinPoll := observed.FetchTime.Sub(ownView.FetchTime) <= pollInterval && ownView.FetchTime.Sub(observed.FetchTime) <= pollInterval
				if withinPoll {
					if seen.Connection {
						b.ConnectedMasters[memberName] = seen
					} else {
						b.DisconnectedMasters[memberName] = seen
					}
				}
			}
		}
	}

	switch len(b.ConnectedMasters) {
	case 0:
		if len(b.DisconnectedMasters) == 0 {
			return Result{Standbys: standbys}
		}
		name, state := firstInsertionOrder(b.DisconnectedMasters)
		return Result{MasterName: name, MasterState: state, HasMaster: true, Standbys: standbys}
	case 1:
		for name, state := range b.ConnectedMasters {
			return Result{MasterName: name, MasterState: state, HasMaster: true, Standbys: standbys}
		}
	}

	if b.alerts != nil {
		b.alerts.Create("multiple_master_warning")
	}
	logging.Error("multiple connected masters detected", "count", len(b.ConnectedMasters))
	return Result{Standbys: standbys}
}

// firstInsertionOrder picks a stable deterministic entry from a map when
// "first insertion order" is called for but Go maps have none: names are
// sorted and the lexicographically smallest is returned, giving a
// reproducible choice across ticks rather than map iteration order.
func firstInsertionOrder(m map[string]cluster.MemberState) (string, cluster.MemberState) {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	name := names[0]
	return name, m[name]
}
