// Package statefile writes the aggregated cluster state to a well-known
// JSON path atomically, so external tooling always sees a complete
// snapshot rather than a partially-written file.
package statefile

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pgsentry/pgsentry/internal/cluster"
)

// Snapshot is the JSON shape written on every supervisor iteration.
type Snapshot struct {
	DBNodes       map[string]cluster.MemberState   `json:"db_nodes"`
	ObserverNodes map[string]cluster.ObservedState `json:"observer_nodes"`
	CurrentMaster string                           `json:"current_master"`
}

// observedWire is the wire representation of an ObservedState entry, since
// cluster.ObservedState excludes Members from its default JSON encoding
// (that field's wire shape is the flat top-level object served at
// GET /state.json, not something nested under "observer_nodes").
type observedWire struct {
	Connection bool                          `json:"connection"`
	FetchTime  string                        `json:"fetch_time"`
	Members    map[string]cluster.MemberState `json:"members,omitempty"`
}

// Write renders the snapshot and atomically replaces path's contents via a
// temp-file-then-rename.
func Write(path string, snapshot Snapshot) error {
	wire := struct {
		DBNodes       map[string]cluster.MemberState `json:"db_nodes"`
		ObserverNodes map[string]observedWire         `json:"observer_nodes"`
		CurrentMaster string                           `json:"current_master"`
	}{
		DBNodes:       snapshot.DBNodes,
		CurrentMaster: snapshot.CurrentMaster,
		ObserverNodes: make(map[string]observedWire, len(snapshot.ObserverNodes)),
	}
	for name, obs := range snapshot.ObserverNodes {
		wire.ObserverNodes[name] = observedWire{
			Connection: obs.Connection,
			FetchTime:  obs.FetchTime.UTC().Format("2006-01-02T15:04:05.000000Z"),
			Members:    obs.Members,
		}
	}

	data, err := json.MarshalIndent(wire, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal state snapshot: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp state file: %w", err)
	}
	return nil
}
