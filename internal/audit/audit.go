// Package audit is the design §13 write-behind audit log: membership
// lifecycle events are pushed onto a buffered channel and drained by a
// single goroutine that batches inserts into Postgres, mirroring the
// teacher's internal/history.Writer shape.
package audit

import (
	"encoding/json"
	"time"

	"github.com/route-beacon/bgp-controld/internal/iface"
)

// Kind identifies one of the §13 membership lifecycle event types.
type Kind string

const (
	PeerRegistered   Kind = "peer_registered"
	PeerUnregistered Kind = "peer_unregistered"
	WalkStarted      Kind = "walk_started"
	WalkCompleted    Kind = "walk_completed"
	PeerBlocked      Kind = "peer_blocked"
	PeerUnblocked    Kind = "peer_unblocked"
	SendReadySync    Kind = "send_ready_sync"
)

// Event is one audit record. Detail is kind-specific and JSON-marshaled
// into the row payload; Table and PartitionIndex are omitted from the
// payload when not meaningful for Kind.
type Event struct {
	Kind           Kind
	PeerID         iface.PeerID
	Table          string
	PartitionIndex int
	Detail         map[string]any
}

type eventPayload struct {
	Time           time.Time      `json:"time"`
	Kind           Kind           `json:"kind"`
	PeerID         string         `json:"peer_id"`
	Table          string         `json:"table,omitempty"`
	PartitionIndex int            `json:"partition_index,omitempty"`
	Detail         map[string]any `json:"detail,omitempty"`
}

func marshalEvent(ev Event, t time.Time) ([]byte, error) {
	return json.Marshal(eventPayload{
		Time:           t,
		Kind:           ev.Kind,
		PeerID:         string(ev.PeerID),
		Table:          ev.Table,
		PartitionIndex: ev.PartitionIndex,
		Detail:         ev.Detail,
	})
}
