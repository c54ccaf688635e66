// Package membership implements the Peer-RIB Membership Manager of
// design §4.4 (C4): the state machine reconciling Register/Unregister/
// WalkRibIn/UnregisterRibOut requests with table walks and RibOut
// listener lifecycle, under the strict one-action-in-flight-per-edge
// rule of design §3.
package membership

import (
	"github.com/route-beacon/bgp-controld/internal/export"
	"github.com/route-beacon/bgp-controld/internal/iface"
)

// Action is the single in-flight transition a PeerRibState may have
// queued, per design §3.
type Action int

const (
	ActionNone Action = iota
	ActionRibOutAdd
	ActionRibInDelete
	ActionRibInWalk
	ActionRibInWalkRibOutDelete
	ActionRibInDeleteRibOutDelete
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionRibOutAdd:
		return "ribout-add"
	case ActionRibInDelete:
		return "ribin-delete"
	case ActionRibInWalk:
		return "ribin-walk"
	case ActionRibInWalkRibOutDelete:
		return "ribin-walk-ribout-delete"
	case ActionRibInDeleteRibOutDelete:
		return "ribin-delete-ribout-delete"
	default:
		return "unknown"
	}
}

// PeerRibState is the edge (Peer, Rib) of design §3.
type PeerRibState struct {
	Peer   iface.Peer
	Table  iface.Table
	Policy export.Policy

	RibinRegistered  bool
	RiboutRegistered bool
	Ribout           iface.RibOut
	RiboutIndex      int

	Action            Action
	InstanceID        int
	SubscriptionGenID uint64

	rib *RibState
}

// empty reports whether the edge carries no registration at all, the
// condition under which it (and possibly its owning PeerState/RibState)
// is destroyed.
func (p *PeerRibState) empty() bool {
	return !p.RibinRegistered && !p.RiboutRegistered && p.Action == ActionNone
}

// PeerState is per-Peer: the set of Ribs it has an edge with, design §3.
type PeerState struct {
	Peer iface.Peer
	Ribs map[string]*PeerRibState // keyed by Table.Name()
}

// RibState is per-Rib: its regular member set, its pending batch for the
// next walk, and lifetime counters, design §3.
type RibState struct {
	Table   iface.Table
	Members map[iface.PeerID]*PeerRibState
	Pending map[iface.PeerID]*PeerRibState

	Requests int
	Walks    int

	queued bool // already sitting in the walk FIFO
}

func (r *RibState) empty() bool {
	return len(r.Members) == 0 && len(r.Pending) == 0
}
