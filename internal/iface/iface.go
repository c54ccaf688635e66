// Package iface defines the external collaborator surfaces design §6
// names: Peer and Table (and the RibOut a Table hands back), the
// boundary the membership and sender packages consume but never
// implement. Production callers satisfy these with real BGP/XMPP session
// objects and RIB tables; tests satisfy them with fakes.
package iface

import (
	"github.com/route-beacon/bgp-controld/internal/attr"
	"github.com/route-beacon/bgp-controld/internal/bitset"
	"github.com/route-beacon/bgp-controld/internal/export"
	"github.com/route-beacon/bgp-controld/internal/queue"
)

// PeerID identifies a Peer across the membership and sender packages. It
// must be stable for the life of a session.
type PeerID string

// Peer is design §6's consumed Peer interface.
type Peer interface {
	ID() PeerID
	IsReady() bool
	SendReady() bool
	IsXMPP() bool
	PeerType() attr.PeerType
	AS() uint32
	LLGRCapable() bool
	InGRTimerWaitState() bool

	// SendUpdate hands an already-computed attribute set to the peer's
	// outbound session. true means accepted (queued for write); false
	// means the socket is currently not writable.
	SendUpdate(data any) bool

	// MembershipRequestCallback fires once a Register/Unregister/WalkRibIn
	// request against table has been fully applied (§4.4).
	MembershipRequestCallback(table Table)

	// MembershipPathCallback fires once per matching path during a
	// RIBIN_WALK (§4.4 step 3); its OR'd return becomes the notify flag
	// passed to InputCommonPostProcess.
	MembershipPathCallback(partition int, routeKey string, path *attr.BestPath) bool
}

// WalkRef opaquely identifies an allocated table walker; only the Table
// implementation that issued it interprets the value.
type WalkRef any

// PathInfo is one path on a route, attributed to the peer that
// originated it — the unit the Walker's RIBIN_WALK step iterates.
type PathInfo struct {
	SourcePeer Peer
	Path       *attr.BestPath
}

// RouteEntry is the per-route view the Walker's table-walk callback
// receives: the table's current best path plus every path on the route
// (for the RIBIN_WALK per-path callback).
type RouteEntry struct {
	Key   string
	Best  *attr.BestPath
	Paths []PathInfo
}

// EntryCallback runs once per route during a table walk, in the table's
// own walking task (design §5's db::DBTable).
type EntryCallback func(partitionIndex int, route *RouteEntry)

// DoneCallback runs once a table walk has visited every partition,
// in the table's own walker-done task (design §5's db::Walker).
type DoneCallback func()

// Table is design §6's consumed Table interface.
type Table interface {
	Name() string
	IsDeleted() bool
	PartitionCount() int
	AllocWalker(entryCB EntryCallback, doneCB DoneCallback) WalkRef
	WalkTable(ref WalkRef)
	ReleaseWalker(ref WalkRef)
	RibOutLocate(policy export.Policy) RibOut
}

// RibOut is design §6's consumed/partly-owned RibOut interface: the
// export side of a (Table, ExportPolicy) pair.
type RibOut interface {
	Name() string
	Policy() export.Policy

	Register(p Peer) int
	Deactivate(p Peer)
	Unregister(p Peer)
	GetPeerIndex(p Peer) (int, bool)
	GetPeer(index int) Peer
	PeerIndices() *bitset.Set

	// Join computes and enqueues catch-up updates for route addressed to
	// the peers in joinSet (§4.4 step 3's RibOutStateMap.join); Leave
	// enqueues withdrawals for leaveSet.
	Join(partitionIndex int, joinSet *bitset.Set, route *RouteEntry)
	Leave(partitionIndex int, leaveSet *bitset.Set, route *RouteEntry)

	Updates(partitionIndex int) *queue.Set
}
