// Package ribout implements the concrete RibOut of design §3/§6: the
// export side of a (Table, ExportPolicy) pair, owning a dense peer index
// space and, per partition, the update queues routes are pushed into.
package ribout

import (
	"github.com/route-beacon/bgp-controld/internal/attr"
	"github.com/route-beacon/bgp-controld/internal/bitset"
	"github.com/route-beacon/bgp-controld/internal/export"
	"github.com/route-beacon/bgp-controld/internal/iface"
	"github.com/route-beacon/bgp-controld/internal/queue"
	"github.com/route-beacon/bgp-controld/internal/ribid"
)

// UpdateNotifier is the sender-side hook a RibOut calls after pushing an
// entry onto a previously-empty queue (design §4.3/§4.5: "BgpExport...
// creates a WorkRibOut entry after adding a RouteUpdate to an empty
// UpdateQueue"). internal/sender.Aggregate and internal/sender.Partition
// both satisfy this structurally; kept as a local interface so this
// package never imports internal/sender.
type UpdateNotifier interface {
	RibOutActive(partitionIndex int, ribout iface.RibOut, queueID int)
}

// RibOut is the concrete implementation of iface.RibOut.
type RibOut struct {
	name       string
	policy     export.Policy
	peers      *ribid.IndexedMap[iface.PeerID, iface.Peer]
	partitions []*queue.Set
	notifier   UpdateNotifier
}

// New returns a RibOut for name/policy with queueCount queues per
// partition across partitionCount partitions. notifier may be nil, in
// which case enqueued updates are never announced to a sender (tests that
// drive queues directly don't need one).
func New(name string, policy export.Policy, partitionCount, queueCount int, notifier UpdateNotifier) *RibOut {
	r := &RibOut{
		name:       name,
		policy:     policy,
		peers:      ribid.New[iface.PeerID, iface.Peer](),
		partitions: make([]*queue.Set, partitionCount),
		notifier:   notifier,
	}
	for i := range r.partitions {
		r.partitions[i] = queue.NewSet(queueCount)
	}
	return r
}

// SetNotifier attaches or replaces the sender-side activity notifier after
// construction, for wiring orders where the Aggregate is built after its
// RibOuts.
func (r *RibOut) SetNotifier(notifier UpdateNotifier) { r.notifier = notifier }

func (r *RibOut) Name() string          { return r.name }
func (r *RibOut) Policy() export.Policy { return r.policy }
func (r *RibOut) PeerCount() int        { return r.peers.Len() }

// Register adds p to the RibOut's peer index space, assigning it the
// lowest free index, and joins it to every partition's queues at their
// current tail.
func (r *RibOut) Register(p iface.Peer) int {
	v, idx := r.peers.Locate(p.ID())
	*v = p
	for _, part := range r.partitions {
		part.Join(idx)
	}
	return idx
}

// Deactivate stops a peer from receiving further updates without
// releasing its index, used while a graceful-restart unregister walk is
// in flight.
func (r *RibOut) Deactivate(p iface.Peer) {
	idx, ok := r.peerIndex(p)
	if !ok {
		return
	}
	for _, part := range r.partitions {
		part.Leave(idx)
	}
}

// Unregister removes p from the peer index space and every partition's
// queues.
func (r *RibOut) Unregister(p iface.Peer) {
	idx, ok := r.peerIndex(p)
	if !ok {
		return
	}
	for _, part := range r.partitions {
		part.Leave(idx)
	}
	r.peers.Remove(p.ID(), idx)
}

func (r *RibOut) peerIndex(p iface.Peer) (int, bool) {
	_, idx, ok := r.peers.Find(p.ID())
	return idx, ok
}

func (r *RibOut) GetPeerIndex(p iface.Peer) (int, bool) { return r.peerIndex(p) }

func (r *RibOut) GetPeer(index int) iface.Peer {
	v := r.peers.At(index)
	if v == nil {
		return nil
	}
	return *v
}

// PeerIndices returns the set of currently registered peer indices.
func (r *RibOut) PeerIndices() *bitset.Set {
	s := bitset.New(0)
	for _, idx := range r.peers.Indices() {
		s.Set(idx)
	}
	return s
}

func (r *RibOut) Updates(partitionIndex int) *queue.Set {
	if partitionIndex < 0 || partitionIndex >= len(r.partitions) {
		return nil
	}
	return r.partitions[partitionIndex]
}

// Join runs the export filter for route against every peer in joinSet
// and enqueues the resulting UpdateInfo groups into every queue this
// route change touches. A newly joined peer's catch-up traffic and an
// ordinary route-change push both funnel through this same path — the
// only difference is which peer indices are passed in joinSet.
func (r *RibOut) Join(partitionIndex int, joinSet *bitset.Set, route *iface.RouteEntry) {
	r.export(partitionIndex, joinSet, route)
}

// Leave enqueues withdrawals (a nil-attribute Result) for the peers in
// leaveSet.
func (r *RibOut) Leave(partitionIndex int, leaveSet *bitset.Set, route *iface.RouteEntry) {
	set := r.Updates(partitionIndex)
	if set == nil || leaveSet.IsEmpty() {
		return
	}
	for qid := 0; qid < set.Count(); qid++ {
		if set.Queue(qid).Enqueue(leaveSet.Clone(), (*attr.Attr)(nil)) {
			r.notify(partitionIndex, qid)
		}
	}
}

// notify tells the attached sender that queueID on partitionIndex has gone
// from empty to non-empty, so it knows to schedule a tail dequeue.
func (r *RibOut) notify(partitionIndex, queueID int) {
	if r.notifier == nil {
		return
	}
	r.notifier.RibOutActive(partitionIndex, r, queueID)
}

func (r *RibOut) export(partitionIndex int, targetSet *bitset.Set, route *iface.RouteEntry) {
	set := r.Updates(partitionIndex)
	if set == nil || route == nil || route.Best == nil || targetSet.IsEmpty() {
		return
	}
	targets := make([]export.TargetPeer, 0, targetSet.Count())
	sourceIdx := -1
	targetSet.ForEach(func(idx int) {
		p := r.GetPeer(idx)
		if p == nil {
			return
		}
		targets = append(targets, export.TargetPeer{Index: idx, AS: p.AS(), LLGRCapable: p.LLGRCapable()})
	})
	for _, pi := range route.Paths {
		if pi.Path == route.Best {
			if idx, ok := r.peerIndex(pi.SourcePeer); ok {
				sourceIdx = idx
			}
			break
		}
	}
	results := export.Compute(export.Request{
		Policy:          r.policy,
		SourcePeerType:  sourcePeerType(route),
		SourcePeerIndex: sourceIdx,
		Path:            route.Best,
		Targets:         targets,
	})
	for _, res := range results {
		dest := bitset.New(0)
		for _, idx := range res.TargetIndices {
			dest.Set(idx)
		}
		// Queue 0 carries the primary route class; multi-queue policies
		// (e.g. separating RouteRefresh or EVPN type-2 traffic) route by
		// a queue-id derived from the route elsewhere in a fuller build.
		if set.Queue(0).Enqueue(dest, res.Attr) {
			r.notify(partitionIndex, 0)
		}
	}
}

func sourcePeerType(route *iface.RouteEntry) attr.PeerType {
	for _, pi := range route.Paths {
		if pi.Path == route.Best {
			return pi.SourcePeer.PeerType()
		}
	}
	return attr.PeerTypeIBGP
}
