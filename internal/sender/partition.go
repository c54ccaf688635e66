package sender

import (
	"strconv"
	"sync"

	"github.com/route-beacon/bgp-controld/internal/audit"
	"github.com/route-beacon/bgp-controld/internal/bitset"
	"github.com/route-beacon/bgp-controld/internal/iface"
	"github.com/route-beacon/bgp-controld/internal/invariant"
	"github.com/route-beacon/bgp-controld/internal/metrics"
	"github.com/route-beacon/bgp-controld/internal/ribid"
)

// Partition is one DB-partition's worth of update-sender state (design
// §4.5/C5): a work queue of pending (RibOut,QueueID) and peer drains, and
// the peer/rib bookkeeping needed to run them.
//
// Like internal/membership.Manager, Partition has no background goroutine.
// RibOutActive/PeerSendReady only enqueue work; RunReadyWork is the
// explicit pump that drains it. cmd/bgp-controld reaches it through
// Aggregate.RunReadyWork from one sender-loop goroutine; tests call it
// directly for deterministic control over exactly what lands in one drain
// pass.
type Partition struct {
	mu sync.Mutex

	index      int
	queueCount int

	peers *ribid.IndexedMap[iface.PeerID, peerState]
	ribs  *ribid.IndexedMap[iface.RibOut, ribState]

	work []*workItem

	audit *audit.Sink
}

// SetAuditSink wires the write-behind audit log (design §13). A nil sink
// (the default) means audit events are simply not recorded.
func (p *Partition) SetAuditSink(s *audit.Sink) {
	p.audit = s
}

// NewPartition returns an empty Partition for the given DB partition index
// with queueCount queues per RibOut (design §10's Sender.QueueCount).
func NewPartition(index, queueCount int) *Partition {
	return &Partition{
		index:      index,
		queueCount: queueCount,
		peers:      ribid.New[iface.PeerID, peerState](),
		ribs:       ribid.New[iface.RibOut, ribState](),
	}
}

func (p *Partition) Index() int { return p.index }

// Add registers the (RibOut, Peer) pair, creating the RibState/PeerState
// as needed (design §4.5's BgpSenderPartition::Add).
func (p *Partition) Add(ribout iface.RibOut, peer iface.Peer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rs, ribIdx := p.ribs.Locate(ribout)
	if rs.ribout == nil {
		*rs = *newRibState(ribout, p.queueCount)
	}
	ps, peerIdx := p.peers.Locate(peer.ID())
	if ps.peer == nil {
		*ps = *newPeerState(peer, p.queueCount)
	}

	rs.peers.Set(peerIdx)
	ps.addRib(ribIdx)
}

// Remove undoes Add, tearing down the RibState/PeerState if they become
// empty and tombstoning any queued work for them (design §4.5's
// BgpSenderPartition::Remove).
func (p *Partition) Remove(ribout iface.RibOut, peer iface.Peer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rs, ribIdx, ok := p.ribs.Find(ribout)
	invariant.Check(ok, "sender.Remove: ribout not registered in partition %d", p.index)
	ps, peerIdx, ok := p.peers.Find(peer.ID())
	invariant.Check(ok, "sender.Remove: peer %s not registered in partition %d", peer.ID(), p.index)

	rs.peers.Clear(peerIdx)
	ps.removeRib(ribIdx, p.queueCount)

	if rs.empty() {
		p.invalidateRibOutWork(ribout)
		p.ribs.Remove(ribout, ribIdx)
	}
	if ps.empty() {
		p.invalidatePeerWork(peer)
		p.peers.Remove(peer.ID(), peerIdx)
	}
}

// RibOutActive schedules a tail dequeue for (ribout, queueID) — called
// when an Enqueue onto a previously-empty queue needs draining.
func (p *Partition) RibOutActive(ribout iface.RibOut, queueID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.work = append(p.work, &workItem{kind: workRibOut, ribout: ribout, queueID: queueID, valid: true})
}

// PeerSendReady marks peer send-ready again and schedules its resume
// drain, if it wasn't already send-ready.
func (p *Partition) PeerSendReady(peer iface.Peer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ps, _, ok := p.peers.Find(peer.ID())
	if !ok {
		return
	}
	if ps.sendReady {
		return
	}
	ps.sendReady = true
	p.work = append(p.work, &workItem{kind: workPeer, peer: peer, valid: true})
	p.audit.Record(audit.Event{Kind: audit.PeerUnblocked, PeerID: peer.ID(), PartitionIndex: p.index})
}

func (p *Partition) invalidateRibOutWork(ribout iface.RibOut) {
	for _, w := range p.work {
		if w.kind == workRibOut && w.ribout == ribout {
			w.valid = false
		}
	}
}

func (p *Partition) invalidatePeerWork(peer iface.Peer) {
	for _, w := range p.work {
		if w.kind == workPeer && w.peer == peer {
			w.valid = false
		}
	}
}

// PeerIsSendReady reports peer's last-known send-ready state.
func (p *Partition) PeerIsSendReady(peer iface.Peer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ps, _, ok := p.peers.Find(peer.ID())
	return ok && ps.sendReady
}

// PeerIsRegistered reports whether peer has at least one RibOut joined in
// this partition.
func (p *Partition) PeerIsRegistered(peer iface.Peer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _, ok := p.peers.Find(peer.ID())
	return ok
}

// PeerInSync reports whether peer has fully drained every queue of every
// RibOut it has joined in this partition.
func (p *Partition) PeerInSync(peer iface.Peer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ps, _, ok := p.peers.Find(peer.ID())
	return ok && ps.inSync
}

// RunReadyWork drains the work queue to completion, processing one item at
// a time (design §4.5's Worker::Run). Not reentrant: a Partition's
// RunReadyWork must only ever be called from one goroutine.
func (p *Partition) RunReadyWork() {
	for {
		p.mu.Lock()
		if len(p.work) == 0 {
			p.mu.Unlock()
			return
		}
		w := p.work[0]
		p.work = p.work[1:]
		p.mu.Unlock()

		if !w.valid {
			continue
		}
		metrics.SenderWorkItemsTotal.WithLabelValues(strconv.Itoa(p.index), w.kind.String()).Inc()
		switch w.kind {
		case workRibOut:
			p.updateRibOut(w.ribout, w.queueID)
		case workPeer:
			p.updatePeer(w.peer)
		}
	}
}

// updateRibOut drains (ribout, queueID)'s queue toward every in-sync peer,
// design §4.5's UpdateRibOut.
func (p *Partition) updateRibOut(ribout iface.RibOut, queueID int) {
	p.mu.Lock()
	rs, ribIdx, ok := p.ribs.Find(ribout)
	if !ok {
		p.mu.Unlock()
		return
	}
	msync := p.buildSyncBitSet(ribout, rs, ribIdx, queueID)
	p.mu.Unlock()

	blocked, unsync := bitset.New(0), bitset.New(0)
	q := ribout.Updates(p.index).Queue(queueID)
	done := q.TailDequeue(msync, ribOutSender{ribout}, blocked, unsync)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.setSendBlocked(ribout, rs, queueID, blocked)
	p.setQueueActive(ribout, queueID, unsync)
	if !done {
		rs.queueSync[queueID] = false
	}
}

// buildSyncBitSet converts the partition-local in-sync peer set for rs
// into a RibOut-local peer-index bitset (design §4.5's BuildSyncBitSet).
//
// A peer found to have gone not-send-ready here is also marked qactive for
// (ribIdx, queueID) directly: the original relies on the queue's shared
// tail marker splitting such a peer off into the "munsync" set returned by
// TailDequeue, but this package's per-peer-cursor queue (internal/queue)
// has no such split to report, so the active bit is set at the point of
// transition instead, which reaches the same end state.
// Called with p.mu held.
func (p *Partition) buildSyncBitSet(ribout iface.RibOut, rs *ribState, ribIdx, queueID int) *bitset.Set {
	msync := bitset.New(0)
	rs.peers.ForEach(func(partitionPeerIdx int) {
		ps := p.peers.At(partitionPeerIdx)
		if ps == nil || !ps.inSync {
			return
		}
		if ps.peer.SendReady() {
			if rix, ok := ribout.GetPeerIndex(ps.peer); ok {
				msync.Set(rix)
			}
			return
		}
		ps.inSync = false
		ps.sendReady = false
		ps.setQueueActive(ribIdx, queueID)
	})
	return msync
}

// setSendBlocked marks every peer in blocked (RibOut-local indices) as
// send-blocked on (ribout, queueID). Called with p.mu held.
func (p *Partition) setSendBlocked(ribout iface.RibOut, rs *ribState, queueID int, blocked *bitset.Set) {
	_, ribOutIdx, ribOK := p.ribs.Find(ribout)
	if !ribOK {
		return
	}
	blocked.ForEach(func(riboutPeerIdx int) {
		peer := ribout.GetPeer(riboutPeerIdx)
		if peer == nil {
			return
		}
		ps, _, ok := p.peers.Find(peer.ID())
		if !ok {
			return
		}
		ps.setQueueActive(ribOutIdx, queueID)
		ps.inSync = false
		ps.sendReady = false
		p.audit.Record(audit.Event{Kind: audit.PeerBlocked, PeerID: peer.ID(), PartitionIndex: p.index})
	})
}

// setQueueActive marks every peer in unsync (RibOut-local indices) as
// having (ribout, queueID) active, without touching sync/send-ready
// (design §4.5's SetQueueActive(ribout, rs, queueID, munsync) overload).
// Called with p.mu held.
func (p *Partition) setQueueActive(ribout iface.RibOut, queueID int, unsync *bitset.Set) {
	_, ribOutIdx, ok := p.ribs.Find(ribout)
	if !ok {
		return
	}
	unsync.ForEach(func(riboutPeerIdx int) {
		peer := ribout.GetPeer(riboutPeerIdx)
		if peer == nil {
			return
		}
		ps, _, ok := p.peers.Find(peer.ID())
		if !ok {
			return
		}
		ps.setQueueActive(ribOutIdx, queueID)
	})
}

// updatePeerQueue walks peer's joined RibOuts circularly starting where it
// last left off, draining queueID on each one with an active bit set,
// until it completes a full cycle or peer blocks (design §4.5's
// UpdatePeerQueue). Returns false if peer blocked partway through.
func (p *Partition) updatePeerQueue(peer iface.Peer, ps *peerState, queueID int) bool {
	keys := ps.ribIndex
	if len(keys) == 0 {
		return true
	}
	start := 0
	for i, k := range keys {
		if k >= ps.iterStart {
			start = i
			break
		}
	}
	for count := 0; count < len(keys); count++ {
		ribIdx := keys[(start+count)%len(keys)]
		prs := ps.ribs[ribIdx]
		if prs == nil || !prs.test(queueID) {
			continue
		}
		rs := p.ribs.At(ribIdx)
		if rs == nil {
			continue
		}
		ribout := rs.ribout

		p.mu.Unlock()
		riboutPeerIdx, hasIdx := ribout.GetPeerIndex(peer)
		blocked := bitset.New(0)
		var done bool
		if hasIdx {
			q := ribout.Updates(p.index).Queue(queueID)
			done = q.PeerDequeue(riboutPeerIdx, ribOutSender{ribout}, blocked)
		} else {
			done = true
		}
		p.mu.Lock()

		p.setSendBlocked(ribout, rs, queueID, blocked)

		if ps.sendReady {
			invariant.Check(done, "sender: peer reported send-ready but did not reach the queue tail")
			ps.setQueueInactive(ribIdx, queueID)
		} else {
			ps.iterStart = ribIdx
			return false
		}
	}
	return true
}

// updatePeer drains every active queue for peer until it is fully caught
// up or blocks (design §4.5's UpdatePeer).
func (p *Partition) updatePeer(peer iface.Peer) {
	p.mu.Lock()
	ps, _, ok := p.peers.Find(peer.ID())
	if !ok {
		p.mu.Unlock()
		return
	}
	if !ps.sendReady {
		p.mu.Unlock()
		return
	}
	if !peer.SendReady() {
		ps.sendReady = false
		p.mu.Unlock()
		return
	}

	for qid := p.queueCount - 1; qid >= 0; qid-- {
		if ps.qactiveCt[qid] == 0 {
			continue
		}
		if !p.updatePeerQueue(peer, ps, qid) {
			p.mu.Unlock()
			return
		}
	}
	if !ps.sendReady {
		p.mu.Unlock()
		return
	}

	ps.inSync = true
	for qid := p.queueCount - 1; qid >= 0; qid-- {
		p.setQueueSync(ps, qid)
	}
	p.mu.Unlock()
	p.audit.Record(audit.Event{Kind: audit.SendReadySync, PeerID: peer.ID(), PartitionIndex: p.index})
}

// setQueueSync marks every RibOut the peer has joined as in-sync for
// queueID, scheduling a tail dequeue for any that weren't already (design
// §4.5's SetQueueSync). Called with p.mu held.
func (p *Partition) setQueueSync(ps *peerState, queueID int) {
	for _, ribIdx := range ps.ribIndex {
		rs := p.ribs.At(ribIdx)
		if rs == nil || rs.queueSync[queueID] {
			continue
		}
		rs.queueSync[queueID] = true
		ribout := rs.ribout
		p.work = append(p.work, &workItem{kind: workRibOut, ribout: ribout, queueID: queueID, valid: true})
	}
}

// CheckInvariants verifies the cross-linkage between peers and ribs holds
// (design §4.5's CheckInvariants), returning false instead of panicking —
// used by tests and by cmd/bgp-controld's sender loop after every drain
// pass, not inline mutation guards (those use internal/invariant.Check
// directly).
func (p *Partition) CheckInvariants() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	ribPeerCount, peerRibCount := 0, 0
	for _, ribIdx := range p.ribs.Indices() {
		rs := p.ribs.At(ribIdx)
		ok := true
		rs.peers.ForEach(func(peerIdx int) {
			ps := p.peers.At(peerIdx)
			if ps == nil {
				ok = false
				return
			}
			if _, has := ps.ribs[ribIdx]; !has {
				ok = false
			}
			ribPeerCount++
		})
		if !ok {
			return false
		}
	}
	for _, peerIdx := range p.peers.Indices() {
		ps := p.peers.At(peerIdx)
		for _, ct := range ps.qactiveCt {
			if ct > len(ps.ribs) {
				return false
			}
		}
		for ribIdx := range ps.ribs {
			rs := p.ribs.At(ribIdx)
			if rs == nil || !rs.peers.Test(peerIdx) {
				return false
			}
			peerRibCount++
		}
	}
	return ribPeerCount == peerRibCount
}

// WorkQueueDepth returns the number of not-yet-tombstoned work items
// still pending, for the §12 sender_work_queue_depth gauge.
func (p *Partition) WorkQueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.work {
		if w.valid {
			n++
		}
	}
	return n
}

// BlockedPeerCount returns the number of registered peers currently not
// in sync, for the §12 sender_blocked_peers gauge.
func (p *Partition) BlockedPeerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, idx := range p.peers.Indices() {
		if !p.peers.At(idx).inSync {
			n++
		}
	}
	return n
}

// InSyncPeerCount returns the number of registered peers currently in
// sync, for the §12 sender_in_sync_peers gauge.
func (p *Partition) InSyncPeerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, idx := range p.peers.Indices() {
		if p.peers.At(idx).inSync {
			n++
		}
	}
	return n
}

// ribOutSender adapts iface.RibOut to queue.Sender, translating a queue
// drain's RibOut-local peer index into the actual SendUpdate call.
type ribOutSender struct {
	ribout iface.RibOut
}

func (s ribOutSender) SendUpdate(peerIndex int, data any) bool {
	peer := s.ribout.GetPeer(peerIndex)
	if peer == nil {
		return true
	}
	return peer.SendUpdate(data)
}
