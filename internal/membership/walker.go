package membership

import (
	"time"

	"github.com/route-beacon/bgp-controld/internal/audit"
	"github.com/route-beacon/bgp-controld/internal/bitset"
	"github.com/route-beacon/bgp-controld/internal/iface"
	"github.com/route-beacon/bgp-controld/internal/metrics"
	"go.uber.org/zap"
)

// ribOutBatch is the per-RibOut join/leave bitset derived for one walk,
// design §4.4 step 2's RibOutStateMap entry.
type ribOutBatch struct {
	join  *bitset.Set
	leave *bitset.Set
}

// walkBatch is everything one RunReadyWalks iteration needs for one
// RibState: the snapshotted pending edges, the derived per-RibOut
// join/leave sets, and the peers whose RIBIN requires a per-path
// callback.
type walkBatch struct {
	rs       *RibState
	edges    []*PeerRibState
	ribouts  map[iface.RibOut]*ribOutBatch
	peerList []*PeerRibState
}

// RunReadyWalks drains the walk FIFO, processing one RibState at a time
// to completion before starting the next — design §4.4's "the Walker
// processes RIBs strictly one at a time". Safe to call from exactly one
// goroutine at a time; production wiring is responsible for that
// (cmd/bgp-controld calls it from one goroutine on a fixed ticker). Tests call
// it directly for deterministic, synchronous control over exactly which
// requests land in the same walk.
func (m *Manager) RunReadyWalks() {
	for {
		m.mu.Lock()
		if len(m.fifo) == 0 {
			m.mu.Unlock()
			return
		}
		rs := m.fifo[0]
		m.fifo = m.fifo[1:]
		rs.queued = false

		batch := m.snapshotBatch(rs)
		table := rs.Table.Name()
		m.mu.Unlock()

		start := time.Now()
		m.runWalk(batch)
		metrics.MembershipWalkDuration.WithLabelValues(table).Observe(time.Since(start).Seconds())
	}
}

// snapshotBatch implements design §4.4 step 2: snapshot the RibState's
// pending set, partition it into per-RibOut join/leave bitsets and a
// per-path peer list, then clear the pending set so new requests land in
// the next batch. Called with m.mu held.
func (m *Manager) snapshotBatch(rs *RibState) *walkBatch {
	b := &walkBatch{rs: rs, ribouts: make(map[iface.RibOut]*ribOutBatch)}
	for _, prs := range rs.Pending {
		b.edges = append(b.edges, prs)
		switch prs.Action {
		case ActionRibOutAdd:
			rb := b.ribOut(prs.Ribout)
			rb.join.Set(prs.RiboutIndex)
		case ActionRibInDeleteRibOutDelete:
			if prs.Ribout != nil {
				rb := b.ribOut(prs.Ribout)
				rb.leave.Set(prs.RiboutIndex)
			}
		case ActionRibInWalk:
			b.peerList = append(b.peerList, prs)
		case ActionRibInWalkRibOutDelete:
			b.peerList = append(b.peerList, prs)
			if prs.Ribout != nil {
				rb := b.ribOut(prs.Ribout)
				rb.leave.Set(prs.RiboutIndex)
			}
		}
	}
	rs.Pending = make(map[iface.PeerID]*PeerRibState)
	rs.Walks++
	metrics.MembershipWalksTotal.WithLabelValues(rs.Table.Name()).Inc()
	m.logger.Debug("walk scheduled", zap.String("table", rs.Table.Name()), zap.Int("edges", len(b.edges)))
	m.audit.Record(audit.Event{Kind: audit.WalkStarted, Table: rs.Table.Name(), Detail: map[string]any{"edges": len(b.edges)}})
	return b
}

func (b *walkBatch) ribOut(r iface.RibOut) *ribOutBatch {
	rb, ok := b.ribouts[r]
	if !ok {
		rb = &ribOutBatch{join: bitset.New(0), leave: bitset.New(0)}
		b.ribouts[r] = rb
	}
	return rb
}

// runWalk invokes the table's walker for one batch, then finishes it.
// Table.AllocWalker/WalkTable run the entry callback once per route,
// matching design §4.4 step 3; doneCB (step 4) runs WalkFinish (step 5).
func (m *Manager) runWalk(b *walkBatch) {
	entryCB := func(partitionIndex int, route *iface.RouteEntry) {
		for ribout, rb := range b.ribouts {
			if !rb.join.IsEmpty() {
				ribout.Join(partitionIndex, rb.join, route)
			}
			if !rb.leave.IsEmpty() {
				ribout.Leave(partitionIndex, rb.leave, route)
			}
		}
		notify := false
		for _, prs := range b.peerList {
			for _, pi := range route.Paths {
				if pi.Path.Secondary {
					continue
				}
				if pi.SourcePeer != prs.Peer {
					continue
				}
				if prs.Peer.MembershipPathCallback(partitionIndex, route.Key, pi.Path) {
					notify = true
				}
			}
		}
		_ = notify // InputCommonPostProcess is table-internal and out of scope (design §9 open question); the notify OR is preserved up to this boundary.
	}

	ref := b.rs.Table.AllocWalker(entryCB, func() { m.walkFinish(b) })
	b.rs.Table.WalkTable(ref)
	b.rs.Table.ReleaseWalker(ref)
}

// walkFinish implements design §4.4 step 5: post the appropriate
// *_COMPLETE handling per edge, release the walker, and (handled by the
// caller loop) let RunReadyWalks move on to the next queued RibState.
func (m *Manager) walkFinish(b *walkBatch) {
	var completed []*PeerRibState
	for _, prs := range b.edges {
		m.mu.Lock()
		action := prs.Action
		switch prs.Action {
		case ActionRibOutAdd:
			prs.Action = ActionNone
		case ActionRibInDeleteRibOutDelete:
			if prs.Ribout != nil {
				prs.Ribout.Unregister(prs.Peer)
			}
			prs.RiboutRegistered = false
			prs.RibinRegistered = false
			prs.Ribout = nil
			prs.RiboutIndex = -1
			prs.Action = ActionNone
			prs.SubscriptionGenID = 0
		case ActionRibInWalk:
			prs.Action = ActionNone
		case ActionRibInWalkRibOutDelete:
			if prs.Ribout != nil {
				prs.Ribout.Unregister(prs.Peer)
			}
			prs.RiboutRegistered = false
			prs.Ribout = nil
			prs.RiboutIndex = -1
			prs.Action = ActionNone
		}
		m.destroyIfEmptyLocked(prs)
		m.jobsCompleted++
		m.mu.Unlock()
		metrics.MembershipJobsTotal.WithLabelValues(action.String()).Inc()
		completed = append(completed, prs)
	}
	for _, prs := range completed {
		m.logger.Debug("walk finished", zap.String("table", prs.Table.Name()), zap.String("peer", string(prs.Peer.ID())))
		m.audit.Record(audit.Event{Kind: audit.WalkCompleted, PeerID: prs.Peer.ID(), Table: prs.Table.Name()})
		prs.Peer.MembershipRequestCallback(prs.Table)
	}
}

// SetLogger swaps the manager's logger (used by callers that construct
// Manager before their logging stack is wired up).
func (m *Manager) SetLogger(l *zap.Logger) {
	if l == nil {
		return
	}
	m.logger = l
}
