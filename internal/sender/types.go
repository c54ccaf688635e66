// Package sender implements the Per-Partition Update Sender (C5) and its
// thin cross-partition fan-out wrapper (C6): draining the C3 update queues
// toward peers, tracking per-peer in-sync/send-ready/blocked state, and
// resuming a blocked peer's circular walk of its RibOuts exactly where it
// left off once the peer becomes send-ready again.
package sender

import (
	"github.com/route-beacon/bgp-controld/internal/bitset"
	"github.com/route-beacon/bgp-controld/internal/iface"
)

type workKind int

const (
	workRibOut workKind = iota
	workPeer
)

func (k workKind) String() string {
	switch k {
	case workRibOut:
		return "ribout"
	case workPeer:
		return "peer"
	default:
		return "unknown"
	}
}

// workItem is one pending unit of drain work: either "this (RibOut,
// QueueID) has new entries" or "this peer became send-ready". valid is
// cleared instead of removing the item in place when its target is torn
// down mid-queue, mirroring the original's WorkBase::valid tombstone.
type workItem struct {
	kind    workKind
	ribout  iface.RibOut
	queueID int
	peer    iface.Peer
	valid   bool
}

// peerRibState is per-(peer, RibOut) bookkeeping: which queue ids
// currently have unsent entries queued for this peer on this RibOut.
type peerRibState struct {
	qactive uint32
}

func (s *peerRibState) set(queueID int)    { s.qactive |= 1 << uint(queueID) }
func (s *peerRibState) clear(queueID int)  { s.qactive &^= 1 << uint(queueID) }
func (s *peerRibState) test(queueID int) bool { return s.qactive&(1<<uint(queueID)) != 0 }
func (s *peerRibState) empty() bool        { return s.qactive == 0 }

// peerState is partition-local state for one registered peer: the RibOuts
// it has joined (ribs, kept sorted by rib index for the circular resume
// walk), per-queue active-rib counts, and sync/send-ready flags.
type peerState struct {
	peer iface.Peer

	ribIndex  []int // sorted keys into Partition.ribs, mirrored from ribs map
	ribs      map[int]*peerRibState
	qactiveCt []int // per queue id, count of ribs with that queue active

	inSync    bool
	sendReady bool
	iterStart int // rib index to resume the circular walk from
}

func newPeerState(peer iface.Peer, queueCount int) *peerState {
	return &peerState{
		peer:      peer,
		ribs:      make(map[int]*peerRibState),
		qactiveCt: make([]int, queueCount),
		inSync:    true,
		sendReady: true,
	}
}

func (ps *peerState) addRib(ribIndex int) {
	ps.ribs[ribIndex] = &peerRibState{}
	ps.ribIndex = insertSorted(ps.ribIndex, ribIndex)
}

func (ps *peerState) removeRib(ribIndex int, queueCount int) {
	if prs, ok := ps.ribs[ribIndex]; ok {
		for q := 0; q < queueCount; q++ {
			if prs.test(q) {
				prs.clear(q)
				ps.qactiveCt[q]--
			}
		}
	}
	delete(ps.ribs, ribIndex)
	ps.ribIndex = removeSorted(ps.ribIndex, ribIndex)
}

func (ps *peerState) setQueueActive(ribIndex, queueID int) {
	prs := ps.ribs[ribIndex]
	if prs == nil {
		return
	}
	if !prs.test(queueID) {
		prs.set(queueID)
		ps.qactiveCt[queueID]++
	}
}

func (ps *peerState) setQueueInactive(ribIndex, queueID int) {
	prs := ps.ribs[ribIndex]
	if prs == nil {
		return
	}
	if prs.test(queueID) {
		prs.clear(queueID)
		ps.qactiveCt[queueID]--
	}
}

func (ps *peerState) empty() bool { return len(ps.ribs) == 0 }

func insertSorted(s []int, v int) []int {
	i := 0
	for i < len(s) && s[i] < v {
		i++
	}
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func removeSorted(s []int, v int) []int {
	for i, x := range s {
		if x == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

// ribState is partition-local state for one joined RibOut: the bitset of
// partition peer indices advertising it, and per-queue sync flags used to
// decide whether a tail dequeue still needs to run.
type ribState struct {
	ribout    iface.RibOut
	peers     *bitset.Set
	queueSync []bool
}

func newRibState(ribout iface.RibOut, queueCount int) *ribState {
	qs := make([]bool, queueCount)
	for i := range qs {
		qs[i] = true
	}
	return &ribState{ribout: ribout, peers: bitset.New(0), queueSync: qs}
}

func (rs *ribState) empty() bool { return rs.peers.IsEmpty() }
