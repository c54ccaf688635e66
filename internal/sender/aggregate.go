package sender

import (
	"github.com/route-beacon/bgp-controld/internal/audit"
	"github.com/route-beacon/bgp-controld/internal/iface"
)

// Aggregate is the C6 fan-out wrapper hiding the existence of multiple
// Partitions from callers (design §4.6's BgpUpdateSender): Join/Leave
// apply to every partition, while a peer's overall registration/in-sync
// status is an any/all reduction across them.
//
// Aggregate satisfies internal/membership.SenderHook.
type Aggregate struct {
	partitions []*Partition
}

// NewAggregate builds an Aggregate with one Partition per DB partition
// index, each with queueCount queues per RibOut.
func NewAggregate(partitionCount, queueCount int) *Aggregate {
	a := &Aggregate{partitions: make([]*Partition, partitionCount)}
	for i := range a.partitions {
		a.partitions[i] = NewPartition(i, queueCount)
	}
	return a
}

// Partition returns the Partition at index, or nil if out of range.
func (a *Aggregate) Partition(index int) *Partition {
	if index < 0 || index >= len(a.partitions) {
		return nil
	}
	return a.partitions[index]
}

// PartitionCount returns the number of partitions.
func (a *Aggregate) PartitionCount() int { return len(a.partitions) }

// SetAuditSink wires the write-behind audit log (design §13) into every
// partition.
func (a *Aggregate) SetAuditSink(s *audit.Sink) {
	for _, p := range a.partitions {
		p.SetAuditSink(s)
	}
}

// Join registers peerIndex's RibOut membership on every partition (design
// §4.6's BgpUpdateSender::Join, invoked by membership.Manager's
// registerRib as peerIndex, the RibOut's own dense index, becomes valid).
func (a *Aggregate) Join(ribout iface.RibOut, peerIndex int) {
	peer := ribout.GetPeer(peerIndex)
	if peer == nil {
		return
	}
	for _, p := range a.partitions {
		p.Add(ribout, peer)
	}
}

// Leave unregisters peerIndex's RibOut membership on every partition.
func (a *Aggregate) Leave(ribout iface.RibOut, peerIndex int) {
	peer := ribout.GetPeer(peerIndex)
	if peer == nil {
		return
	}
	for _, p := range a.partitions {
		p.Remove(ribout, peer)
	}
}

// RibOutActive schedules a tail dequeue on one partition (design §4.6's
// BgpUpdateSender::RibOutActive — always scoped to the partition that
// produced the route, unlike Join/Leave/PeerSendReady).
func (a *Aggregate) RibOutActive(partitionIndex int, ribout iface.RibOut, queueID int) {
	if p := a.Partition(partitionIndex); p != nil {
		p.RibOutActive(ribout, queueID)
	}
}

// PeerSendReady marks peer send-ready on every partition.
func (a *Aggregate) PeerSendReady(peer iface.Peer) {
	for _, p := range a.partitions {
		p.PeerSendReady(peer)
	}
}

// PeerIsRegistered reports whether peer is registered in any partition.
func (a *Aggregate) PeerIsRegistered(peer iface.Peer) bool {
	for _, p := range a.partitions {
		if p.PeerIsRegistered(peer) {
			return true
		}
	}
	return false
}

// PeerInSync reports whether peer is in sync across every partition.
func (a *Aggregate) PeerInSync(peer iface.Peer) bool {
	for _, p := range a.partitions {
		if !p.PeerInSync(peer) {
			return false
		}
	}
	return true
}

// RunReadyWork drains every partition's work queue. Like each Partition's
// own RunReadyWork, not reentrant. It drains the partitions serially from
// the one calling goroutine (cmd/bgp-controld's sender loop, or a test),
// which is correct since each Partition's state is independent.
func (a *Aggregate) RunReadyWork() {
	for _, p := range a.partitions {
		p.RunReadyWork()
	}
}

// CheckInvariants reports whether every partition's invariants hold.
func (a *Aggregate) CheckInvariants() bool {
	for _, p := range a.partitions {
		if !p.CheckInvariants() {
			return false
		}
	}
	return true
}
