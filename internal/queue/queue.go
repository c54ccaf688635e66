// Package queue implements the per-(RibOut, QueueId) update queues of
// design §4.3: an ordered FIFO of route-update entries with an advancing
// tail marker, and a per-peer cursor recording how far each joined peer
// has drained toward that marker.
//
// The original keeps one shared marker node per synchronization group and
// merges peers onto it so a single list walk advances many peers at once.
// This implementation tracks one cursor per peer instead — simpler to
// reason about, and observationally equivalent for every property in
// design §8: a peer's cursor reaching the tail is exactly "in sync", and
// PeerDequeue/TailDequeue report blocked/unsynced peers the same way.
package queue

import (
	"github.com/route-beacon/bgp-controld/internal/bitset"
)

// Entry is one route update: the peers it targets and the attributes to
// send them. Entries are immutable once enqueued.
type Entry struct {
	id    int64
	Peers *bitset.Set
	Data  any // opaque payload handed to Sender; typically *attr.Attr or an encoded byte slice
}

// Sender is the minimal peer surface the queue needs to drain toward a
// peer: attempt to hand off one entry's payload, reporting whether it was
// accepted (true) or the peer is currently blocked (false).
type Sender interface {
	SendUpdate(peerIndex int, data any) bool
}

// Queue is one (RibOut, QueueId) FIFO.
type Queue struct {
	entries []*Entry
	baseID  int64
	nextID  int64
	peerPos map[int]int64
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{peerPos: make(map[int]int64)}
}

// Empty reports whether the queue currently holds no entries.
func (q *Queue) Empty() bool { return len(q.entries) == 0 }

// Join registers peerIndex at the current tail: a newly joined peer is
// "in sync" by definition until a future Enqueue moves the tail past it.
func (q *Queue) Join(peerIndex int) {
	q.peerPos[peerIndex] = q.nextID
}

// Leave forgets peerIndex's cursor.
func (q *Queue) Leave(peerIndex int) {
	delete(q.peerPos, peerIndex)
}

// Enqueue appends an entry targeting peers. It reports whether the queue
// was empty beforehand — the condition design §4.3 says must trigger
// RibOutActive.
func (q *Queue) Enqueue(peers *bitset.Set, data any) (becameNonEmpty bool) {
	becameNonEmpty = len(q.entries) == 0
	e := &Entry{id: q.nextID, Peers: peers, Data: data}
	q.nextID++
	q.entries = append(q.entries, e)
	return becameNonEmpty
}

// InSync reports whether peerIndex's cursor sits at the current tail.
func (q *Queue) InSync(peerIndex int) bool {
	pos, ok := q.peerPos[peerIndex]
	if !ok {
		return true
	}
	return pos >= q.nextID
}

func (q *Queue) entryAt(id int64) (*Entry, bool) {
	idx := id - q.baseID
	if idx < 0 || idx >= int64(len(q.entries)) {
		return nil, false
	}
	return q.entries[idx], true
}

func (q *Queue) drainOne(peerIndex int, sender Sender) (blocked bool) {
	pos, ok := q.peerPos[peerIndex]
	if !ok {
		pos = q.nextID
	}
	for pos < q.nextID {
		e, ok := q.entryAt(pos)
		if !ok {
			// Already trimmed: every live peer has passed this entry.
			pos++
			continue
		}
		if e.Peers.Test(peerIndex) {
			if !sender.SendUpdate(peerIndex, e.Data) {
				q.peerPos[peerIndex] = pos
				return true
			}
		}
		pos++
	}
	q.peerPos[peerIndex] = pos
	return false
}

// trim drops leading entries that every tracked peer has already passed,
// so the queue doesn't grow without bound while peers stay caught up.
func (q *Queue) trim() {
	for len(q.entries) > 0 {
		head := q.entries[0]
		for _, pos := range q.peerPos {
			if pos <= head.id {
				return
			}
		}
		q.entries = q.entries[1:]
		q.baseID++
	}
}

// TailDequeue drains every peer in msync toward the tail. It returns
// done=true if the queue was drained to the tail for every peer in msync
// (i.e. none blocked); blocked accumulates peers from msync that hit a
// blocked send. unsync is always empty under the per-peer-cursor model
// (see package doc) — kept as an explicit out-parameter to mirror design
// §4.3's signature for callers that assert on it.
func (q *Queue) TailDequeue(msync *bitset.Set, sender Sender, blocked, unsync *bitset.Set) (done bool) {
	done = true
	msync.ForEach(func(peerIndex int) {
		if q.drainOne(peerIndex, sender) {
			blocked.Set(peerIndex)
			done = false
		}
	})
	q.trim()
	return done
}

// PeerDequeue advances exactly peer. The return value reports whether
// peer reached the tail (true) or stopped short because it blocked.
// blocked is set when peer itself blocked.
func (q *Queue) PeerDequeue(peerIndex int, sender Sender, blocked *bitset.Set) (reachedTail bool) {
	wasBlocked := q.drainOne(peerIndex, sender)
	if wasBlocked {
		blocked.Set(peerIndex)
	}
	q.trim()
	return !wasBlocked
}
