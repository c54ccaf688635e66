package membership

import (
	"sync"

	"github.com/route-beacon/bgp-controld/internal/audit"
	"github.com/route-beacon/bgp-controld/internal/export"
	"github.com/route-beacon/bgp-controld/internal/iface"
	"github.com/route-beacon/bgp-controld/internal/invariant"
	"go.uber.org/zap"
)

// SenderHook is the C5/C6 surface the Manager drives on every RibOut
// registration/unregistration, design §5's "read/write C5 maps via
// Add/Remove" note. Kept as a narrow interface so membership never
// imports the sender package directly.
type SenderHook interface {
	Join(ribout iface.RibOut, peerIndex int)
	Leave(ribout iface.RibOut, peerIndex int)
}

// Manager is design §4.4's BgpMembershipManager (C4). All mutation is
// meant to run on one logical task; production callers get that by
// calling only RunReadyWalks (never concurrently) and by routing the
// register/unregister entry points through their own single-writer
// scheduling if they call them from multiple goroutines. Tests get it
// for free by calling everything from one goroutine and never starting
// a pump.
type Manager struct {
	mu sync.RWMutex

	peers map[iface.PeerID]*PeerState
	ribs  map[string]*RibState
	fifo  []*RibState

	sender SenderHook
	logger *zap.Logger
	audit  *audit.Sink

	jobsCompleted int
}

// New returns an empty Manager. sender may be nil in tests that only
// exercise C4 in isolation.
func New(sender SenderHook, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		peers:  make(map[iface.PeerID]*PeerState),
		ribs:   make(map[string]*RibState),
		sender: sender,
		logger: logger,
	}
}

// SetAuditSink wires the write-behind audit log (design §13). A nil sink
// (the default) means audit events are simply not recorded.
func (m *Manager) SetAuditSink(s *audit.Sink) {
	m.audit = s
}

func (m *Manager) getOrCreateEdge(peer iface.Peer, table iface.Table) *PeerRibState {
	ps, ok := m.peers[peer.ID()]
	if !ok {
		ps = &PeerState{Peer: peer, Ribs: make(map[string]*PeerRibState)}
		m.peers[peer.ID()] = ps
	}
	rs, ok := m.ribs[table.Name()]
	if !ok {
		rs = &RibState{Table: table, Members: make(map[iface.PeerID]*PeerRibState), Pending: make(map[iface.PeerID]*PeerRibState)}
		m.ribs[table.Name()] = rs
	}
	prs, ok := ps.Ribs[table.Name()]
	if !ok {
		prs = &PeerRibState{Peer: peer, Table: table, RiboutIndex: -1, rib: rs}
		ps.Ribs[table.Name()] = prs
		rs.Members[peer.ID()] = prs
	}
	return prs
}

func (m *Manager) enqueueWalk(rs *RibState) {
	if rs.queued {
		return
	}
	rs.queued = true
	m.fifo = append(m.fifo, rs)
}

// Register sets ribin_registered and schedules the RibOut registration +
// catch-up walk (design §4.4).
func (m *Manager) Register(peer iface.Peer, table iface.Table, policy export.Policy, instanceID int) {
	m.mu.Lock()
	prs := m.getOrCreateEdge(peer, table)
	invariant.Check(prs.Action == ActionNone, "Register: action %s already in flight for peer=%s table=%s", prs.Action, peer.ID(), table.Name())
	prs.RibinRegistered = true
	prs.Action = ActionRibOutAdd
	prs.Policy = policy
	prs.InstanceID = instanceID
	prs.rib.Requests++
	m.mu.Unlock()

	m.audit.Record(audit.Event{Kind: audit.PeerRegistered, PeerID: peer.ID(), Table: table.Name()})
	m.registerRib(prs)
}

// RegisterRibIn is the synchronous, walk-free path (design §4.4):
// valid only when no action is in flight.
func (m *Manager) RegisterRibIn(peer iface.Peer, table iface.Table) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prs := m.getOrCreateEdge(peer, table)
	invariant.Check(prs.Action == ActionNone || peer.InGRTimerWaitState(),
		"RegisterRibIn: action %s already in flight for peer=%s table=%s", prs.Action, peer.ID(), table.Name())
	prs.RibinRegistered = true
}

// Unregister tears down both sides of the edge via a walk if a RibOut is
// registered, else completes the RibIn-only unregister inline (design
// §4.4).
func (m *Manager) Unregister(peer iface.Peer, table iface.Table) {
	m.mu.Lock()
	ps, ok := m.peers[peer.ID()]
	if !ok {
		m.mu.Unlock()
		return
	}
	prs, ok := ps.Ribs[table.Name()]
	if !ok {
		m.mu.Unlock()
		return
	}
	if !prs.RiboutRegistered {
		m.unregisterRibInLocked(prs)
		m.mu.Unlock()
		return
	}
	if prs.Action == ActionRibOutAdd {
		// The catch-up walk for the Register that just ran is still
		// pending. Supersede it rather than racing it: one walk does
		// the teardown instead of a join followed by a separate leave
		// (design S6).
		prs.Action = ActionRibInDeleteRibOutDelete
		prs.rib.Requests++
		m.mu.Unlock()

		m.audit.Record(audit.Event{Kind: audit.PeerUnregistered, PeerID: peer.ID(), Table: table.Name()})
		return
	}
	invariant.Check(prs.Action == ActionNone, "Unregister: action %s already in flight for peer=%s table=%s", prs.Action, peer.ID(), table.Name())
	prs.Action = ActionRibInDeleteRibOutDelete
	prs.rib.Requests++
	m.mu.Unlock()

	m.audit.Record(audit.Event{Kind: audit.PeerUnregistered, PeerID: peer.ID(), Table: table.Name()})
	m.unregisterRib(prs)
}

// UnregisterRibIn is the in-line path asserting no RibOut is registered.
func (m *Manager) UnregisterRibIn(peer iface.Peer, table iface.Table) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.peers[peer.ID()]
	if !ok {
		return
	}
	prs, ok := ps.Ribs[table.Name()]
	if !ok {
		return
	}
	invariant.Check(!prs.RiboutRegistered, "UnregisterRibIn: ribout still registered for peer=%s table=%s", peer.ID(), table.Name())
	m.unregisterRibInLocked(prs)
}

func (m *Manager) unregisterRibInLocked(prs *PeerRibState) {
	prs.RibinRegistered = false
	m.destroyIfEmptyLocked(prs)
}

// UnregisterRibOut tears down only the export side, used for graceful
// restart of a peer (design §4.4).
func (m *Manager) UnregisterRibOut(peer iface.Peer, table iface.Table) {
	m.mu.Lock()
	prs := m.getOrCreateEdge(peer, table)
	invariant.Check(prs.Action == ActionNone, "UnregisterRibOut: action %s already in flight for peer=%s table=%s", prs.Action, peer.ID(), table.Name())
	prs.Action = ActionRibInWalkRibOutDelete
	prs.rib.Requests++
	m.mu.Unlock()

	m.scheduleAndMaybeComplete(prs)
}

// WalkRibIn schedules a pure RIBIN walk (per-path callback only, no
// RibOut change), design §4.4.
func (m *Manager) WalkRibIn(peer iface.Peer, table iface.Table) {
	m.mu.Lock()
	prs := m.getOrCreateEdge(peer, table)
	invariant.Check(prs.Action == ActionNone, "WalkRibIn: action %s already in flight for peer=%s table=%s", prs.Action, peer.ID(), table.Name())
	prs.Action = ActionRibInWalk
	prs.rib.Requests++
	m.mu.Unlock()

	m.scheduleAndMaybeComplete(prs)
}

func (m *Manager) destroyIfEmptyLocked(prs *PeerRibState) {
	if !prs.empty() {
		return
	}
	rs := prs.rib
	delete(rs.Members, prs.Peer.ID())
	delete(rs.Pending, prs.Peer.ID())
	if ps, ok := m.peers[prs.Peer.ID()]; ok {
		delete(ps.Ribs, prs.Table.Name())
		if len(ps.Ribs) == 0 {
			delete(m.peers, prs.Peer.ID())
		}
	}
	if rs.empty() && !rs.queued {
		delete(m.ribs, rs.Table.Name())
	}
}

// HasPendingWalks reports whether RunReadyWalks has work to do.
func (m *Manager) HasPendingWalks() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.fifo) > 0
}

// JobsCompleted returns the number of walk-finish jobs processed so far,
// for readiness/introspection reporting.
func (m *Manager) JobsCompleted() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.jobsCompleted
}

// RoutingTable is one row of design §6's per-peer introspect payload.
type RoutingTable struct {
	Name         string
	CurrentState string
}

// PeerRoutingTables renders the per-peer introspect payload: every table
// the peer currently has a RibIn or RibOut registration against. Returns
// false if the peer is unknown to the manager.
func (m *Manager) PeerRoutingTables(id iface.PeerID) ([]RoutingTable, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ps, ok := m.peers[id]
	if !ok {
		return nil, false
	}
	tables := make([]RoutingTable, 0, len(ps.Ribs))
	for name, prs := range ps.Ribs {
		state := "subscribed"
		if prs.Action != ActionNone {
			state = prs.Action.String()
		}
		tables = append(tables, RoutingTable{Name: name, CurrentState: state})
	}
	return tables, true
}

// TablePeer is one row of design §6's per-table introspect payload.
type TablePeer struct {
	ID               iface.PeerID
	RibinRegistered  bool
	RiboutRegistered bool
}

// TableMembership renders the per-table introspect payload: requests and
// walks lifetime counters plus the current member list. Returns false if
// the table is unknown to the manager.
func (m *Manager) TableMembership(name string) (requests, walks int, peers []TablePeer, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rs, found := m.ribs[name]
	if !found {
		return 0, 0, nil, false
	}
	peers = make([]TablePeer, 0, len(rs.Members))
	for id, prs := range rs.Members {
		peers = append(peers, TablePeer{ID: id, RibinRegistered: prs.RibinRegistered, RiboutRegistered: prs.RiboutRegistered})
	}
	return rs.Requests, rs.Walks, peers, true
}
