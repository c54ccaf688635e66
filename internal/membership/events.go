package membership

func (m *Manager) registerRib(prs *PeerRibState) {
	if prs.Table.IsDeleted() {
		m.mu.Lock()
		prs.RiboutRegistered = true
		prs.Action = ActionNone
		m.mu.Unlock()

		prs.Peer.MembershipRequestCallback(prs.Table)

		m.mu.Lock()
		m.jobsCompleted++
		m.mu.Unlock()
		return
	}

	ribout := prs.Table.RibOutLocate(prs.Policy)
	idx := ribout.Register(prs.Peer)
	if m.sender != nil {
		m.sender.Join(ribout, idx)
	}

	m.mu.Lock()
	prs.Ribout = ribout
	prs.RiboutIndex = idx
	prs.RiboutRegistered = true
	rs := prs.rib
	rs.Pending[prs.Peer.ID()] = prs
	m.enqueueWalk(rs)
	m.mu.Unlock()
}

func (m *Manager) unregisterRib(prs *PeerRibState) {
	if prs.Ribout == nil {
		m.mu.Lock()
		prs.RiboutRegistered = false
		prs.RibinRegistered = false
		prs.Action = ActionNone
		prs.SubscriptionGenID = 0
		m.destroyIfEmptyLocked(prs)
		m.mu.Unlock()

		prs.Peer.MembershipRequestCallback(prs.Table)
		return
	}

	ribout := prs.Ribout
	ribout.Deactivate(prs.Peer)
	if m.sender != nil {
		if idx, ok := ribout.GetPeerIndex(prs.Peer); ok {
			m.sender.Leave(ribout, idx)
		}
	}

	m.mu.Lock()
	rs := prs.rib
	rs.Pending[prs.Peer.ID()] = prs
	m.enqueueWalk(rs)
	m.mu.Unlock()
}

// scheduleAndMaybeComplete is the shared tail of WalkRibIn and
// UnregisterRibOut: both just need their edge queued for the next walk,
// the latter after deactivating its RibOut first.
func (m *Manager) scheduleAndMaybeComplete(prs *PeerRibState) {
	if prs.Action == ActionRibInWalkRibOutDelete && prs.RiboutRegistered && prs.Ribout != nil {
		ribout := prs.Ribout
		ribout.Deactivate(prs.Peer)
		if m.sender != nil {
			if idx, ok := ribout.GetPeerIndex(prs.Peer); ok {
				m.sender.Leave(ribout, idx)
			}
		}
	}

	m.mu.Lock()
	rs := prs.rib
	rs.Pending[prs.Peer.ID()] = prs
	m.enqueueWalk(rs)
	m.mu.Unlock()
}
