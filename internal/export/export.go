// Package export implements the RIB-out export filter (design §4.2): the
// pure function mapping a RibOut's policy, a route's best path, and a
// candidate peer set to zero or more rewritten attribute sets, one per
// group of peers that end up with identical output attributes.
//
// Compute never mutates its inputs; every Attr it returns is an
// independent clone safe for the caller to enqueue without further
// copying.
package export

import (
	"net"

	"github.com/route-beacon/bgp-controld/internal/attr"
)

// Policy is the export policy a RibOut is keyed on: the knobs that
// govern attribute rewrite for every path this RibOut exports.
type Policy struct {
	Name                  string
	Kind                  attr.PeerType
	AsOverride            bool
	CarriesExtCommunities bool // false for families that drop ext-communities on the wire (e.g. inet unicast)
	RemovePrivateAS       bool
	RemovePrivateReplace  bool
	NextHopRewrite        net.IP
	DefaultLocalPref      uint32
	LocalAS               uint32
}

// TargetPeer is one candidate destination peer: its dense RibOut index,
// its own AS number (for split-horizon / AS-path loop checks), and
// whether it is LLGR-capable (rule 9).
type TargetPeer struct {
	Index       int
	AS          uint32
	LLGRCapable bool
}

// Request bundles everything Compute needs for one (RibOut, Route)
// evaluation.
type Request struct {
	Policy          Policy
	SourcePeerType  attr.PeerType
	SourcePeerIndex int // index of the source peer within Targets, or -1 if it is not a target
	Path            *attr.BestPath
	Targets         []TargetPeer
}

// Result is one UpdateInfo: the set of target peer indices that receive
// Attr, unchanged from each other.
type Result struct {
	TargetIndices []int
	Attr          *attr.Attr
}

// Compute runs export §4.2 rules 1-9 in order and returns the resulting
// UpdateInfo groups. A nil/empty return means the route is rejected
// outright for every target.
func Compute(req Request) []Result {
	p := req.Path
	if p == nil || !p.Feasible || p.Secondary {
		return nil
	}

	isXMPP := req.Policy.Kind == attr.PeerTypeXMPP
	isEBGP := req.Policy.Kind == attr.PeerTypeEBGP
	isIBGP := req.Policy.Kind == attr.PeerTypeIBGP

	if !isXMPP {
		if p.Attr.Communities.Has(attr.NoAdvertise) {
			return nil
		}
		if isEBGP && (p.Attr.Communities.Has(attr.NoExport) || p.Attr.Communities.Has(attr.NoExportSubconfed)) {
			return nil
		}
	}

	// Rule 3: split horizon.
	if isIBGP && req.SourcePeerType == attr.PeerTypeIBGP {
		return nil
	}
	survivors := make([]TargetPeer, 0, len(req.Targets))
	for _, t := range req.Targets {
		if isEBGP && t.Index == req.SourcePeerIndex {
			continue
		}
		survivors = append(survivors, t)
	}
	if len(survivors) == 0 {
		return nil
	}

	// Rule 4: AS-path loop, with as-override applied per target AS
	// before the loop check. Group survivors by the resulting AS-path
	// identity so that targets whose own AS differs under as-override
	// don't share a rewritten attribute that was built for someone
	// else's substitution.
	type group struct {
		path    *attr.ASPath
		indices []int
	}
	var groups []*group
	groupFor := func(path *attr.ASPath) *group {
		key := path.Flatten()
		for _, g := range groups {
			gk := g.path.Flatten()
			if len(gk) != len(key) {
				continue
			}
			match := true
			for i := range gk {
				if gk[i] != key[i] {
					match = false
					break
				}
			}
			if match {
				return g
			}
		}
		g := &group{path: path}
		groups = append(groups, g)
		return g
	}

	for _, t := range survivors {
		path := p.Attr.ASPath
		if req.Policy.AsOverride {
			path = path.Override(t.AS, req.Policy.LocalAS)
		}
		if path.Contains(t.AS) {
			continue
		}
		g := groupFor(path)
		g.indices = append(g.indices, t.Index)
	}
	if len(groups) == 0 {
		return nil
	}

	llgrCapable := make(map[int]bool, len(survivors))
	for _, t := range survivors {
		llgrCapable[t.Index] = t.LLGRCapable
	}

	results := make([]Result, 0, len(groups))
	for _, g := range groups {
		a := p.Attr.Clone()
		a.ASPath = g.path.Clone()

		// Rule 7: remove-private-AS runs before the EBGP prepend so a
		// wholly-private segment resolves against a public AS already
		// in the path, not the about-to-be-added local AS.
		if req.Policy.RemovePrivateAS {
			a.ASPath = a.ASPath.RemovePrivateAS(req.Policy.LocalAS, req.Policy.RemovePrivateReplace)
		}

		// Rule 5: attribute rewrite.
		switch req.Policy.Kind {
		case attr.PeerTypeEBGP:
			a.LocalPref = nil
			wasEffectivelyInternal := a.ASPath.IsEmpty()
			a.ASPath = a.ASPath.Prepend(req.Policy.LocalAS)
			if !wasEffectivelyInternal {
				a.MED = nil
			}
			a.OriginatorID = nil
			a.ClusterList = nil
		case attr.PeerTypeIBGP:
			if a.LocalPref == nil {
				lp := req.Policy.DefaultLocalPref
				if lp == 0 {
					lp = attr.DefaultLocalPref
				}
				a.LocalPref = &lp
			}
		case attr.PeerTypeXMPP:
			// pass through unchanged
		}

		// Rule 6: extended communities.
		if !req.Policy.CarriesExtCommunities {
			a.ExtCommunities = nil
		}

		// Rule 8: next-hop rewrite.
		if req.Policy.NextHopRewrite != nil {
			a.NextHop = attr.NextHop{Addr: req.Policy.NextHopRewrite}
		}

		// Rule 9: LLGR / graceful restart. A group shares one AS-path
		// identity, not LLGR capability, so split it by capability
		// before deciding the outcome: capable targets get
		// LLGR_STALE, the rest get NoExport with local_pref zeroed.
		if p.Attr.IsLLGRStale() {
			var capable, notCapable []int
			for _, idx := range g.indices {
				if llgrCapable[idx] {
					capable = append(capable, idx)
				} else {
					notCapable = append(notCapable, idx)
				}
			}
			if len(capable) > 0 {
				ca := a.Clone()
				ca.Communities.Add(attr.LLGRStale)
				results = append(results, Result{TargetIndices: capable, Attr: ca})
			}
			if len(notCapable) > 0 {
				na := a.Clone()
				na.Communities.Add(attr.NoExport)
				zero := uint32(0)
				na.LocalPref = &zero
				results = append(results, Result{TargetIndices: notCapable, Attr: na})
			}
			continue
		}

		results = append(results, Result{TargetIndices: g.indices, Attr: a})
	}
	return results
}
