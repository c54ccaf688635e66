package attr

import "net"

// NextHop is the BGP next-hop address carried in an update.
type NextHop struct {
	Addr net.IP
}

// Attr is the mutable set of path attributes the export filter reads and
// rewrites. Unset numeric fields are distinguished from zero values with
// pointers, mirroring how LocalPref/MED are optional on the wire.
type Attr struct {
	Origin         uint8
	ASPath         *ASPath
	NextHop        NextHop
	LocalPref      *uint32
	MED            *uint32
	Communities    *CommunitySet
	ExtCommunities []ExtCommunity
	OriginatorID   net.IP
	ClusterList    []uint32
	Stale          bool // LLGR-stale source path, per export §4.2 step 9
}

// Clone returns a deep, independent copy so export rewrites never mutate
// the RIB's stored attribute set.
func (a *Attr) Clone() *Attr {
	if a == nil {
		return nil
	}
	out := *a
	out.ASPath = a.ASPath.Clone()
	out.Communities = a.Communities.Clone()
	if a.LocalPref != nil {
		lp := *a.LocalPref
		out.LocalPref = &lp
	}
	if a.MED != nil {
		med := *a.MED
		out.MED = &med
	}
	if a.NextHop.Addr != nil {
		out.NextHop.Addr = append(net.IP(nil), a.NextHop.Addr...)
	}
	if a.ExtCommunities != nil {
		out.ExtCommunities = append([]ExtCommunity(nil), a.ExtCommunities...)
	}
	if a.ClusterList != nil {
		out.ClusterList = append([]uint32(nil), a.ClusterList...)
	}
	if a.OriginatorID != nil {
		out.OriginatorID = append(net.IP(nil), a.OriginatorID...)
	}
	return &out
}

// IsLLGRStale reports whether the path is stale under long-lived graceful
// restart, either because the path itself is marked stale or because it
// already carries the LLGR_STALE community.
func (a *Attr) IsLLGRStale() bool {
	if a == nil {
		return false
	}
	return a.Stale || a.Communities.Has(LLGRStale)
}

// BestPath is the view of a table's selected path the export filter
// consumes: the rewritable Attr plus the facts about its origin needed
// for split-horizon and feasibility checks.
type BestPath struct {
	Attr       *Attr
	SourcePeer PeerType
	SourceAS   uint32
	Feasible   bool
	Secondary  bool // resolved/secondary path, never exported directly
}
