package attr

import "fmt"

// Community is a standard (4-byte) BGP community value.
type Community uint32

// String renders a community the way the teacher's wire parser does for
// user-facing display: "high:low" for ordinary values, the well-known
// mnemonic for the handful of reserved ones.
func (c Community) String() string {
	switch c {
	case NoExport:
		return "no-export"
	case NoAdvertise:
		return "no-advertise"
	case NoExportSubconfed:
		return "no-export-subconfed"
	case LLGRStale:
		return "llgr-stale"
	default:
		return fmt.Sprintf("%d:%d", uint32(c)>>16, uint32(c)&0xFFFF)
	}
}

// CommunitySet is an unordered, duplicate-free collection of communities.
type CommunitySet struct {
	values []Community
}

// NewCommunitySet returns a CommunitySet containing values, deduplicated.
func NewCommunitySet(values ...Community) *CommunitySet {
	s := &CommunitySet{}
	for _, v := range values {
		s.Add(v)
	}
	return s
}

// Has reports whether c is present.
func (s *CommunitySet) Has(c Community) bool {
	if s == nil {
		return false
	}
	for _, v := range s.values {
		if v == c {
			return true
		}
	}
	return false
}

// Add inserts c if not already present.
func (s *CommunitySet) Add(c Community) {
	if s.Has(c) {
		return
	}
	s.values = append(s.values, c)
}

// Remove deletes c if present.
func (s *CommunitySet) Remove(c Community) {
	if s == nil {
		return
	}
	for i, v := range s.values {
		if v == c {
			s.values = append(s.values[:i], s.values[i+1:]...)
			return
		}
	}
}

// Values returns the communities in no particular order.
func (s *CommunitySet) Values() []Community {
	if s == nil {
		return nil
	}
	return append([]Community(nil), s.values...)
}

// Clone returns an independent copy, preserving nil.
func (s *CommunitySet) Clone() *CommunitySet {
	if s == nil {
		return nil
	}
	return NewCommunitySet(s.values...)
}

// ExtCommunity is an opaque 8-byte extended community, kept as the raw
// wire form since the export filter only ever strips or retains these
// wholesale (§4.2 step 6) rather than interpreting subtypes.
type ExtCommunity [8]byte

// RouteTarget builds a 2-octet-AS Route Target extended community, the
// only subtype the core's own test fixtures construct by hand.
func RouteTarget(as uint16, value uint32) ExtCommunity {
	var e ExtCommunity
	e[0] = 0x00 // type: 2-octet AS specific, transitive
	e[1] = 0x02 // subtype: Route Target
	e[2] = byte(as >> 8)
	e[3] = byte(as)
	e[4] = byte(value >> 24)
	e[5] = byte(value >> 16)
	e[6] = byte(value >> 8)
	e[7] = byte(value)
	return e
}
