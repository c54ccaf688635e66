package attr

// SegmentType mirrors the two AS_PATH segment kinds on the wire.
type SegmentType uint8

const (
	SegmentSet      SegmentType = 1
	SegmentSequence SegmentType = 2
)

// Segment is one AS_PATH segment: an ordered sequence or an unordered set
// of AS numbers.
type Segment struct {
	Type SegmentType
	ASNs []uint32
}

// ASPath is an ordered list of segments, left-to-right from the most
// recently added AS (nearest the local router) per BGP convention. A nil
// *ASPath and an ASPath with zero segments are both treated as "empty".
type ASPath struct {
	Segments []Segment
}

// NewASPath builds a path consisting of a single sequence segment.
func NewASPath(asns ...uint32) *ASPath {
	if len(asns) == 0 {
		return &ASPath{}
	}
	return &ASPath{Segments: []Segment{{Type: SegmentSequence, ASNs: append([]uint32(nil), asns...)}}}
}

// IsEmpty reports whether the path carries no AS numbers at all.
func (p *ASPath) IsEmpty() bool {
	if p == nil {
		return true
	}
	for _, seg := range p.Segments {
		if len(seg.ASNs) > 0 {
			return false
		}
	}
	return true
}

// Clone returns a deep, independent copy, preserving nil.
func (p *ASPath) Clone() *ASPath {
	if p == nil {
		return nil
	}
	out := &ASPath{Segments: make([]Segment, len(p.Segments))}
	for i, seg := range p.Segments {
		out.Segments[i] = Segment{Type: seg.Type, ASNs: append([]uint32(nil), seg.ASNs...)}
	}
	return out
}

// Contains reports whether as appears anywhere in the path, in a
// sequence or a set segment alike — the loop-check in export §4.2 step 4
// does not distinguish the two.
func (p *ASPath) Contains(as uint32) bool {
	if p == nil {
		return false
	}
	for _, seg := range p.Segments {
		for _, v := range seg.ASNs {
			if v == as {
				return true
			}
		}
	}
	return false
}

// Prepend adds as to the front of the leading sequence segment, creating
// one if the path is empty or starts with a set segment. Used by the
// EBGP attribute-rewrite rule (export §4.2 step 5) to prepend the local
// AS exactly once per hop.
func (p *ASPath) Prepend(as uint32) *ASPath {
	out := p.Clone()
	if out == nil {
		out = &ASPath{}
	}
	if len(out.Segments) == 0 || out.Segments[0].Type != SegmentSequence {
		out.Segments = append([]Segment{{Type: SegmentSequence, ASNs: nil}}, out.Segments...)
	}
	out.Segments[0].ASNs = append([]uint32{as}, out.Segments[0].ASNs...)
	return out
}

// Override returns a copy with every occurrence of from replaced by to,
// across every segment (export §4.2 step 4, as-override).
func (p *ASPath) Override(from, to uint32) *ASPath {
	out := p.Clone()
	if out == nil {
		return out
	}
	for i := range out.Segments {
		for j, v := range out.Segments[i].ASNs {
			if v == from {
				out.Segments[i].ASNs[j] = to
			}
		}
	}
	return out
}

// RemovePrivateAS implements export §4.2 step 7, run before any AS-path
// prepend so that a wholly-private segment resolves against a real
// public AS already present in the path rather than the
// about-to-be-prepended local AS. Without replace, private ASes are
// dropped outright. With replace, each private AS is replaced by the
// nearest public AS in the same segment by position — ties broken
// toward the earlier (leftmost) one — and a segment with no public AS
// at all falls back to localAS for every entry.
func (p *ASPath) RemovePrivateAS(localAS uint32, replace bool) *ASPath {
	out := p.Clone()
	if out == nil {
		return out
	}
	for i := range out.Segments {
		seg := &out.Segments[i]
		if !replace {
			filtered := seg.ASNs[:0]
			for _, v := range seg.ASNs {
				if !IsPrivateAS(v) {
					filtered = append(filtered, v)
				}
			}
			seg.ASNs = filtered
			continue
		}
		var pubIdx []int
		for j, v := range seg.ASNs {
			if !IsPrivateAS(v) {
				pubIdx = append(pubIdx, j)
			}
		}
		if len(pubIdx) == 0 {
			for j := range seg.ASNs {
				seg.ASNs[j] = localAS
			}
			continue
		}
		for j, v := range seg.ASNs {
			if !IsPrivateAS(v) {
				continue
			}
			nearest := pubIdx[0]
			best := absInt(j - nearest)
			for _, k := range pubIdx[1:] {
				if d := absInt(j - k); d < best {
					best, nearest = d, k
				}
			}
			seg.ASNs[j] = seg.ASNs[nearest]
		}
	}
	return out
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Flatten returns every AS number across every segment, in segment order,
// for display and test assertions.
func (p *ASPath) Flatten() []uint32 {
	if p == nil {
		return nil
	}
	var out []uint32
	for _, seg := range p.Segments {
		out = append(out, seg.ASNs...)
	}
	return out
}
