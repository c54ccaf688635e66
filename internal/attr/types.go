// Package attr models the BGP path attributes the export filter (package
// export) reads and rewrites: AS-path, well-known and extended
// communities, local preference, MED, and next hop. Unlike the wire
// parser it is modeled after, values here are structured for mutation
// (prepend, override, strip) rather than for one-shot decode-to-string
// display.
package attr

// PeerType classifies a session for split-horizon and attribute-rewrite
// purposes (export §4.2 steps 3 and 5).
type PeerType int

const (
	PeerTypeIBGP PeerType = iota
	PeerTypeEBGP
	PeerTypeXMPP
)

func (t PeerType) String() string {
	switch t {
	case PeerTypeIBGP:
		return "ibgp"
	case PeerTypeEBGP:
		return "ebgp"
	case PeerTypeXMPP:
		return "xmpp"
	default:
		return "unknown"
	}
}

// Well-known community values, numeric per RFC 1997 / RFC 8326.
const (
	NoExport          Community = 0xFFFFFF01
	NoAdvertise       Community = 0xFFFFFF02
	NoExportSubconfed Community = 0xFFFFFF03
	LLGRStale         Community = 0xFFFF0006
	DefaultLocalPref  uint32    = 100
)

// IsPrivateAS reports whether as is subject to remove-private-AS
// processing (export §4.2 step 7): the 2-octet private range
// 64512-65535 and the 4-octet private range 4200000000-4294967294.
// 65535 is reserved rather than strictly private under RFC 6996, but
// remove-private-AS treats it as private along with the rest of the
// 2-octet private block; 4294967295 is excluded on the same basis.
func IsPrivateAS(as uint32) bool {
	if as >= 64512 && as <= 65535 {
		return true
	}
	if as >= 4200000000 && as <= 4294967294 {
		return true
	}
	return false
}
