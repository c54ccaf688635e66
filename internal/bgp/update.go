package bgp

import (
	"encoding/binary"
	"fmt"
)

// ParseUpdate parses a BGP UPDATE message (after the 19-byte BGP header).
// Returns a list of route events, one per prefix found in the UPDATE.
func ParseUpdate(data []byte, hasAddPath bool) ([]*RouteEvent, error) {
	// Skip the 16-byte marker + 2-byte length + 1-byte type = 19 byte header.
	if len(data) < BGPHeaderSize {
		return nil, fmt.Errorf("bgp: update too short (%d bytes)", len(data))
	}

	msgType := data[18]
	if msgType != 2 { // UPDATE = 2
		return nil, nil // Not an UPDATE message; skip.
	}

	payload := data[BGPHeaderSize:]
	return parseUpdatePayload(payload, hasAddPath)
}

func parseUpdatePayload(data []byte, hasAddPath bool) ([]*RouteEvent, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("bgp: update payload too short (%d bytes)", len(data))
	}

	offset := 0

	// Withdrawn routes length.
	withdrawnLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2

	if offset+withdrawnLen > len(data) {
		return nil, fmt.Errorf("bgp: withdrawn length %d exceeds data", withdrawnLen)
	}

	// Parse IPv4 withdrawn routes → action 'D'.
	withdrawnPrefixes, err := parsePrefixes(data[offset:offset+withdrawnLen], 4, hasAddPath)
	if err != nil {
		return nil, fmt.Errorf("bgp: parse withdrawn prefixes: %w", err)
	}
	offset += withdrawnLen

	// Total path attribute length.
	if offset+2 > len(data) {
		return nil, fmt.Errorf("bgp: no room for path attr length")
	}
	totalPathAttrLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2

	if offset+totalPathAttrLen > len(data) {
		return nil, fmt.Errorf("bgp: path attr length %d exceeds data", totalPathAttrLen)
	}

	// Parse path attributes.
	attrs, err := ParsePathAttributes(data[offset:offset+totalPathAttrLen], hasAddPath)
	if err != nil {
		return nil, fmt.Errorf("bgp: parse path attrs: %w", err)
	}
	offset += totalPathAttrLen

	// Parse IPv4 NLRI → action 'A'.
	nlriPrefixes, err := parsePrefixes(data[offset:], 4, hasAddPath)
	if err != nil {
		return nil, fmt.Errorf("bgp: parse NLRI prefixes: %w", err)
	}

	var events []*RouteEvent

	// Build withdrawal events.
	for _, p := range withdrawnPrefixes {
		events = append(events, &RouteEvent{
			AFI:    4,
			Prefix: p.Prefix,
			PathID: p.PathID,
			Action: "D",
		})
	}

	// Build announcement events with attributes.
	for _, p := range nlriPrefixes {
		events = append(events, &RouteEvent{
			AFI:       4,
			Prefix:    p.Prefix,
			PathID:    p.PathID,
			Action:    "A",
			Nexthop:   attrs.Nexthop,
			ASPath:    attrs.ASPath,
			Origin:    attrs.Origin,
			LocalPref: attrs.LocalPref,
			MED:       attrs.MED,
			CommStd:   attrs.CommStd,
			CommExt:   attrs.CommExt,
			CommLarge: attrs.CommLarge,
			Attrs:     attrs.Attrs,
		})
	}

	// MP_REACH_NLRI announcements (IPv4/IPv6).
	if afi := afiToVersion(attrs.MPReachAFI); afi != 0 {
		for _, p := range attrs.MPReachNLRI {
			events = append(events, &RouteEvent{
				AFI:       afi,
				Prefix:    p.Prefix,
				PathID:    p.PathID,
				Action:    "A",
				Nexthop:   attrs.MPReachNexthop,
				ASPath:    attrs.ASPath,
				Origin:    attrs.Origin,
				LocalPref: attrs.LocalPref,
				MED:       attrs.MED,
				CommStd:   attrs.CommStd,
				CommExt:   attrs.CommExt,
				CommLarge: attrs.CommLarge,
				Attrs:     attrs.Attrs,
			})
		}
	}

	// MP_UNREACH_NLRI withdrawals (IPv4/IPv6).
	if afi := afiToVersion(attrs.MPUnreachAFI); afi != 0 {
		for _, p := range attrs.MPUnreachNLRI {
			events = append(events, &RouteEvent{
				AFI:    afi,
				Prefix: p.Prefix,
				PathID: p.PathID,
				Action: "D",
			})
		}
	}

	return events, nil
}

// ParseUpdateAutoDetect parses a BGP UPDATE under the declared Add-Path
// assumption and falls back to the opposite assumption when that parse is
// structurally implausible. Some routers (observed on Arista cEOS) send
// Add-Path encoded NLRI without setting the per-peer F-bit, so the declared
// hasAddPath cannot always be trusted. Returns the assumption that was
// actually used alongside the events, so callers can track misreporting
// peers.
func ParseUpdateAutoDetect(data []byte, hasAddPath bool) (events []*RouteEvent, actualAddPath bool, err error) {
	events, err = ParseUpdate(data, hasAddPath)
	if err == nil && updateLooksValid(data, hasAddPath) {
		return events, hasAddPath, nil
	}

	altEvents, altErr := ParseUpdate(data, !hasAddPath)
	if altErr == nil && updateLooksValid(data, !hasAddPath) {
		return altEvents, !hasAddPath, nil
	}

	if err != nil {
		return nil, hasAddPath, err
	}
	return events, hasAddPath, nil
}

// updateLooksValid re-walks the withdrawn and NLRI prefix lists under the
// given Add-Path assumption. A wrong assumption throws the path-ID/prefix
// boundary off and parsePrefixes fails with a truncation error; a correct
// one walks every byte cleanly.
func updateLooksValid(data []byte, hasAddPath bool) bool {
	if len(data) < BGPHeaderSize {
		return false
	}
	payload := data[BGPHeaderSize:]
	if len(payload) < 4 {
		return false
	}

	offset := 0
	withdrawnLen := int(binary.BigEndian.Uint16(payload[offset : offset+2]))
	offset += 2
	if offset+withdrawnLen > len(payload) {
		return false
	}
	if _, err := parsePrefixes(payload[offset:offset+withdrawnLen], 4, hasAddPath); err != nil {
		return false
	}
	offset += withdrawnLen

	if offset+2 > len(payload) {
		return false
	}
	totalPathAttrLen := int(binary.BigEndian.Uint16(payload[offset : offset+2]))
	offset += 2
	if offset+totalPathAttrLen > len(payload) {
		return false
	}
	offset += totalPathAttrLen

	_, err := parsePrefixes(payload[offset:], 4, hasAddPath)
	return err == nil
}
