package bmp

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Parse parses a complete BMP message from raw bytes.
func Parse(data []byte) (*ParsedBMP, error) {
	if len(data) < CommonHeaderSize {
		return nil, fmt.Errorf("bmp: message too short for common header (%d bytes)", len(data))
	}

	version := data[0]
	if version != BMPVersion {
		return nil, fmt.Errorf("bmp: unsupported version %d (expected %d)", version, BMPVersion)
	}

	msgLength := binary.BigEndian.Uint32(data[1:5])
	msgType := data[5]

	if msgLength < uint32(CommonHeaderSize) {
		return nil, fmt.Errorf("bmp: declared msg_length %d smaller than common header size %d", msgLength, CommonHeaderSize)
	}
	if int(msgLength) > len(data) {
		return nil, fmt.Errorf("bmp: declared msg_length %d exceeds available data %d", msgLength, len(data))
	}

	result := &ParsedBMP{
		MsgType:   msgType,
		TableName: "UNKNOWN",
	}

	switch msgType {
	case MsgTypeRouteMonitoring:
		return parseRouteMonitoring(data[CommonHeaderSize:msgLength], result)
	case MsgTypePeerDown:
		return parsePeerDown(data[CommonHeaderSize:msgLength], result)
	case MsgTypePeerUp:
		return parsePeerUp(data[CommonHeaderSize:msgLength], result)
	case MsgTypeTermination:
		result.MsgType = MsgTypeTermination
		return result, nil
	default:
		// Skip other message types.
		return result, nil
	}
}

// ParseAll splits a byte slice holding one or more concatenated BMP
// messages (goBMP forwards an entire TCP read as a single Kafka record)
// into individual parsed messages. A message that fails to parse (bad
// version, truncated) is skipped rather than aborting the whole batch,
// since the common header's declared length is still enough to find the
// next message. Returns an error only when not even one message parsed.
func ParseAll(data []byte) ([]*ParsedBMP, error) {
	var results []*ParsedBMP
	pos := 0
	for pos+CommonHeaderSize <= len(data) {
		msgLength := int(binary.BigEndian.Uint32(data[pos+1 : pos+5]))
		if msgLength < CommonHeaderSize || pos+msgLength > len(data) {
			break
		}
		if msg, err := Parse(data[pos : pos+msgLength]); err == nil {
			msg.Offset = pos
			results = append(results, msg)
		}
		pos += msgLength
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("bmp: no valid messages parsed from %d bytes", len(data))
	}
	return results, nil
}

func parseRouteMonitoring(data []byte, result *ParsedBMP) (*ParsedBMP, error) {
	if len(data) < 42 {
		return nil, fmt.Errorf("bmp: route monitoring too short for per-peer header (%d bytes)", len(data))
	}

	result.PeerType = data[0]
	result.PeerFlags = data[1]
	result.IsLocRIB = result.PeerType == PeerTypeLocRIB
	result.HasAddPath = (result.PeerFlags & PeerFlagAddPath) != 0
	if !result.IsLocRIB {
		parsePeerHeaderCommon(data[:PerPeerHeaderSize], result)
	}

	// After per-peer header (42 bytes), the BGP message follows.
	// But for Loc-RIB, we need to extract the BGP UPDATE first, then parse TLVs after.
	bgpStart := 42

	if bgpStart >= len(data) {
		return nil, fmt.Errorf("bmp: no data after per-peer header")
	}

	// Parse the BGP message to find its end.
	bgpData := data[bgpStart:]

	if result.IsLocRIB {
		// For Loc-RIB (RFC 9069), the structure is:
		// per-peer header (42) + BGP UPDATE + TLVs
		// We need to parse the BGP message header to find its length,
		// then parse TLVs after.
		bgpMsgLen, err := bgpMessageLength(bgpData)
		if err != nil {
			// If we can't parse BGP header, treat all remaining as BGP data.
			result.BGPData = bgpData
			return result, nil
		}

		if bgpMsgLen > len(bgpData) {
			result.BGPData = bgpData
			return result, nil
		}

		result.BGPData = bgpData[:bgpMsgLen]

		// Parse TLVs after BGP message for table name.
		tlvData := bgpData[bgpMsgLen:]
		parseTLVs(tlvData, result)
	} else {
		result.BGPData = bgpData
	}

	return result, nil
}

func parsePeerDown(data []byte, result *ParsedBMP) (*ParsedBMP, error) {
	if len(data) < 42 {
		return nil, fmt.Errorf("bmp: peer down too short for per-peer header (%d bytes)", len(data))
	}

	result.PeerType = data[0]
	result.IsLocRIB = result.PeerType == PeerTypeLocRIB
	if !result.IsLocRIB {
		parsePeerHeaderCommon(data[:PerPeerHeaderSize], result)
	}
	if len(data) > PerPeerHeaderSize {
		result.PeerDownReason = data[PerPeerHeaderSize]
		if result.IsLocRIB {
			// RFC 9069: Loc-RIB Peer Down carries TLVs (table name) after the reason.
			parseTLVs(data[PerPeerHeaderSize+1:], result)
		}
	}

	return result, nil
}

// parsePeerUp extracts per-peer identity plus, for non-Loc-RIB peers, the
// router's own ASN and BGP Identifier from the Sent OPEN message (RFC 7854
// Section 4.10: per-peer header + local address(16) + local port(2) +
// remote port(2) + Sent OPEN + Received OPEN + Information TLVs).
func parsePeerUp(data []byte, result *ParsedBMP) (*ParsedBMP, error) {
	if len(data) < PerPeerHeaderSize {
		return nil, fmt.Errorf("bmp: peer up too short for per-peer header (%d bytes)", len(data))
	}

	result.PeerType = data[0]
	result.PeerFlags = data[1]
	result.IsLocRIB = result.PeerType == PeerTypeLocRIB
	if !result.IsLocRIB {
		parsePeerHeaderCommon(data[:PerPeerHeaderSize], result)
	}

	rest := data[PerPeerHeaderSize:]
	const localAddrPortsSize = 16 + 2 + 2
	if len(rest) < localAddrPortsSize {
		return result, nil
	}
	rest = rest[localAddrPortsSize:]

	sentLen, err := bgpMessageLength(rest)
	if err != nil || sentLen > len(rest) {
		return result, nil
	}
	if asn, bgpID, ok := parseOpenMessage(rest[:sentLen]); ok {
		result.LocalASN = asn
		result.LocalBGPID = bgpID
	}

	return result, nil
}

// parseOpenMessage reads My Autonomous System and BGP Identifier from a
// BGP OPEN message body (header + version(1) + my AS(2) + hold time(2) +
// BGP Identifier(4) + opt param len(1) + opt params).
func parseOpenMessage(data []byte) (asn uint32, bgpID string, ok bool) {
	const minOpenLen = 19 + 1 + 2 + 2 + 4
	if len(data) < minOpenLen {
		return 0, "", false
	}
	asn = uint32(binary.BigEndian.Uint16(data[20:22]))
	bgpID = net.IP(data[24:28]).String()
	return asn, bgpID, true
}

// parsePeerHeaderCommon extracts peer address, AS, BGP ID and the
// post-policy flag from a 42-byte per-peer header for non-Loc-RIB peers.
func parsePeerHeaderCommon(data []byte, result *ParsedBMP) {
	result.IsPostPolicy = data[1]&PeerFlagPostPolicy != 0

	ip := net.IP(data[10:26])
	if v4 := ip.To4(); v4 != nil {
		result.PeerAddress = v4.String()
	} else {
		result.PeerAddress = ip.String()
	}

	result.PeerAS = binary.BigEndian.Uint32(data[26:30])
	result.PeerBGPID = net.IP(data[30:34]).String()
}

// bgpMessageLength reads the length field from a BGP message header.
// BGP header: marker(16) + length(2) + type(1) = 19 bytes minimum.
func bgpMessageLength(data []byte) (int, error) {
	if len(data) < 19 {
		return 0, fmt.Errorf("bmp: bgp message too short (%d bytes)", len(data))
	}
	// Length is at offset 16-17 (after the 16-byte marker).
	length := int(binary.BigEndian.Uint16(data[16:18]))
	if length < 19 {
		return 0, fmt.Errorf("bmp: invalid bgp message length %d", length)
	}
	return length, nil
}

// parseTLVs extracts Table Name and other TLVs from data following the BGP message.
func parseTLVs(data []byte, result *ParsedBMP) {
	offset := 0
	for offset+4 <= len(data) {
		tlvType := binary.BigEndian.Uint16(data[offset : offset+2])
		tlvLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		offset += 4

		if offset+tlvLen > len(data) {
			break
		}

		if tlvType == TLVTypeTableName && tlvLen > 0 {
			result.TableName = string(data[offset : offset+tlvLen])
		}

		offset += tlvLen
	}
}

// RouterIDFromPeerHeader extracts the router identity from a per-peer
// header for logging: the Peer Address field, or (per RFC 9069 Section
// 4.1, where Loc-RIB zeroes Peer Address and Peer AS) the Peer BGP ID
// field when Peer Address is unset.
func RouterIDFromPeerHeader(data []byte) string {
	if len(data) < PerPeerHeaderSize {
		return ""
	}
	// Peer address follows type(1) + flags(1) + distinguisher(8), 16 bytes.
	addr := data[10:26]
	if isZero(addr[:12]) {
		v4 := net.IP(addr[12:16])
		if !v4.Equal(net.IPv4zero) {
			return v4.String()
		}
	} else {
		return net.IP(addr).String()
	}

	bgpID := net.IP(data[30:34])
	if !bgpID.Equal(net.IPv4zero) {
		return bgpID.String()
	}
	return ""
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
