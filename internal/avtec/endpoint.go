package avtec

import (
	"bytes"
	"encoding/binary"
)

// Endpoint-description packets sent on the TCP control channel. The byte
// layout is the console's wire contract and must be reproduced exactly:
//
//	[0:2]   uint16 BE  packet type
//	[2:4]   uint16 BE  total packet length, header included
//	[4:8]   uint32 BE  session id (equals the RTP SSRC)
//	[8:12]  uint32 BE  control sequence number
//	[12]    uint8      direction
//	[13]    uint8      flags (bit 0: emergency)
//	[14:]              three length-prefixed strings: alpha tag, ANI, group
const (
	packetTypeEndpointInfo uint16 = 0x0001

	directionIncoming uint8 = 0x01

	flagEmergency uint8 = 0x01
)

// buildEndpointInfo serializes one endpoint-description packet announcing a
// call to the console.
func buildEndpointInfo(sessionID, seq uint32, alphaTag, ani, group string, emergency bool) []byte {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, packetTypeEndpointInfo)
	binary.Write(buf, binary.BigEndian, uint16(0)) // length, patched below
	binary.Write(buf, binary.BigEndian, sessionID)
	binary.Write(buf, binary.BigEndian, seq)
	buf.WriteByte(directionIncoming)
	var flags uint8
	if emergency {
		flags |= flagEmergency
	}
	buf.WriteByte(flags)
	writeString(buf, alphaTag)
	writeString(buf, ani)
	writeString(buf, group)

	pkt := buf.Bytes()
	binary.BigEndian.PutUint16(pkt[2:4], uint16(len(pkt)))
	return pkt
}

// writeString appends a single-byte length prefix followed by the UTF-8
// bytes, truncating at 255.
func writeString(buf *bytes.Buffer, s string) {
	b := []byte(s)
	if len(b) > 255 {
		b = b[:255]
	}
	buf.WriteByte(uint8(len(b)))
	buf.Write(b)
}
