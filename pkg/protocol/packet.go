// ABOUTME: Binary wire codec for the UDP streaming protocol
// ABOUTME: Pure encode/decode functions over fixed big-endian packet layouts
package protocol

import "encoding/binary"

// Every packet starts with a fixed 5-byte header: a 2-byte signature,
// a 1-byte category and a 2-byte total packet length (header included).
// All multi-byte integers are big-endian on the wire.
const (
	Signature       = uint16(0xA571)
	HeaderSize      = 5
	signatureOffset = 0
	categoryOffset  = 2
	sizeOffset      = 3
	dataOffset      = HeaderSize

	// ProtocolVersion is echoed in Connect acknowledgments.
	ProtocolVersion = 1

	// Default ports: the server receives on ServerPort and sends to
	// clients on ClientPort.
	DefaultServerPort = 15711
	DefaultClientPort = 15712

	// MaxInboundSize caps the size of a datagram the server will read.
	MaxInboundSize = 1024

	ackCustomSize = 4
	keystrokeSize = 2
	connectSize   = 4
	setFormatSize = 3
	seqNumSize    = 4
)

// Category is the packet type carried in the header.
type Category byte

const (
	CategoryError                 Category = 0x00
	CategoryConnect               Category = 0x01
	CategoryDisconnect            Category = 0x02
	CategorySetFormat             Category = 0x03
	CategoryKeystroke             Category = 0x10
	CategoryAudioDataUncompressed Category = 0x20
	CategoryAudioDataOpus         Category = 0x21
	CategoryClientKeepAlive       Category = 0x30
	CategoryServerKeepAlive       Category = 0x31
	CategoryServerAdvertise       Category = 0x40
	CategoryAck                   Category = 0xF0
)

// ConnectData is the payload of a Connect request.
type ConnectData struct {
	Protocol    byte
	RequestID   uint16
	Compression byte
}

// SetFormatData is the payload of a SetFormat request.
type SetFormatData struct {
	RequestID   uint16
	Compression byte
}

// KeystrokeData is the payload of a Keystroke request. Mods is a
// bitfield: Win=1, Ctrl=2, Shift=4, Alt=8.
type KeystrokeData struct {
	Key  byte
	Mods byte
}

// AckData is the payload of an acknowledgment: the echoed request id
// plus four bytes of category-specific data.
type AckData struct {
	RequestID uint16
	Custom    [ackCustomSize]byte
}

// PacketCategory validates the header and returns the packet category.
// A short packet, a bad signature or a size field that does not match
// the actual datagram length all yield CategoryError; over UDP such a
// packet is indistinguishable from line noise and is dropped silently.
func PacketCategory(packet []byte) Category {
	if len(packet) < HeaderSize {
		return CategoryError
	}
	if binary.BigEndian.Uint16(packet[signatureOffset:]) != Signature {
		return CategoryError
	}
	if int(binary.BigEndian.Uint16(packet[sizeOffset:])) != len(packet) {
		return CategoryError
	}
	return Category(packet[categoryOffset])
}

// ParseConnect extracts the Connect payload.
func ParseConnect(packet []byte) (ConnectData, bool) {
	if len(packet) < dataOffset+connectSize {
		return ConnectData{}, false
	}
	return ConnectData{
		Protocol:    packet[dataOffset],
		RequestID:   binary.BigEndian.Uint16(packet[dataOffset+1:]),
		Compression: packet[dataOffset+3],
	}, true
}

// ParseSetFormat extracts the SetFormat payload.
func ParseSetFormat(packet []byte) (SetFormatData, bool) {
	if len(packet) < dataOffset+setFormatSize {
		return SetFormatData{}, false
	}
	return SetFormatData{
		RequestID:   binary.BigEndian.Uint16(packet[dataOffset:]),
		Compression: packet[dataOffset+2],
	}, true
}

// ParseKeystroke extracts the Keystroke payload.
func ParseKeystroke(packet []byte) (KeystrokeData, bool) {
	if len(packet) < dataOffset+keystrokeSize {
		return KeystrokeData{}, false
	}
	return KeystrokeData{
		Key:  packet[dataOffset],
		Mods: packet[dataOffset+1],
	}, true
}

// ParseAck extracts an acknowledgment payload.
func ParseAck(packet []byte) (AckData, bool) {
	if len(packet) < dataOffset+2+ackCustomSize {
		return AckData{}, false
	}
	ack := AckData{RequestID: binary.BigEndian.Uint16(packet[dataOffset:])}
	copy(ack.Custom[:], packet[dataOffset+2:])
	return ack, true
}

// ParseAudio extracts the sequence number and the frame payload from an
// audio packet. The payload aliases the input slice.
func ParseAudio(packet []byte) (uint32, []byte, bool) {
	if len(packet) < dataOffset+seqNumSize {
		return 0, nil, false
	}
	seq := binary.BigEndian.Uint32(packet[dataOffset:])
	return seq, packet[dataOffset+seqNumSize:], true
}

func writeHeader(packet []byte, category Category) {
	binary.BigEndian.PutUint16(packet[signatureOffset:], Signature)
	packet[categoryOffset] = byte(category)
	binary.BigEndian.PutUint16(packet[sizeOffset:], uint16(len(packet)))
}

// AudioPacket builds an audio data packet: header, sequence number,
// raw or Opus-encoded frame bytes.
func AudioPacket(category Category, seq uint32, payload []byte) []byte {
	packet := make([]byte, HeaderSize+seqNumSize+len(payload))
	writeHeader(packet, category)
	binary.BigEndian.PutUint32(packet[dataOffset:], seq)
	copy(packet[dataOffset+seqNumSize:], payload)
	return packet
}

// ConnectPacket builds a Connect request.
func ConnectPacket(requestID uint16, compression byte) []byte {
	packet := make([]byte, HeaderSize+connectSize)
	writeHeader(packet, CategoryConnect)
	packet[dataOffset] = ProtocolVersion
	binary.BigEndian.PutUint16(packet[dataOffset+1:], requestID)
	packet[dataOffset+3] = compression
	return packet
}

// SetFormatPacket builds a SetFormat request.
func SetFormatPacket(requestID uint16, compression byte) []byte {
	packet := make([]byte, HeaderSize+setFormatSize)
	writeHeader(packet, CategorySetFormat)
	binary.BigEndian.PutUint16(packet[dataOffset:], requestID)
	packet[dataOffset+2] = compression
	return packet
}

// KeystrokePacket builds a Keystroke request.
func KeystrokePacket(key, mods byte) []byte {
	packet := make([]byte, HeaderSize+keystrokeSize)
	writeHeader(packet, CategoryKeystroke)
	packet[dataOffset] = key
	packet[dataOffset+1] = mods
	return packet
}

// AckConnectPacket builds the acknowledgment for a Connect request.
// The first custom byte carries the server's protocol version.
func AckConnectPacket(requestID uint16) []byte {
	packet := make([]byte, HeaderSize+2+ackCustomSize)
	writeHeader(packet, CategoryAck)
	binary.BigEndian.PutUint16(packet[dataOffset:], requestID)
	packet[dataOffset+2] = ProtocolVersion
	return packet
}

// AckSetFormatPacket builds the acknowledgment for a SetFormat request.
// The custom bytes are all zero.
func AckSetFormatPacket(requestID uint16) []byte {
	packet := make([]byte, HeaderSize+2+ackCustomSize)
	writeHeader(packet, CategoryAck)
	binary.BigEndian.PutUint16(packet[dataOffset:], requestID)
	return packet
}

func headerOnly(category Category) []byte {
	packet := make([]byte, HeaderSize)
	writeHeader(packet, category)
	return packet
}

// KeepAlivePacket builds a server keep-alive (header only).
func KeepAlivePacket() []byte {
	return headerOnly(CategoryServerKeepAlive)
}

// ClientKeepAlivePacket builds a client keep-alive (header only).
func ClientKeepAlivePacket() []byte {
	return headerOnly(CategoryClientKeepAlive)
}

// DisconnectPacket builds a disconnect notification (header only).
func DisconnectPacket() []byte {
	return headerOnly(CategoryDisconnect)
}

// AdvertisePacket builds a server advertisement (header only). The
// server announces itself over mDNS rather than sending this packet;
// the category is kept so the codec stays wire-compatible with peers
// that broadcast it.
func AdvertisePacket() []byte {
	return headerOnly(CategoryServerAdvertise)
}
