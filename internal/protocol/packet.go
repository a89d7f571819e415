// Package protocol defines the datagram format of the control channel:
// a fixed big-endian header followed by one segment of a message payload.
package protocol

// Wire constants.
const (
	// HeaderSize is the fixed header size:
	// WriterID(4) + MessageID(4) + TotalSegments(2) + SegmentIndex(2).
	HeaderSize = 12

	// MaxDatagramSize bounds every datagram on the wire, header included.
	MaxDatagramSize = 1024

	// MaxPayloadSize is the largest segment payload one datagram can carry.
	MaxPayloadSize = MaxDatagramSize - HeaderSize

	// MaxSegments is the largest segment count the 16-bit header field allows.
	MaxSegments = 1<<16 - 1
)

// Header identifies one segment of one message.
type Header struct {
	WriterID      uint32 // sender's process id
	MessageID     uint32 // per-writer message sequence number
	TotalSegments uint16 // number of segments in the message, ≥ 1
	SegmentIndex  uint16 // zero-based position of this segment
}

// Segment is one framed piece of a message as carried by a single datagram.
type Segment struct {
	Header
	Payload []byte
}

// Key returns the reassembly key of the message this segment belongs to.
func (h Header) Key() MessageKey {
	return MessageKey{WriterID: h.WriterID, MessageID: h.MessageID}
}

// MessageKey is the (writer, message) tuple that uniquely names a message.
type MessageKey struct {
	WriterID  uint32
	MessageID uint32
}
