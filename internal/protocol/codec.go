package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrShortDatagram reports a datagram too short to hold a header.
	ErrShortDatagram = errors.New("datagram shorter than header")

	// ErrMalformedSegment reports a header whose counts are inconsistent.
	ErrMalformedSegment = errors.New("malformed segment header")

	// ErrMessageTooLarge reports a payload that needs more segments than
	// the header can count.
	ErrMessageTooLarge = errors.New("message too large")
)

// Encode serializes a Segment into a single datagram.
func Encode(seg *Segment) []byte {
	buf := make([]byte, HeaderSize+len(seg.Payload))
	binary.BigEndian.PutUint32(buf[0:4], seg.WriterID)
	binary.BigEndian.PutUint32(buf[4:8], seg.MessageID)
	binary.BigEndian.PutUint16(buf[8:10], seg.TotalSegments)
	binary.BigEndian.PutUint16(buf[10:12], seg.SegmentIndex)
	copy(buf[HeaderSize:], seg.Payload)
	return buf
}

// Decode deserializes a datagram into a Segment. The payload is copied so
// the caller may reuse data.
func Decode(data []byte) (*Segment, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes (need at least %d)", ErrShortDatagram, len(data), HeaderSize)
	}
	seg := &Segment{
		Header: Header{
			WriterID:      binary.BigEndian.Uint32(data[0:4]),
			MessageID:     binary.BigEndian.Uint32(data[4:8]),
			TotalSegments: binary.BigEndian.Uint16(data[8:10]),
			SegmentIndex:  binary.BigEndian.Uint16(data[10:12]),
		},
	}
	if seg.TotalSegments == 0 || seg.SegmentIndex >= seg.TotalSegments {
		return nil, fmt.Errorf("%w: index %d of %d", ErrMalformedSegment, seg.SegmentIndex, seg.TotalSegments)
	}
	seg.Payload = make([]byte, len(data)-HeaderSize)
	copy(seg.Payload, data[HeaderSize:])
	return seg, nil
}

// SegmentCount returns how many segments a payload of n bytes needs:
// ceil(n / MaxPayloadSize), and at least one so that an empty payload still
// produces a datagram.
func SegmentCount(n int) int {
	if n == 0 {
		return 1
	}
	return (n + MaxPayloadSize - 1) / MaxPayloadSize
}

// Split cuts payload into the segments of message (writerID, messageID).
// Segment payloads alias payload.
func Split(writerID, messageID uint32, payload []byte) ([]*Segment, error) {
	total := SegmentCount(len(payload))
	if total > MaxSegments {
		return nil, fmt.Errorf("%w: %d bytes needs %d segments", ErrMessageTooLarge, len(payload), total)
	}

	segs := make([]*Segment, total)
	for i := range total {
		start := i * MaxPayloadSize
		end := min(start+MaxPayloadSize, len(payload))
		segs[i] = &Segment{
			Header: Header{
				WriterID:      writerID,
				MessageID:     messageID,
				TotalSegments: uint16(total),
				SegmentIndex:  uint16(i),
			},
			Payload: payload[start:end],
		}
	}
	return segs, nil
}
