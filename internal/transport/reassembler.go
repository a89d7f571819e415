package transport

import (
	"bytes"
	"time"

	"github.com/1ureka/reattach/internal/protocol"
)

// Message is a complete, reassembled message.
type Message struct {
	WriterID  uint32
	MessageID uint32
	Payload   []byte
}

// pending collects the segments of one partially received message.
type pending struct {
	slots     [][]byte
	filled    int
	firstSeen time.Time
}

// Reassembler joins segments into messages. Segments of one message may
// arrive in any order and interleaved with other messages; a message is
// released once every index 0..total-1 has been seen.
//
// It is owned by the receiving goroutine and needs no locking.
type Reassembler struct {
	messages map[protocol.MessageKey]*pending
	ttl      time.Duration
	now      func() time.Time
	evicted  int
}

// NewReassembler creates a reassembler. Partial messages older than ttl are
// evicted on the next Add; ttl == 0 keeps them forever.
func NewReassembler(ttl time.Duration) *Reassembler {
	return &Reassembler{
		messages: make(map[protocol.MessageKey]*pending),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Add records one segment. It returns the complete message when seg was
// the last missing piece, or nil otherwise. A segment whose total disagrees
// with earlier segments of the same message is dropped and reported with
// ok == false.
func (r *Reassembler) Add(seg *protocol.Segment) (msg *Message, ok bool) {
	now := r.now()
	r.evicted += r.evict(now)

	key := seg.Key()
	p, exists := r.messages[key]
	if !exists {
		p = &pending{
			slots:     make([][]byte, seg.TotalSegments),
			firstSeen: now,
		}
		r.messages[key] = p
	}
	if len(p.slots) != int(seg.TotalSegments) {
		return nil, false
	}

	if p.slots[seg.SegmentIndex] == nil {
		p.filled++
	}
	payload := seg.Payload
	if payload == nil {
		// nil marks an empty slot.
		payload = []byte{}
	}
	p.slots[seg.SegmentIndex] = payload

	if p.filled < len(p.slots) {
		return nil, true
	}

	delete(r.messages, key)
	return &Message{
		WriterID:  seg.WriterID,
		MessageID: seg.MessageID,
		Payload:   bytes.Join(p.slots, nil),
	}, true
}

// Pending returns the number of partially received messages.
func (r *Reassembler) Pending() int {
	return len(r.messages)
}

// Evicted returns how many partial messages have timed out so far.
func (r *Reassembler) Evicted() int {
	return r.evicted
}

// evict drops partial messages older than the ttl.
func (r *Reassembler) evict(now time.Time) int {
	if r.ttl <= 0 {
		return 0
	}
	evicted := 0
	for key, p := range r.messages {
		if now.Sub(p.firstSeen) > r.ttl {
			delete(r.messages, key)
			evicted++
		}
	}
	return evicted
}
