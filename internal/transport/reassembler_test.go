package transport

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/1ureka/reattach/internal/protocol"
)

func makePayload(n int, seed byte) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = seed + byte(i%251)
	}
	return p
}

func mustSplit(t *testing.T, writer, id uint32, payload []byte) []*protocol.Segment {
	t.Helper()
	segs, err := protocol.Split(writer, id, payload)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	return segs
}

// feed adds segments in order and returns every completed message.
func feed(t *testing.T, r *Reassembler, segs []*protocol.Segment) []*Message {
	t.Helper()
	var out []*Message
	for _, seg := range segs {
		msg, ok := r.Add(seg)
		if !ok {
			t.Fatalf("segment %+v rejected", seg.Header)
		}
		if msg != nil {
			out = append(out, msg)
		}
	}
	return out
}

func reversed(segs []*protocol.Segment) []*protocol.Segment {
	out := make([]*protocol.Segment, len(segs))
	for i, s := range segs {
		out[len(segs)-1-i] = s
	}
	return out
}

// TestReassembleOrders verifies round-trips for forward, reverse and
// shuffled arrival orders across payload sizes 0..N·MaxPayloadSize.
func TestReassembleOrders(t *testing.T) {
	sizes := []int{0, 1, protocol.MaxPayloadSize, protocol.MaxPayloadSize + 1, 5000, 4 * protocol.MaxPayloadSize}
	rng := rand.New(rand.NewPCG(1, 2))

	for _, size := range sizes {
		payload := makePayload(size, 7)
		orders := map[string]func([]*protocol.Segment) []*protocol.Segment{
			"forward": func(s []*protocol.Segment) []*protocol.Segment { return s },
			"reverse": reversed,
			"shuffled": func(s []*protocol.Segment) []*protocol.Segment {
				out := append([]*protocol.Segment(nil), s...)
				rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
				return out
			},
		}
		for name, order := range orders {
			t.Run(fmt.Sprintf("%d bytes %s", size, name), func(t *testing.T) {
				r := NewReassembler(0)
				msgs := feed(t, r, order(mustSplit(t, 10, 1, payload)))
				if len(msgs) != 1 {
					t.Fatalf("got %d messages, want 1", len(msgs))
				}
				if !bytes.Equal(msgs[0].Payload, payload) {
					t.Errorf("payload mismatch for %d bytes", size)
				}
				if msgs[0].WriterID != 10 || msgs[0].MessageID != 1 {
					t.Errorf("identity = %d/%d", msgs[0].WriterID, msgs[0].MessageID)
				}
				if r.Pending() != 0 {
					t.Errorf("Pending = %d after completion", r.Pending())
				}
			})
		}
	}
}

// TestReassembleInterleaved mixes the segments of two messages from the same
// writer and one from another writer.
func TestReassembleInterleaved(t *testing.T) {
	a := makePayload(3000, 1)
	b := makePayload(2100, 2)
	c := makePayload(1500, 3)
	sa := mustSplit(t, 1, 1, a)
	sb := reversed(mustSplit(t, 1, 2, b))
	sc := mustSplit(t, 2, 1, c)

	var mixed []*protocol.Segment
	for i := 0; i < 3; i++ {
		for _, group := range [][]*protocol.Segment{sa, sb, sc} {
			if i < len(group) {
				mixed = append(mixed, group[i])
			}
		}
	}

	r := NewReassembler(0)
	msgs := feed(t, r, mixed)
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	want := map[protocol.MessageKey][]byte{
		{WriterID: 1, MessageID: 1}: a,
		{WriterID: 1, MessageID: 2}: b,
		{WriterID: 2, MessageID: 1}: c,
	}
	for _, m := range msgs {
		key := protocol.MessageKey{WriterID: m.WriterID, MessageID: m.MessageID}
		if !bytes.Equal(m.Payload, want[key]) {
			t.Errorf("message %+v payload mismatch", key)
		}
	}
}

// TestReassembleEmptyProbe checks that a zero-length message is a single
// segment that completes immediately.
func TestReassembleEmptyProbe(t *testing.T) {
	segs := mustSplit(t, 5, 9, nil)
	if len(segs) != 1 {
		t.Fatalf("empty payload produced %d segments, want 1", len(segs))
	}
	r := NewReassembler(0)
	msg, ok := r.Add(segs[0])
	if !ok || msg == nil {
		t.Fatalf("probe not completed: msg=%v ok=%v", msg, ok)
	}
	if len(msg.Payload) != 0 {
		t.Errorf("probe payload = %d bytes, want 0", len(msg.Payload))
	}
}

func TestReassembleDuplicateSegment(t *testing.T) {
	payload := makePayload(2500, 4)
	segs := mustSplit(t, 1, 1, payload)

	r := NewReassembler(0)
	if msg, _ := r.Add(segs[0]); msg != nil {
		t.Fatal("completed after first segment")
	}
	if msg, _ := r.Add(segs[0]); msg != nil {
		t.Fatal("duplicate segment completed the message")
	}
	msgs := feed(t, r, segs[1:])
	if len(msgs) != 1 || !bytes.Equal(msgs[0].Payload, payload) {
		t.Fatalf("duplicate segment corrupted reassembly")
	}
}

func TestReassembleTotalMismatch(t *testing.T) {
	r := NewReassembler(0)
	first := &protocol.Segment{Header: protocol.Header{WriterID: 1, MessageID: 1, TotalSegments: 3, SegmentIndex: 0}}
	liar := &protocol.Segment{Header: protocol.Header{WriterID: 1, MessageID: 1, TotalSegments: 2, SegmentIndex: 1}}

	if _, ok := r.Add(first); !ok {
		t.Fatal("first segment rejected")
	}
	if msg, ok := r.Add(liar); ok || msg != nil {
		t.Fatalf("mismatched total accepted: msg=%v ok=%v", msg, ok)
	}
}

// TestReassembleEviction verifies partial messages time out only when a
// ttl is configured.
func TestReassembleEviction(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }

	segs := mustSplit(t, 1, 1, makePayload(3000, 0))
	other := mustSplit(t, 1, 2, []byte("x"))

	r := NewReassembler(time.Second)
	r.now = clock
	r.Add(segs[0])
	if r.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1", r.Pending())
	}

	now = now.Add(2 * time.Second)
	if msg, _ := r.Add(other[0]); msg == nil {
		t.Fatal("single-segment message not delivered")
	}
	if r.Pending() != 0 || r.Evicted() != 1 {
		t.Fatalf("Pending = %d, Evicted = %d; want 0, 1", r.Pending(), r.Evicted())
	}

	keep := NewReassembler(0)
	keep.now = clock
	keep.Add(segs[0])
	now = now.Add(time.Hour)
	keep.Add(other[0])
	if keep.Pending() != 1 {
		t.Fatalf("ttl 0 evicted a partial message")
	}
}
