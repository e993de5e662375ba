package framing

import (
	"bytes"
	"math/rand"
	"testing"
)

func sampleMessages() []GameMessage {
	return []GameMessage{
		{Kind: KindRequest, Module: 1, Method: 2, SeqID: 7, Payload: []byte("hello")},
		{Kind: KindResponse, Module: 1, Method: 2, SeqID: 7, ErrorCode: 0, Payload: []byte{0x01, 0x02}},
		{Kind: KindResponse, Module: 1, Method: 2, SeqID: 8, ErrorCode: 42, Payload: nil},
		{Kind: KindPush, Module: 0xF0, Method: 1, SeqID: 0, PushType: 9, Payload: []byte("push-data")},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, m := range sampleMessages() {
		buf, err := Encode(m, DefaultMaxFrameLength)
		if err != nil {
			t.Fatalf("Encode(%+v): %v", m, err)
		}
		got, err := Decode(buf)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got.Kind != m.Kind || got.Module != m.Module || got.Method != m.Method || got.SeqID != m.SeqID {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, m)
		}
		if got.Kind == KindResponse && got.ErrorCode != m.ErrorCode {
			t.Fatalf("error code mismatch: got %d, want %d", got.ErrorCode, m.ErrorCode)
		}
		if got.Kind == KindPush && got.PushType != m.PushType {
			t.Fatalf("push type mismatch: got %d, want %d", got.PushType, m.PushType)
		}
		if !bytes.Equal(got.Payload, m.Payload) {
			t.Fatalf("payload mismatch: got %v, want %v", got.Payload, m.Payload)
		}
	}
}

func TestEncodeRejectsOversizedFrame(t *testing.T) {
	m := GameMessage{Kind: KindRequest, Payload: make([]byte, 100)}
	_, err := Encode(m, HeaderSize+10)
	if err == nil {
		t.Fatal("expected ErrFrameOverflow, got nil")
	}
}

func TestStreamingDecoderArbitraryChunking(t *testing.T) {
	msgs := sampleMessages()
	var stream []byte
	for _, m := range msgs {
		buf, err := Encode(m, DefaultMaxFrameLength)
		if err != nil {
			t.Fatal(err)
		}
		stream = append(stream, buf...)
	}

	rng := rand.New(rand.NewSource(1))
	var decoded []GameMessage
	d := NewDecoder(DefaultMaxFrameLength)
	pos := 0
	for pos < len(stream) {
		// Feed a random-size chunk (1..7 bytes) to force arbitrary splits.
		n := 1 + rng.Intn(7)
		if pos+n > len(stream) {
			n = len(stream) - pos
		}
		d.Feed(stream[pos : pos+n])
		pos += n

		for {
			msg, ok, err := d.Next()
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if !ok {
				break
			}
			decoded = append(decoded, msg)
		}
	}

	if len(decoded) != len(msgs) {
		t.Fatalf("decoded %d frames, want %d", len(decoded), len(msgs))
	}
	for i, m := range msgs {
		if decoded[i].SeqID != m.SeqID || decoded[i].Kind != m.Kind {
			t.Errorf("frame %d mismatch: got %+v, want %+v", i, decoded[i], m)
		}
	}
	if d.Pending() != 0 {
		t.Errorf("decoder has %d leftover bytes, want 0", d.Pending())
	}
}

func TestStreamingDecoderOversizedFrame(t *testing.T) {
	d := NewDecoder(HeaderSize + 4)
	m := GameMessage{Kind: KindRequest, Payload: make([]byte, 100)}
	buf, err := Encode(m, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	d.Feed(buf)
	_, _, err = d.Next()
	if err == nil {
		t.Fatal("expected ErrFrameOverflow")
	}
}

func TestDecodeTruncatedBuffer(t *testing.T) {
	_, err := Decode([]byte{0x00, 0x00, 0x00, 0x01})
	if err == nil {
		t.Fatal("expected error for truncated header")
	}
}
