package framing

import "testing"

// BenchmarkEncodeDecode — round trip of a typical small request frame.
func BenchmarkEncodeDecode(b *testing.B) {
	b.ReportAllocs()
	m := GameMessage{Kind: KindRequest, Module: 5, Method: 12, SeqID: 99, Payload: make([]byte, 64)}

	b.ResetTimer()
	for range b.N {
		buf, err := Encode(m, DefaultMaxFrameLength)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := Decode(buf); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkDecoderFeed — streaming decode of a full frame fed in one chunk.
func BenchmarkDecoderFeed(b *testing.B) {
	b.ReportAllocs()
	m := GameMessage{Kind: KindRequest, Module: 5, Method: 12, SeqID: 99, Payload: make([]byte, 128)}
	buf, err := Encode(m, DefaultMaxFrameLength)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for range b.N {
		d := NewDecoder(DefaultMaxFrameLength)
		d.Feed(buf)
		if _, ok, err := d.Next(); !ok || err != nil {
			b.Fatal(ok, err)
		}
	}
}
