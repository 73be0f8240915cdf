package wire

import (
	"math/rand"
	"testing"
)

func TestHandshakeRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 256; i++ {
		var h Handshake
		h.Port = uint16(rng.Intn(65536))
		rng.Read(h.Identity[:])

		buf := make([]byte, HandshakeSize)
		h.Encode(buf)

		got, err := DecodeHandshake(buf)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got != h {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
		}
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 256; i++ {
		var h Header
		rng.Read(h.Identity[:])
		h.Serial = rng.Uint32()
		h.Type = Type(rng.Intn(8))
		h.HeaderLen = uint16(rng.Intn(1 << 16))
		h.DataLen = rng.Uint32() % (100 << 20)

		buf := make([]byte, HeaderSize)
		h.Encode(buf)

		got, err := DecodeHeader(buf)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got != h {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
		}
	}
}

func TestDecodeHeaderShort(t *testing.T) {
	if _, err := DecodeHeader(make([]byte, HeaderSize-1)); err != ErrShortHeader {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestTypeString(t *testing.T) {
	cases := []struct {
		t    Type
		want string
	}{
		{0, "DATA"},
		{ReqAck, "REQ_ACK"},
		{Ack, "ACK"},
		{Noop, "NOOP"},
		{ReqAck | Ack, "REQ_ACK|ACK"},
	}
	for _, c := range cases {
		if got := c.t.String(); got != c.want {
			t.Errorf("Type(%d).String() = %q, want %q", c.t, got, c.want)
		}
	}
}

func TestSerialWraparound(t *testing.T) {
	var s uint32 = 0xFFFFFFFF
	if got := SerialAfter(s); got != 0 {
		t.Fatalf("SerialAfter(max) = %d, want 0", got)
	}
	if !SerialLess(0xFFFFFFFF, 0) {
		t.Fatalf("expected 0xFFFFFFFF to precede 0 under wraparound order")
	}
	if SerialLess(0, 0xFFFFFFFF) {
		t.Fatalf("expected 0 to not precede 0xFFFFFFFF under wraparound order")
	}
}
