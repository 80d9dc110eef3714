package wirecodec_test

import (
	"testing"

	"github.com/wisp-ert/wtp/wirecodec"
)

func TestChecksumRoundTrip(t *testing.T) {
	enc := wirecodec.NewBuffer(nil, wirecodec.XOR)
	enc.BeginChecksum()
	enc.WriteUint8(0x04)
	enc.WriteUint16(0x1234)
	enc.Write([]byte("hello"))
	if err := enc.WriteChecksum(); err != nil {
		t.Fatal(err)
	}

	dec := wirecodec.NewBuffer(enc.Bytes(), wirecodec.XOR)
	dec.BeginChecksum()
	b, _ := dec.ReadUint8()
	if b != 0x04 {
		t.Fatalf("got %x want 0x04", b)
	}
	u, _ := dec.ReadUint16()
	if u != 0x1234 {
		t.Fatalf("got %x want 0x1234", u)
	}
	payload, _ := dec.ReadN(5)
	if string(payload) != "hello" {
		t.Fatalf("got %q want hello", payload)
	}
	if err := dec.ValidateChecksum(); err != nil {
		t.Fatalf("checksum should validate: %v", err)
	}
}

func TestChecksumMismatch(t *testing.T) {
	enc := wirecodec.NewBuffer(nil, wirecodec.XOR)
	enc.BeginChecksum()
	enc.WriteUint8(0xAA)
	enc.WriteChecksum()
	raw := enc.Bytes()
	raw[len(raw)-1] ^= 0xFF // corrupt checksum

	dec := wirecodec.NewBuffer(raw, wirecodec.XOR)
	dec.BeginChecksum()
	dec.ReadUint8()
	if err := dec.ValidateChecksum(); err != wirecodec.ErrInvalidChecksum {
		t.Fatalf("got %v want ErrInvalidChecksum", err)
	}
}

func TestShortBuffer(t *testing.T) {
	dec := wirecodec.NewBuffer([]byte{0x01}, wirecodec.XOR)
	dec.ReadUint8()
	if _, err := dec.ReadUint16(); err != wirecodec.ErrShortBuffer {
		t.Fatalf("got %v want ErrShortBuffer", err)
	}
}
