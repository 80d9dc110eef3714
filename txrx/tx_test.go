package txrx_test

import (
	"testing"
	"time"

	"github.com/wisp-ert/wtp/seq"
	"github.com/wisp-ert/wtp/txrx"
	"github.com/wisp-ert/wtp/wire"
)

var now = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestTxFragmentsAndAcks(t *testing.T) {
	tx := txrx.NewTx(0, 1024, 0)
	h := tx.AddMsg([]byte("hello world"))

	out := tx.BuildOutput(now, 1024)
	var got []wire.Packet
	if err := wire.ParseStream(out, func(p wire.Packet) error {
		got = append(got, p)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Type != wire.TypeBeginMsg {
		t.Fatalf("expected single begin-msg fragment, got %+v", got)
	}
	if string(got[0].Payload) != "hello world" {
		t.Fatalf("got %q", got[0].Payload)
	}

	if _, _, ok := h.Peek(); ok {
		t.Fatal("handle should not resolve before ack")
	}
	n := tx.HandleAck(seq.Add(0, seq.Size(len("hello world"))))
	if n != 1 {
		t.Fatalf("got %d completed messages, want 1", n)
	}
	if _, err, ok := h.Peek(); !ok || err != nil {
		t.Fatalf("handle should resolve cleanly after ack, ok=%v err=%v", ok, err)
	}
}

func TestTxSplitsAcrossBudget(t *testing.T) {
	tx := txrx.NewTx(0, 1024, 0)
	tx.AddMsg([]byte("0123456789"))

	// First call: tight budget forces only a few bytes of payload through.
	out1 := tx.BuildOutput(now, 9) // 6 header + 1 checksum overhead, leaves 2 bytes payload
	var p1 []wire.Packet
	wire.ParseStream(out1, func(p wire.Packet) error { p1 = append(p1, p); return nil })
	if len(p1) != 1 || p1[0].Type != wire.TypeBeginMsg {
		t.Fatalf("expected one begin fragment: %+v", p1)
	}
	if len(p1[0].Payload) == 0 || len(p1[0].Payload) >= 10 {
		t.Fatalf("expected partial payload, got %d bytes", len(p1[0].Payload))
	}

	out2 := tx.BuildOutput(now, 1024)
	var p2 []wire.Packet
	wire.ParseStream(out2, func(p wire.Packet) error { p2 = append(p2, p); return nil })
	if len(p2) == 0 || p2[0].Type != wire.TypeContMsg {
		t.Fatalf("expected continuation fragment: %+v", p2)
	}
}

func TestTxRejectsAckNotOnBoundary(t *testing.T) {
	tx := txrx.NewTx(0, 1024, 0)
	tx.AddMsg([]byte("0123456789"))
	tx.BuildOutput(now, 1024)
	if n := tx.HandleAck(5); n != 0 {
		t.Fatalf("mid-fragment ack should be rejected, got completed=%d", n)
	}
}

func TestTxControlPacketsGoFirst(t *testing.T) {
	tx := txrx.NewTx(0, 1024, 0)
	tx.AddMsg([]byte("data"))
	tx.AddPacket(wire.BuildOpen())

	out := tx.BuildOutput(now, 1024)
	var got []wire.Packet
	wire.ParseStream(out, func(p wire.Packet) error { got = append(got, p); return nil })
	if len(got) < 2 || got[0].Type != wire.TypeOpen {
		t.Fatalf("expected control packet first: %+v", got)
	}
}

func TestTxRetransmitsAfterDeadline(t *testing.T) {
	tx := txrx.NewTx(0, 1024, 10*time.Second)
	tx.AddMsg([]byte("hi"))
	tx.BuildOutput(now, 1024)

	if tx.Pending(now.Add(5 * time.Second)) {
		t.Fatal("fragment should not be due before its retransmit deadline")
	}

	later := now.Add(11 * time.Second)
	if !tx.Pending(later) {
		t.Fatal("fragment should be due after its retransmit deadline")
	}
	out := tx.BuildOutput(later, 1024)
	var got []wire.Packet
	wire.ParseStream(out, func(p wire.Packet) error { got = append(got, p); return nil })
	if len(got) != 1 || got[0].Type != wire.TypeBeginMsg {
		t.Fatalf("expected resend of begin fragment: %+v", got)
	}
}
