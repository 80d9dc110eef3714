// Package txrx implements the sliding-window reliability engines that turn
// the unreliable, size-limited, asymmetric OpSpec/EPC channels into an
// ordered, reliable byte-message stream in each direction. It is the direct
// descendant of a TCP retransmission queue (ring buffer of outstanding
// segments, oldest-first acknowledgment) generalized to WISP's
// application-framed messages, explicit OpSpec-sized chunking, and
// out-of-order reassembly on the receive side.
package txrx

import (
	"time"

	"github.com/wisp-ert/wtp/future"
	"github.com/wisp-ert/wtp/seq"
	"github.com/wisp-ert/wtp/wire"
)

// Header overhead, in bytes, excluding payload and the trailing checksum
// byte, for each fragment kind.
const (
	contHeaderOverhead  = 1 + 2 + 1 // type + seq + len
	beginHeaderOverhead = contHeaderOverhead + 2
	checksumOverhead    = 1
)

// CompletionHandle resolves when the fragments carrying a Send'd message
// have all been acknowledged, or when a Close's final ACK arrives.
type CompletionHandle = future.Future[struct{}]

type outMsg struct {
	data   []byte
	offset int
	handle *CompletionHandle
}

type fragment struct {
	seq     seq.Value
	data    []byte
	msgSize uint16 // non-zero only for the first fragment of a message
	handle  *CompletionHandle
	dueAt   time.Time // next time this fragment is eligible for (re)send
}

// Tx is the transmit-side sliding window: it fragments queued messages into
// OpSpec-sized chunks, tracks which fragments are still unacknowledged, and
// retransmits any whose retransmit deadline has passed without an ACK. There
// is deliberately no background timer goroutine here: this type is only
// ever touched from the single reactor goroutine, and due-ness is evaluated
// against a caller-supplied "now" each time output is built, the same way
// the connection pool this is adapted from sweeps its own timeouts on each
// poll rather than scheduling a callback per connection.
type Tx struct {
	seqNum  seq.Value // oldest unacknowledged sequence number (anchor)
	nextSeq seq.Value // next sequence number to assign to a new fragment

	peerWindow seq.Size // peer's advertised receive window

	msgs      []*outMsg
	fragments []*fragment
	msgEnds   []seq.Value // FIFO of end-sequence markers for queued/in-flight messages

	controlPackets [][]byte // OPEN/CLOSE/ACK/SET_PARAM, sent ahead of data

	retransmitTimeout time.Duration
}

// NewTx returns a Tx starting at iss with the given peer window and
// retransmit timeout.
func NewTx(iss seq.Value, peerWindow seq.Size, retransmitTimeout time.Duration) *Tx {
	return &Tx{
		seqNum:            iss,
		nextSeq:           iss,
		peerWindow:        peerWindow,
		retransmitTimeout: retransmitTimeout,
	}
}

// SetPeerWindow updates the receive window the peer last advertised via
// SET_PARAM(WINDOW_SIZE).
func (t *Tx) SetPeerWindow(w seq.Size) { t.peerWindow = w }

// SeqNum returns the current oldest-unacknowledged sequence number.
func (t *Tx) SeqNum() seq.Value { return t.seqNum }

// AddMsg enqueues data for reliable delivery and returns a handle that
// resolves once every fragment carrying it has been acknowledged.
func (t *Tx) AddMsg(data []byte) *CompletionHandle {
	h := future.New[struct{}]()
	if len(data) == 0 {
		h.Resolve(struct{}{}, nil)
		return h
	}
	t.msgs = append(t.msgs, &outMsg{data: data, handle: h})
	return h
}

// AddPacket enqueues a pre-built, already-checksummed control packet
// (OPEN/CLOSE/ACK/SET_PARAM) ahead of any pending message data.
func (t *Tx) AddPacket(pkt []byte) {
	t.controlPackets = append(t.controlPackets, pkt)
}

// Pending reports whether there is anything queued to send at time now:
// control packets, fragments past their retransmit deadline, or
// unfragmented message bytes.
func (t *Tx) Pending(now time.Time) bool {
	if len(t.controlPackets) > 0 {
		return true
	}
	for _, f := range t.fragments {
		if now.After(f.dueAt) {
			return true
		}
	}
	return len(t.msgs) > 0
}

// NextDeadline returns the earliest retransmit deadline among outstanding
// fragments, if any.
func (t *Tx) NextDeadline() (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, f := range t.fragments {
		if !found || f.dueAt.Before(earliest) {
			earliest = f.dueAt
			found = true
		}
	}
	return earliest, found
}

// BuildOutput fills up to budget bytes with outbound data as of now: queued
// control packets first, then fragments past their retransmit deadline,
// then newly carved fragments from the message queue, each admitted only
// insofar as it fits within budget and the peer's advertised window.
func (t *Tx) BuildOutput(now time.Time, budget int) []byte {
	var out []byte
	for len(t.controlPackets) > 0 {
		pkt := t.controlPackets[0]
		if len(pkt) > budget {
			break
		}
		out = append(out, pkt...)
		budget -= len(pkt)
		t.controlPackets = t.controlPackets[1:]
	}

	for budget > 0 {
		if t.resendOne(now, &out, &budget) {
			continue
		}
		if !t.allocateFragment(now, &out, &budget) {
			break
		}
	}
	return out
}

func (t *Tx) resendOne(now time.Time, out *[]byte, budget *int) bool {
	for _, f := range t.fragments {
		if !now.After(f.dueAt) {
			continue
		}
		frame := t.frameFor(f)
		if len(frame) > *budget {
			return false
		}
		*out = append(*out, frame...)
		*budget -= len(frame)
		f.dueAt = now.Add(t.retransmitTimeout)
		return true
	}
	return false
}

func (t *Tx) allocateFragment(now time.Time, out *[]byte, budget *int) bool {
	if len(t.msgs) == 0 {
		return false
	}
	msg := t.msgs[0]
	isFirst := msg.offset == 0
	overhead := contHeaderOverhead
	if isFirst {
		overhead = beginHeaderOverhead
	}
	room := *budget - overhead - checksumOverhead
	if room <= 0 {
		return false
	}
	if remain := len(msg.data) - msg.offset; room > remain {
		room = remain
	}
	windowRoom := int(seq.Diff(t.nextSeq, seq.Add(t.seqNum, t.peerWindow)))
	if room > windowRoom {
		room = windowRoom
	}
	if room <= 0 {
		return false
	}

	payload := append([]byte(nil), msg.data[msg.offset:msg.offset+room]...)
	f := &fragment{seq: t.nextSeq, data: payload, handle: msg.handle, dueAt: now.Add(t.retransmitTimeout)}
	if isFirst {
		f.msgSize = uint16(len(msg.data))
	}
	frame := t.frameFor(f)
	*out = append(*out, frame...)
	*budget -= len(frame)

	t.fragments = append(t.fragments, f)

	t.nextSeq = seq.Add(t.nextSeq, seq.Size(room))
	msg.offset += room
	if msg.offset == len(msg.data) {
		t.msgEnds = append(t.msgEnds, seq.Add(f.seq, seq.Size(room)))
		t.msgs = t.msgs[1:]
	}
	return true
}

func (t *Tx) frameFor(f *fragment) []byte {
	if f.msgSize != 0 {
		return wire.BuildBeginMsg(f.seq, f.msgSize, f.data)
	}
	return wire.BuildContMsg(f.seq, f.data)
}

// HandleAck advances the window past all fragments that end at or before
// ack, resolving the completion handle of every message whose last fragment
// is among them. It returns the number of whole
// messages that became fully acknowledged. If ack does not land exactly on
// a fragment boundary, or is beyond the highest sequence number assigned so
// far, the ACK is rejected and 0 is returned with no state change.
func (t *Tx) HandleAck(ack seq.Value) int {
	if seq.LessThan(t.seqNum, t.nextSeq, ack) {
		return 0
	}
	if ack == t.seqNum {
		return 0
	}
	idx := -1
	for i, f := range t.fragments {
		end := seq.Add(f.seq, seq.Size(len(f.data)))
		if ack == end {
			idx = i + 1
			break
		}
		if seq.LessThan(t.seqNum, ack, end) {
			return 0 // mid-fragment, not a valid boundary
		}
	}
	if idx == -1 {
		return 0
	}

	completed := 0
	for i := 0; i < idx; i++ {
		f := t.fragments[i]
		end := seq.Add(f.seq, seq.Size(len(f.data)))
		if len(t.msgEnds) > 0 && seq.LessThanEq(t.seqNum, t.msgEnds[0], end) {
			t.msgEnds = t.msgEnds[1:]
			completed++
			f.handle.Resolve(struct{}{}, nil)
		}
	}
	t.fragments = t.fragments[idx:]
	t.seqNum = ack
	return completed
}
