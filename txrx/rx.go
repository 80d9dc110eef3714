package txrx

import (
	"github.com/wisp-ert/wtp/internal/ring"
	"github.com/wisp-ert/wtp/seq"
)

type rxFragment struct {
	seq  seq.Value
	data []byte
}

type msgDescriptor struct {
	begin seq.Value
	size  uint16
}

// Rx is the receive-side sliding window: it admits in-window fragments,
// buffers ones that arrive out of order, and delivers a message only once
// every byte between its BEGIN_MSG and its declared end has been seen.
type Rx struct {
	seqNum seq.Value
	window seq.Size

	fragments   []rxFragment
	descriptors []msgDescriptor

	acc ring.Ring // in-progress message bytes, reset between messages
}

// NewRx returns an Rx starting at irs with the given advertised receive
// window and scratch capacity for the largest message it will reassemble.
func NewRx(irs seq.Value, window seq.Size, maxMsgSize int) *Rx {
	return &Rx{
		seqNum: irs,
		window: window,
		acc:    ring.Ring{Buf: make([]byte, maxMsgSize)},
	}
}

// SeqNum returns the next sequence number the receiver expects, i.e. the
// value to ACK.
func (r *Rx) SeqNum() seq.Value { return r.seqNum }

// Window returns the currently advertised receive window.
func (r *Rx) Window() seq.Size { return r.window }

// SetWindow updates the advertised receive window (how much buffering this
// side is willing to hold for out-of-order fragments).
func (r *Rx) SetWindow(w seq.Size) { r.window = w }

// HandlePacket admits a BEGIN_MSG or CONT_MSG fragment. hasMsgSize and
// msgSize should be set only for BEGIN_MSG. It returns the payloads of any
// messages that became fully reassembled as a result (usually at most one).
// Fragments outside the advertised window, or that overlap the buffered
// fragment (or, for BEGIN_MSG, the declared message descriptor) that follows
// them in sequence order, are silently dropped. Overlap with an earlier
// buffered fragment or descriptor is not checked.
func (r *Rx) HandlePacket(pseq seq.Value, payload []byte, msgSize uint16, hasMsgSize bool) [][]byte {
	plen := seq.Size(len(payload))
	win := seq.Window{Start: r.seqNum, Size: r.window}
	if !win.ContainsRange(pseq, plen) {
		return nil
	}

	if hasMsgSize {
		idx := r.descriptorInsertIndex(pseq)
		if idx < len(r.descriptors) {
			d := r.descriptors[idx]
			if seq.Overlaps(r.seqNum, pseq, seq.Size(msgSize), d.begin, seq.Size(d.size)) {
				return nil
			}
		}
		r.descriptors = insertDescriptor(r.descriptors, idx, msgDescriptor{begin: pseq, size: msgSize})
	}

	fidx := r.fragmentInsertIndex(pseq)
	if fidx < len(r.fragments) {
		nf := r.fragments[fidx]
		if seq.Overlaps(r.seqNum, pseq, plen, nf.seq, seq.Size(len(nf.data))) {
			return nil
		}
	}
	r.fragments = insertFragment(r.fragments, fidx, rxFragment{seq: pseq, data: append([]byte(nil), payload...)})

	return r.drain()
}

func (r *Rx) drain() [][]byte {
	var completed [][]byte
	for len(r.fragments) > 0 && r.fragments[0].seq == r.seqNum {
		f := r.fragments[0]
		r.fragments = r.fragments[1:]
		r.acc.Write(f.data)
		r.seqNum = seq.Add(r.seqNum, seq.Size(len(f.data)))

		if len(r.descriptors) > 0 && r.seqNum == seq.Add(r.descriptors[0].begin, seq.Size(r.descriptors[0].size)) {
			msg := make([]byte, r.acc.Buffered())
			r.acc.Read(msg)
			completed = append(completed, msg)
			r.descriptors = r.descriptors[1:]
		}
	}
	return completed
}

func (r *Rx) descriptorInsertIndex(begin seq.Value) int {
	for i, d := range r.descriptors {
		if seq.LessThan(r.seqNum, begin, d.begin) {
			return i
		}
	}
	return len(r.descriptors)
}

func (r *Rx) fragmentInsertIndex(s seq.Value) int {
	for i, f := range r.fragments {
		if seq.LessThan(r.seqNum, s, f.seq) {
			return i
		}
	}
	return len(r.fragments)
}

func insertDescriptor(s []msgDescriptor, idx int, d msgDescriptor) []msgDescriptor {
	s = append(s, msgDescriptor{})
	copy(s[idx+1:], s[idx:])
	s[idx] = d
	return s
}

func insertFragment(s []rxFragment, idx int, f rxFragment) []rxFragment {
	s = append(s, rxFragment{})
	copy(s[idx+1:], s[idx:])
	s[idx] = f
	return s
}
