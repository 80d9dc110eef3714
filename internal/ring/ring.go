// Package ring implements a fixed-capacity byte ring buffer, adapted from
// the transport layer's general-purpose ring buffer for use as the
// in-progress message accumulator in the receive-side reassembly window:
// bytes are written in as in-order fragments drain off the window, and read
// back out whole once a message's declared end is reached.
package ring

import (
	"errors"
	"io"
)

var (
	errBufferFull = errors.New("ring: buffer full")
	errNoData     = errors.New("ring: empty write")
)

// Ring stores bytes written with Write and read back in order with Read.
// The capacity of Buf bounds how much can be buffered at once.
type Ring struct {
	Buf []byte
	Off int // start of readable data
	End int // end of readable data (exclusive); 0 means empty
}

// Size returns the capacity of the ring buffer.
func (r *Ring) Size() int { return len(r.Buf) }

// Buffered returns the number of bytes ready to read.
func (r *Ring) Buffered() int { return r.Size() - r.Free() }

// Free returns the number of bytes that can still be written.
func (r *Ring) Free() int {
	if r.End == 0 || r.Off == 0 {
		return len(r.Buf) - r.End
	}
	if r.Off < r.End {
		return r.Off + (len(r.Buf) - r.End)
	}
	return r.Off - r.End
}

func (r *Ring) isFull() bool {
	return r.End != 0 && (r.End == r.Off || (r.End == len(r.Buf) && r.Off == 0))
}

func (r *Ring) midFree() int {
	if r.End >= r.Off || r.End == 0 {
		return 0
	}
	return r.Off - r.End
}

// Write appends b, returning errBufferFull if there is insufficient room.
// Write always starts at Off when the buffer was empty.
func (r *Ring) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, errNoData
	}
	if len(b) > r.Free() {
		return 0, errBufferFull
	}
	if r.isFull() {
		return 0, errBufferFull
	}
	if mid := r.midFree(); mid > 0 {
		n := copy(r.Buf[r.End:r.Off], b)
		r.End += n
		return n, nil
	}
	if r.End == 0 {
		r.End = r.Off
	}
	n := copy(r.Buf[r.End:], b)
	r.End += n
	if n < len(b) {
		n2 := copy(r.Buf, b[n:])
		r.End = n2
		n += n2
	}
	return n, nil
}

// Read copies out all currently buffered bytes into b and resets the ring
// to empty. len(b) must be >= Buffered(); callers size b from Buffered().
func (r *Ring) Read(b []byte) (int, error) {
	if r.Buffered() == 0 {
		return 0, io.EOF
	}
	var n int
	if r.End > r.Off {
		n = copy(b, r.Buf[r.Off:r.End])
	} else {
		n = copy(b, r.Buf[r.Off:])
		if n < len(b) {
			n += copy(b[n:], r.Buf[:r.End])
		}
	}
	r.Reset()
	return n, nil
}

// Reset discards all buffered data.
func (r *Ring) Reset() {
	r.Off = 0
	r.End = 0
}
