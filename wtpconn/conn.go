// Package wtpconn implements the per-WISP connection state machine: the
// OPEN/CLOSE handshake on both directions, the packet handler table that
// drives the sliding-window Tx/Rx engines, and the AccessSpec scheduler that
// decides what to pack into the next AccessSpec submitted on this WISP's
// behalf. It is the generalization of a TCP connection handler split into a
// transport-agnostic control block plus a buffering/scheduling layer, to a
// transport whose only I/O primitive is "submit a batch of OpSpecs and wait
// for the next inventory round."
package wtpconn

import (
	"log/slog"
	"time"

	"github.com/wisp-ert/wtp/events"
	"github.com/wisp-ert/wtp/future"
	"github.com/wisp-ert/wtp/internal/logging"
	"github.com/wisp-ert/wtp/llrpops"
	"github.com/wisp-ert/wtp/seq"
	"github.com/wisp-ert/wtp/sizectrl"
	"github.com/wisp-ert/wtp/txrx"
	"github.com/wisp-ert/wtp/wire"
)

// LinkState is the handshake state of one direction of a connection.
type LinkState uint8

const (
	LinkClosed LinkState = iota
	LinkOpening
	LinkOpened
	LinkClosing
)

func (s LinkState) String() string {
	switch s {
	case LinkClosed:
		return "closed"
	case LinkOpening:
		return "opening"
	case LinkOpened:
		return "opened"
	case LinkClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// MaxOpSpecsPerAccessSpec bounds how many OpSpecs a single AccessSpec
// submission batches together.
const MaxOpSpecsPerAccessSpec = 4

// DefaultRetransmitTimeout is how long an unacknowledged fragment waits
// before it is marked for resend.
const DefaultRetransmitTimeout = 45 * time.Second

// DefaultWindowSize is the receive window advertised until SET_PARAM says
// otherwise.
const DefaultWindowSize seq.Size = 512

// DefaultMaxMessageSize bounds how large a single reassembled message may
// grow, which in turn sizes the Rx reassembly scratch buffer.
const DefaultMaxMessageSize = 4096

// DataHandle resolves with a reassembled message's bytes.
type DataHandle = future.Future[[]byte]

// Scheduler is the callback a Conn uses to ask its owning server to submit
// an AccessSpec on its behalf. SubmitAccessSpec should return promptly;
// results come back later through OnAccessSpecComplete.
type Scheduler interface {
	SubmitAccessSpec(wispID uint8, ops []llrpops.Request) error
}

// Conn is one WISP's connection state: handshake state in both directions,
// the Tx/Rx sliding windows, the adaptive OpSpec size controller, and the
// bookkeeping needed to keep at most one AccessSpec outstanding at a time.
type Conn struct {
	wispID uint8

	uplink   LinkState
	downlink LinkState

	tx   *txrx.Tx
	rx   *txrx.Rx
	size *sizectrl.Controller

	recvMsgs    [][]byte
	recvWaiters []*DataHandle

	readOpSpecSizes []int

	ongoingAccessSpec bool
	pendingOpKinds    map[uint16]llrpops.Kind

	closeHandle *future.Future[struct{}]

	scheduler Scheduler
	evt       *events.Target
	log       *slog.Logger

	stats Stats
}

// Stats exposes observability counters for a connection, grounded in the
// kind of per-connection accounting a connection pool typically tracks.
type Stats struct {
	BytesSent       uint64
	BytesReceived   uint64
	Retransmits     uint64
	AccessSpecsSent uint64
	EPCDedupDropped uint64
}

// Params overrides the window size, max message size, and retransmit
// timeout a connection is built with. The zero value of each field selects
// its Default constant.
type Params struct {
	WindowSize        seq.Size
	MaxMessageSize    int
	RetransmitTimeout time.Duration
}

// New returns a connection for wispID in the initial (both-directions
// closed) state, ready to receive its first OPEN packet, using the default
// window size, message size, and retransmit timeout.
func New(wispID uint8, scheduler Scheduler, evt *events.Target, log *slog.Logger) *Conn {
	return NewWithParams(wispID, scheduler, evt, log, Params{})
}

// NewWithParams is New with the window size, max message size, and
// retransmit timeout overridden by p, as loaded from a server's Config.
func NewWithParams(wispID uint8, scheduler Scheduler, evt *events.Target, log *slog.Logger, p Params) *Conn {
	window := p.WindowSize
	if window == 0 {
		window = DefaultWindowSize
	}
	maxMsg := p.MaxMessageSize
	if maxMsg == 0 {
		maxMsg = DefaultMaxMessageSize
	}
	retransmitTimeout := p.RetransmitTimeout
	if retransmitTimeout == 0 {
		retransmitTimeout = DefaultRetransmitTimeout
	}
	c := &Conn{
		wispID:         wispID,
		rx:             txrx.NewRx(0, window, maxMsg),
		size:           sizectrl.New(),
		pendingOpKinds: make(map[uint16]llrpops.Kind),
		scheduler:      scheduler,
		evt:            evt,
		log:            log,
	}
	c.tx = txrx.NewTx(0, window, retransmitTimeout)
	return c
}

// CheckTimeouts is polled periodically by the server's reactor sweep (there
// is no per-fragment timer goroutine): if any fragment is past its
// retransmit deadline as of now, it counts the retransmit and makes sure an
// AccessSpec gets scheduled to carry the resend out.
func (c *Conn) CheckTimeouts(now time.Time) {
	deadline, ok := c.tx.NextDeadline()
	if !ok || !now.After(deadline) {
		return
	}
	c.stats.Retransmits++
	c.requestAccessSpecAt(now)
}

// WispID returns the WISP this connection belongs to.
func (c *Conn) WispID() uint8 { return c.wispID }

// UplinkState returns the handshake state of the WISP-to-server direction.
func (c *Conn) UplinkState() LinkState { return c.uplink }

// DownlinkState returns the handshake state of the server-to-WISP
// direction.
func (c *Conn) DownlinkState() LinkState { return c.downlink }

// BothClosed reports whether both directions have finished closing, i.e.
// this Conn can be forgotten.
func (c *Conn) BothClosed() bool {
	return c.uplink == LinkClosed && c.downlink == LinkClosed
}

// Stats returns a snapshot of this connection's counters.
func (c *Conn) Stats() Stats { return c.stats }

// SetSizeObserver installs the metrics sink for this connection's adaptive
// OpSpec size controller.
func (c *Conn) SetSizeObserver(o sizectrl.Observer) {
	c.size.SetObserver(o)
}

// Send enqueues data for reliable delivery to the WISP and returns a handle
// that resolves once every fragment carrying it has been acknowledged.
func (c *Conn) Send(data []byte) *future.Future[struct{}] {
	h := c.tx.AddMsg(data)
	c.requestAccessSpec()
	return h
}

// Recv returns a handle that resolves with the next reassembled message,
// immediately if one is already buffered.
func (c *Conn) Recv() *DataHandle {
	if len(c.recvMsgs) > 0 {
		msg := c.recvMsgs[0]
		c.recvMsgs = c.recvMsgs[1:]
		h := future.New[[]byte]()
		h.Resolve(msg, nil)
		return h
	}
	h := future.New[[]byte]()
	c.recvWaiters = append(c.recvWaiters, h)
	return h
}

// Close begins the half-close handshake on the server-to-WISP direction,
// returning a handle that resolves once the peer ACKs the CLOSE packet.
func (c *Conn) Close() (*future.Future[struct{}], error) {
	if c.downlink != LinkOpened {
		h := future.New[struct{}]()
		h.Resolve(struct{}{}, ErrNotOpen)
		return h, ErrNotOpen
	}
	c.downlink = LinkClosing
	c.closeHandle = future.New[struct{}]()
	c.tx.AddPacket(wire.BuildClose())
	c.requestAccessSpec()
	return c.closeHandle, nil
}

// HandlePacket applies one decoded packet's effect to connection state. It
// is the single entry point the server's packet-stream parser calls into.
func (c *Conn) HandlePacket(pkt wire.Packet) {
	switch pkt.Type {
	case wire.TypeOpen:
		c.handleOpen()
	case wire.TypeClose:
		c.handleClose()
	case wire.TypeAck:
		c.handleAck(pkt.Seq)
	case wire.TypeBeginMsg:
		c.handleFragment(pkt.Seq, pkt.Payload, pkt.MsgSize, true)
	case wire.TypeContMsg:
		c.handleFragment(pkt.Seq, pkt.Payload, 0, false)
	case wire.TypeReqUplink:
		c.handleReqUplink(pkt.NReads, pkt.ReadSize)
	case wire.TypeSetParam:
		c.handleSetParam(pkt.ParamCode, pkt.ParamValue)
	}
}

func (c *Conn) handleOpen() {
	c.uplink = LinkOpened
	if c.downlink == LinkClosed {
		c.downlink = LinkOpening
		c.tx.AddPacket(wire.BuildOpen())
	}
	c.ackNow()
	c.requestAccessSpec()
}

func (c *Conn) handleClose() {
	wasOpened := c.downlink == LinkOpened
	c.uplink = LinkClosed
	if wasOpened {
		c.evt.Emit(events.HalfClose, c.wispID)
	} else {
		c.evt.Emit(events.Close, c.wispID)
	}
	c.ackNow()
	c.requestAccessSpec()
}

func (c *Conn) handleAck(ackSeq seq.Value) {
	if c.downlink == LinkOpening && ackSeq == 0 {
		c.downlink = LinkOpened
		return
	}
	if c.downlink == LinkClosing && ackSeq == 0 {
		c.downlink = LinkClosed
		if c.closeHandle != nil {
			c.closeHandle.Resolve(struct{}{}, nil)
			c.closeHandle = nil
		}
		if c.uplink == LinkClosed {
			c.evt.Emit(events.Close, c.wispID)
		}
		return
	}
	c.tx.HandleAck(ackSeq)
}

func (c *Conn) handleFragment(s seq.Value, payload []byte, msgSize uint16, hasMsgSize bool) {
	completed := c.rx.HandlePacket(s, payload, msgSize, hasMsgSize)
	c.stats.BytesReceived += uint64(len(payload))
	for _, msg := range completed {
		if len(c.recvWaiters) > 0 {
			w := c.recvWaiters[0]
			c.recvWaiters = c.recvWaiters[1:]
			w.Resolve(msg, nil)
		} else {
			c.recvMsgs = append(c.recvMsgs, msg)
		}
	}
	c.ackNow()
	c.requestAccessSpec()
}

func (c *Conn) handleReqUplink(n, size uint8) {
	for i := uint8(0); i < n; i++ {
		c.readOpSpecSizes = append(c.readOpSpecSizes, int(size))
	}
	c.ackNow()
	c.requestAccessSpec()
}

func (c *Conn) handleSetParam(code uint8, value uint16) {
	switch code {
	case wire.ParamWindowSize:
		c.rx.SetWindow(seq.Size(value))
	default:
		logging.Err(c.log, ErrUnsupportedOp.Error(), slog.Int("code", int(code)))
	}
	c.ackNow()
}

func (c *Conn) ackNow() {
	c.tx.AddPacket(wire.BuildAck(c.rx.SeqNum()))
}

// FeedUplink parses an embedded packet stream (a Read OpSpec result or an
// EPC payload past the WISP addressing bytes) and dispatches each decoded
// packet into this connection.
func (c *Conn) FeedUplink(data []byte) {
	wire.ParseStream(data, func(p wire.Packet) error {
		c.HandlePacket(p)
		return nil
	})
}

// requestAccessSpec builds the next AccessSpec's OpSpecs from pending Read
// requests and queued Tx output, then submits it through the scheduler. It
// is a no-op if an AccessSpec is already outstanding for this WISP, or if
// there is nothing to send.
func (c *Conn) requestAccessSpec() {
	c.requestAccessSpecAt(time.Now())
}

// requestAccessSpecAt is requestAccessSpec with retransmit due-ness judged
// as of now.
func (c *Conn) requestAccessSpecAt(now time.Time) {
	if c.ongoingAccessSpec {
		return
	}
	var ops []llrpops.Request
	nextID := uint16(1)

	for len(ops) < MaxOpSpecsPerAccessSpec && len(c.readOpSpecSizes) > 0 {
		sz := c.readOpSpecSizes[0]
		c.readOpSpecSizes = c.readOpSpecSizes[1:]
		op := llrpops.NewReadOpSpec(nextID, sz)
		ops = append(ops, llrpops.Request{ID: nextID, Kind: llrpops.KindRead, Read: op})
		c.size.AddRead(sz)
		nextID++
	}

	if len(ops) < MaxOpSpecsPerAccessSpec {
		wdata := c.tx.BuildOutput(now, c.size.WriteSize())
		if len(wdata) > 0 {
			bw, err := llrpops.NewBlockWriteOpSpec(nextID, wdata)
			if err == nil {
				ops = append(ops, llrpops.Request{ID: nextID, Kind: llrpops.KindWrite, Write: bw})
				c.size.AddWrite(len(wdata))
				nextID++
			}
		}
	}

	if len(ops) == 0 {
		return
	}
	for _, op := range ops {
		c.pendingOpKinds[op.ID] = op.Kind
	}
	c.ongoingAccessSpec = true
	c.stats.AccessSpecsSent++
	if err := c.scheduler.SubmitAccessSpec(c.wispID, ops); err != nil {
		c.ongoingAccessSpec = false
		logging.Err(c.log, "AccessSpec submission failed", slog.String("err", err.Error()))
	}
}

// OnAccessSpecComplete applies the results of the most recently submitted
// AccessSpec: adapts OpSpec sizes, feeds any returned Read data back into
// this connection's packet stream, and immediately tries to schedule the
// next AccessSpec if there is more work queued.
func (c *Conn) OnAccessSpecComplete(results []OpSpecResult) {
	for _, r := range results {
		kind, ok := c.pendingOpKinds[r.OpSpecID]
		if !ok {
			continue
		}
		delete(c.pendingOpKinds, r.OpSpecID)
		switch kind {
		case llrpops.KindRead:
			newSize, changed := c.size.ReportReadResult(r.Success, len(r.ReadData))
			if changed {
				c.tx.AddPacket(wire.BuildSetParamU8(wire.ParamReadSize, uint8(newSize)))
			}
			if r.Success && len(r.ReadData) > 0 {
				c.FeedUplink(r.ReadData)
			}
		case llrpops.KindWrite:
			c.size.ReportWriteResult(r.Success, int(r.NumWordsWritten))
		}
	}
	c.ongoingAccessSpec = false
	c.requestAccessSpec()
}

// OpSpecResult mirrors llrp.OpSpecResult to keep this package's public API
// independent of the llrp package (avoiding an import cycle through the
// server, which depends on both).
type OpSpecResult struct {
	OpSpecID        uint16
	Success         bool
	NumWordsWritten uint16
	ReadData        []byte
}
