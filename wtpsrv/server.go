package wtpsrv

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wisp-ert/wtp/events"
	"github.com/wisp-ert/wtp/internal/backoff"
	"github.com/wisp-ert/wtp/internal/epchist"
	"github.com/wisp-ert/wtp/internal/logging"
	"github.com/wisp-ert/wtp/llrp"
	"github.com/wisp-ert/wtp/llrpops"
	"github.com/wisp-ert/wtp/wire"
	"github.com/wisp-ert/wtp/wtpconn"
)

// wispSlots sizes the per-WISP connection and dedup-history tables: WISP
// IDs are a single byte, so direct array indexing replaces a map lookup,
// the same simplification the connection pool this is adapted from makes
// when its key space is small enough to enumerate.
const wispSlots = 256

// Server bridges an LLRP reader connection to the per-WISP WTPConnection
// table: it demultiplexes tag reports into connections, lazily creates
// connections on OPEN, schedules AccessSpecs on a connection's behalf, and
// sweeps retransmit timeouts once per inventory round.
type Server struct {
	cfg     Config
	client  llrp.Client
	conns   [wispSlots]*wtpconn.Conn
	history [wispSlots]epchist.History

	evt     *events.Target
	metrics *Metrics
	log     *slog.Logger

	ctx context.Context
}

// NewServer returns a Server ready to have its Run method called.
func NewServer(cfg Config, client llrp.Client, reg prometheus.Registerer, log *slog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		client:  client,
		evt:     events.NewTarget(),
		metrics: NewMetrics(reg),
		log:     log,
	}
}

// Events returns the server's lifecycle event target, for subscribing to
// connect/half-close/close notifications.
func (s *Server) Events() *events.Target { return s.evt }

// MetricsHandler returns the HTTP handler to serve on cfg.MetricsAddress.
func (s *Server) MetricsHandler() http.Handler { return promhttp.Handler() }

// Conn returns the connection currently open for wispID, or nil.
func (s *Server) Conn(wispID uint8) *wtpconn.Conn { return s.conns[wispID] }

// Run connects to the LLRP reader and drives the connection until ctx is
// cancelled, reconnecting with an exponential backoff on connection loss.
// Everything here, including every tag-report callback invocation, runs on
// this single goroutine: the LLRP client contract guarantees its tag-report
// callback is only ever invoked synchronously from within Run, so no
// connection state is ever touched from two goroutines at once.
func (s *Server) Run(ctx context.Context) error {
	s.ctx = ctx
	s.client.AddTagReportCallback(s.handleTagReport)
	bo := backoff.New()
	for {
		if err := s.client.ConnectTCP(ctx, s.cfg.LLRPAddress); err != nil {
			logging.Err(s.log, "llrp connect failed", slog.String("err", err.Error()))
			if !s.sleepOrDone(ctx, bo.Miss()) {
				return ctx.Err()
			}
			continue
		}
		bo.Hit()
		err := s.client.Run(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logging.Err(s.log, "llrp connection lost, reconnecting", slog.Any("err", err))
		if !s.sleepOrDone(ctx, bo.Miss()) {
			return ctx.Err()
		}
	}
}

func (s *Server) sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// handleTagReport is the LLRP collaborator's tag-report callback: one
// invocation per inventory round.
func (s *Server) handleTagReport(reports []llrp.TagReportData) {
	for _, r := range reports {
		s.handleReport(r)
	}
	s.checkTimeouts(time.Now())
}

func (s *Server) handleReport(r llrp.TagReportData) {
	if len(r.EPC) < 2 {
		return
	}
	wispID, class := r.EPC[0], r.EPC[1]
	if class != llrpops.RFIDWispClass {
		return
	}

	hist := &s.history[wispID]
	if !hist.Seen(r.EPC) {
		hist.Push(r.EPC)
		s.feedPacketStream(wispID, r.EPC[2:])
	} else {
		s.metrics.incEPCDedup(wispID)
	}

	if len(r.OpSpecResults) == 0 {
		return
	}
	conn := s.conns[wispID]
	if conn == nil {
		return
	}
	conn.OnAccessSpecComplete(convertResults(r.OpSpecResults))
}

func convertResults(results []llrp.OpSpecResult) []wtpconn.OpSpecResult {
	out := make([]wtpconn.OpSpecResult, len(results))
	for i, r := range results {
		out[i] = wtpconn.OpSpecResult{
			OpSpecID:        r.OpSpecID,
			Success:         r.Success,
			NumWordsWritten: r.NumWordsWritten,
			ReadData:        r.ReadData,
		}
	}
	return out
}

// feedPacketStream parses the packet stream carried by an uplink payload
// (EPC bytes past the WISP addressing header) and dispatches each decoded
// packet into wispID's connection, lazily creating it on OPEN and removing
// it when a CLOSE packet leaves both half-links closed. A connection whose
// downlink is the last to close (on the ACK of our CLOSE) is not removed
// here.
func (s *Server) feedPacketStream(wispID uint8, data []byte) {
	wire.ParseStream(data, func(p wire.Packet) error {
		conn := s.conns[wispID]
		if conn == nil {
			if p.Type != wire.TypeOpen {
				return nil // no connection yet; anything but OPEN is dropped
			}
			conn = s.newConn(wispID)
		}
		conn.HandlePacket(p)
		if p.Type == wire.TypeClose && conn.BothClosed() {
			s.conns[wispID] = nil
			s.metrics.setConnections(s.countConnections())
		}
		return nil
	})
}

func (s *Server) newConn(wispID uint8) *wtpconn.Conn {
	conn := wtpconn.NewWithParams(wispID, s, s.evt, s.log, wtpconn.Params{
		WindowSize:        s.cfg.windowSize(),
		MaxMessageSize:    s.cfg.MaxMessageSize,
		RetransmitTimeout: s.cfg.RetransmitTimeout,
	})
	conn.SetSizeObserver(sizeObserver{m: s.metrics, wispID: strconv.Itoa(int(wispID))})
	s.conns[wispID] = conn
	s.evt.Emit(events.Connect, wispID)
	s.metrics.setConnections(s.countConnections())
	return conn
}

func (s *Server) countConnections() int {
	n := 0
	for _, c := range s.conns {
		if c != nil {
			n++
		}
	}
	return n
}

// checkTimeouts sweeps every open connection for fragments past their
// retransmit deadline, grounded in the connection pool's own periodic
// CheckTimeouts sweep, generalized to a WISP ID-indexed table.
func (s *Server) checkTimeouts(now time.Time) {
	for wispID, c := range s.conns {
		if c == nil {
			continue
		}
		before := c.Stats().Retransmits
		c.CheckTimeouts(now)
		if after := c.Stats().Retransmits; after != before {
			s.metrics.incRetransmit(uint8(wispID))
		}
	}
}

// SubmitAccessSpec implements wtpconn.Scheduler: it submits a single-pass
// AccessSpec against wispID's target tag, carrying ops. Results come back
// later through a tag report's OpSpecResults, consumed by handleReport.
func (s *Server) SubmitAccessSpec(wispID uint8, ops []llrpops.Request) error {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	target := llrpops.NewWISPTargetInfo(wispID)
	stop := llrpops.NewAccessStopParam()
	return s.client.NextAccess(ctx, target, stop, ops)
}
