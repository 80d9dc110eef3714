// Package llrp declares the narrow collaborator interface this server needs
// from an LLRP (Low Level Reader Protocol) reader connection: inventorying
// tags, submitting AccessSpecs against a single tag, and receiving the tag
// reports and OpSpec results that come back on subsequent inventory rounds.
// Encoding the actual LLRP wire protocol is out of scope; this package only
// describes the shape of the boundary.
package llrp

import (
	"context"

	"github.com/wisp-ert/wtp/llrpops"
)

// TagReportData is one ROSpec tag report, carrying the observed EPC and,
// when it corresponds to a previously submitted AccessSpec, the results of
// that AccessSpec's OpSpecs.
type TagReportData struct {
	EPC           []byte
	OpSpecResults []OpSpecResult
}

// OpSpecResult is the outcome of a single OpSpec within an AccessSpec.
type OpSpecResult struct {
	OpSpecID          uint16
	Success           bool
	NumWordsWritten   uint16
	ReadDataWordCount uint16
	ReadData          []byte
}

// TagReportCallback is invoked once per inventory round with every tag
// report observed in that round.
type TagReportCallback func(reports []TagReportData)

// Client is the collaborator interface the server depends on. A production
// implementation drives a real LLRP TCP connection; package llrp/sim
// provides a scripted double for tests.
type Client interface {
	// AddTagReportCallback registers cb to be called for every inventory
	// round's tag reports. Only one callback is expected to be registered.
	AddTagReportCallback(cb TagReportCallback)

	// ConnectTCP dials and performs the LLRP connection handshake.
	ConnectTCP(ctx context.Context, addr string) error

	// NextAccess submits a single-pass AccessSpec against the tag selected
	// by target, running the given OpSpecs in order and stopping per stop.
	// It returns promptly; the OpSpec results arrive asynchronously via a
	// later tag report carrying matching OpSpecResult entries, not through
	// the returned error.
	NextAccess(ctx context.Context, target llrpops.TagSpec, stop llrpops.AccessStopParam, ops []llrpops.Request) error

	// Run drives the connection (ROSpec/AccessSpec lifecycle, keepalives)
	// until ctx is cancelled or an unrecoverable error occurs.
	Run(ctx context.Context) error

	// Stop tears down the connection.
	Stop() error
}
