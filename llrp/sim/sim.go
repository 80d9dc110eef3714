// Package sim provides a scripted llrp.Client double for tests: it records
// submitted AccessSpecs and lets the test inject tag reports (including
// OpSpec results) on its own schedule instead of driving a real reader.
package sim

import (
	"context"
	"sync"

	"github.com/wisp-ert/wtp/llrp"
	"github.com/wisp-ert/wtp/llrpops"
)

// Submission records one NextAccess call for test assertions.
type Submission struct {
	Target llrpops.TagSpec
	Stop   llrpops.AccessStopParam
	Ops    []llrpops.Request
}

// Client is a simulated LLRP reader connection.
type Client struct {
	mu          sync.Mutex
	cb          llrp.TagReportCallback
	submissions []Submission
	connected   bool
	stopped     bool
}

// New returns a disconnected simulated client.
func New() *Client { return &Client{} }

func (c *Client) AddTagReportCallback(cb llrp.TagReportCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = cb
}

func (c *Client) ConnectTCP(ctx context.Context, addr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return nil
}

func (c *Client) NextAccess(ctx context.Context, target llrpops.TagSpec, stop llrpops.AccessStopParam, ops []llrpops.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submissions = append(c.submissions, Submission{Target: target, Stop: stop, Ops: ops})
	return nil
}

func (c *Client) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	return nil
}

// Submissions returns every AccessSpec submitted so far.
func (c *Client) Submissions() []Submission {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Submission, len(c.submissions))
	copy(out, c.submissions)
	return out
}

// Deliver injects a tag report as though it arrived on the next inventory
// round.
func (c *Client) Deliver(reports []llrp.TagReportData) {
	c.mu.Lock()
	cb := c.cb
	c.mu.Unlock()
	if cb != nil {
		cb(reports)
	}
}
