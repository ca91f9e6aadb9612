package stormlsp

import (
	"context"
	"encoding/json"
	"sync"
)

// Result is the outcome of a completed request: the raw JSON result, or an
// error (RPC error, crash, cancellation, timeout).
type Result struct {
	Value json.RawMessage
	Err   error
}

// Pending is the completion handle for an in-flight request. It resolves
// exactly once: by a genuine response, or by CancelAll when the connection
// is torn down.
type Pending struct {
	method string
	ch     chan Result
}

// Method returns the request method this completion belongs to.
func (p *Pending) Method() string { return p.method }

// Done returns a channel that delivers the result exactly once. Suitable
// for non-blocking polling from a host loop.
func (p *Pending) Done() <-chan Result { return p.ch }

// Wait blocks until the request resolves or ctx is done.
func (p *Pending) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-p.ch:
		return res.Value, res.Err
	}
}

// WaitInto waits for the result and unmarshals it into out (if non-nil).
func (p *Pending) WaitInto(ctx context.Context, out any) error {
	raw, err := p.Wait(ctx)
	if err != nil {
		return err
	}
	if out != nil && len(raw) > 0 && string(raw) != "null" {
		return json.Unmarshal(raw, out)
	}
	return nil
}

// Correlator owns the pending-request table of one connection. Request ids
// are scoped to the connection instance; a restarted server starts over at
// one.
type Correlator struct {
	mu      sync.Mutex
	nextID  int64
	pending map[int64]*Pending
	closed  bool
}

// NewCorrelator creates an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[int64]*Pending)}
}

// Register allocates a fresh request id and a completion handle for it.
// After close, the handle is returned already resolved with ErrShutdown so
// no caller ever waits on a dead table.
func (c *Correlator) Register(method string) (int64, *Pending) {
	p := &Pending{method: method, ch: make(chan Result, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		p.ch <- Result{Err: ErrShutdown}
		return 0, p
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = p
	c.mu.Unlock()

	return id, p
}

// Resolve completes exactly one pending entry. Resolving an unknown id is a
// no-op: servers are allowed to send duplicate or late responses.
func (c *Correlator) Resolve(id int64, value json.RawMessage, err error) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if ok {
		p.ch <- Result{Value: value, Err: err}
	}
}

// CancelAll resolves every outstanding entry with reason and marks the
// table closed. Used when a connection is stopped or crashes.
func (c *Correlator) CancelAll(reason error) {
	c.mu.Lock()
	orphans := c.pending
	c.pending = make(map[int64]*Pending)
	c.closed = true
	c.mu.Unlock()

	for _, p := range orphans {
		p.ch <- Result{Err: reason}
	}
}

// Outstanding returns the number of unresolved requests.
func (c *Correlator) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
