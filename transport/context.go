package transport

import (
	"sync"

	zmq "github.com/pebbe/zmq4"

	"github.com/HomoYouDidnt/kloros-sub004/errors"
)

// Context is the process-wide transport resource shared by every adapter
// in a process. It wraps one ZeroMQ context behind an explicit
// acquire/release discipline: adapters acquire it at construction and
// release it on Close. Close marks the handle terminated; the underlying
// context is torn down once the last adapter has released it, so
// already-open sockets keep their linger guarantees.
//
// Create one Context at process start and inject it into every Publisher
// and Subscriber constructor.
type Context struct {
	mu     sync.Mutex
	zctx   *zmq.Context
	refs   int
	closed bool
}

// NewContext creates the shared transport handle. It fails with a
// fatal-classified error when the ZeroMQ library cannot be initialized;
// callers then fall back to the degraded local transport.
func NewContext() (*Context, error) {
	zctx, err := zmq.NewContext()
	if err != nil {
		return nil, errors.WrapFatal(errors.ErrTransportUnavailable, "Context", "NewContext", err.Error())
	}
	return &Context{zctx: zctx}, nil
}

// acquire registers an adapter and returns the raw context for socket
// creation. Fails once Close has been called.
func (c *Context) acquire() (*zmq.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.ErrContextTerminated
	}
	c.refs++
	return c.zctx, nil
}

// release drops one adapter reference. The last release after Close
// terminates the underlying context.
func (c *Context) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refs > 0 {
		c.refs--
	}
	if c.closed && c.refs == 0 && c.zctx != nil {
		_ = c.zctx.Term()
		c.zctx = nil
	}
}

// Refs returns the number of adapters currently holding the handle.
func (c *Context) Refs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs
}

// Close marks the handle terminated. If no adapter holds it, the
// underlying context is torn down immediately; otherwise teardown happens
// when the last adapter releases. Close is idempotent.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.refs == 0 && c.zctx != nil {
		err := c.zctx.Term()
		c.zctx = nil
		if err != nil {
			return errors.WrapTransient(err, "Context", "Close", "terminate")
		}
	}
	return nil
}
