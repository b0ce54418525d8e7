// Package pipeclient implements the per-connection pipelined HTTP/1.1
// client: one FIFO queue matching responses to the requests that produced
// them, driven by a dedicated writer goroutine and a dedicated reader
// goroutine rather than one goroutine per request (which would defeat
// pipelining and break ordering).
package pipeclient

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/badu/pipehttp/handle"
	"github.com/badu/pipehttp/internal/ioerrs"
	"github.com/badu/pipehttp/wire"
)

// ErrClientClosed is returned by Enqueue/Submit once the client has
// observed a write-side failure and can no longer accept requests.
var ErrClientClosed = errors.New("pipeclient: client closed")

// Completion is what a Client pushes onto its owner's fan-in channel: one
// finished request (success) or a terminal client-level event (Done set,
// Handle zero-valued; Err non-nil for an error, nil for a clean shutdown).
type Completion[T any] struct {
	Handle   handle.Request[T]
	Response wire.ResponseHead
	Body     []byte
	// Done marks the client's single terminal event: after it the client
	// accepts no more requests. Err is non-nil when that event is a
	// protocol/IO error (evict with loss of any still-pending requests) and
	// nil when it is a clean peer close.
	Err  error
	Done bool
}

type pendingReceive[T any] struct {
	handle handle.Request[T]
}

type pendingWrite[T any] struct {
	head   wire.RequestHead
	body   []byte
	handle handle.Request[T]
}

// Client owns one duplex byte channel and its framing engine, and runs
// exactly two goroutines: one draining writes in FIFO order, one reading
// heads and body chunks in FIFO order and matching them to the queue.
type Client[T any] struct {
	conn *wire.Conn
	log  logrus.FieldLogger

	writeCh chan pendingWrite[T]
	results chan<- Completion[T]

	closed atomic.Bool

	mu    sync.Mutex
	queue []*pendingReceive[T]

	writeErrOnce sync.Once
	stopWriter   chan struct{}
}

// New starts a Client over conn, pushing every completed or terminal event
// onto results (owned by the caller — typically a pool's shared fan-in
// channel so the caller drains one channel instead of polling N clients).
func New[T any](conn *wire.Conn, results chan<- Completion[T], log logrus.FieldLogger) *Client[T] {
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &Client[T]{
		conn:       conn,
		log:        log,
		// Generously sized: admission control (the pool's
		// max_inflight_per_channel, or a standalone caller's own
		// discipline) is what actually bounds in-flight requests: this
		// buffer only needs to never be the thing that blocks Enqueue.
		writeCh:    make(chan pendingWrite[T], 4096),
		results:    results,
		stopWriter: make(chan struct{}),
	}
	go c.writeLoop()
	go c.readLoop()
	return c
}

// CanWriteHead reports whether this client can accept another request.
func (c *Client[T]) CanWriteHead() bool {
	return !c.closed.Load() && c.conn.CanWriteHead()
}

// QueueLen returns the current FIFO depth (requests written, response not
// yet fully delivered).
func (c *Client[T]) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Submit mints its own handle and enqueues req. Standalone convenience for
// callers driving a single Client directly, outside a pool.
func (c *Client[T]) Submit(head wire.RequestHead, body []byte, data T) (handle.Request[T], error) {
	h := handle.Mint(data)
	if err := c.Enqueue(head, body, h); err != nil {
		return handle.Request[T]{}, err
	}
	return h, nil
}

// Enqueue admits req under a pre-minted handle — the shape a pool uses,
// since the pool mints the handle itself before selecting a client. Must
// not block: on a closed client or a full write buffer, it returns an
// error immediately and leaves the client's FIFO untouched so the caller
// (typically the pool) can re-route the request elsewhere.
//
// The FIFO append happens before the writeCh send, not after: writeLoop
// and readLoop run on their own goroutines, and the only happens-before
// edge a channel send establishes is with the matching receive completing
// — nothing orders a later statement in this goroutine (the append) before
// work the receiving goroutine does in response to the receive. Appending
// first means the entry is always visible to readLoop by the time a
// response for it could possibly arrive.
func (c *Client[T]) Enqueue(head wire.RequestHead, body []byte, h handle.Request[T]) error {
	if !c.CanWriteHead() {
		return ErrClientClosed
	}

	entry := &pendingReceive[T]{handle: h}
	c.mu.Lock()
	c.queue = append(c.queue, entry)
	c.mu.Unlock()

	select {
	case c.writeCh <- pendingWrite[T]{head: head, body: body, handle: h}:
		return nil
	default:
		// The write never happened: undo the append. Remove by identity,
		// not by assuming it's still the tail — a concurrent Enqueue may
		// have appended after it.
		c.mu.Lock()
		for i, e := range c.queue {
			if e == entry {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
		return ErrClientClosed
	}
}

func (c *Client[T]) writeLoop() {
	for {
		select {
		case pw := <-c.writeCh:
			if err := c.conn.WriteFullMessage(pw.head, pw.body); err != nil {
				c.fail(err)
				return
			}
			if err := c.conn.Flush(); err != nil {
				c.fail(err)
				return
			}
		case <-c.stopWriter:
			return
		}
	}
}

func (c *Client[T]) readLoop() {
	for {
		if !c.conn.CanReadHead() {
			// CanReadHead/CanReadBody alternate strictly; a framing engine
			// that is neither ready to read a head nor ready (per its own
			// bookkeeping) indicates the prior read already closed it out.
			return
		}

		respHead, _, err := c.conn.ReadHead()
		if err != nil {
			if wire.IsCleanPeerClose(err) {
				// A clean close is only really clean if nothing was left
				// pending for it; an empty FIFO is the invariant Ensure
				// lifts back into an error when violated.
				c.fail(ioerrs.Ensure(c.queueEmpty(), err))
			} else {
				c.fail(err)
			}
			return
		}

		body, err := c.drainBody()
		if err != nil {
			c.fail(err)
			return
		}

		h, err := c.popFront()
		if err != nil {
			c.fail(err)
			return
		}

		c.results <- Completion[T]{Handle: h, Response: respHead, Body: body}
	}
}

// drainBody reads body chunks until the framing engine signals the
// message is complete, accumulating them into one buffer: responses are
// only delivered once fully buffered, never streamed.
func (c *Client[T]) drainBody() ([]byte, error) {
	var buf []byte
	for c.conn.CanReadBody() {
		chunk, more, err := c.conn.ReadBodyChunk()
		if err != nil {
			return nil, err
		}
		if len(chunk) > 0 {
			buf = append(buf, chunk...)
		}
		if !more {
			break
		}
	}
	return buf, nil
}

// popFront removes and returns the oldest pending receive. An empty FIFO
// here means a head arrived with nothing expecting it — an invariant
// violation, lifted into wire.ErrFIFOEmpty via ioerrs.EnsureVal rather
// than a bare boolean the caller has to know to check.
func (c *Client[T]) popFront() (handle.Request[T], error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return ioerrs.EnsureVal(handle.Request[T]{}, false, wire.ErrFIFOEmpty)
	}
	front := c.queue[0]
	c.queue = c.queue[1:]
	return ioerrs.EnsureVal(front.handle, true, nil)
}

func (c *Client[T]) queueEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue) == 0
}

// fail marks the client closed and notifies the owner exactly once. err
// nil means a clean peer-initiated shutdown, not a failure.
func (c *Client[T]) fail(err error) {
	c.writeErrOnce.Do(func() {
		c.closed.Store(true)
		close(c.stopWriter)
		if err != nil {
			c.log.WithError(err).Warn("pipeclient: evicting connection")
		} else {
			c.log.Debug("pipeclient: peer closed connection cleanly")
		}
		c.results <- Completion[T]{Err: err, Done: true}
	})
}

// Close shuts the underlying channel down from the owner's side (as
// opposed to fail, which reacts to a read/write failure already observed).
func (c *Client[T]) Close() error {
	c.closed.Store(true)
	return c.conn.Shutdown()
}
