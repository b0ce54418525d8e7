// Package pool implements the connection pool: admission control, channel
// selection, lazy and maintained connection establishment, failure
// eviction, a bounded pending-request drain, and aggregate statistics over
// many pipeclient.Client instances.
package pool

import (
	"context"
	"net"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/badu/pipehttp/handle"
	"github.com/badu/pipehttp/pipeclient"
	"github.com/badu/pipehttp/stats"
	"github.com/badu/pipehttp/wire"
)

// PendingDrainBound caps how many pending requests DrainPending will try
// to place per call. A tunable, not a hard contract — see DESIGN.md.
var PendingDrainBound = 10

// Factory opens one new underlying byte channel (TCP, TLS, or anything
// else duplex) on demand. It is the pool's sole abstraction over transport
// kind; supplied by the caller.
type Factory func(ctx context.Context) (net.Conn, error)

// Config governs admission and maintenance policy.
type Config struct {
	// MaintainSize, when non-nil, is the target number of live+connecting
	// channels the pool eagerly maintains. Nil means purely lazy
	// connection establishment on demand.
	MaintainSize *int
	// MaxInflightPerChannel is the soft cap used during normal selection;
	// it may be exceeded under the overload fallback (see SelectChannel).
	MaxInflightPerChannel int
}

type pendingItem[T any] struct {
	handle handle.Request[T]
	head   wire.RequestHead
	body   []byte
}

type connectAttempt struct {
	done <-chan connectResult
}

type connectResult struct {
	conn net.Conn
	err  error
}

// Pool multiplexes requests over several pipeclient.Client instances. Not
// safe for concurrent driving: exactly one goroutine at a time should call
// its mutating methods, matching the single-threaded cooperative model the
// pipelined client itself follows.
type Pool[T any] struct {
	factory Factory
	config  Config
	log     logrus.FieldLogger

	clients    []*pipeclient.Client[T]
	connecting []connectAttempt
	pending    []pendingItem[T]
	lastClient int

	results chan pipeclient.Completion[T]

	stats *stats.Record

	now func() time.Time
}

// New constructs an empty pool. now defaults to time.Now; tests may
// substitute a deterministic clock.
func New[T any](factory Factory, config Config, log logrus.FieldLogger) *Pool[T] {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Pool[T]{
		factory: factory,
		config:  config,
		log:     log,
		results: make(chan pipeclient.Completion[T], 256),
		stats:   stats.New(),
		now:     time.Now,
	}
}

// Stats returns the pool's statistics record.
func (p *Pool[T]) Stats() *stats.Record {
	return p.stats
}

// SelectChannel is the two-phase pick described by the pool's admission
// contract: round-robin with admission first, then an overload fallback
// that picks the least-loaded client so a burst can exceed the soft cap
// rather than fail outright.
func (p *Pool[T]) SelectChannel() (*pipeclient.Client[T], int) {
	n := len(p.clients)
	if n == 0 {
		return nil, -1
	}

	for i := 0; i < n; i++ {
		idx := (p.lastClient + i) % n
		c := p.clients[idx]
		if c.CanWriteHead() && c.QueueLen() < p.config.MaxInflightPerChannel {
			p.lastClient = (idx + 1) % n
			return c, idx
		}
	}

	// Overload fallback: minimum FIFO length, ties broken by lower index.
	best := -1
	bestLen := -1
	for i, c := range p.clients {
		if !c.CanWriteHead() {
			continue
		}
		l := c.QueueLen()
		if best == -1 || l < bestLen {
			best, bestLen = i, l
		}
	}
	if best == -1 {
		return nil, -1
	}
	return p.clients[best], best
}

// Submit mints a handle carrying data, selects a client, and either
// dispatches immediately or queues the request for a later DrainPending /
// PollMaintainConnection pass.
func (p *Pool[T]) Submit(head wire.RequestHead, body []byte, data T) handle.Request[T] {
	h := handle.Mint(data)

	c, idx := p.SelectChannel()
	if c != nil {
		if err := c.Enqueue(head, body, h); err == nil {
			p.stats.RecordAccepted(idx)
			p.recordSent()
			return h
		}
	}

	p.pending = append(p.pending, pendingItem[T]{handle: h, head: head, body: body})
	p.recordSent()

	if c == nil {
		p.maybeStartConnection()
	}
	return h
}

func (p *Pool[T]) recordSent() {
	p.stats.Mutate(p.now(), func(c *stats.Counters) {
		c.RequestSent++
		c.RequestPending = len(p.pending)
	})
}

func (p *Pool[T]) maybeStartConnection() {
	target := 0
	if p.config.MaintainSize != nil {
		target = *p.config.MaintainSize
	} else {
		target = len(p.clients) + len(p.connecting) + 1
	}
	if len(p.clients)+len(p.connecting) < target {
		p.startConnection()
	}
}

func (p *Pool[T]) startConnection() {
	ch := make(chan connectResult, 1)
	go func() {
		conn, err := p.factory(context.Background())
		ch <- connectResult{conn: conn, err: err}
	}()
	p.connecting = append(p.connecting, connectAttempt{done: ch})
	p.stats.Mutate(p.now(), func(c *stats.Counters) {
		c.ConnectionConnecting = len(p.connecting)
	})
}

// DrainPending tries, up to PendingDrainBound iterations, to place the
// front pending request onto an available client. A rejected request goes
// to the back of the queue; when no client is available at all, the
// request is put back at the front and the drain stops early — the bound
// exists precisely to prevent unbounded work in one poll.
func (p *Pool[T]) DrainPending() {
	for i := 0; i < PendingDrainBound && len(p.pending) > 0; i++ {
		item := p.pending[0]
		p.pending = p.pending[1:]

		c, idx := p.SelectChannel()
		if c == nil {
			p.pending = append([]pendingItem[T]{item}, p.pending...)
			break
		}
		if err := c.Enqueue(item.head, item.body, item.handle); err != nil {
			p.pending = append(p.pending, item)
			continue
		}
		p.stats.RecordAccepted(idx)
	}
	p.stats.Mutate(p.now(), func(c *stats.Counters) {
		c.RequestPending = len(p.pending)
	})
}

// PollConnecting advances in-progress channel futures: on success a new
// Client is appended (wired to the pool's shared results channel); on
// error the attempt is simply discarded — maintenance retries it on the
// next poll if still under MaintainSize.
func (p *Pool[T]) PollConnecting() {
	remaining := p.connecting[:0]
	var established uint64
	for _, attempt := range p.connecting {
		select {
		case res := <-attempt.done:
			if res.err != nil {
				p.log.WithError(res.err).Warn("pool: channel establishment failed")
				continue
			}
			conn := wire.NewConn(res.conn)
			client := pipeclient.New[T](conn, p.results, p.log)
			p.clients = append(p.clients, client)
			established++
		default:
			remaining = append(remaining, attempt)
		}
	}
	p.connecting = remaining

	p.stats.Mutate(p.now(), func(c *stats.Counters) {
		c.ConnectionNew += established
		c.ConnectionLiving = len(p.clients)
		c.ConnectionConnecting = len(p.connecting)
	})
}

// PollMaintainConnection starts new channels while living+connecting is
// below MaintainSize. A no-op when MaintainSize is nil (purely lazy mode).
func (p *Pool[T]) PollMaintainConnection() {
	if p.config.MaintainSize == nil {
		return
	}
	target := *p.config.MaintainSize
	for len(p.clients)+len(p.connecting) < target {
		p.startConnection()
	}
}

// TryPollResponse performs one non-blocking poll cycle: drains pending
// requests, advances connecting channels, runs maintenance, and returns at
// most one completed response if one was immediately available on the
// fan-in channel. ok is false when nothing was ready.
func (p *Pool[T]) TryPollResponse() (h handle.Request[T], resp wire.ResponseHead, body []byte, ok bool) {
	p.pruneClosingClients()
	p.DrainPending()
	p.PollConnecting()
	p.PollMaintainConnection()

	select {
	case comp := <-p.results:
		h, resp, body, ok = p.handleCompletion(comp)
	default:
	}
	return
}

// PollResponse blocks (honouring ctx cancellation) until one response
// completes, running the same admission/maintenance machinery as
// TryPollResponse while it waits. This is the idiomatic-Go "channel of
// completions" alternative the design explicitly sanctions in place of a
// literal poll/Pending interface.
func (p *Pool[T]) PollResponse(ctx context.Context) (handle.Request[T], wire.ResponseHead, []byte, error) {
	for {
		p.pruneClosingClients()
		p.DrainPending()
		p.PollConnecting()
		p.PollMaintainConnection()

		select {
		case comp := <-p.results:
			h, resp, body, ok := p.handleCompletion(comp)
			if ok {
				return h, resp, body, nil
			}
			// Done event for a now-evicted client: loop and poll again.
		case <-ctx.Done():
			return handle.Request[T]{}, wire.ResponseHead{}, nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
			// Re-run admission/maintenance periodically even while idle,
			// so maintained connections come up without a caller needing
			// to submit first.
		}
	}
}

func (p *Pool[T]) handleCompletion(comp pipeclient.Completion[T]) (handle.Request[T], wire.ResponseHead, []byte, bool) {
	if comp.Done {
		p.pruneClosingClients()
		p.stats.Mutate(p.now(), func(c *stats.Counters) {
			if comp.Err != nil {
				c.ResponseBad++
			}
			c.ConnectionLiving = len(p.clients)
		})
		return handle.Request[T]{}, wire.ResponseHead{}, nil, false
	}

	p.stats.Mutate(p.now(), func(c *stats.Counters) {
		c.ResponseOK++
	})
	return comp.Handle, comp.Response, comp.Body, true
}

// pruneClosingClients removes clients that can no longer write a head
// (the channel is closing) from the selection set. This is silent
// eviction — not an error — distinct from a client reporting a hard
// failure via the results channel; it runs on every poll, matching the
// pool's scan of !can_write_head() clients.
func (p *Pool[T]) pruneClosingClients() {
	live := p.clients[:0]
	for _, c := range p.clients {
		if c.CanWriteHead() {
			live = append(live, c)
		}
	}
	p.clients = live
}

// Close stops all clients, aggregating any shutdown errors.
func (p *Pool[T]) Close() error {
	var result *multierror.Error
	for _, c := range p.clients {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	p.clients = nil
	return result.ErrorOrNil()
}
