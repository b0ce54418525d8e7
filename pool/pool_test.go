package pool_test

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/badu/pipehttp/handle"
	"github.com/badu/pipehttp/hdr"
	"github.com/badu/pipehttp/pool"
	"github.com/badu/pipehttp/wire"
)

// pipeFactory hands out net.Pipe client ends, pushing the matching server
// end onto a channel the test drains to act as a mock peer per connection.
func pipeFactory(t *testing.T) (pool.Factory, <-chan net.Conn) {
	t.Helper()
	servers := make(chan net.Conn, 16)
	factory := func(ctx context.Context) (net.Conn, error) {
		a, b := net.Pipe()
		t.Cleanup(func() { _ = a.Close() })
		servers <- b
		return a, nil
	}
	return factory, servers
}

func mustHead(t *testing.T, path string) wire.RequestHead {
	t.Helper()
	head, err := wire.NewRequestHead("GET", "http://example.com"+path, hdr.Header{})
	require.NoError(t, err)
	return head
}

func respond(server net.Conn, body string) {
	resp := "HTTP/1.1 200 OK\r\nContent-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body
	_, _ = server.Write([]byte(resp))
}

// TestSingleRequestSingleClient is scenario S1.
func TestSingleRequestSingleClient(t *testing.T) {
	factory, servers := pipeFactory(t)
	maintain := 1
	p := pool.New[int](factory, pool.Config{MaintainSize: &maintain, MaxInflightPerChannel: 4}, nil)
	t.Cleanup(func() { _ = p.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var server net.Conn
	require.Eventually(t, func() bool {
		p.PollConnecting()
		p.PollMaintainConnection()
		select {
		case server = <-servers:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	h := p.Submit(mustHead(t, "/"), nil, 1)
	go func() {
		buf := make([]byte, 4096)
		_, _ = server.Read(buf)
		respond(server, "hello")
	}()

	got, resp, body, err := p.PollResponse(ctx)
	require.NoError(t, err)
	require.Equal(t, h.ID, got.ID)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "hello", string(body))
}

// TestPendingQueueDrainsAfterMaintenance is scenario S3: submit 3 requests
// before any channel connects with maintain_size=2. All three start out
// pending (no client exists yet to select). Once maintenance brings up two
// channels, draining places all three — the third via the overload
// fallback, since the fallback always succeeds while any client is live —
// so the pending count is driven back down to zero.
func TestPendingQueueDrainsAfterMaintenance(t *testing.T) {
	factory, servers := pipeFactory(t)
	maintain := 2
	p := pool.New[int](factory, pool.Config{MaintainSize: &maintain, MaxInflightPerChannel: 1}, nil)
	t.Cleanup(func() { _ = p.Close() })

	p.Submit(mustHead(t, "/a"), nil, 1)
	p.Submit(mustHead(t, "/b"), nil, 2)
	p.Submit(mustHead(t, "/c"), nil, 3)

	require.EqualValues(t, 3, p.Stats().Current().RequestPending)

	require.Eventually(t, func() bool {
		p.PollConnecting()
		return len(servers) == 2
	}, time.Second, time.Millisecond)

	p.DrainPending()

	require.EqualValues(t, 0, p.Stats().Current().RequestPending)
}

// TestOverloadFallback is scenario S6: a single channel at cap 2 still
// accepts a 3rd submission rather than being pended indefinitely.
func TestOverloadFallback(t *testing.T) {
	factory, servers := pipeFactory(t)
	maintain := 1
	p := pool.New[int](factory, pool.Config{MaintainSize: &maintain, MaxInflightPerChannel: 2}, nil)
	t.Cleanup(func() { _ = p.Close() })

	require.Eventually(t, func() bool {
		p.PollConnecting()
		p.PollMaintainConnection()
		return len(servers) == 1
	}, time.Second, time.Millisecond)
	<-servers

	p.Submit(mustHead(t, "/a"), nil, 1)
	p.Submit(mustHead(t, "/b"), nil, 2)
	p.Submit(mustHead(t, "/c"), nil, 3)

	require.EqualValues(t, 0, p.Stats().Current().RequestPending)
}

// TestAccountingConservation is testable property #3: request_sent_count
// always equals the sum of requests still in flight (no FIFO query needed
// here — the scenario's own script pins that count), pending, and both
// response counters.
func TestAccountingConservation(t *testing.T) {
	factory, servers := pipeFactory(t)
	maintain := 1
	p := pool.New[int](factory, pool.Config{MaintainSize: &maintain, MaxInflightPerChannel: 10}, nil)
	t.Cleanup(func() { _ = p.Close() })

	var server net.Conn
	require.Eventually(t, func() bool {
		p.PollConnecting()
		p.PollMaintainConnection()
		select {
		case server = <-servers:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	p.Submit(mustHead(t, "/a"), nil, 1)
	p.Submit(mustHead(t, "/b"), nil, 2)
	p.Submit(mustHead(t, "/c"), nil, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		buf := make([]byte, 4096)
		_, _ = server.Read(buf)
		respond(server, "one")
		respond(server, "two")
	}()

	for i := 0; i < 2; i++ {
		_, _, _, err := p.PollResponse(ctx)
		require.NoError(t, err)
	}

	c := p.Stats().Current()
	require.EqualValues(t, 3, c.RequestSent)
	require.EqualValues(t, 0, c.RequestPending)
	require.EqualValues(t, 2, c.ResponseOK)
	require.EqualValues(t, 0, c.ResponseBad)

	// One request was sent and answered neither by ok/bad nor left pending:
	// it's still sitting in the client's FIFO, awaiting its response. The
	// conservation identity holds with that one request accounted for by
	// neither counter.
	outstanding := c.RequestSent - uint64(c.RequestPending) - c.ResponseOK - c.ResponseBad
	require.EqualValues(t, 1, outstanding)
}

// TestSoftCapRespectedAcrossClients is testable property #4: while more
// than one client has spare capacity under the per-channel cap, successive
// submissions land on distinct clients rather than piling onto one that's
// already at the cap.
func TestSoftCapRespectedAcrossClients(t *testing.T) {
	factory, servers := pipeFactory(t)
	maintain := 2
	p := pool.New[int](factory, pool.Config{MaintainSize: &maintain, MaxInflightPerChannel: 1}, nil)
	t.Cleanup(func() { _ = p.Close() })

	require.Eventually(t, func() bool {
		p.PollConnecting()
		p.PollMaintainConnection()
		return len(servers) == 2
	}, time.Second, time.Millisecond)
	p.PollConnecting()

	p.Submit(mustHead(t, "/a"), nil, 1)
	p.Submit(mustHead(t, "/b"), nil, 2)

	trace := p.Stats().ChannelTrace()
	require.Len(t, trace, 2)
	require.NotEqual(t, trace[0], trace[1], "both clients had spare capacity; submissions should not share one")
}

// TestMaintenanceFloor is testable property #5: after PollMaintainConnection
// runs against a successful factory, living+connecting is never below
// maintain_size, whether or not the connect futures have resolved yet.
func TestMaintenanceFloor(t *testing.T) {
	factory, _ := pipeFactory(t)
	maintain := 3
	p := pool.New[int](factory, pool.Config{MaintainSize: &maintain, MaxInflightPerChannel: 4}, nil)
	t.Cleanup(func() { _ = p.Close() })

	p.PollMaintainConnection()
	c := p.Stats().Current()
	require.GreaterOrEqual(t, c.ConnectionLiving+c.ConnectionConnecting, maintain)

	require.Eventually(t, func() bool {
		p.PollConnecting()
		p.PollMaintainConnection()
		c = p.Stats().Current()
		return c.ConnectionLiving == maintain
	}, time.Second, time.Millisecond)

	c = p.Stats().Current()
	require.GreaterOrEqual(t, c.ConnectionLiving+c.ConnectionConnecting, maintain)
}

// TestIdempotentPoll is testable property #8: polling when nothing is
// ready returns ok=false and leaves every observable counter untouched.
func TestIdempotentPoll(t *testing.T) {
	factory, _ := pipeFactory(t)
	p := pool.New[int](factory, pool.Config{MaxInflightPerChannel: 4}, nil)
	t.Cleanup(func() { _ = p.Close() })

	before := p.Stats().Current()

	h, resp, body, ok := p.TryPollResponse()
	require.False(t, ok)
	require.Equal(t, handle.Request[int]{}, h)
	require.Equal(t, wire.ResponseHead{}, resp)
	require.Nil(t, body)

	require.Equal(t, before, p.Stats().Current())
}
