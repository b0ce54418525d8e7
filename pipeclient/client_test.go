package pipeclient_test

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/badu/pipehttp/hdr"
	"github.com/badu/pipehttp/pipeclient"
	"github.com/badu/pipehttp/wire"
)

func newClient(t *testing.T) (*pipeclient.Client[int], net.Conn, chan pipeclient.Completion[int]) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })

	results := make(chan pipeclient.Completion[int], 16)
	c := pipeclient.New[int](wire.NewConn(a), results, nil)
	return c, b, results
}

func mustHead(t *testing.T, path string) wire.RequestHead {
	t.Helper()
	head, err := wire.NewRequestHead("GET", "http://example.com"+path, hdr.Header{})
	require.NoError(t, err)
	return head
}

// TestOrderPreservation is property #1: for n requests submitted to a
// single client against a mock channel replying in order, the delivered
// handles equal the submission order.
func TestOrderPreservation(t *testing.T) {
	c, server, results := newClient(t)

	const n = 3
	handles := make([]int, n)
	for i := 0; i < n; i++ {
		h, err := c.Submit(mustHead(t, "/"), nil, i)
		require.NoError(t, err)
		handles[i] = int(h.ID)
	}

	go func() {
		buf := make([]byte, 4096)
		for i := 0; i < n; i++ {
			_, _ = server.Read(buf)
		}
		bodies := []string{"a", "bb", "ccc"}
		for _, body := range bodies {
			resp := "HTTP/1.1 200 OK\r\nContent-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body
			_, _ = server.Write([]byte(resp))
		}
	}()

	var gotOrder []int
	var gotBodies []string
	for i := 0; i < n; i++ {
		select {
		case comp := <-results:
			require.NoError(t, comp.Err)
			gotOrder = append(gotOrder, int(comp.Handle.ID))
			gotBodies = append(gotBodies, string(comp.Body))
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for completion")
		}
	}

	require.Equal(t, handles, gotOrder)
	require.Equal(t, []string{"a", "bb", "ccc"}, gotBodies)
}

// TestCleanEOFWithEmptyFIFO is scenario S5.
func TestCleanEOFWithEmptyFIFO(t *testing.T) {
	_, server, results := newClient(t)
	require.NoError(t, server.Close())

	select {
	case comp := <-results:
		require.NoError(t, comp.Err)
		require.True(t, comp.Done)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for shutdown completion")
	}
}

// TestMidStreamErrorEvictsClient is scenario S4: after delivering response
// 1 cleanly, the channel errors during body read of response 2.
func TestMidStreamErrorEvictsClient(t *testing.T) {
	c, server, results := newClient(t)

	_, err := c.Submit(mustHead(t, "/"), nil, 1)
	require.NoError(t, err)
	_, err = c.Submit(mustHead(t, "/"), nil, 2)
	require.NoError(t, err)

	go func() {
		buf := make([]byte, 4096)
		_, _ = server.Read(buf)
		_, _ = server.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\na"))
		_, _ = server.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\nshort"))
		_ = server.Close()
	}()

	first := <-results
	require.NoError(t, first.Err)
	require.EqualValues(t, 1, first.Handle.Data)

	second := <-results
	require.Error(t, second.Err)
	require.True(t, second.Done)
}
