// Package wire is the framing engine: it serialises HTTP/1.1 request heads
// and bodies onto a net.Conn and parses response heads and bodies back off
// it, exposing the readiness predicates the pipelined client drives.
package wire

import (
	"errors"

	"github.com/badu/pipehttp/hdr"
	"github.com/badu/pipehttp/url"
)

// maxLineLength bounds a single status/header line, guarding against a
// malicious or broken peer never sending '\n'.
const maxLineLength = 4096

var (
	// ErrMissingAuthority is returned by WriteFullMessage when the request
	// URL carries no host to rewrite the Host header from.
	ErrMissingAuthority = errors.New("wire: request URL has no authority")

	// ErrConnClosed is returned by any operation attempted after Shutdown
	// or after a prior I/O error closed the connection.
	ErrConnClosed = errors.New("wire: connection closed")

	// ErrLineTooLong is returned when a status or header line exceeds
	// maxLineLength without a terminating newline.
	ErrLineTooLong = errors.New("wire: header line too long")

	// ErrUnexpectedEOF is returned when the peer closes mid-head or mid-body.
	ErrUnexpectedEOF = errors.New("wire: unexpected EOF")

	// ErrFIFOEmpty signals the invariant violation of a body chunk or head
	// arriving with no corresponding pending receive — the caller (the
	// pipelined client) converts this into client eviction.
	ErrFIFOEmpty = errors.New("wire: response arrived with empty FIFO")
)

// RequestHead is the wire-independent representation of a request's
// start line and headers. Body is supplied separately to WriteFullMessage
// since request bodies are always whole buffers, never streamed.
type RequestHead struct {
	Method string
	URL    *url.URL
	Header hdr.Header
}

// ResponseHead is the parsed status line and headers of one response.
type ResponseHead struct {
	Proto      string
	StatusCode int
	Status     string
	Header     hdr.Header
}

// Length describes how a response body's end is determined.
type Length struct {
	// Chunked means Transfer-Encoding: chunked framing is in effect;
	// Remaining is not used.
	Chunked bool
	// Known means Content-Length was present and Remaining tracks bytes
	// left to read, decreasing monotonically to zero.
	Known bool
	// Remaining is the declared remaining byte count when Known is true.
	Remaining int64
}

// Done reports whether this declared length has been fully consumed.
// Never true for Chunked (the terminal chunk, not a byte count, ends it)
// and never true when length is neither Known nor Chunked (connection
// close delimits the body instead).
func (l Length) Done() bool {
	return l.Known && l.Remaining == 0
}
