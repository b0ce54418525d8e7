package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/badu/pipehttp/hdr"
	"github.com/badu/pipehttp/url"
)

// phase tracks where within one response this Conn currently is. It only
// ever moves phaseHead -> phaseBody -> phaseHead; CanReadHead and
// CanReadBody are therefore never simultaneously true, per contract.
type phase int

const (
	phaseHead phase = iota
	phaseBody
)

// writeHeaderExclude lists headers WriteFullMessage always sets itself;
// any caller-supplied values for these are dropped rather than duplicated.
var writeHeaderExclude = map[string]bool{
	hdr.Host:             true,
	hdr.ContentLength:    true,
	hdr.TransferEncoding: true,
}

// Conn is one HTTP/1.1 framing engine instance over a single net.Conn. It
// is driven by exactly one goroutine on the write side and one on the read
// side (see pipeclient), never concurrently from more than that.
type Conn struct {
	nc net.Conn
	br *bufio.Reader
	bw *bufio.Writer

	closed   bool
	writeErr error

	phase   phase
	bodyLen Length
}

// NewConn wraps an established byte channel for HTTP/1.1 framing.
func NewConn(nc net.Conn) *Conn {
	return &Conn{
		nc:    nc,
		br:    bufio.NewReaderSize(nc, 4096),
		bw:    bufio.NewWriterSize(nc, 4096),
		phase: phaseHead,
	}
}

// CanWriteHead reports whether a new request head may be serialised now.
func (c *Conn) CanWriteHead() bool {
	return !c.closed && c.writeErr == nil
}

// WriteFullMessage serialises one complete request: request line, a
// Host header rewritten unconditionally from head.URL's authority, a
// Content-Length computed from body (request bodies are always whole
// buffers, so chunked request encoding is never needed), the remaining
// caller headers, and the body itself.
func (c *Conn) WriteFullMessage(head RequestHead, body []byte) error {
	if !c.CanWriteHead() {
		return ErrConnClosed
	}
	if head.URL == nil || head.URL.Host == "" {
		return ErrMissingAuthority
	}

	method := head.Method
	if method == "" {
		method = "GET"
	}

	if _, err := fmt.Fprintf(c.bw, "%s %s HTTP/1.1\r\n", method, requestURI(head.URL)); err != nil {
		return c.failWrite(err)
	}
	if _, err := fmt.Fprintf(c.bw, "%s: %s\r\n", hdr.Host, head.URL.Host); err != nil {
		return c.failWrite(err)
	}
	if _, err := fmt.Fprintf(c.bw, "%s: %d\r\n", hdr.ContentLength, len(body)); err != nil {
		return c.failWrite(err)
	}
	if head.Header != nil {
		if err := head.Header.WriteSubset(c.bw, writeHeaderExclude); err != nil {
			return c.failWrite(err)
		}
	}
	if _, err := c.bw.WriteString("\r\n"); err != nil {
		return c.failWrite(err)
	}
	if len(body) > 0 {
		if _, err := c.bw.Write(body); err != nil {
			return c.failWrite(err)
		}
	}
	return nil
}

// requestURI renders the request-target: path(?query) form, falling back
// to "/" for an empty path, matching RFC 7230's origin-form.
func requestURI(u *url.URL) string {
	ru := u.RequestURI()
	if ru == "" {
		return "/"
	}
	return ru
}

// Flush drains buffered output to the underlying channel.
func (c *Conn) Flush() error {
	if c.closed {
		return ErrConnClosed
	}
	if err := c.bw.Flush(); err != nil {
		return c.failWrite(err)
	}
	return nil
}

func (c *Conn) failWrite(err error) error {
	c.writeErr = err
	return err
}

// CanReadHead reports whether the next read should be a response head.
func (c *Conn) CanReadHead() bool {
	return !c.closed && c.phase == phaseHead
}

// CanReadBody reports whether the next read should be a body chunk.
func (c *Conn) CanReadBody() bool {
	return !c.closed && c.phase == phaseBody
}

// ReadHead blocks for the next response's status line and headers, along
// with the declared body length. A clean peer close before any bytes
// arrive is reported as zero values plus the read error itself (io.EOF,
// see IsCleanPeerClose); a close partway through the head is reported as
// ErrUnexpectedEOF, and an overlong line as ErrLineTooLong.
func (c *Conn) ReadHead() (ResponseHead, Length, error) {
	if !c.CanReadHead() {
		return ResponseHead{}, Length{}, ErrConnClosed
	}

	line, err := c.br.ReadSlice('\n')
	if err != nil {
		c.closed = true
		if err == bufio.ErrBufferFull {
			return ResponseHead{}, Length{}, ErrLineTooLong
		}
		if len(line) == 0 {
			// Nothing at all arrived: the peer closed cleanly between
			// messages. The pipelined client maps this to "no more
			// responses" rather than an error when its FIFO is empty.
			return ResponseHead{}, Length{}, err
		}
		return ResponseHead{}, Length{}, ErrUnexpectedEOF
	}
	statusLine := strings.TrimRight(string(line), "\r\n")
	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 {
		c.closed = true
		return ResponseHead{}, Length{}, fmt.Errorf("wire: malformed status line %q", statusLine)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		c.closed = true
		return ResponseHead{}, Length{}, fmt.Errorf("wire: malformed status code %q", parts[1])
	}
	status := ""
	if len(parts) == 3 {
		status = parts[2]
	}

	h := make(hdr.Header)
	for {
		hline, err := c.br.ReadSlice('\n')
		if err != nil {
			c.closed = true
			if err == bufio.ErrBufferFull {
				return ResponseHead{}, Length{}, ErrLineTooLong
			}
			return ResponseHead{}, Length{}, ErrUnexpectedEOF
		}
		trimmed := strings.TrimRight(string(hline), "\r\n")
		if trimmed == "" {
			break
		}
		colon := strings.IndexByte(trimmed, ':')
		if colon < 0 {
			continue
		}
		key := hdr.CanonicalHeaderKey(strings.TrimSpace(trimmed[:colon]))
		val := hdr.TrimString(trimmed[colon+1:])
		h.Add(key, val)
	}

	length := resolveLength(h)
	c.bodyLen = length
	c.phase = phaseBody

	return ResponseHead{
		Proto:      parts[0],
		StatusCode: code,
		Status:     status,
		Header:     h,
	}, length, nil
}

func resolveLength(h hdr.Header) Length {
	if isChunked(h.Get(hdr.TransferEncoding)) {
		return Length{Chunked: true}
	}
	if cl := h.Get(hdr.ContentLength); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
			return Length{Known: true, Remaining: n}
		}
	}
	// Neither chunked nor a declared length: the body is delimited by
	// connection close.
	return Length{}
}

func isChunked(te string) bool {
	if te == "" {
		return false
	}
	parts := strings.Split(te, ",")
	last := strings.TrimSpace(parts[len(parts)-1])
	return strings.EqualFold(last, "chunked")
}

// ReadBodyChunk blocks for the next body chunk. The returned bool is
// "more to come"; false signals the body is complete. For a Content-Length
// body the chunk returned with false carries the last bytes of the body;
// for chunked and close-delimited bodies it is nil.
func (c *Conn) ReadBodyChunk() ([]byte, bool, error) {
	if !c.CanReadBody() {
		return nil, false, ErrConnClosed
	}

	switch {
	case c.bodyLen.Chunked:
		return c.readChunkedBody()
	case c.bodyLen.Known:
		return c.readDeclaredBody()
	default:
		return c.readUntilClose()
	}
}

func (c *Conn) readChunkedBody() ([]byte, bool, error) {
	size, err := readChunkSizeLine(c.br)
	if err != nil {
		c.closed = true
		return nil, false, err
	}
	if size == 0 {
		if err := readTrailer(c.br); err != nil {
			c.closed = true
			return nil, false, err
		}
		c.phase = phaseHead
		return nil, false, nil
	}
	buf := make([]byte, size)
	if _, err := readFull(c.br, buf); err != nil {
		c.closed = true
		return nil, false, err
	}
	if err := discardCRLF(c.br); err != nil {
		c.closed = true
		return nil, false, err
	}
	return buf, true, nil
}

func (c *Conn) readDeclaredBody() ([]byte, bool, error) {
	remaining := c.bodyLen.Remaining
	if remaining == 0 {
		c.phase = phaseHead
		return nil, false, nil
	}
	chunkSize := remaining
	const maxChunk = 32 * 1024
	if chunkSize > maxChunk {
		chunkSize = maxChunk
	}
	buf := make([]byte, chunkSize)
	n, err := c.br.Read(buf)
	if n > 0 {
		c.bodyLen.Remaining -= int64(n)
	}
	if err != nil {
		c.closed = true
		return nil, false, ErrUnexpectedEOF
	}
	buf = buf[:n]
	if c.bodyLen.Remaining == 0 {
		c.phase = phaseHead
		return buf, false, nil
	}
	return buf, true, nil
}

func (c *Conn) readUntilClose() ([]byte, bool, error) {
	buf := make([]byte, 32*1024)
	n, err := c.br.Read(buf)
	if n > 0 {
		// Deliver these bytes now; if err is also set (typically EOF),
		// the next call will observe n==0 and close out the body.
		return buf[:n], true, nil
	}
	c.closed = true
	c.phase = phaseHead
	if err != nil && err != io.EOF {
		return nil, false, err
	}
	return nil, false, nil
}

// readFull reads exactly len(buf) bytes, mapping a short read to
// ErrUnexpectedEOF.
func readFull(br *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := br.Read(buf[total:])
		total += n
		if err != nil {
			if total == len(buf) {
				return total, nil
			}
			return total, ErrUnexpectedEOF
		}
	}
	return total, nil
}

// IsCleanPeerClose reports whether err is the sentinel produced by
// ReadHead when the peer closed with no bytes sent at all (distinct from
// a mid-message EOF). The pipelined client checks this to tell a clean
// shutdown apart from a broken connection.
func IsCleanPeerClose(err error) bool {
	return errors.Is(err, io.EOF)
}

// Shutdown closes the underlying channel, flushing buffered writes first
// on a best-effort basis.
func (c *Conn) Shutdown() error {
	if c.closed {
		return nil
	}
	_ = c.bw.Flush()
	c.closed = true
	return c.nc.Close()
}
