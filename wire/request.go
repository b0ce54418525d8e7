package wire

import (
	"github.com/badu/pipehttp/hdr"
	"github.com/badu/pipehttp/url"
)

// NewRequestHead parses rawURL and builds a RequestHead, the form
// WriteFullMessage consumes. The URL must carry an authority component
// (scheme://host[:port]/path); every request is sent to a specific host.
// url.Parse itself rejects a missing host, so there is nothing further to
// check here.
func NewRequestHead(method, rawURL string, header hdr.Header) (RequestHead, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return RequestHead{}, err
	}
	if header == nil {
		header = make(hdr.Header)
	}
	return RequestHead{Method: method, URL: u, Header: header}, nil
}
