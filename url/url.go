/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package url parses the absolute URLs a pipelined HTTP client sends
// requests to. Unlike net/url, it does not decode or re-encode the path:
// wire.Conn only ever needs a request's authority (for the Host header)
// and its request-target reproduced byte-for-byte, so path and query are
// carried through verbatim instead of being split, escaped, and
// reassembled.
package url

import (
	"fmt"
	"strings"
)

// URL is a parsed absolute HTTP(S) URL: scheme, authority, and the
// opaque path[?query] that follows it.
type URL struct {
	Scheme string
	Host   string // host or host:port
	Opaque string // path, optionally followed by "?query"; never decoded
}

// Parse parses rawURL, which must be of the form
// scheme://host[:port][/path][?query]. A trailing #fragment, if present,
// is discarded: fragments are never sent on the wire.
func Parse(rawURL string) (*URL, error) {
	rawURL, _, _ = strings.Cut(rawURL, "#")

	scheme, rest, ok := strings.Cut(rawURL, "://")
	if !ok || scheme == "" {
		return nil, fmt.Errorf("url: %q is not an absolute URL", rawURL)
	}

	// The authority ends at the first '/' or '?', whichever comes first;
	// everything from there on is the opaque path[?query].
	cut := strings.IndexAny(rest, "/?")
	var host, opaque string
	if cut == -1 {
		host = rest
	} else {
		host, opaque = rest[:cut], rest[cut:]
	}
	if host == "" {
		return nil, fmt.Errorf("url: %q has no host", rawURL)
	}

	return &URL{Scheme: scheme, Host: host, Opaque: opaque}, nil
}

// RequestURI returns the request-target (path, optionally followed by
// "?query") as it should appear on a request line, defaulting to "/"
// when the URL names no path.
func (u *URL) RequestURI() string {
	switch {
	case u.Opaque == "":
		return "/"
	case u.Opaque[0] == '?':
		return "/" + u.Opaque
	default:
		return u.Opaque
	}
}
