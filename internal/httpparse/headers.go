// Copyright 2026 The localhostess Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpparse recognises a complete HTTP/1.1 request-header block
// inside a byte buffer that may still be growing, and extracts the
// request line and a case-insensitive header map from it. It does no
// body parsing: whatever bytes follow the header block are forwarded
// as-is by the caller.
package httpparse

import (
	"bytes"
	"strings"
)

// headerTerminator is the blank line that ends an HTTP/1.1 header block.
var headerTerminator = []byte("\r\n\r\n")

// Headers is a case-insensitive, last-write-wins header map. Keys are
// stored lowercased.
type Headers map[string]string

// Get looks up a header by name, case-insensitively.
func (h Headers) Get(name string) string {
	return h[strings.ToLower(name)]
}

// Request is the result of parsing a header block.
type Request struct {
	// Complete is true once a full "\r\n\r\n"-terminated header block
	// has been found in the buffer.
	Complete bool
	// Method is the request method, e.g. "GET", "CONNECT".
	Method string
	// Target is the request-target verbatim: a path, an absolute URI,
	// or (for CONNECT) an "authority" of the form host[:port].
	Target string
	// Proto is the HTTP version token, e.g. "HTTP/1.1".
	Proto string
	// Headers is the parsed, case-insensitive header map.
	Headers Headers
	// HeaderEnd is the index just past the terminating blank line;
	// buf[HeaderEnd:] is whatever body bytes have already arrived.
	HeaderEnd int
}

// Parse scans buf for a complete request-header block. If none is found
// yet, it returns a Request with Complete == false and the caller should
// keep accumulating bytes and call Parse again.
func Parse(buf []byte) Request {
	idx := bytes.Index(buf, headerTerminator)
	if idx < 0 {
		return Request{Complete: false}
	}

	headerBlock := buf[:idx]
	req := Request{
		Complete:  true,
		Headers:   make(Headers),
		HeaderEnd: idx + len(headerTerminator),
	}

	lines := strings.Split(string(headerBlock), "\r\n")
	if len(lines) == 0 {
		return req
	}

	method, target, proto := parseRequestLine(lines[0])
	req.Method = method
	req.Target = target
	req.Proto = proto

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			// A line with no colon is not a valid header; ignore it
			// rather than fail the whole parse.
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:colon]))
		value := strings.TrimSpace(line[colon+1:])
		if key == "" {
			continue
		}
		// Last header with the same lowercased key wins.
		req.Headers[key] = value
	}

	return req
}

func parseRequestLine(line string) (method, target, proto string) {
	fields := strings.Fields(line)
	switch len(fields) {
	case 0:
		return "", "", ""
	case 1:
		return fields[0], "", ""
	case 2:
		return fields[0], fields[1], ""
	default:
		return fields[0], fields[1], fields[2]
	}
}

// IsUpgrade reports whether the parsed request is a WebSocket upgrade:
// an "Upgrade: websocket" header alongside a "Connection" header that
// contains the "upgrade" token, both compared case-insensitively, per
// spec §4.3.
func IsUpgrade(h Headers) bool {
	if !strings.EqualFold(h.Get("upgrade"), "websocket") {
		return false
	}
	for _, token := range strings.Split(h.Get("connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
			return true
		}
	}
	return false
}
