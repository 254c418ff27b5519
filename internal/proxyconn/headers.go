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

package proxyconn

import (
	"bytes"
	"net/http"
	"strings"
)

// hopByHopHeaders are stripped from the outbound request before it is
// sent to a backend (spec §4.4), the same hop-by-hop set
// caddyhttp/proxy/reverseproxy.go's hopHeaders strips, trimmed to the
// subset spec §4.4 names.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Transfer-Encoding",
	"Te",
	"Trailer",
	"Upgrade",
}

// conditionalHeaders are stripped so a backend can never answer 304,
// which this proxy has no mechanism to relay meaningfully (spec §4.4).
var conditionalHeaders = []string{
	"If-None-Match",
	"If-Modified-Since",
}

// responseStripHeaders are removed from the backend's response before
// it is relayed to the client (spec §4.4): the outbound stack may have
// decompressed the body and the connection is being closed rather than
// kept alive, so these would misdescribe what's actually on the wire.
var responseStripHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Transfer-Encoding",
	"Content-Length",
	"Content-Encoding",
}

// buildOutboundHeaders copies parsed client headers into an
// http.Header suitable for an outbound request to the backend,
// excluding hop-by-hop and conditional headers and overriding Host.
func buildOutboundHeaders(clientHeaders map[string]string, hostOverride string) http.Header {
	out := make(http.Header, len(clientHeaders))
	for k, v := range clientHeaders {
		out.Set(k, v)
	}
	for _, h := range hopByHopHeaders {
		out.Del(h)
	}
	for _, h := range conditionalHeaders {
		out.Del(h)
	}
	out.Set("Host", hostOverride)
	out.Set("Connection", "close")
	return out
}

// stripResponseHeaders removes the headers spec §4.4 says must never
// appear on a proxied response.
func stripResponseHeaders(h http.Header) {
	for _, name := range responseStripHeaders {
		h.Del(name)
	}
}

// rewriteHostOrigin performs the one-shot Host/Origin rewrite spec
// §4.5 describes for the raw-pipe paths: on the first client→backend
// chunk only, replace the Host: and Origin: header lines with
// "localhost:<port>" (Origin becomes "http://localhost:<port>",
// whatever its original scheme). It operates on raw
// bytes because the raw-pipe paths never parse a full http.Request:
// only the header block has been accumulated, everything after it is
// forwarded opaquely.
func rewriteHostOrigin(buf []byte, newHostPort string) []byte {
	idx := bytes.Index(buf, []byte("\r\n\r\n"))
	headerEnd := len(buf)
	if idx >= 0 {
		headerEnd = idx
	}
	head := buf[:headerEnd]
	rest := buf[headerEnd:]

	lines := strings.Split(string(head), "\r\n")
	for i, line := range lines {
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		name := strings.TrimSpace(line[:colon])
		switch strings.ToLower(name) {
		case "host":
			lines[i] = "Host: " + newHostPort
		case "origin":
			lines[i] = "Origin: http://" + newHostPort
		}
	}

	var out bytes.Buffer
	out.WriteString(strings.Join(lines, "\r\n"))
	out.Write(rest)
	return out.Bytes()
}
