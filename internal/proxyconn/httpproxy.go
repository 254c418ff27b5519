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
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sleexyz/localhostess/internal/httpparse"
	"github.com/sleexyz/localhostess/internal/proxyerr"
)

// backendTransport is shared across all HTTP-proxy-path requests. It is
// deliberately bare: no redirect following (RoundTrip never follows
// redirects; only http.Client.Do does), no connection reuse needed
// since every outbound request already carries Connection: close.
var backendTransport = &http.Transport{
	DialContext: (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
}

// ProxyHTTP implements spec §4.4 (and, by sharing this function, the
// TLS virtual server's equivalent non-websocket path in §4.6): issue an
// outbound HTTP request to the selected backend, strip hop-by-hop and
// conditional headers on the way out, and stream the filtered response
// back to client with Connection: close.
//
// relativePath is the request-target to send to the backend (for the
// reverse-proxy path this is req.Target verbatim; for the forward-proxy
// path it is the absolute URI's path+query).
func ProxyHTTP(ctx context.Context, client io.Writer, req httpparse.Request, bufferedBody []byte, targetPort uint16, relativePath string) error {
	backendURL := fmt.Sprintf("http://localhost:%d%s", targetPort, relativePath)

	var bodyReader io.Reader
	if shouldForwardBody(req.Method, bufferedBody) {
		bodyReader = bytes.NewReader(bufferedBody)
	}

	outreq, err := http.NewRequestWithContext(ctx, req.Method, backendURL, bodyReader)
	if err != nil {
		return proxyerr.Wrap(proxyerr.KindBackendHTTPFailed, "build outbound request", err)
	}
	outreq.Header = buildOutboundHeaders(req.Headers, "localhost:"+strconv.Itoa(int(targetPort)))

	res, err := backendTransport.RoundTrip(outreq)
	if err != nil {
		return proxyerr.Wrap(proxyerr.KindBackendHTTPFailed, "backend round trip", err)
	}
	defer res.Body.Close()

	stripResponseHeaders(res.Header)
	res.Header.Set("Connection", "close")

	if err := writeResponseHead(client, res); err != nil {
		drainResponseBody(res.Body)
		return proxyerr.Wrap(proxyerr.KindClientClosed, "write response head", err)
	}
	if _, err := io.Copy(client, res.Body); err != nil {
		drainResponseBody(res.Body)
		return proxyerr.Wrap(proxyerr.KindClientClosed, "stream response body", err)
	}
	return nil
}

// drainResponseBody reads any remaining bytes of a backend response
// body that a client-write failure left unconsumed, so the backend
// connection (res.Body.Close's underlying transport round trip) closes
// with FIN rather than RST (spec §4.6). Bounded so a backend that never
// stops sending can't hang the connection handler forever.
func drainResponseBody(body io.ReadCloser) {
	_, _ = io.CopyN(io.Discard, body, maxDrainBytes)
}

// maxDrainBytes caps the drain in drainResponseBody; it is a defensive
// limit, not part of the protocol.
const maxDrainBytes = 4 << 20

// shouldForwardBody implements spec §4.4: "Forward the body iff method
// is not GET/HEAD and the already-buffered body is non-empty."
func shouldForwardBody(method string, body []byte) bool {
	if len(body) == 0 {
		return false
	}
	return method != http.MethodGet && method != http.MethodHead
}

func writeResponseHead(w io.Writer, res *http.Response) error {
	if _, err := fmt.Fprintf(w, "HTTP/1.1 %s\r\n", res.Status); err != nil {
		return err
	}
	if err := res.Header.Write(w); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// WriteBadGateway emits the spec §4.4/§7 502 response for any outbound
// failure and should be followed by closing the connection.
func WriteBadGateway(w io.Writer, reason string) error {
	body := "Bad Gateway: " + reason
	_, err := fmt.Fprintf(w, "HTTP/1.1 502 Bad Gateway\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		len(body), body)
	return err
}

// WriteNotFound emits the spec §4.3 rule 5 / §8 scenario-2 404 for an
// unresolved reverse-proxy subdomain.
func WriteNotFound(w io.Writer, subdomain string) error {
	body := fmt.Sprintf("No server found for %q", subdomain+".localhost")
	_, err := fmt.Fprintf(w, "HTTP/1.1 404 Not Found\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		len(body), body)
	return err
}

// WriteForbidden emits the spec §4.3 rule 3 403 for a disallowed Host
// header.
func WriteForbidden(w io.Writer) error {
	body := "Forbidden: disallowed Host header"
	_, err := fmt.Fprintf(w, "HTTP/1.1 403 Forbidden\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		len(body), body)
	return err
}

// WriteConnectionEstablished emits the 200 response that opens a
// CONNECT tunnel (spec §4.5/§4.6).
func WriteConnectionEstablished(w io.Writer) error {
	_, err := io.WriteString(w, "HTTP/1.1 200 Connection Established\r\n\r\n")
	return err
}

// WriteRedirectToHTTPS emits the spec §4.3 rule 2 / §6 302 redirect a
// forward-proxy HTTP request gets when MITM is available.
func WriteRedirectToHTTPS(w io.Writer, target, path string) error {
	location := "https://" + target + path
	_, err := fmt.Fprintf(w, "HTTP/1.1 302 Found\r\nLocation: %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n", location)
	return err
}
