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

package mitm

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sleexyz/localhostess/internal/dashboard"
	"github.com/sleexyz/localhostess/internal/httpparse"
	"github.com/sleexyz/localhostess/internal/proxyconn"
)

// newTLSListener binds an ephemeral port on the loopback interface,
// configured with cert as its only server certificate (spec §4.6 step
// 1: "a per-hostname TLS virtual server on 127.0.0.1, ephemeral port").
func newTLSListener(cert tls.Certificate) (net.Listener, error) {
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	return tls.Listen("tcp", "127.0.0.1:0", cfg)
}

// upgrader mirrors the zero-value gorilla/websocket.Upgrader used
// across the corpus's websocket-bridging code: no origin checking,
// since the virtual server only ever sees traffic relayed from the
// proxy's own MITM bridge.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// virtualServer is the "full HTTP/1.1 server with native WebSocket
// support" spec §4.6 requires behind each hostname's TLS endpoint.
type virtualServer struct {
	hostname   string
	mapping    proxyconnMappingSource
	listenPort int
	logger     *zap.Logger
}

// Serve runs the virtual server's accept loop over ln until it is
// closed.
func (v *virtualServer) Serve(ln net.Listener) {
	srv := &http.Server{Handler: v}
	_ = srv.Serve(ln)
}

func (v *virtualServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mapping := v.mapping.Mapping(r.Context())

	hostNoPort := stripPort(r.Host)
	entry, ok := mapping[hostNoPort]

	if !ok {
		http.Error(w, "Bad Gateway: unknown hostname", http.StatusBadGateway)
		return
	}

	if int(entry.Port) == v.listenPort {
		v.serveDashboard(w, r)
		return
	}

	if isWebsocketUpgrade(r) {
		v.bridgeWebsocket(w, r, entry.Port)
		return
	}

	v.proxyHTTP(w, r, entry.Port)
}

func (v *virtualServer) serveDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/proxy.pac" {
		w.Header().Set("Content-Type", dashboard.ContentTypePAC)
		_, _ = w.Write([]byte(dashboard.RenderPAC(v.listenPort)))
		return
	}
	body := dashboard.RenderHTML(v.mapping.Mapping(r.Context()), v.mapping.LastScan())
	w.Header().Set("Content-Type", dashboard.ContentTypeHTML)
	_, _ = w.Write([]byte(body))
}

// proxyHTTP implements spec §4.6's plain HTTP leg by reusing the
// reverse-proxy path's request builder: reconstruct an httpparse.Request
// from the already-parsed net/http request so proxyconn.ProxyHTTP's
// header filtering and streaming logic applies identically to both the
// plain and MITM paths.
func (v *virtualServer) proxyHTTP(w http.ResponseWriter, r *http.Request, targetPort uint16) {
	headers := httpparse.Headers{}
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[strings.ToLower(name)] = values[0]
		}
	}
	headers["host"] = r.Host

	req := httpparse.Request{
		Complete: true,
		Method:   r.Method,
		Target:   r.URL.RequestURI(),
		Proto:    r.Proto,
		Headers:  headers,
	}

	var body []byte
	if r.Body != nil {
		body = readAllLimited(r.Body, 32<<20)
	}

	pw := &httpResponseWriterAdapter{w: w}
	if err := proxyconn.ProxyHTTP(r.Context(), pw, req, body, targetPort, req.Target); err != nil {
		if !pw.headerWritten {
			http.Error(w, "Bad Gateway: "+err.Error(), http.StatusBadGateway)
		}
		v.logger.Warn("mitm: proxy to backend failed", zap.Error(err), zap.Uint16("port", targetPort))
	}
}

// bridgeWebsocket implements spec §4.6's "WebSocket over TLS": upgrade
// the client connection, open a client-side websocket to the backend,
// buffer client→backend messages until the backend connection opens,
// then relay verbatim in both directions until either side closes.
func (v *virtualServer) bridgeWebsocket(w http.ResponseWriter, r *http.Request, targetPort uint16) {
	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		v.logger.Warn("mitm: websocket upgrade failed", zap.Error(err))
		return
	}
	defer clientConn.Close()

	backendURL := url.URL{Scheme: "ws", Host: "localhost:" + strconv.Itoa(int(targetPort)), Path: r.URL.Path, RawQuery: r.URL.RawQuery}
	backendHeader := http.Header{}
	backendHeader.Set("Host", backendURL.Host)
	backendHeader.Set("Origin", "http://"+backendURL.Host)
	if proto := r.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		backendHeader.Set("Sec-WebSocket-Protocol", proto)
	}

	// DialContext blocks until the backend handshake completes or fails,
	// so client→backend messages naturally queue in the TCP/websocket
	// read buffer until this returns. No explicit buffering is needed to
	// satisfy the "buffer until backend-open fires" ordering requirement.
	backendConn, _, err := websocket.DefaultDialer.DialContext(r.Context(), backendURL.String(), backendHeader)
	if err != nil {
		v.logger.Warn("mitm: websocket backend dial failed", zap.Error(err), zap.Uint16("port", targetPort))
		return
	}
	defer backendConn.Close()

	done := make(chan struct{}, 2)
	go func() {
		defer func() { done <- struct{}{} }()
		for {
			mt, data, err := clientConn.ReadMessage()
			if err != nil {
				return
			}
			if err := backendConn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}()
	go func() {
		defer func() { done <- struct{}{} }()
		for {
			mt, data, err := backendConn.ReadMessage()
			if err != nil {
				return
			}
			if err := clientConn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}()
	<-done
}

func isWebsocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") && connectionContainsUpgrade(r.Header.Get("Connection"))
}

func connectionContainsUpgrade(connectionHeader string) bool {
	for _, tok := range strings.Split(connectionHeader, ",") {
		if strings.EqualFold(strings.TrimSpace(tok), "upgrade") {
			return true
		}
	}
	return false
}

func stripPort(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}

func readAllLimited(r interface{ Read([]byte) (int, error) }, limit int64) []byte {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for int64(len(buf)) < limit {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}
	return buf
}

// httpResponseWriterAdapter lets proxyconn.ProxyHTTP's raw-bytes
// writer (which writes a full "HTTP/1.1 <status>\r\n" head itself)
// drive a net/http.ResponseWriter instead: it parses just enough of
// the head it's handed to set status and headers, then streams the
// body through untouched.
type httpResponseWriterAdapter struct {
	w             http.ResponseWriter
	headerWritten bool
	headBuf       []byte
}

func (a *httpResponseWriterAdapter) Write(p []byte) (int, error) {
	if a.headerWritten {
		return a.w.Write(p)
	}
	a.headBuf = append(a.headBuf, p...)
	idx := indexHeaderEnd(a.headBuf)
	if idx < 0 {
		return len(p), nil
	}
	head, rest := a.headBuf[:idx], a.headBuf[idx:]
	writeHeadToResponseWriter(a.w, head)
	a.headerWritten = true
	if len(rest) > 0 {
		return a.w.Write(rest)
	}
	return len(p), nil
}

func indexHeaderEnd(buf []byte) int {
	for i := 0; i+4 <= len(buf); i++ {
		if buf[i] == '\r' && buf[i+1] == '\n' && buf[i+2] == '\r' && buf[i+3] == '\n' {
			return i + 4
		}
	}
	return -1
}

func writeHeadToResponseWriter(w http.ResponseWriter, head []byte) {
	lines := strings.Split(strings.TrimRight(string(head), "\r\n"), "\r\n")
	status := http.StatusOK
	for i, line := range lines {
		if i == 0 {
			parts := strings.SplitN(line, " ", 3)
			if len(parts) >= 2 {
				if code, err := strconv.Atoi(parts[1]); err == nil {
					status = code
				}
			}
			continue
		}
		nv := strings.SplitN(line, ":", 2)
		if len(nv) != 2 {
			continue
		}
		name := strings.TrimSpace(nv[0])
		value := strings.TrimSpace(nv[1])
		if strings.EqualFold(name, "Connection") || strings.EqualFold(name, "Content-Length") && value == "0" {
			continue
		}
		w.Header().Add(name, value)
	}
	w.WriteHeader(status)
}
