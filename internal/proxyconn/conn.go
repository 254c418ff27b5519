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

// Package proxyconn implements the connection state machine (spec
// §4.3): classifying one accepted TCP connection into a protocol shape
// and driving it to completion, including the HTTP proxy path (§4.4),
// the raw-pipe path (§4.5), and the glue each shape needs from
// discovery and the TLS-MITM subsystem.
package proxyconn

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sleexyz/localhostess/internal/dashboard"
	"github.com/sleexyz/localhostess/internal/discover"
	"github.com/sleexyz/localhostess/internal/httpparse"
	"github.com/sleexyz/localhostess/internal/proxyerr"
)

// maxHeaderBytes bounds how much a client may send before a complete
// header block appears; it is a defensive cap, not part of spec's
// protocol semantics.
const maxHeaderBytes = 64 * 1024

// MappingSource is the discovery collaborator: whatever can answer
// "what's the mapping right now" and "when was it last refreshed"
// (internal/discover.Cache in production, a fixed map in tests).
type MappingSource interface {
	Mapping(ctx context.Context) discover.Mapping
	LastScan() time.Time
}

// CertAuthority is the subset of localca.Authority the classifier
// needs: whether MITM is available at all (spec §4.3 rule 1).
type CertAuthority interface {
	MitmAvailable() bool
}

// MITMConnector bridges an accepted CONNECT :443 connection to the
// per-hostname TLS virtual server (spec §4.6), returning a connection
// to it. Implemented by internal/mitm.Registry.
type MITMConnector interface {
	Connect(ctx context.Context, hostname string) (net.Conn, error)
}

// Server holds everything HandleConn needs to classify and serve one
// accepted connection.
type Server struct {
	ListenPort int
	Mapping    MappingSource
	CA         CertAuthority
	MITM       MITMConnector
	Logger     *zap.Logger
}

// HandleConn drives one accepted client connection through
// RECV_HEADERS → CLASSIFIED → <shape-specific path> → CLOSED (spec
// §4.3). It always closes conn before returning.
func (s *Server) HandleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	connID := uuid.NewString()
	logger := s.Logger.With(zap.String("conn_id", connID), zap.String("remote", conn.RemoteAddr().String()))

	req, buf, err := readHeaders(conn)
	if err != nil {
		logger.Debug("proxyconn: failed to read request headers", zap.Error(err))
		return
	}

	mapping := s.Mapping.Mapping(ctx)
	mitmAvailable := s.CA.MitmAvailable()
	cls := Classify(req, s.ListenPort, mapping, mitmAvailable)

	logger = logger.With(
		zap.String("shape", cls.Shape.String()),
		zap.String("method", req.Method),
	)
	logger.Debug("proxyconn: classified connection")

	switch cls.Shape {
	case ShapeClosedUnknown, ShapeClosedDisallowed:
		s.handleClosedWithOptionalResponse(conn, cls, logger)
	case ShapeUnknownService:
		if err := WriteNotFound(conn, cls.Subdomain); err != nil {
			logger.Debug("proxyconn: failed writing 404", zap.Error(err))
		}
	case ShapeDashboard:
		s.handleDashboard(conn, req, mapping, logger)
	case ShapeHTTPProxy:
		s.handleHTTPProxy(ctx, conn, req, buf, cls.TargetPort, req.Target, logger)
	case ShapeForwardHTTP:
		s.handleForwardHTTP(ctx, conn, req, buf, cls, logger)
	case ShapeWSUpgrade, ShapeForwardWS:
		s.handleRawPipe(ctx, conn, buf, cls.TargetPort, cls.RewriteHost, logger)
	case ShapeConnectPlain:
		s.handleConnectPlain(ctx, conn, cls, logger)
	case ShapeConnectMITM:
		s.handleConnectMITM(ctx, conn, cls, logger)
	}
}

func (s *Server) handleClosedWithOptionalResponse(conn net.Conn, cls Classification, logger *zap.Logger) {
	if cls.Shape == ShapeClosedDisallowed {
		if err := WriteForbidden(conn); err != nil {
			logger.Debug("proxyconn: failed writing 403", zap.Error(err))
		}
		return
	}
	// ShapeClosedUnknown: close without a response so forward-proxy
	// clients fall back to PAC DIRECT (spec §4.3 rule 2, §6).
}

func (s *Server) handleDashboard(conn net.Conn, req httpparse.Request, mapping discover.Mapping, logger *zap.Logger) {
	var body, contentType string
	if req.Target == "/proxy.pac" {
		body = dashboard.RenderPAC(s.ListenPort)
		contentType = dashboard.ContentTypePAC
	} else {
		body = dashboard.RenderHTML(mapping, s.Mapping.LastScan())
		contentType = dashboard.ContentTypeHTML
	}
	if err := writeDashboardResponse(conn, contentType, body); err != nil {
		logger.Debug("proxyconn: failed writing dashboard response", zap.Error(err))
	}
}

func writeDashboardResponse(w io.Writer, contentType, body string) error {
	_, err := fmt.Fprintf(w, "HTTP/1.1 200 OK\r\nContent-Type: %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		contentType, len(body), body)
	return err
}

func (s *Server) handleHTTPProxy(ctx context.Context, conn net.Conn, req httpparse.Request, buf []byte, targetPort uint16, relativePath string, logger *zap.Logger) {
	body := buf[req.HeaderEnd:]
	if err := ProxyHTTP(ctx, conn, req, body, targetPort, relativePath); err != nil {
		logger.Warn("proxyconn: backend HTTP proxy failed", zap.Error(err))
		_ = WriteBadGateway(conn, err.Error())
	}
}

func (s *Server) handleForwardHTTP(ctx context.Context, conn net.Conn, req httpparse.Request, buf []byte, cls Classification, logger *zap.Logger) {
	if cls.RedirectToHTTPS {
		if err := WriteRedirectToHTTPS(conn, cls.ProxyTarget, cls.RelativePath); err != nil {
			logger.Debug("proxyconn: failed writing redirect", zap.Error(err))
		}
		return
	}
	req.Headers["host"] = cls.RewriteHost
	body := buf[req.HeaderEnd:]
	if err := ProxyHTTP(ctx, conn, req, body, cls.TargetPort, cls.RelativePath); err != nil {
		logger.Warn("proxyconn: forward HTTP proxy failed", zap.Error(err))
		_ = WriteBadGateway(conn, err.Error())
	}
}

// handleRawPipe implements spec §4.5's websocket-upgrade leg: dial the
// backend, write the client's accumulated (and, for forward-proxy,
// rewritten) buffer, then forward both directions byte-for-byte.
func (s *Server) handleRawPipe(ctx context.Context, client net.Conn, buf []byte, targetPort uint16, rewriteHost string, logger *zap.Logger) {
	backend, err := dialBackend(ctx, targetPort)
	if err != nil {
		logger.Warn("proxyconn: backend dial failed", zap.Error(err))
		_ = WriteBadGateway(client, err.Error())
		return
	}
	defer backend.Close()

	out := buf
	if rewriteHost != "" {
		out = rewriteHostOrigin(buf, rewriteHost)
	}
	if _, err := backend.Write(out); err != nil {
		logger.Warn("proxyconn: failed writing buffered request to backend", zap.Error(err))
		return
	}

	PipeBidirectional(client, backend)
}

// handleConnectPlain implements spec §4.5's CONNECT leg: reply 200,
// then forward raw bytes with a single-shot Host/Origin rewrite on the
// first client→backend chunk only.
func (s *Server) handleConnectPlain(ctx context.Context, client net.Conn, cls Classification, logger *zap.Logger) {
	backend, err := dialBackend(ctx, cls.TargetPort)
	if err != nil {
		logger.Warn("proxyconn: CONNECT backend dial failed", zap.Error(err))
		return
	}
	defer backend.Close()

	if err := WriteConnectionEstablished(client); err != nil {
		logger.Debug("proxyconn: failed writing CONNECT 200", zap.Error(err))
		return
	}

	pipeWithOneShotRewrite(client, backend, cls.RewriteHost)
}

// handleConnectMITM implements spec §4.6: bridge the client connection
// to the per-hostname TLS virtual server, writing 200 inside the
// bridge's on-open so the client never sends a TLS ClientHello before
// the bridge exists.
func (s *Server) handleConnectMITM(ctx context.Context, client net.Conn, cls Classification, logger *zap.Logger) {
	bridge, err := s.MITM.Connect(ctx, cls.ConnectHost)
	if err != nil {
		logger.Warn("proxyconn: MITM bridge connect failed", zap.Error(err))
		return
	}
	defer bridge.Close()

	if err := WriteConnectionEstablished(client); err != nil {
		logger.Debug("proxyconn: failed writing CONNECT 200 for MITM", zap.Error(err))
		return
	}

	PipeBidirectional(client, bridge)
}

// pipeWithOneShotRewrite forwards raw bytes in both directions, but
// rewrites the Host/Origin lines of the very first client→backend
// chunk only, then clears the rewrite slot (spec §3's BackendBinding /
// §4.5).
func pipeWithOneShotRewrite(client, backend net.Conn, rewriteHost string) {
	var wg sync.WaitGroup
	wg.Add(2)

	var clientToBackend, backendToClient error
	go func() {
		defer wg.Done()
		defer halfCloseWrite(backend)
		first := true
		buf := copyBufferPool.Get().([]byte)
		defer copyBufferPool.Put(buf)
		for {
			n, err := client.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				if first && rewriteHost != "" {
					chunk = rewriteHostOrigin(chunk, rewriteHost)
					first = false
				}
				if _, werr := backend.Write(chunk); werr != nil {
					clientToBackend = werr
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					clientToBackend = err
				}
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		backendToClient = copyAndHalfClose(client, backend)
	}()
	wg.Wait()

	if clientToBackend != nil || backendToClient != nil {
		client.Close()
		backend.Close()
	}
}

func dialBackend(ctx context.Context, port uint16) (net.Conn, error) {
	d := net.Dialer{Timeout: 10 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("localhost:%d", port))
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.KindBackendConnectFailed, fmt.Sprintf("dial localhost:%d", port), err)
	}
	return conn, nil
}

// readHeaders accumulates bytes from conn until httpparse reports a
// complete header block (spec §4.2/§4.3 RECV_HEADERS state), returning
// the parsed request and the full accumulated buffer (headers plus any
// already-arrived body bytes).
func readHeaders(conn net.Conn) (httpparse.Request, []byte, error) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		req := httpparse.Parse(buf)
		if req.Complete {
			return req, buf, nil
		}
		if len(buf) >= maxHeaderBytes {
			return httpparse.Request{}, nil, proxyerr.New(proxyerr.KindHeaderIncomplete,
				fmt.Sprintf("header block exceeds %d bytes", maxHeaderBytes))
		}
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if err == io.EOF {
				return httpparse.Request{}, nil, proxyerr.Wrap(proxyerr.KindClientClosed, "client closed before headers completed", err)
			}
			return httpparse.Request{}, nil, err
		}
	}
}
