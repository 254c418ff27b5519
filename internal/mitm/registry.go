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

// Package mitm implements the TLS-MITM subsystem (spec §4.6): a
// registry of per-hostname TLS-terminating virtual servers and the
// bridge that connects an accepted CONNECT :443 connection to one.
package mitm

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sleexyz/localhostess/internal/discover"
	"github.com/sleexyz/localhostess/internal/localca"
)

// vserver pairs a running TLS virtual server with its listener so the
// registry can dial it and, eventually, tear it down.
type vserver struct {
	listener net.Listener
	addr     string
}

// Registry is spec §4.6's "at most one TLS virtual server per
// hostname; concurrent callers during creation see a single-flight
// result."
type Registry struct {
	ca         localca.Authority
	mapping    proxyconnMappingSource
	listenPort int
	logger     *zap.Logger

	mu      sync.Mutex
	servers map[string]*vserver

	group singleflight.Group
}

// proxyconnMappingSource mirrors proxyconn.MappingSource without
// importing proxyconn, avoiding an import cycle (proxyconn.Server
// depends on mitm.Registry via the MITMConnector interface).
type proxyconnMappingSource interface {
	Mapping(ctx context.Context) discover.Mapping
	LastScan() time.Time
}

// New constructs a Registry. listenPort is the outer listener's own
// port, needed so each virtual server can recognize dashboard/PAC
// requests per spec §4.6's "resolves to the outer listener's own port"
// rule.
func New(ca localca.Authority, mapping proxyconnMappingSource, listenPort int, logger *zap.Logger) *Registry {
	return &Registry{
		ca:         ca,
		mapping:    mapping,
		listenPort: listenPort,
		logger:     logger,
		servers:    make(map[string]*vserver),
	}
}

// Connect implements proxyconn.MITMConnector: get-or-create the
// hostname's virtual server, then dial it, returning the bridge
// connection the caller pipes raw bytes through (spec §4.6 step 2).
func (r *Registry) Connect(ctx context.Context, hostname string) (net.Conn, error) {
	vs, err := r.getOrCreate(hostname)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", vs.addr)
}

func (r *Registry) getOrCreate(hostname string) (*vserver, error) {
	r.mu.Lock()
	if vs, ok := r.servers[hostname]; ok {
		r.mu.Unlock()
		return vs, nil
	}
	r.mu.Unlock()

	result, err, _ := r.group.Do(hostname, func() (interface{}, error) {
		r.mu.Lock()
		if vs, ok := r.servers[hostname]; ok {
			r.mu.Unlock()
			return vs, nil
		}
		r.mu.Unlock()

		vs, err := r.start(hostname)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.servers[hostname] = vs
		r.mu.Unlock()
		return vs, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*vserver), nil
}

// start issues the hostname's leaf certificate and binds a fresh
// ephemeral-port TLS listener backed by it (spec §4.6 step 1),
// spawning the accept loop that serves it.
func (r *Registry) start(hostname string) (*vserver, error) {
	cert, err := r.ca.GetCert(hostname)
	if err != nil {
		return nil, fmt.Errorf("mitm: issuing cert for %s: %w", hostname, err)
	}

	ln, err := newTLSListener(cert)
	if err != nil {
		return nil, fmt.Errorf("mitm: binding virtual server for %s: %w", hostname, err)
	}

	v := &vserver{listener: ln, addr: ln.Addr().String()}

	handler := &virtualServer{
		hostname:   hostname,
		mapping:    r.mapping,
		listenPort: r.listenPort,
		logger:     r.logger.With(zap.String("mitm_host", hostname)),
	}
	go handler.Serve(ln)

	r.logger.Debug("mitm: started virtual server", zap.String("hostname", hostname), zap.String("addr", v.addr))
	return v, nil
}

// Close tears down every virtual server the registry has created.
// Intended for graceful shutdown / tests; production runs let the
// process exit close the listeners.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, vs := range r.servers {
		_ = vs.listener.Close()
	}
	r.servers = make(map[string]*vserver)
}
