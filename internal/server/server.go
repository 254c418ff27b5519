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

// Package server wires together discovery, the local CA, the
// TLS-MITM registry, and the connection state machine into the TCP
// accept loop spec §1 describes as "the proxy": one listener that
// speaks reverse-proxy, forward-proxy, and CONNECT on a single port.
package server

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/sleexyz/localhostess/internal/config"
	"github.com/sleexyz/localhostess/internal/discover"
	"github.com/sleexyz/localhostess/internal/localca"
	"github.com/sleexyz/localhostess/internal/mitm"
	"github.com/sleexyz/localhostess/internal/proxyconn"
)

// Proxy owns the listener and every long-lived collaborator a
// connection handler needs.
type Proxy struct {
	cfg    config.Config
	logger *zap.Logger

	cache    *discover.Cache
	ca       *localca.SelfSigned
	registry *mitm.Registry
	conn     *proxyconn.Server
}

// New constructs a Proxy from a resolved Config, building the
// discovery cache, local CA, and MITM registry in dependency order
// (each later collaborator needs the earlier ones).
func New(cfg config.Config, logger *zap.Logger) (*Proxy, error) {
	lister := newLister(cfg.DiscoveryCmd)
	scanner := discover.NewScanner(lister, logger)
	cache := discover.NewCache(scanner, cfg.CacheTTL, logger)

	ca, err := localca.NewSelfSigned()
	if err != nil {
		return nil, fmt.Errorf("server: generating local CA: %w", err)
	}

	registry := mitm.New(ca, cache, cfg.Port, logger)

	connServer := &proxyconn.Server{
		ListenPort: cfg.Port,
		Mapping:    cache,
		CA:         ca,
		MITM:       registry,
		Logger:     logger,
	}

	return &Proxy{
		cfg:      cfg,
		logger:   logger,
		cache:    cache,
		ca:       ca,
		registry: registry,
		conn:     connServer,
	}, nil
}

// Run binds the listener and accepts connections until ctx is
// canceled, handling each one on its own goroutine (spec §5's
// translation to idiomatic Go: see SPEC_FULL.md §5).
func (p *Proxy) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.cfg.Addr())
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", p.cfg.Addr(), err)
	}
	defer ln.Close()

	p.logger.Info("server: listening", zap.String("addr", p.cfg.Addr()))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			p.logger.Warn("server: accept failed", zap.Error(err))
			continue
		}
		go p.conn.HandleConn(ctx, conn)
	}
}

// Close tears down the MITM registry's virtual servers. Intended for
// tests and graceful shutdown.
func (p *Proxy) Close() {
	p.registry.Close()
}

// newLister selects the discovery backend named by DISCOVERY_CMD
// (SPEC_FULL.md §6): "procnet" reads /proc directly, anything else
// (including the empty default) shells out to lsof.
func newLister(discoveryCmd string) discover.Lister {
	if discoveryCmd == "procnet" {
		return discover.NewProcNetLister()
	}
	return discover.NewLsofLister()
}
