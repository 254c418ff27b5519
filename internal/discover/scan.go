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

package discover

import (
	"context"
	"sort"

	"go.uber.org/zap"
)

// Scanner runs one discovery pass: enumerate sockets, read owning
// processes' environments, group by NAME, and select one port per name
// (spec §4.1).
type Scanner struct {
	lister Lister
	logger *zap.Logger
}

// NewScanner returns a Scanner backed by lister, logging through logger.
func NewScanner(lister Lister, logger *zap.Logger) *Scanner {
	return &Scanner{lister: lister, logger: logger}
}

type group struct {
	ports []uint16
	pids  []int
}

// Scan enumerates ServiceEntry values for every named, listening
// process currently visible to the lister. A ListeningPorts error
// produces (nil, err); callers (Cache) are responsible for the
// "log, don't fail connections" policy of spec §4.1/§7. An Environ
// error is logged and that pid skipped; a Command error is logged and
// leaves the entry's Command empty.
func (s *Scanner) Scan(ctx context.Context) ([]ServiceEntry, error) {
	ports, err := s.lister.ListeningPorts(ctx)
	if err != nil {
		return nil, err
	}

	// Dedup ports per pid (spec §4.1 step 1).
	seenPerPID := make(map[int]map[uint16]bool)
	for _, pp := range ports {
		set, ok := seenPerPID[pp.PID]
		if !ok {
			set = make(map[uint16]bool)
			seenPerPID[pp.PID] = set
		}
		set[pp.Port] = true
	}

	groups := make(map[string]*group)
	for pid, portSet := range seenPerPID {
		envLine, err := s.lister.Environ(ctx, pid)
		if err != nil {
			s.logger.Warn("discover: failed to read process environment", zap.Int("pid", pid), zap.Error(err))
			continue
		}
		name, ok := lookupName(envLine)
		if !ok {
			continue // process has no NAME binding; ignored per spec
		}
		g, ok := groups[name]
		if !ok {
			g = &group{}
			groups[name] = g
		}
		for port := range portSet {
			g.ports = append(g.ports, port)
		}
		g.pids = append(g.pids, pid)
	}

	entries := make([]ServiceEntry, 0, len(groups))
	for name, g := range groups {
		port := selectPort(g.ports)
		// Representative pid: the one that actually owns the chosen
		// port, falling back to any pid in the group (spec §4.1 step 5
		// calls this "arbitrary"); sort first for deterministic tests.
		sort.Ints(g.pids)
		pid := g.pids[0]
		for _, candidate := range g.pids {
			if seenPerPID[candidate][port] {
				pid = candidate
				break
			}
		}
		command, err := s.lister.Command(ctx, pid)
		if err != nil {
			s.logger.Debug("discover: failed to read process command", zap.Int("pid", pid), zap.Error(err))
		}
		entries = append(entries, ServiceEntry{
			Name:    name,
			Port:    port,
			PID:     pid,
			Command: command,
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// BuildMapping runs Scan and folds the result into a Mapping. Keys are
// unique by construction (one entry per name); if the lister somehow
// yields duplicate entries for the same name the last one wins, which
// spec §3 notes is acceptable because scans are idempotent within a TTL
// window.
func (s *Scanner) BuildMapping(ctx context.Context) (Mapping, error) {
	entries, err := s.Scan(ctx)
	if err != nil {
		return nil, err
	}
	m := make(Mapping, len(entries))
	for _, e := range entries {
		m[e.Name] = e
	}
	return m, nil
}
