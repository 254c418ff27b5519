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

// Package discover builds the name → port mapping that routes incoming
// proxy connections to the right backend. It scans OS-level listening
// sockets, reads each owning process's environment for a NAME= label,
// and selects one port per name per spec §4.1.
package discover

// ServiceEntry is a single process/port belonging to a named service,
// as produced by one scan.
type ServiceEntry struct {
	Name    string
	Port    uint16
	PID     int
	Command string
}

// Mapping is the read-only snapshot name → port that the proxy's
// connection state machine looks requests up in. It is rebuilt wholesale
// on each scan and never mutated in place once published.
type Mapping map[string]ServiceEntry

// Port returns the chosen port for name and whether name was found.
func (m Mapping) Port(name string) (uint16, bool) {
	e, ok := m[name]
	return e.Port, ok
}

// debugPorts are well-known debugger/inspector ports that are never
// chosen as a service's routed port (spec §4.1 step 4a).
var debugPorts = map[uint16]bool{
	9229: true, // Node.js inspector
	9222: true, // Chrome DevTools protocol
	5858: true, // legacy Node.js debugger
}

// ephemeralPortFloor is the first port considered ephemeral/OS-assigned
// rather than a deliberate service listener (spec §4.1 step 4b).
const ephemeralPortFloor = 49152

// selectPort applies spec §4.1 step 4's deterministic port-selection
// rule to the full set of ports one name's processes are listening on.
func selectPort(ports []uint16) uint16 {
	var filtered []uint16
	for _, p := range ports {
		if debugPorts[p] || p >= ephemeralPortFloor {
			continue
		}
		filtered = append(filtered, p)
	}
	candidates := filtered
	if len(candidates) == 0 {
		// Every port for this name was debug or ephemeral; fall back to
		// the smallest of the unfiltered set rather than dropping the
		// name entirely (spec §4.1 step 4d).
		candidates = ports
	}
	min := candidates[0]
	for _, p := range candidates[1:] {
		if p < min {
			min = p
		}
	}
	return min
}
