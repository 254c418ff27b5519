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
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// procnetLister enumerates listening sockets by reading /proc/net/tcp
// and /proc/net/tcp6 directly and matching inode numbers against each
// pid's /proc/<pid>/fd symlinks, rather than shelling out to lsof
// (SPEC_FULL.md §6's DISCOVERY_CMD=procnet fallback for systems where
// lsof isn't installed).
type procnetLister struct{}

// NewProcNetLister returns a Lister that works from /proc alone; it
// only functions on Linux.
func NewProcNetLister() Lister {
	return &procnetLister{}
}

// tcpListenState is the hex connection-state code /proc/net/tcp uses
// for a socket in LISTEN.
const tcpListenState = "0A"

func (p *procnetLister) ListeningPorts(ctx context.Context) ([]PortProcess, error) {
	inodeToPort, err := parseProcNetListeners("/proc/net/tcp")
	if err != nil {
		return nil, fmt.Errorf("discover: reading /proc/net/tcp: %w", err)
	}
	inodeToPort6, err := parseProcNetListeners("/proc/net/tcp6")
	if err == nil {
		for k, v := range inodeToPort6 {
			inodeToPort[k] = v
		}
	}
	if len(inodeToPort) == 0 {
		return nil, nil
	}

	pids, err := listPIDs()
	if err != nil {
		return nil, fmt.Errorf("discover: listing /proc pids: %w", err)
	}

	var results []PortProcess
	for _, pid := range pids {
		for _, inode := range fdSocketInodes(pid) {
			if port, ok := inodeToPort[inode]; ok {
				results = append(results, PortProcess{PID: pid, Port: port})
			}
		}
	}
	return results, nil
}

// parseProcNetListeners maps each LISTEN-state socket's inode to its
// local port from a /proc/net/tcp[6]-formatted file.
func parseProcNetListeners(path string) (map[string]uint16, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	result := make(map[string]uint16)
	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue // header row
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 10 {
			continue
		}
		if fields[3] != tcpListenState {
			continue
		}
		localAddr := fields[1] // "ADDR:PORTHEX"
		colon := strings.LastIndexByte(localAddr, ':')
		if colon < 0 {
			continue
		}
		portVal, err := strconv.ParseUint(localAddr[colon+1:], 16, 16)
		if err != nil {
			continue
		}
		inode := fields[9]
		result[inode] = uint16(portVal)
	}
	return result, nil
}

func listPIDs() ([]int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, e := range entries {
		if pid, err := strconv.Atoi(e.Name()); err == nil {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

// fdSocketInodes returns the socket inodes pid currently has open, read
// from its /proc/<pid>/fd symlink targets ("socket:[12345]").
func fdSocketInodes(pid int) []string {
	dir := fmt.Sprintf("/proc/%d/fd", pid)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var inodes []string
	for _, e := range entries {
		target, err := os.Readlink(dir + "/" + e.Name())
		if err != nil {
			continue
		}
		if strings.HasPrefix(target, "socket:[") {
			inodes = append(inodes, strings.TrimSuffix(strings.TrimPrefix(target, "socket:["), "]"))
		}
	}
	return inodes
}

func (p *procnetLister) Environ(_ context.Context, pid int) (string, error) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/environ", pid))
	if err != nil {
		return "", nil
	}
	parts := strings.Split(strings.TrimRight(string(raw), "\x00"), "\x00")
	return strings.Join(parts, " "), nil
}

func (p *procnetLister) Command(_ context.Context, pid int) (string, error) {
	comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return "", nil
	}
	return strings.TrimSpace(string(comm)), nil
}
