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
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is the cache lifetime for a discovery snapshot (spec §3).
const DefaultTTL = 5 * time.Second

// snapshot is the cache's atomically-swapped payload: a Mapping paired
// with the instant it was produced. Holding both behind one pointer
// means readers during a refresh see either the whole previous snapshot
// or the whole new one, never a torn map (spec §3 invariant).
type snapshot struct {
	mapping  Mapping
	lastScan time.Time
}

// Cache is the lazy, TTL-bounded, single-flighted mapping cache
// described in spec §3/§4.1/§5. Concurrent readers share one in-flight
// scan; a scan error retains the previous mapping and still refreshes
// last_scan, so a flaky discovery backend cannot cause a hot loop.
type Cache struct {
	scanner *Scanner
	ttl     time.Duration
	logger  *zap.Logger

	current atomic.Pointer[snapshot]
	group   singleflight.Group
}

// NewCache returns a Cache that scans via scanner and treats snapshots
// as stale after ttl. ttl <= 0 selects DefaultTTL.
func NewCache(scanner *Scanner, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{scanner: scanner, ttl: ttl, logger: logger}
	c.current.Store(&snapshot{mapping: Mapping{}})
	return c
}

// Mapping returns the current mapping, refreshing it first if the
// cached snapshot is older than the TTL. Concurrent callers that arrive
// during a refresh coalesce onto a single scan via singleflight.
func (c *Cache) Mapping(ctx context.Context) Mapping {
	cur := c.current.Load()
	if time.Since(cur.lastScan) <= c.ttl && !cur.lastScan.IsZero() {
		return cur.mapping
	}

	v, _, _ := c.group.Do("scan", func() (interface{}, error) {
		// Re-check inside the singleflight critical section: another
		// goroutine may have just refreshed while we waited to enter.
		cur := c.current.Load()
		if time.Since(cur.lastScan) <= c.ttl && !cur.lastScan.IsZero() {
			return cur.mapping, nil
		}

		mapping, err := c.scanner.BuildMapping(ctx)
		next := &snapshot{lastScan: time.Now()}
		if err != nil {
			c.logger.Warn("discover: scan failed, retaining previous mapping", zap.Error(err))
			next.mapping = cur.mapping
		} else {
			next.mapping = mapping
		}
		c.current.Store(next)
		return next.mapping, nil
	})

	mapping, _ := v.(Mapping)
	return mapping
}

// LastScan returns the instant the current snapshot was produced, the
// zero Time if no scan has completed yet. Used by the dashboard (spec
// §4.7 expansion) to show how fresh the listing is.
func (c *Cache) LastScan() time.Time {
	return c.current.Load().lastScan
}

// Invalidate forces the next Mapping call to scan regardless of TTL.
func (c *Cache) Invalidate() {
	cur := c.current.Load()
	c.current.Store(&snapshot{mapping: cur.mapping})
}
