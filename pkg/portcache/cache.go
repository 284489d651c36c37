/*
Copyright The Volcano Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package portcache keeps short-lived snapshots of workspace port maps fetched
// from the container engine.
package portcache

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"k8s.io/klog/v2"

	"github.com/volcano-sh/workspace-proxy/pkg/common/types"
)

// DefaultTTL bounds how stale a served port map may be.
const DefaultTTL = 2 * time.Second

// Snapshot is one cached port map.
type Snapshot struct {
	WorkspaceID string
	Ports       types.PortMap
	FetchedAt   time.Time
}

// Cache is a per-workspace TTL cache. Entries are keyed by workspace id and guarded
// per key, so lookups for unrelated workspaces never contend.
type Cache struct {
	ttl     time.Duration
	now     func() time.Time
	entries *xsync.MapOf[string, Snapshot]
}

// Option customizes a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a cache with the given ttl; non-positive values use DefaultTTL.
func New(ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		ttl:     ttl,
		now:     time.Now,
		entries: xsync.NewMapOf[string, Snapshot](),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the cache window.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

func (c *Cache) expired(s Snapshot) bool {
	return c.now().Sub(s.FetchedAt) >= c.ttl
}

// Get returns a copy of the fresh snapshot for workspaceID. Expired entries are
// dropped and reported as a miss.
func (c *Cache) Get(workspaceID string) (Snapshot, bool) {
	snap, ok := c.entries.Load(workspaceID)
	if !ok {
		return Snapshot{}, false
	}
	if c.expired(snap) {
		c.evictIfExpired(workspaceID)
		return Snapshot{}, false
	}
	snap.Ports = snap.Ports.Clone()
	return snap, true
}

// Put replaces the whole snapshot for workspaceID. Partial maps are never merged.
func (c *Cache) Put(workspaceID string, ports types.PortMap) Snapshot {
	snap := Snapshot{
		WorkspaceID: workspaceID,
		Ports:       ports.Clone(),
		FetchedAt:   c.now(),
	}
	c.entries.Store(workspaceID, snap)
	return snap
}

// Invalidate purges the entry for workspaceID.
func (c *Cache) Invalidate(workspaceID string) {
	c.entries.Delete(workspaceID)
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	return c.entries.Size()
}

// evictIfExpired deletes the entry only if it is still expired, so a concurrent
// Put that landed after the caller's Load survives.
func (c *Cache) evictIfExpired(workspaceID string) {
	c.entries.Compute(workspaceID, func(old Snapshot, loaded bool) (Snapshot, bool) {
		if !loaded {
			return old, true
		}
		return old, c.expired(old)
	})
}

// Sweep removes every expired entry and returns how many were evicted.
func (c *Cache) Sweep() int {
	var expired []string
	c.entries.Range(func(workspaceID string, snap Snapshot) bool {
		if c.expired(snap) {
			expired = append(expired, workspaceID)
		}
		return true
	})
	for _, workspaceID := range expired {
		c.evictIfExpired(workspaceID)
	}
	return len(expired)
}

// Run sweeps expired entries once per TTL until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				klog.V(4).Infof("port cache swept %d expired entries", n)
			}
		}
	}
}
