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

package portcache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/volcano-sh/workspace-proxy/pkg/common/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func TestGetAfterPut(t *testing.T) {
	clock := newFakeClock()
	c := New(2*time.Second, WithClock(clock.Now))

	ports := types.PortMap{types.PortEditor: "39378", "39378": "39378"}
	c.Put("workspace-ws1", ports)

	snap, ok := c.Get("workspace-ws1")
	require.True(t, ok)
	assert.Equal(t, ports, snap.Ports)
	assert.Equal(t, "workspace-ws1", snap.WorkspaceID)
	assert.Equal(t, clock.Now(), snap.FetchedAt)
}

func TestGetAfterTTLIsMiss(t *testing.T) {
	clock := newFakeClock()
	c := New(2*time.Second, WithClock(clock.Now))
	c.Put("workspace-ws1", types.PortMap{types.PortEditor: "39378"})

	clock.Advance(1999 * time.Millisecond)
	_, ok := c.Get("workspace-ws1")
	assert.True(t, ok, "entry must still be fresh just before the window ends")

	clock.Advance(time.Millisecond)
	_, ok = c.Get("workspace-ws1")
	assert.False(t, ok, "entry must not be served past the window")
	assert.Equal(t, 0, c.Len(), "expired entry should be dropped on read")
}

func TestPutReplacesWholeSnapshot(t *testing.T) {
	c := New(time.Minute)
	c.Put("workspace-ws1", types.PortMap{types.PortEditor: "1001", types.PortWorker: "1002"})
	c.Put("workspace-ws1", types.PortMap{types.PortExtension: "1003"})

	snap, ok := c.Get("workspace-ws1")
	require.True(t, ok)
	assert.Equal(t, types.PortMap{types.PortExtension: "1003"}, snap.Ports)
}

func TestSnapshotIsolation(t *testing.T) {
	c := New(time.Minute)
	ports := types.PortMap{types.PortEditor: "1001"}
	c.Put("workspace-ws1", ports)

	ports[types.PortEditor] = "9999"
	snap, _ := c.Get("workspace-ws1")
	assert.Equal(t, "1001", snap.Ports[types.PortEditor])

	snap.Ports[types.PortEditor] = "8888"
	again, _ := c.Get("workspace-ws1")
	assert.Equal(t, "1001", again.Ports[types.PortEditor])
}

func TestInvalidate(t *testing.T) {
	c := New(time.Minute)
	c.Put("workspace-ws1", types.PortMap{types.PortEditor: "1001"})
	c.Put("workspace-ws2", types.PortMap{types.PortEditor: "1002"})

	c.Invalidate("workspace-ws1")

	_, ok := c.Get("workspace-ws1")
	assert.False(t, ok)
	_, ok = c.Get("workspace-ws2")
	assert.True(t, ok)
}

func TestSweep(t *testing.T) {
	clock := newFakeClock()
	c := New(2*time.Second, WithClock(clock.Now))
	c.Put("workspace-old", types.PortMap{types.PortEditor: "1001"})
	clock.Advance(time.Second)
	c.Put("workspace-new", types.PortMap{types.PortEditor: "1002"})
	clock.Advance(1500 * time.Millisecond)

	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("workspace-new")
	assert.True(t, ok)
}

func TestDefaultTTL(t *testing.T) {
	assert.Equal(t, DefaultTTL, New(0).TTL())
	assert.Equal(t, 5*time.Second, New(5*time.Second).TTL())
}

func TestConcurrentAccess(t *testing.T) {
	c := New(time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("workspace-%d", i%4)
			for j := 0; j < 100; j++ {
				c.Put(id, types.PortMap{types.PortEditor: fmt.Sprint(j)})
				if snap, ok := c.Get(id); ok {
					assert.Len(t, snap.Ports, 1)
				}
				if j%10 == 0 {
					c.Invalidate(id)
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestRunStopsOnCancel(t *testing.T) {
	c := New(10 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	c.Put("workspace-ws1", types.PortMap{types.PortEditor: "1001"})
	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
