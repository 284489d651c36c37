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

// Package lifecycle tracks workspace status and coordinates proxy-triggered
// container starts so that at most one start per workspace is in flight.
package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"k8s.io/klog/v2"

	"github.com/volcano-sh/workspace-proxy/pkg/common/types"
	"github.com/volcano-sh/workspace-proxy/pkg/engine"
)

const (
	DefaultGracePeriod  = 15 * time.Second
	DefaultStartTimeout = 30 * time.Second
)

// Engine is the subset of the container engine the controller drives.
type Engine interface {
	List(ctx context.Context, namePrefix string) ([]engine.Summary, error)
	Start(ctx context.Context, name string) error
}

// Transition is published whenever the tracked status of a workspace changes.
type Transition struct {
	WorkspaceID string
	From        types.Status
	To          types.Status
	At          time.Time
}

type state struct {
	status      types.Status
	inFlight    bool
	triggeredAt time.Time
	lastErr     error
	updatedAt   time.Time
}

// Controller owns the per-workspace start-suppression state. Every mutation is a
// Compute on the workspace key, so unrelated workspaces never contend.
type Controller struct {
	engine       Engine
	states       *xsync.MapOf[string, state]
	gracePeriod  time.Duration
	startTimeout time.Duration
	now          func() time.Time

	hooksMu sync.RWMutex
	hooks   []func(Transition)

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	// closeMu orders wg.Add against Close; it is only write-locked on shutdown.
	closeMu sync.RWMutex
	closed  atomic.Bool
}

// Option customizes a Controller.
type Option func(*Controller)

// WithGracePeriod sets how long after a trigger further triggers are suppressed.
func WithGracePeriod(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.gracePeriod = d
		}
	}
}

// WithStartTimeout bounds a single start command.
func WithStartTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.startTimeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// NewController creates a controller. A nil engine disables proxy-triggered starts.
func NewController(eng Engine, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		engine:       eng,
		states:       xsync.NewMapOf[string, state](),
		gracePeriod:  DefaultGracePeriod,
		startTimeout: DefaultStartTimeout,
		now:          time.Now,
		baseCtx:      ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CanStart reports whether the controller is able to issue start commands.
func (c *Controller) CanStart() bool {
	return c.engine != nil && !c.closed.Load()
}

// OnTransition registers a hook called after every status change. Hooks run on
// the caller's goroutine and must not block.
func (c *Controller) OnTransition(fn func(Transition)) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.hooks = append(c.hooks, fn)
}

func (c *Controller) publish(t Transition) {
	if t.From == t.To {
		return
	}
	c.hooksMu.RLock()
	hooks := c.hooks
	c.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(t)
	}
}

func (c *Controller) inGrace(st state, now time.Time) bool {
	return !st.triggeredAt.IsZero() && now.Sub(st.triggeredAt) < c.gracePeriod
}

// TriggerStart issues one asynchronous start for the workspace container unless a
// start is already in flight or was triggered within the grace period. It reports
// whether a start command was issued.
func (c *Controller) TriggerStart(workspaceID, containerName string) bool {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if !c.CanStart() {
		return false
	}
	if containerName == "" {
		containerName = workspaceID
	}

	now := c.now()
	triggered := false
	from := types.StatusUnknown
	c.states.Compute(workspaceID, func(old state, loaded bool) (state, bool) {
		if loaded {
			from = old.status
		}
		if old.inFlight || c.inGrace(old, now) {
			return old, !loaded
		}
		triggered = true
		old.status = types.StatusStarting
		old.inFlight = true
		old.triggeredAt = now
		old.lastErr = nil
		old.updatedAt = now
		return old, false
	})
	if !triggered {
		klog.V(4).Infof("start of workspace %s suppressed, already starting", workspaceID)
		return false
	}

	klog.Infof("starting workspace %s (container %s)", workspaceID, containerName)
	c.wg.Add(1)
	go c.start(workspaceID, containerName)
	c.publish(Transition{WorkspaceID: workspaceID, From: from, To: types.StatusStarting, At: now})
	return true
}

func (c *Controller) start(workspaceID, containerName string) {
	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(c.baseCtx, c.startTimeout)
	defer cancel()
	err := c.engine.Start(ctx, containerName)

	now := c.now()
	from := types.StatusStarting
	to := types.StatusStarting
	c.states.Compute(workspaceID, func(old state, loaded bool) (state, bool) {
		from = old.status
		old.inFlight = false
		old.updatedAt = now
		if err != nil {
			old.lastErr = err
			if old.status == types.StatusStarting {
				old.status = types.StatusStopped
			}
		}
		to = old.status
		return old, false
	})
	if err != nil {
		klog.Errorf("start workspace %s (container %s) failed: %v", workspaceID, containerName, err)
	} else {
		klog.V(2).Infof("start command for workspace %s accepted by engine", workspaceID)
	}
	c.publish(Transition{WorkspaceID: workspaceID, From: from, To: to, At: now})
}

// Observe records a status learned from the engine or the metadata store.
// A stopped observation never lands while a start is in flight or in grace, so a
// lagging source cannot undo a restart the proxy just issued.
func (c *Controller) Observe(workspaceID string, status types.Status) {
	if status == types.StatusUnknown || status == "" {
		return
	}
	now := c.now()
	from := types.StatusUnknown
	to := types.StatusUnknown
	c.states.Compute(workspaceID, func(old state, loaded bool) (state, bool) {
		if loaded {
			from = old.status
		}
		to = from
		if status == types.StatusStopped && (old.inFlight || c.inGrace(old, now)) {
			return old, !loaded
		}
		old.status = status
		old.updatedAt = now
		if status == types.StatusRunning {
			old.lastErr = nil
		}
		to = status
		return old, false
	})
	c.publish(Transition{WorkspaceID: workspaceID, From: from, To: to, At: now})
}

// Status returns the tracked status. A start that was accepted but never confirmed
// reads as stopped once the grace period is over, so the next request retries.
func (c *Controller) Status(workspaceID string) types.Status {
	st, ok := c.states.Load(workspaceID)
	if !ok {
		return types.StatusUnknown
	}
	if st.status == types.StatusStarting && !st.triggeredAt.IsZero() && !st.inFlight && !c.inGrace(st, c.now()) {
		return types.StatusStopped
	}
	return st.status
}

// Starting reports whether a proxy-triggered start is in flight or within grace.
func (c *Controller) Starting(workspaceID string) bool {
	st, ok := c.states.Load(workspaceID)
	if !ok {
		return false
	}
	return st.inFlight || c.inGrace(st, c.now())
}

// LastError returns the error of the most recent failed start, if any.
func (c *Controller) LastError(workspaceID string) error {
	st, ok := c.states.Load(workspaceID)
	if !ok {
		return nil
	}
	return st.lastErr
}

// Forget drops all state of a workspace.
func (c *Controller) Forget(workspaceID string) {
	c.states.Delete(workspaceID)
}

// Recover seeds the controller from the engine's container listing.
func (c *Controller) Recover(ctx context.Context, namePrefix string) (int, error) {
	if c.engine == nil {
		return 0, nil
	}
	containers, err := c.engine.List(ctx, namePrefix)
	if err != nil {
		return 0, err
	}
	for _, ct := range containers {
		status := types.StatusStopped
		if ct.Running {
			status = types.StatusRunning
		}
		c.Observe(ct.Name, status)
	}
	klog.Infof("recovered %d workspace states from the container engine", len(containers))
	return len(containers), nil
}

// Close stops accepting triggers and waits for in-flight starts. Pending starts
// are cancelled when ctx is done.
func (c *Controller) Close(ctx context.Context) error {
	c.closeMu.Lock()
	c.closed.Store(true)
	c.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		<-done
		return ctx.Err()
	}
}
