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

package resolver

import (
	"context"
	"errors"

	"k8s.io/klog/v2"

	"github.com/volcano-sh/workspace-proxy/pkg/api"
	"github.com/volcano-sh/workspace-proxy/pkg/common/types"
	"github.com/volcano-sh/workspace-proxy/pkg/engine"
	"github.com/volcano-sh/workspace-proxy/pkg/store"
)

// Strategy is one step of the resolution chain. A nil resolution with a nil
// error hands over to the next step.
type Strategy interface {
	Step() Step
	Resolve(ctx context.Context, l *lookup) (*Resolution, error)
}

// lookup is the per-request state threaded through the chain.
type lookup struct {
	Query

	// keys are tried in order against port maps; the logical name comes first.
	keys    []string
	logical bool

	known         bool
	provider      types.Provider
	containerName string
	host          string
	status        types.Status
	// engineAnswered is set once the engine has spoken for a docker workspace.
	engineAnswered bool
	engineFound    bool
	cacheHit       bool
	// storeMissing is set when the store has no record of the workspace.
	storeMissing bool
}

func (l *lookup) match(ports types.PortMap) (string, bool) {
	for _, k := range l.keys {
		if port, ok := ports[k]; ok && port != "" {
			return port, true
		}
	}
	return "", false
}

func (l *lookup) container() string {
	if l.containerName != "" {
		return l.containerName
	}
	return l.WorkspaceID
}

type logicalStrategy struct{ r *Resolver }

func (s logicalStrategy) Step() Step { return StepLogical }

func (s logicalStrategy) Resolve(_ context.Context, l *lookup) (*Resolution, error) {
	if containerPort, ok := s.r.logicalPorts.Lookup(l.PortToken); ok {
		l.logical = true
		l.keys = []string{l.PortToken, containerPort}
	}
	return nil, nil
}

type cacheStrategy struct{ r *Resolver }

func (s cacheStrategy) Step() Step { return StepCache }

func (s cacheStrategy) Resolve(_ context.Context, l *lookup) (*Resolution, error) {
	snap, ok := s.r.cache.Get(l.WorkspaceID)
	if !ok {
		return nil, nil
	}
	// snapshots are only taken from running containers
	l.known = true
	l.cacheHit = true
	l.provider = types.ProviderDocker
	l.status = types.StatusRunning
	l.engineAnswered = true
	l.engineFound = true
	port, ok := l.match(snap.Ports)
	if !ok {
		return nil, nil
	}
	return &Resolution{Target: s.r.target(l, "", port)}, nil
}

type engineStrategy struct{ r *Resolver }

func (s engineStrategy) Step() Step { return StepEngine }

func (s engineStrategy) Resolve(ctx context.Context, l *lookup) (*Resolution, error) {
	if s.r.inspector == nil || l.cacheHit {
		return nil, nil
	}
	in, err := s.r.inspect(ctx, l.WorkspaceID)
	if errors.Is(err, engine.ErrContainerNotFound) {
		// remote providers have no local container; the store decides
		l.engineAnswered = true
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.r.applyInspection(l, in), nil
}

// applyInspection records what the engine reported for the workspace container
// and resolves the port when the container runs.
func (r *Resolver) applyInspection(l *lookup, in *engine.Inspection) *Resolution {
	l.known = true
	l.engineAnswered = true
	l.engineFound = true
	l.provider = types.ProviderDocker
	l.containerName = in.ContainerName

	if !in.Running {
		r.cache.Invalidate(l.WorkspaceID)
		l.status = types.StatusStopped
		if r.lifecycle != nil {
			r.lifecycle.Observe(l.WorkspaceID, types.StatusStopped)
		}
		return nil
	}

	l.status = types.StatusRunning
	if r.lifecycle != nil {
		r.lifecycle.Observe(l.WorkspaceID, types.StatusRunning)
	}
	snap := r.cache.Put(l.WorkspaceID, r.snapshotPorts(in))
	port, ok := l.match(snap.Ports)
	if !ok {
		return nil
	}
	return &Resolution{Target: r.target(l, "", port)}
}

type storeStrategy struct{ r *Resolver }

func (s storeStrategy) Step() Step { return StepStore }

func (s storeStrategy) Resolve(ctx context.Context, l *lookup) (*Resolution, error) {
	if s.r.store == nil {
		return nil, nil
	}
	sctx, cancel := context.WithTimeout(ctx, s.r.storeTimeout)
	defer cancel()
	ws, err := s.r.store.GetWorkspace(sctx, l.WorkspaceID)
	if errors.Is(err, store.ErrNotFound) {
		l.storeMissing = true
		return nil, nil
	}
	if err != nil {
		return nil, api.NewStoreError("get", l.WorkspaceID, err)
	}

	l.known = true
	if l.containerName == "" {
		l.containerName = ws.Container()
	}
	provider := ws.Provider
	if provider == "" {
		provider = types.ProviderDocker
	}

	if provider == types.ProviderDocker && s.r.inspector != nil && l.engineAnswered {
		// the local engine is authoritative for its own containers
		l.provider = types.ProviderDocker
		if !l.engineFound {
			return s.resolveMissingContainer(ctx, l, ws)
		}
		if l.status != types.StatusRunning {
			return nil, nil
		}
	} else {
		s.useRecord(l, ws, provider)
		if ws.Status != types.StatusRunning {
			return nil, nil
		}
	}

	port, ok := l.match(ws.Ports)
	if !ok {
		return nil, nil
	}
	return &Resolution{Target: s.r.target(l, ws.Host, port)}, nil
}

// useRecord makes the store record the source of truth for the workspace.
func (s storeStrategy) useRecord(l *lookup, ws *types.Workspace, provider types.Provider) {
	l.provider = provider
	l.host = ws.Host
	l.status = ws.Status
	if s.r.lifecycle != nil {
		s.r.lifecycle.Observe(l.WorkspaceID, ws.Status)
	}
}

// resolveMissingContainer handles a docker workspace the engine has no container
// for under its id. The record may name the container differently, or the
// container may not be created yet while the workspace provisions.
func (s storeStrategy) resolveMissingContainer(ctx context.Context, l *lookup, ws *types.Workspace) (*Resolution, error) {
	if name := ws.Container(); name != l.WorkspaceID {
		in, err := s.r.inspect(ctx, name)
		switch {
		case err == nil:
			return s.r.applyInspection(l, in), nil
		case !errors.Is(err, engine.ErrContainerNotFound):
			klog.Warningf("inspect container %s of workspace %s failed, using the store record: %v", name, l.WorkspaceID, err)
			s.useRecord(l, ws, types.ProviderDocker)
			if ws.Status != types.StatusRunning {
				return nil, nil
			}
			if port, ok := l.match(ws.Ports); ok {
				return &Resolution{Target: s.r.target(l, ws.Host, port)}, nil
			}
			return nil, nil
		}
	}

	if ws.Status == types.StatusStarting {
		klog.V(2).Infof("workspace %s is provisioning, container %s not created yet", l.WorkspaceID, ws.Container())
		l.status = types.StatusStarting
		return nil, nil
	}
	klog.Warningf("workspace %s is recorded as %s but its container is gone", l.WorkspaceID, ws.Status)
	l.status = types.StatusStopped
	return nil, api.NewWorkspaceNotRunningError(l.WorkspaceID)
}

// lifecycleStrategy turns a known but not running workspace into a pending
// resolution, triggering a start when the provider allows it.
type lifecycleStrategy struct{ r *Resolver }

func (s lifecycleStrategy) Step() Step { return StepLifecycle }

func (s lifecycleStrategy) Resolve(_ context.Context, l *lookup) (*Resolution, error) {
	if !l.known {
		return nil, nil
	}
	lc := s.r.lifecycle
	status := l.status
	if lc != nil && status != types.StatusRunning && lc.Status(l.WorkspaceID) == types.StatusStarting {
		status = types.StatusStarting
	}

	switch status {
	case types.StatusStarting:
		if l.RequireRunning {
			return nil, api.NewWorkspaceNotRunningError(l.WorkspaceID)
		}
		return &Resolution{Pending: true}, nil
	case types.StatusStopped:
		if l.RequireRunning {
			return nil, api.NewWorkspaceNotRunningError(l.WorkspaceID)
		}
		if lc == nil || !l.provider.Restartable() || !lc.CanStart() {
			klog.V(2).Infof("workspace %s (provider %s) is stopped and cannot be restarted by the proxy", l.WorkspaceID, l.provider)
			return nil, api.NewWorkspaceNotRunningError(l.WorkspaceID)
		}
		if err := lc.LastError(l.WorkspaceID); err != nil {
			klog.Warningf("workspace %s: previous start failed, retrying: %v", l.WorkspaceID, err)
		}
		triggered := lc.TriggerStart(l.WorkspaceID, l.container())
		return &Resolution{Pending: true, StartTriggered: triggered}, nil
	}
	return nil, nil
}

// literalStrategy passes a numeric token through as the destination port of a
// known, running workspace. Workspaces no earlier step knows about are not passed
// through: they end as not found even for numeric tokens.
type literalStrategy struct{ r *Resolver }

func (s literalStrategy) Step() Step { return StepLiteral }

func (s literalStrategy) Resolve(_ context.Context, l *lookup) (*Resolution, error) {
	if l.logical || !l.known {
		return nil, nil
	}
	if _, ok := types.ParsePort(l.PortToken); !ok {
		return nil, nil
	}
	return &Resolution{Target: s.r.target(l, l.host, l.PortToken)}, nil
}
