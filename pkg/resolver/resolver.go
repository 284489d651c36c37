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

// Package resolver turns a (workspace, port token) pair into a backend target by
// trying an ordered chain of lookup strategies.
package resolver

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"

	"github.com/volcano-sh/workspace-proxy/pkg/api"
	"github.com/volcano-sh/workspace-proxy/pkg/common/types"
	"github.com/volcano-sh/workspace-proxy/pkg/engine"
	"github.com/volcano-sh/workspace-proxy/pkg/lifecycle"
	"github.com/volcano-sh/workspace-proxy/pkg/portcache"
	"github.com/volcano-sh/workspace-proxy/pkg/store"
)

const (
	DefaultBackendHost   = "localhost"
	DefaultEngineTimeout = 2 * time.Second
	DefaultStoreTimeout  = 2 * time.Second
)

// Step names the strategy that produced a resolution.
type Step string

const (
	StepLogical   Step = "logical"
	StepCache     Step = "cache"
	StepEngine    Step = "engine"
	StepStore     Step = "store"
	StepLifecycle Step = "lifecycle"
	StepLiteral   Step = "literal"
)

// Inspector is the read side of the container engine used for introspection.
type Inspector interface {
	Inspect(ctx context.Context, name string) (*engine.Inspection, error)
}

// Query is one resolution request.
type Query struct {
	WorkspaceID string
	PortToken   string
	// Scheme of the target, http or ws. Empty means http.
	Scheme string
	// RequireRunning fails instead of returning a pending resolution or
	// triggering a start.
	RequireRunning bool
}

// Resolution is the outcome of a successful resolve. When Pending is set the
// workspace is provisioning and Target is empty.
type Resolution struct {
	WorkspaceID    string
	Target         types.ProxyTarget
	Step           Step
	Pending        bool
	StartTriggered bool
}

// Config holds resolver tunables.
type Config struct {
	LogicalPorts  types.LogicalPorts
	BackendHost   string
	EngineTimeout time.Duration
	StoreTimeout  time.Duration
}

// Resolver runs the strategy chain. It is safe for concurrent use.
type Resolver struct {
	logicalPorts  types.LogicalPorts
	backendHost   string
	engineTimeout time.Duration
	storeTimeout  time.Duration

	cache     *portcache.Cache
	inspector Inspector
	store     store.Store
	lifecycle *lifecycle.Controller

	inspectGroup singleflight.Group
	chain        []Strategy
}

// New builds a resolver. inspector, st and lc may be nil, in which case the
// corresponding steps are skipped.
func New(cfg Config, cache *portcache.Cache, inspector Inspector, st store.Store, lc *lifecycle.Controller) *Resolver {
	if cfg.LogicalPorts == nil {
		cfg.LogicalPorts = types.DefaultLogicalPorts()
	}
	if cfg.BackendHost == "" {
		cfg.BackendHost = DefaultBackendHost
	}
	if cfg.EngineTimeout <= 0 {
		cfg.EngineTimeout = DefaultEngineTimeout
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cache == nil {
		cache = portcache.New(portcache.DefaultTTL)
	}
	r := &Resolver{
		logicalPorts:  cfg.LogicalPorts,
		backendHost:   cfg.BackendHost,
		engineTimeout: cfg.EngineTimeout,
		storeTimeout:  cfg.StoreTimeout,
		cache:         cache,
		inspector:     inspector,
		store:         st,
		lifecycle:     lc,
	}
	r.chain = []Strategy{
		logicalStrategy{r},
		cacheStrategy{r},
		engineStrategy{r},
		storeStrategy{r},
		lifecycleStrategy{r},
		literalStrategy{r},
	}
	return r
}

// Resolve runs the chain for q. Engine and store failures are logged and absorbed;
// only resolution failures are returned.
func (r *Resolver) Resolve(ctx context.Context, q Query) (*Resolution, error) {
	q.PortToken = strings.ToLower(q.PortToken)
	if q.Scheme == "" {
		q.Scheme = "http"
	}
	l := &lookup{Query: q, keys: []string{q.PortToken}}

	for _, s := range r.chain {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := s.Resolve(ctx, l)
		if err != nil {
			if api.IsFallthrough(err) {
				klog.Warningf("resolve workspace %s port %s: %s step failed, falling through: %v", q.WorkspaceID, q.PortToken, s.Step(), err)
				continue
			}
			klog.V(2).Infof("resolve workspace %s port %s: %v", q.WorkspaceID, q.PortToken, err)
			return nil, err
		}
		if res != nil {
			res.WorkspaceID = q.WorkspaceID
			res.Step = s.Step()
			klog.V(4).Infof("resolved workspace %s port %s via %s: pending=%v target=%s", q.WorkspaceID, q.PortToken, res.Step, res.Pending, res.Target)
			return res, nil
		}
	}

	if l.known {
		err := api.NewPortUnmappedError(q.WorkspaceID, q.PortToken)
		klog.V(2).Infof("resolve workspace %s: %v", q.WorkspaceID, err)
		return nil, err
	}
	r.forgetGone(l)
	err := api.NewWorkspaceNotFoundError(q.WorkspaceID)
	klog.V(2).Infof("resolve workspace %s: %v", q.WorkspaceID, err)
	return nil, err
}

// forgetGone drops lifecycle state of a workspace that both the engine and the
// store positively report as absent. Failed lookups keep the state.
func (r *Resolver) forgetGone(l *lookup) {
	if r.lifecycle == nil || r.inspector == nil || !l.engineAnswered || l.engineFound {
		return
	}
	if r.store != nil && !l.storeMissing {
		return
	}
	if r.lifecycle.Starting(l.WorkspaceID) {
		return
	}
	r.lifecycle.Forget(l.WorkspaceID)
}

// inspect coalesces concurrent engine lookups of one container.
func (r *Resolver) inspect(ctx context.Context, name string) (*engine.Inspection, error) {
	v, err, _ := r.inspectGroup.Do(name, func() (interface{}, error) {
		ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.engineTimeout)
		defer cancel()
		return r.inspector.Inspect(ictx, name)
	})
	if err != nil {
		if errors.Is(err, engine.ErrContainerNotFound) {
			return nil, err
		}
		var engineErr *api.EngineError
		if !errors.As(err, &engineErr) {
			err = api.NewEngineError("inspect", name, err)
		}
		return nil, err
	}
	return v.(*engine.Inspection), nil
}

// snapshotPorts builds the cached port map from an inspection: every published
// container port plus the logical names whose container port is published.
func (r *Resolver) snapshotPorts(in *engine.Inspection) types.PortMap {
	ports := make(types.PortMap, len(in.Ports)+len(r.logicalPorts))
	for containerPort, hostPort := range in.Ports {
		ports[containerPort] = hostPort
	}
	for name, containerPort := range r.logicalPorts {
		if hostPort, ok := in.Ports[containerPort]; ok {
			ports[name] = hostPort
		}
	}
	return ports
}

func (r *Resolver) target(l *lookup, host, port string) types.ProxyTarget {
	if host == "" {
		host = r.backendHost
	}
	return types.ProxyTarget{Scheme: l.Scheme, Host: host, Port: port}
}
