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

package router

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/volcano-sh/workspace-proxy/pkg/engine"
	"github.com/volcano-sh/workspace-proxy/pkg/lifecycle"
	"github.com/volcano-sh/workspace-proxy/pkg/portcache"
	"github.com/volcano-sh/workspace-proxy/pkg/resolver"
	"github.com/volcano-sh/workspace-proxy/pkg/store"
)

// Server is the workspace proxy: one listener serving the root endpoints and
// every <workspace>.<port>.<domain> host.
type Server struct {
	config          *Config
	engine          *gin.Engine
	httpServer      *http.Server
	storeClient     store.Store
	containerEngine engine.Engine
	cache           *portcache.Cache
	lifecycle       *lifecycle.Controller
	resolver        *resolver.Resolver
	dispatcher      *UpgradeDispatcher
	hub             *realtimeHub
	metrics         *metrics
	httpTransport   *http.Transport // Reusable HTTP transport for connection pooling
}

// NewServer creates a new proxy server. storeClient and eng may be nil; the
// resolver then skips the corresponding steps.
func NewServer(config *Config, storeClient store.Store, eng engine.Engine) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// Set Gin mode based on environment
	if config.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	cache := portcache.New(config.CacheTTL)
	lc := lifecycle.NewController(eng,
		lifecycle.WithGracePeriod(config.StartGracePeriod),
		lifecycle.WithStartTimeout(config.StartTimeout),
	)
	res := resolver.New(resolver.Config{
		LogicalPorts:  config.LogicalPorts(),
		BackendHost:   config.BackendHost,
		EngineTimeout: config.EngineTimeout,
		StoreTimeout:  config.StoreTimeout,
	}, cache, eng, storeClient, lc)

	server := &Server{
		config:          config,
		storeClient:     storeClient,
		containerEngine: eng,
		cache:           cache,
		lifecycle:       lc,
		resolver:        res,
		hub:             newRealtimeHub(),
		metrics:         newMetrics(),
		httpTransport:   newBackendTransport(config.DialTimeout),
	}
	server.dispatcher = &UpgradeDispatcher{server: server}
	lc.OnTransition(server.hub.publish)

	// Setup routes
	server.setupRoutes()

	return server, nil
}

// concurrencyLimitMiddleware limits the number of concurrent requests
func (s *Server) concurrencyLimitMiddleware() gin.HandlerFunc {
	concurrency := make(chan struct{}, s.config.MaxConcurrentRequests)
	return func(c *gin.Context) {
		// Try to acquire a slot in the semaphore
		select {
		case concurrency <- struct{}{}:
			defer func() {
				<-concurrency
			}()
			c.Next()
		default:
			c.JSON(http.StatusTooManyRequests, ErrorResponse{
				Error: "server overloaded, please try again later",
				Code:  "SERVER_OVERLOADED",
			})
			c.Abort()
		}
	}
}

// setupRoutes configures HTTP routes using Gin
func (s *Server) setupRoutes() {
	s.engine = gin.New()
	// Workspace paths belong to the backend; gin must not redirect them
	s.engine.RedirectTrailingSlash = false
	s.engine.RedirectFixedPath = false
	s.engine.Use(recoveryMiddleware())
	s.engine.Use(requestIDMiddleware())
	s.engine.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/health", "/health/live", "/health/ready", "/metrics"},
	}))
	s.engine.Use(s.concurrencyLimitMiddleware())
	// Workspace hosts never reach the routes below
	s.engine.Use(s.workspaceHostMiddleware())

	s.engine.GET("/", s.handleRoot)
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/health/live", s.handleHealthLive)
	s.engine.GET("/health/ready", s.handleHealthReady)
	s.engine.GET("/metrics", s.metrics.handler())
	s.engine.GET(s.config.RealtimePrefix+"workspaces", s.handleRealtime)
	s.engine.NoRoute(s.handleNotFound)
}

// Handler returns the root handler: the upgrade dispatcher around the gin engine.
func (s *Server) Handler() http.Handler {
	return s.dispatcher.Wrap(s.engine)
}

// Start starts the proxy and blocks until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	addr := ":" + s.config.Port

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
		// No read/write timeout: proxied websocket and long-poll streams must survive
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       90 * time.Second, // golang http default transport's idletimeout is 90s
	}

	go s.cache.Run(ctx)
	s.recoverStates(ctx)

	// Listen for shutdown signal in goroutine
	go func() {
		<-ctx.Done()
		klog.Info("Shutting down workspace proxy...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			klog.Errorf("Server shutdown error: %v", err)
		}
		if err := s.lifecycle.Close(shutdownCtx); err != nil {
			klog.Errorf("Waiting for workspace starts failed: %v", err)
		}
		s.httpTransport.CloseIdleConnections()
	}()

	klog.Infof("Workspace proxy listening on %s", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// recoverStates seeds the lifecycle controller from the engine, best effort.
func (s *Server) recoverStates(ctx context.Context) {
	if s.containerEngine == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, s.config.EngineTimeout)
	defer cancel()
	if _, err := s.lifecycle.Recover(rctx, s.config.WorkspacePrefix); err != nil {
		klog.Warningf("recover workspace states from the container engine failed: %v", err)
	}
}
