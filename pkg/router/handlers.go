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
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/volcano-sh/workspace-proxy/pkg/hostroute"
	"github.com/volcano-sh/workspace-proxy/pkg/resolver"
)

// handleRoot greets callers of the bare listener host
func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "workspace-proxy",
		"message": "address a workspace as <workspace>.<port>.<domain>",
	})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
	})
}

// handleHealthLive handles liveness probe
func (s *Server) handleHealthLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "alive",
	})
}

// handleHealthReady handles readiness probe
func (s *Server) handleHealthReady(c *gin.Context) {
	if s.storeClient == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"error":  "workspace store not available",
		})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.config.StoreTimeout)
	defer cancel()
	if err := s.storeClient.Ping(ctx); err != nil {
		klog.Warningf("readiness: workspace store ping failed: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"error":  "workspace store unreachable",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
	})
}

func (s *Server) handleNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, ErrorResponse{
		Error: "no route for " + c.Request.URL.Path,
		Code:  "NotFound",
	})
}

// workspaceHostMiddleware routes every request addressed to a workspace host to
// the proxy. Root hosts and realtime upgrades continue to the regular routes.
func (s *Server) workspaceHostMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route, err := hostroute.Parse(c.Request.Host, s.config.WorkspacePrefix)
		if err != nil {
			klog.V(2).Infof("reject request for host %q: %v", c.Request.Host, err)
			s.metrics.observeRequest(kindHTTP, outcomeRejected)
			respondError(c, err)
			return
		}
		if route.IsRoot() {
			c.Next()
			return
		}
		if isUpgradeRequest(c.Request) && strings.HasPrefix(c.Request.URL.Path, s.config.RealtimePrefix) {
			c.Next()
			return
		}
		s.handleWorkspace(c, route)
		c.Abort()
	}
}

// handleWorkspace resolves the workspace port and proxies, or serves the loading
// page while the workspace starts.
func (s *Server) handleWorkspace(c *gin.Context, route hostroute.Route) {
	req := route.Request(c.Request.URL.Path)
	if c.GetHeader(HopHeader) != "" {
		klog.Warningf("loop detected for workspace %s port %s", req.WorkspaceID, req.PortToken)
		s.metrics.observeRequest(kindHTTP, outcomeLoop)
		c.JSON(http.StatusLoopDetected, ErrorResponse{
			Error: "Loop detected in proxy",
			Code:  "LoopDetected",
		})
		return
	}

	res, err := s.resolver.Resolve(c.Request.Context(), resolver.Query{
		WorkspaceID: req.WorkspaceID,
		PortToken:   req.PortToken,
	})
	if err != nil {
		klog.V(2).Infof("resolve workspace %s port %s failed: %v", req.WorkspaceID, req.PortToken, err)
		s.metrics.observeRequest(kindHTTP, outcomeRejected)
		respondError(c, err)
		return
	}
	s.metrics.observeResolution(res)

	if res.Pending {
		if res.StartTriggered {
			klog.Infof("workspace %s is stopped, start triggered by %s %s", req.WorkspaceID, c.Request.Method, req.OriginalPath)
		}
		s.metrics.observeRequest(kindHTTP, outcomeLoading)
		writeLoadingPage(c.Writer, req.WorkspaceID, s.config.LoadingRefresh)
		return
	}

	s.serveProxy(c, req, res.Target)
}
