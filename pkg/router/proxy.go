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
	"errors"
	"log"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/volcano-sh/workspace-proxy/pkg/api"
	"github.com/volcano-sh/workspace-proxy/pkg/common/types"
)

// newBackendTransport returns the shared transport for all workspace backends.
// Only dialing is bounded: proxied streams may stay open indefinitely.
func newBackendTransport(dialTimeout time.Duration) *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true,
	}
}

// newReverseProxy builds the proxy for one resolved target. The request path and
// query are preserved, and the inbound host is kept so workspace UIs build their
// own absolute URLs.
func (s *Server) newReverseProxy(workspaceID string, target types.ProxyTarget, kind string) *httputil.ReverseProxy {
	targetURL := target.URL()
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(targetURL)
			pr.SetXForwarded()
			pr.Out.Host = pr.In.Host
			pr.Out.Header.Set(HopHeader, "1")
		},
		Transport:      s.httpTransport,
		FlushInterval:  -1,
		ErrorLog:       newProxyErrorLog(workspaceID),
		ModifyResponse: func(resp *http.Response) error {
			s.metrics.observeRequest(kind, outcomeProxied)
			return rewriteCORSOrigin(resp)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			backendErr := api.NewBackendError(workspaceID, target.String(), err)
			if errors.Is(err, r.Context().Err()) && r.Context().Err() != nil {
				klog.V(2).Infof("client of workspace %s went away: %v", workspaceID, err)
			} else {
				klog.Errorf("proxy error: %v", backendErr)
			}
			s.metrics.observeRequest(kind, outcomeBackend)
			if isUpgradeRequest(r) {
				rejectUpgrade(w, http.StatusBadGateway)
				return
			}
			writeError(w, backendErr)
		},
	}
}

// proxyErrorWriter sends ReverseProxy's own log lines, such as body copy
// failures after the headers went out, to klog tagged with the workspace.
type proxyErrorWriter struct {
	workspaceID string
	logf        func(format string, args ...interface{})
}

func (w proxyErrorWriter) Write(p []byte) (int, error) {
	w.logf("proxy error for workspace %s: %s", w.workspaceID, strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func newProxyErrorLog(workspaceID string) *log.Logger {
	return log.New(proxyErrorWriter{workspaceID: workspaceID, logf: klog.Errorf}, "", 0)
}

// rewriteCORSOrigin turns a wildcard Access-Control-Allow-Origin into the caller's
// Origin, since browsers reject a wildcard on credentialed requests.
func rewriteCORSOrigin(resp *http.Response) error {
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		return nil
	}
	origin := resp.Request.Header.Get("Origin")
	if origin == "" {
		return nil
	}
	resp.Header.Set("Access-Control-Allow-Origin", origin)
	return nil
}

// serveProxy forwards the gin request to target.
func (s *Server) serveProxy(c *gin.Context, req types.RouteRequest, target types.ProxyTarget) {
	klog.V(4).Infof("forwarding %s %s for workspace %s port %s to %s", c.Request.Method, req.OriginalPath, req.WorkspaceID, req.PortToken, target)
	s.newReverseProxy(req.WorkspaceID, target, kindHTTP).ServeHTTP(c.Writer, c.Request)
}
