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
	"net/http"
	"strings"

	"golang.org/x/net/http/httpguts"
	"k8s.io/klog/v2"

	"github.com/volcano-sh/workspace-proxy/pkg/api"
	"github.com/volcano-sh/workspace-proxy/pkg/hostroute"
	"github.com/volcano-sh/workspace-proxy/pkg/resolver"
)

// isUpgradeRequest reports whether r asks for a protocol switch.
func isUpgradeRequest(r *http.Request) bool {
	return httpguts.HeaderValuesContainsToken(r.Header["Connection"], "Upgrade") && r.Header.Get("Upgrade") != ""
}

// UpgradeDispatcher intercepts protocol upgrades on the shared listener. Upgrades
// for the realtime channel or for non-workspace hosts are left to the wrapped
// handler; workspace upgrades are resolved and piped to the backend.
type UpgradeDispatcher struct {
	server *Server
}

// Wrap installs the dispatcher in front of next.
func (d *UpgradeDispatcher) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !d.claims(r) {
			next.ServeHTTP(w, r)
			return
		}
		d.dispatch(w, r)
	})
}

func (d *UpgradeDispatcher) claims(r *http.Request) bool {
	if !isUpgradeRequest(r) {
		return false
	}
	if strings.HasPrefix(r.URL.Path, d.server.config.RealtimePrefix) {
		return false
	}
	return hostroute.Matches(r.Host, d.server.config.WorkspacePrefix)
}

// dispatch never falls back to HTML: every failure is a bare status line.
func (d *UpgradeDispatcher) dispatch(w http.ResponseWriter, r *http.Request) {
	s := d.server
	route, err := hostroute.Parse(r.Host, s.config.WorkspacePrefix)
	if err != nil {
		klog.V(2).Infof("reject upgrade for host %q: %v", r.Host, err)
		s.metrics.observeRequest(kindWebSocket, outcomeRejected)
		rejectUpgrade(w, http.StatusBadRequest)
		return
	}
	if r.Header.Get(HopHeader) != "" {
		klog.Warningf("loop detected for workspace %s upgrade", route.WorkspaceID)
		s.metrics.observeRequest(kindWebSocket, outcomeLoop)
		rejectUpgrade(w, http.StatusLoopDetected)
		return
	}

	res, err := s.resolver.Resolve(r.Context(), resolver.Query{
		WorkspaceID:    route.WorkspaceID,
		PortToken:      route.PortToken,
		Scheme:         "ws",
		RequireRunning: true,
	})
	if err != nil {
		klog.V(2).Infof("reject upgrade for workspace %s port %s: %v", route.WorkspaceID, route.PortToken, err)
		s.metrics.observeRequest(kindWebSocket, outcomeRejected)
		rejectUpgrade(w, upgradeStatusFor(err))
		return
	}
	s.metrics.observeResolution(res)
	if res.Pending {
		// RequireRunning never yields pending; treat it as not running
		s.metrics.observeRequest(kindWebSocket, outcomeRejected)
		rejectUpgrade(w, http.StatusNotFound)
		return
	}

	klog.V(4).Infof("upgrading workspace %s port %s to %s", route.WorkspaceID, route.PortToken, res.Target)
	s.newReverseProxy(route.WorkspaceID, res.Target, kindWebSocket).ServeHTTP(w, r)
}

// upgradeStatusFor collapses resolution failures onto the status lines an
// upgrade client can act on.
func upgradeStatusFor(err error) int {
	switch {
	case errors.Is(err, api.ErrWorkspaceNotFound),
		errors.Is(err, api.ErrWorkspaceNotRunning),
		errors.Is(err, api.ErrPortUnmapped):
		return http.StatusNotFound
	case errors.Is(err, api.ErrMalformedRoute), errors.Is(err, api.ErrMissingHost):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}
