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

// Package hostroute decodes the <workspaceId>.<portToken>.<domain> host convention.
package hostroute

import (
	"net"
	"strings"

	"github.com/volcano-sh/workspace-proxy/pkg/api"
	"github.com/volcano-sh/workspace-proxy/pkg/common/types"
)

// Route is the decoded form of a host header.
type Route struct {
	// Root is set for hosts without separators; they are served by the static responder.
	Root        bool
	WorkspaceID string
	PortToken   string
}

// IsRoot reports whether the route targets the proxy itself.
func (r Route) IsRoot() bool {
	return r.Root
}

// Request binds the route to the path of one inbound request.
func (r Route) Request(path string) types.RouteRequest {
	return types.RouteRequest{
		WorkspaceID:  r.WorkspaceID,
		PortToken:    r.PortToken,
		OriginalPath: path,
	}
}

// Parse decodes host into a route. The first label is the workspace id, normalized
// with prefix, the second is the port token, and any remaining labels are ignored.
func Parse(host, prefix string) (Route, error) {
	raw := host
	host = stripPort(strings.TrimSpace(host))
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return Route{}, api.NewParseError(raw, api.ErrMissingHost)
	}

	if net.ParseIP(host) != nil {
		return Route{Root: true}, nil
	}

	labels := strings.Split(host, ".")
	switch {
	case len(labels) == 1:
		return Route{Root: true}, nil
	case len(labels) < 3:
		return Route{}, api.NewParseError(raw, api.ErrMalformedRoute)
	}

	if labels[0] == "" || labels[1] == "" {
		return Route{}, api.NewParseError(raw, api.ErrMalformedRoute)
	}

	return Route{
		WorkspaceID: types.NormalizeWorkspaceID(labels[0], prefix),
		PortToken:   labels[1],
	}, nil
}

// Matches reports whether host follows the workspace subdomain convention.
func Matches(host, prefix string) bool {
	route, err := Parse(host, prefix)
	return err == nil && !route.IsRoot()
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
}
