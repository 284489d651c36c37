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

package types

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultWorkspacePrefix is prepended to task run ids to form workspace ids and container names.
const DefaultWorkspacePrefix = "workspace-"

// Provider identifies the engine backing a workspace.
type Provider string

const (
	// ProviderDocker is the locally managed container engine.
	ProviderDocker  Provider = "docker"
	ProviderMorph   Provider = "morph"
	ProviderDaytona Provider = "daytona"
	ProviderOther   Provider = "other"
)

// Restartable reports whether the proxy may issue start commands for the provider.
// Only the locally managed engine supports it; remote providers are restarted by
// the provisioning workflow.
func (p Provider) Restartable() bool {
	return p == ProviderDocker
}

// Valid reports whether p belongs to the closed provider set.
func (p Provider) Valid() bool {
	switch p {
	case ProviderDocker, ProviderMorph, ProviderDaytona, ProviderOther:
		return true
	}
	return false
}

// Status is the lifecycle status of a workspace.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
)

// Logical port names.
const (
	PortEditor    = "editor"
	PortWorker    = "worker"
	PortExtension = "extension"
)

// LogicalPorts maps a logical port name to the container-internal port of that role.
type LogicalPorts map[string]string

// DefaultLogicalPorts returns the container ports the workspace image listens on.
func DefaultLogicalPorts() LogicalPorts {
	return LogicalPorts{
		PortEditor:    "39378",
		PortWorker:    "39377",
		PortExtension: "39376",
	}
}

// Lookup returns the container port for a logical name.
func (lp LogicalPorts) Lookup(name string) (string, bool) {
	port, ok := lp[strings.ToLower(name)]
	return port, ok
}

// PortMap maps a logical name or container port to the concrete port to dial.
type PortMap map[string]string

// Clone returns an independent copy of the map.
func (pm PortMap) Clone() PortMap {
	if pm == nil {
		return nil
	}
	out := make(PortMap, len(pm))
	for k, v := range pm {
		out[k] = v
	}
	return out
}

// Workspace is the metadata store record of one ephemeral container.
type Workspace struct {
	Name          string    `json:"name"`
	TaskRunID     string    `json:"taskRunId"`
	Provider      Provider  `json:"provider"`
	Status        Status    `json:"status"`
	Ports         PortMap   `json:"ports"`
	Host          string    `json:"host,omitempty"`
	ContainerName string    `json:"containerName"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Container returns the container name, falling back to the workspace name.
func (w *Workspace) Container() string {
	if w.ContainerName != "" {
		return w.ContainerName
	}
	return w.Name
}

// NormalizeWorkspaceID lowercases id and prepends prefix when it is missing.
func NormalizeWorkspaceID(id, prefix string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" || prefix == "" || strings.HasPrefix(id, prefix) {
		return id
	}
	return prefix + id
}

// RouteRequest is the per-request routing tuple decoded from the host header.
type RouteRequest struct {
	WorkspaceID  string
	PortToken    string
	OriginalPath string
}

// ProxyTarget is a resolved backend address. It is built per request and never cached.
type ProxyTarget struct {
	Scheme string
	Host   string
	Port   string
}

// URL returns the dialable URL of the target. WebSocket targets are reached over
// an HTTP upgrade, so ws maps to http and wss to https.
func (t ProxyTarget) URL() *url.URL {
	scheme := t.Scheme
	switch scheme {
	case "ws", "":
		scheme = "http"
	case "wss":
		scheme = "https"
	}
	return &url.URL{Scheme: scheme, Host: net.JoinHostPort(t.Host, t.Port)}
}

func (t ProxyTarget) String() string {
	return fmt.Sprintf("%s://%s", t.Scheme, net.JoinHostPort(t.Host, t.Port))
}

// ParsePort validates a literal port token.
func ParsePort(token string) (int, bool) {
	port, err := strconv.Atoi(token)
	if err != nil || port <= 0 || port > 65535 {
		return 0, false
	}
	return port, true
}
