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
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/volcano-sh/workspace-proxy/pkg/common/types"
)

// EnvPrefix is the prefix of every environment variable read into Config.
const EnvPrefix = "WORKSPACE_PROXY"

// HopHeader marks requests forwarded by the proxy; seeing it inbound means a loop.
const HopHeader = "X-Workspace-Proxy-Hop"

// Config contains configuration parameters for the workspace proxy
type Config struct {
	// Port is the port the proxy listens on
	Port string `envconfig:"PORT" default:"9776"`

	// Debug enables debug mode
	Debug bool `envconfig:"DEBUG" default:"false"`

	// MaxConcurrentRequests limits the number of concurrent requests (0 = default)
	MaxConcurrentRequests int `envconfig:"MAX_CONCURRENT_REQUESTS" default:"1000"`

	// WorkspacePrefix is prepended to workspace ids that lack it
	WorkspacePrefix string `envconfig:"WORKSPACE_PREFIX" default:"workspace-"`

	// BackendHost is dialed for workspaces on the local container engine
	BackendHost string `envconfig:"BACKEND_HOST" default:"localhost"`

	// CacheTTL is the introspection cache window
	CacheTTL time.Duration `envconfig:"CACHE_TTL" default:"2s"`

	// EngineTimeout bounds a single container engine query
	EngineTimeout time.Duration `envconfig:"ENGINE_TIMEOUT" default:"2s"`

	// StoreTimeout bounds a single metadata store read
	StoreTimeout time.Duration `envconfig:"STORE_TIMEOUT" default:"2s"`

	// DialTimeout bounds connecting to a backend; the body stream itself has no timeout
	DialTimeout time.Duration `envconfig:"DIAL_TIMEOUT" default:"5s"`

	// StartTimeout bounds a container start command
	StartTimeout time.Duration `envconfig:"START_TIMEOUT" default:"30s"`

	// StartGracePeriod suppresses repeated start commands for a workspace
	StartGracePeriod time.Duration `envconfig:"START_GRACE_PERIOD" default:"15s"`

	// LoadingRefresh is the refresh interval of the loading page
	LoadingRefresh time.Duration `envconfig:"LOADING_REFRESH" default:"2s"`

	// RealtimePrefix is the path prefix of the internal realtime channel
	RealtimePrefix string `envconfig:"REALTIME_PREFIX" default:"/realtime/"`

	// DockerHost overrides DOCKER_HOST for the container engine client
	DockerHost string `envconfig:"DOCKER_HOST" default:""`

	// DisableEngine runs without a local container engine (remote providers only)
	DisableEngine bool `envconfig:"DISABLE_ENGINE" default:"false"`

	// EditorPort, WorkerPort and ExtensionPort are the container ports of the logical names
	EditorPort    string `envconfig:"EDITOR_PORT" default:"39378"`
	WorkerPort    string `envconfig:"WORKER_PORT" default:"39377"`
	ExtensionPort string `envconfig:"EXTENSION_PORT" default:"39376"`
}

// LoadConfig reads Config from WORKSPACE_PROXY_* environment variables.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("load config from environment: %w", err)
	}
	return &cfg, nil
}

// LogicalPorts returns the configured logical port table.
func (c *Config) LogicalPorts() types.LogicalPorts {
	ports := types.DefaultLogicalPorts()
	if c.EditorPort != "" {
		ports[types.PortEditor] = c.EditorPort
	}
	if c.WorkerPort != "" {
		ports[types.PortWorker] = c.WorkerPort
	}
	if c.ExtensionPort != "" {
		ports[types.PortExtension] = c.ExtensionPort
	}
	return ports
}

// Validate checks the settings that have no usable zero value.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port cannot be empty")
	}
	for name, port := range c.LogicalPorts() {
		if _, ok := types.ParsePort(port); !ok {
			return fmt.Errorf("invalid %s port %q", name, port)
		}
	}
	if c.RealtimePrefix != "" && !strings.HasPrefix(c.RealtimePrefix, "/") {
		return fmt.Errorf("realtime prefix %q must start with /", c.RealtimePrefix)
	}
	return nil
}

// setDefaults fills zero values, for configs built in code rather than loaded.
func (c *Config) setDefaults() {
	if c.MaxConcurrentRequests <= 0 {
		c.MaxConcurrentRequests = 1000
	}
	if c.WorkspacePrefix == "" {
		c.WorkspacePrefix = types.DefaultWorkspacePrefix
	}
	if c.BackendHost == "" {
		c.BackendHost = "localhost"
	}
	if c.EngineTimeout <= 0 {
		c.EngineTimeout = 2 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 2 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.LoadingRefresh <= 0 {
		c.LoadingRefresh = 2 * time.Second
	}
	if c.RealtimePrefix == "" {
		c.RealtimePrefix = "/realtime/"
	}
	if !strings.HasSuffix(c.RealtimePrefix, "/") {
		c.RealtimePrefix += "/"
	}
}
