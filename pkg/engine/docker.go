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

package engine

import (
	"context"
	"fmt"
	"strings"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"k8s.io/klog/v2"

	"github.com/volcano-sh/workspace-proxy/pkg/api"
)

// dockerAPI is the subset of the docker client used here.
type dockerAPI interface {
	Ping(ctx context.Context) (dockertypes.Ping, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]dockertypes.Container, error)
	ContainerInspect(ctx context.Context, containerID string) (dockertypes.ContainerJSON, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	Close() error
}

// DockerEngine implements Engine against a docker daemon.
type DockerEngine struct {
	cli dockerAPI
}

// NewDocker connects to the docker daemon at host. An empty host falls back to
// DOCKER_HOST and the default socket.
func NewDocker(host string) (*DockerEngine, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client failed: %w", err)
	}
	return &DockerEngine{cli: cli}, nil
}

func (d *DockerEngine) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return api.NewEngineError("ping", "", err)
	}
	return nil
}

// List returns containers whose name starts with namePrefix.
func (d *DockerEngine) List(ctx context.Context, namePrefix string) ([]Summary, error) {
	opts := container.ListOptions{All: true}
	if namePrefix != "" {
		// The name filter is a substring match; the prefix check below narrows it.
		opts.Filters = filters.NewArgs(filters.Arg("name", namePrefix))
	}
	containers, err := d.cli.ContainerList(ctx, opts)
	if err != nil {
		return nil, api.NewEngineError("list", namePrefix, err)
	}

	result := make([]Summary, 0, len(containers))
	for _, c := range containers {
		for _, name := range c.Names {
			name = strings.TrimPrefix(name, "/")
			if !strings.HasPrefix(name, namePrefix) {
				continue
			}
			result = append(result, Summary{
				Name:    name,
				Running: c.State == "running",
			})
			break
		}
	}
	return result, nil
}

// Inspect returns the running state and published tcp ports of a container.
func (d *DockerEngine) Inspect(ctx context.Context, name string) (*Inspection, error) {
	info, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, ErrContainerNotFound
		}
		return nil, api.NewEngineError("inspect", name, err)
	}

	inspection := &Inspection{
		ContainerName: strings.TrimPrefix(name, "/"),
		Ports:         map[string]string{},
	}
	if info.ContainerJSONBase != nil {
		if info.State != nil {
			inspection.Running = info.State.Running
		}
		if info.Name != "" {
			inspection.ContainerName = strings.TrimPrefix(info.Name, "/")
		}
	}
	if info.NetworkSettings == nil {
		return inspection, nil
	}

	for port, bindings := range info.NetworkSettings.Ports {
		if port.Proto() != "tcp" {
			continue
		}
		for _, binding := range bindings {
			if binding.HostPort == "" {
				continue
			}
			inspection.Ports[port.Port()] = binding.HostPort
			break
		}
	}
	klog.V(4).Infof("inspected container %s: running=%v ports=%v", inspection.ContainerName, inspection.Running, inspection.Ports)
	return inspection, nil
}

func (d *DockerEngine) Start(ctx context.Context, name string) error {
	if err := d.cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return ErrContainerNotFound
		}
		return api.NewEngineError("start", name, err)
	}
	return nil
}

// Close releases the docker client.
func (d *DockerEngine) Close() error {
	return d.cli.Close()
}
