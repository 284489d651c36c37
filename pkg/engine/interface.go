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
	"errors"
)

// ErrContainerNotFound indicates that the engine has no container with the requested name.
var ErrContainerNotFound = errors.New("container not found")

// Summary is one entry of a container listing.
type Summary struct {
	Name    string
	Running bool
}

// Inspection is the live state of one container.
type Inspection struct {
	ContainerName string
	Running       bool
	// Ports maps container-internal tcp ports to published host ports.
	Ports map[string]string
}

type Engine interface {
	// Ping checks that the engine is reachable
	Ping(ctx context.Context) error
	// List returns containers whose name starts with namePrefix, running or not
	List(ctx context.Context, namePrefix string) ([]Summary, error)
	// Inspect returns the running state and port bindings of a container
	Inspect(ctx context.Context, name string) (*Inspection, error)
	// Start starts a stopped container
	Start(ctx context.Context, name string) error
}
