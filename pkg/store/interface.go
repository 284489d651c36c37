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

package store

import (
	"context"
	"errors"

	"github.com/volcano-sh/workspace-proxy/pkg/common/types"
)

// ErrNotFound is returned when the store has no record for a workspace.
var ErrNotFound = errors.New("workspace not found in store")

// Store is the read side of the workspace metadata store. Records are written by
// the provisioning workflow.
type Store interface {
	// Ping check store provider available or not
	Ping(ctx context.Context) error
	// GetWorkspace get the workspace record by workspace name
	GetWorkspace(ctx context.Context, name string) (*types.Workspace, error)
	// Close releases all resources held by the store (e.g. connection pools)
	Close() error
}
