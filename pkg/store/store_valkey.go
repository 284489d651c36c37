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
	"fmt"
	"os"
	"strconv"
	"strings"

	"k8s.io/klog/v2"

	"github.com/valkey-io/valkey-go"

	"github.com/volcano-sh/workspace-proxy/pkg/common/types"
)

type valkeyStore struct {
	cli valkey.Client
}

func initValkeyStore() (*valkeyStore, error) {
	opts, err := makeValkeyOptions()
	if err != nil {
		return nil, fmt.Errorf("make valkey client options failed: %w", err)
	}
	cli, err := valkey.NewClient(*opts)
	if err != nil {
		return nil, fmt.Errorf("create valkey client failed: %w", err)
	}
	return &valkeyStore{cli: cli}, nil
}

// makeValkeyOptions reads the valkey client options from the environment. A
// password is required unless VALKEY_PASSWORD_REQUIRED=false.
func makeValkeyOptions() (*valkey.ClientOption, error) {
	addrs := splitAddrs(os.Getenv("VALKEY_ADDR"))
	if len(addrs) == 0 {
		return nil, fmt.Errorf("missing env var VALKEY_ADDR")
	}

	password := os.Getenv("VALKEY_PASSWORD")
	if envFlag("VALKEY_PASSWORD_REQUIRED", true) && password == "" {
		return nil, fmt.Errorf("missing env var VALKEY_PASSWORD")
	}

	opts := &valkey.ClientOption{
		InitAddress:       addrs,
		Password:          password,
		DisableCache:      envFlag("VALKEY_DISABLE_CACHE", false),
		ForceSingleClient: envFlag("VALKEY_FORCE_SINGLE", false),
	}
	klog.V(2).Infof("valkey options: addrs=%v disableCache=%v forceSingle=%v", addrs, opts.DisableCache, opts.ForceSingleClient)
	return opts, nil
}

func splitAddrs(raw string) []string {
	var addrs []string
	for _, a := range strings.Split(raw, ",") {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}
	return addrs
}

// envFlag parses a boolean env var, returning def when unset or unparsable.
func envFlag(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		klog.Warningf("ignore invalid %s=%q: %v", key, v, err)
		return def
	}
	return b
}

func (vs *valkeyStore) Ping(ctx context.Context) error {
	if err := vs.cli.Do(ctx, vs.cli.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("ping valkey: %w", err)
	}
	return nil
}

// GetWorkspace get the workspace record by name
func (vs *valkeyStore) GetWorkspace(ctx context.Context, name string) (*types.Workspace, error) {
	key := workspaceKey(name)

	b, err := vs.cli.Do(ctx, vs.cli.B().Get().Key(key).Build()).AsBytes()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("GetWorkspace: valkey GET %s: %w", key, err)
	}

	return decodeWorkspace(name, b)
}

func (vs *valkeyStore) Close() error {
	vs.cli.Close()
	return nil
}
