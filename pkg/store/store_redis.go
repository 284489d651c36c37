package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	redisv9 "github.com/redis/go-redis/v9"

	"github.com/volcano-sh/workspace-proxy/pkg/common/types"
)

type redisStore struct {
	cli *redisv9.Client
}

// initRedisStore init redis store client
func initRedisStore() (*redisStore, error) {
	redisOptions, err := makeRedisOptions()
	if err != nil {
		return nil, fmt.Errorf("make redis options failed: %w", err)
	}

	return &redisStore{
		cli: redisv9.NewClient(redisOptions),
	}, nil
}

// makeRedisOptions creates redis options from environment variables
func makeRedisOptions() (*redisv9.Options, error) {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		return nil, fmt.Errorf("missing env var REDIS_ADDR")
	}

	redisPassword := os.Getenv("REDIS_PASSWORD")
	if redisPassword == "" {
		return nil, fmt.Errorf("missing env var REDIS_PASSWORD")
	}

	redisOptions := &redisv9.Options{
		Addr:     redisAddr,
		Password: redisPassword,
	}
	return redisOptions, nil
}

func (rs *redisStore) Ping(ctx context.Context) error {
	resp, err := rs.cli.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("ping error: %w", err)
	}
	if resp != "PONG" {
		return fmt.Errorf("unexpected ping response: %s", resp)
	}
	return nil
}

// GetWorkspace looks up the workspace record by name.
// Underlying Redis: GET workspace:{name} -> Workspace(JSON).
func (rs *redisStore) GetWorkspace(ctx context.Context, name string) (*types.Workspace, error) {
	key := workspaceKey(name)

	b, err := rs.cli.Get(ctx, key).Bytes()
	if errors.Is(err, redisv9.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetWorkspace: redis GET %s failed: %w", key, err)
	}

	return decodeWorkspace(name, b)
}

func (rs *redisStore) Close() error {
	return rs.cli.Close()
}

// decodeWorkspace unmarshals a stored record, filling the name from the key
// when the record omits it.
func decodeWorkspace(name string, b []byte) (*types.Workspace, error) {
	var ws types.Workspace
	if err := json.Unmarshal(b, &ws); err != nil {
		return nil, fmt.Errorf("GetWorkspace: unmarshal workspace %s failed: %w", name, err)
	}
	if ws.Name == "" {
		ws.Name = name
	}
	return &ws, nil
}
