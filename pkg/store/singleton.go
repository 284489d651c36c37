package store

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// Type names a metadata store backend.
type Type string

const (
	TypeRedis  Type = "redis"
	TypeValkey Type = "valkey"

	// storeTypeEnv selects the backend, redis when unset.
	storeTypeEnv = "STORE_TYPE"

	workspaceKeyPrefix = "workspace:"
)

var (
	initStoreOnce sync.Once
	provider      Store
)

// Storage returns the process wide workspace store, built on first use from the
// environment. It exits the process when the store cannot be built.
//
// STORE_TYPE=redis (default): REDIS_ADDR, REDIS_PASSWORD.
// STORE_TYPE=valkey: VALKEY_ADDR, VALKEY_PASSWORD (unless VALKEY_PASSWORD_REQUIRED=false),
// VALKEY_DISABLE_CACHE, VALKEY_FORCE_SINGLE.
func Storage() Store {
	initStoreOnce.Do(func() {
		if err := initStore(); err != nil {
			klog.Fatalf("init workspace store failed: %v", err)
		}
	})
	return provider
}

func initStore() error {
	st, err := newStore(typeFromEnv())
	if err != nil {
		return err
	}
	provider = st
	return nil
}

func typeFromEnv() Type {
	raw, ok := os.LookupEnv(storeTypeEnv)
	if !ok || strings.TrimSpace(raw) == "" {
		return TypeRedis
	}
	return Type(strings.ToLower(strings.TrimSpace(raw)))
}

func newStore(kind Type) (Store, error) {
	switch kind {
	case TypeRedis:
		st, err := initRedisStore()
		if err != nil {
			return nil, fmt.Errorf("init redis store failed: %w", err)
		}
		klog.Infof("workspace store: redis at %s", os.Getenv("REDIS_ADDR"))
		return st, nil
	case TypeValkey:
		st, err := initValkeyStore()
		if err != nil {
			return nil, fmt.Errorf("init valkey store failed: %w", err)
		}
		klog.Infof("workspace store: valkey at %s", os.Getenv("VALKEY_ADDR"))
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported provider type: %v", kind)
	}
}

func workspaceKey(name string) string {
	return workspaceKeyPrefix + name
}
