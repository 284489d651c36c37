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


package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"k8s.io/klog/v2"

	"github.com/volcano-sh/workspace-proxy/pkg/engine"
	"github.com/volcano-sh/workspace-proxy/pkg/router"
	"github.com/volcano-sh/workspace-proxy/pkg/store"
)

const (
	storePingAttempts = 5
	storePingDelay    = 2 * time.Second
)

func main() {
	config, err := router.LoadConfig()
	if err != nil {
		klog.Fatalf("Failed to load configuration: %v", err)
	}
	registerFlags(flag.CommandLine, config)

	// Initialize klog flags
	klog.InitFlags(nil)

	// Parse command line flags
	flag.Parse()

	// Setup signal handling with context cancellation
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	storeClient := store.Storage()
	defer storeClient.Close()
	if err := waitForStore(ctx, storeClient, storePingAttempts, storePingDelay); err != nil {
		klog.Fatalf("Workspace store unreachable: %v", err)
	}

	var containerEngine engine.Engine
	if !config.DisableEngine {
		docker, err := engine.NewDocker(config.DockerHost)
		if err != nil {
			klog.Fatalf("Failed to create container engine client: %v", err)
		}
		defer docker.Close()
		pingCtx, pingCancel := context.WithTimeout(ctx, config.EngineTimeout+time.Second)
		if err := docker.Ping(pingCtx); err != nil {
			klog.Warningf("Container engine not reachable yet, resolution will fall back to the store: %v", err)
		}
		pingCancel()
		containerEngine = docker
	} else {
		klog.Info("Container engine disabled, workspaces are resolved from the store only")
	}

	server, err := router.NewServer(config, storeClient, containerEngine)
	if err != nil {
		klog.Fatalf("Failed to create workspace proxy: %v", err)
	}

	// Start the proxy in goroutine
	errCh := make(chan error, 1)
	go func() {
		klog.Infof("Starting workspace proxy on port %s", config.Port)
		if err := server.Start(ctx); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or error
	select {
	case <-ctx.Done():
		klog.Info("Received shutdown signal, shutting down gracefully...")
		cancel()
		// Wait for server goroutine to exit after graceful shutdown is complete
		<-errCh
	case err := <-errCh:
		klog.Fatalf("Server error: %v", err)
	}

	klog.Info("Workspace proxy stopped")
}

// registerFlags exposes the most common settings as flags. Flag defaults come
// from the environment so an unset flag keeps the env value.
func registerFlags(fs *flag.FlagSet, config *router.Config) {
	fs.StringVar(&config.Port, "port", config.Port, "Port the proxy listens on")
	fs.BoolVar(&config.Debug, "debug", config.Debug, "Enable debug mode")
	fs.IntVar(&config.MaxConcurrentRequests, "max-concurrent-requests", config.MaxConcurrentRequests, "Maximum number of concurrent requests")
	fs.StringVar(&config.WorkspacePrefix, "workspace-prefix", config.WorkspacePrefix, "Prefix of workspace container names")
	fs.StringVar(&config.BackendHost, "backend-host", config.BackendHost, "Host that published container ports are reachable on")
	fs.StringVar(&config.DockerHost, "docker-host", config.DockerHost, "Docker daemon address, empty for the environment default")
	fs.BoolVar(&config.DisableEngine, "disable-engine", config.DisableEngine, "Resolve workspaces from the store only")
	fs.DurationVar(&config.CacheTTL, "cache-ttl", config.CacheTTL, "Lifetime of cached port snapshots")
	fs.DurationVar(&config.StartGracePeriod, "start-grace-period", config.StartGracePeriod, "Window after a start in which no new start is issued")
}

// waitForStore pings the store until it answers or attempts run out.
func waitForStore(ctx context.Context, st store.Store, attempts uint, delay time.Duration) error {
	err := retry.Do(
		func() error {
			return st.Ping(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			klog.Warningf("ping workspace store failed (attempt %d/%d): %v", n+1, attempts, err)
		}),
	)
	if err != nil {
		return fmt.Errorf("ping workspace store: %w", err)
	}
	return nil
}
