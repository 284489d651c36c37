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
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/volcano-sh/workspace-proxy/pkg/common/types"
	"github.com/volcano-sh/workspace-proxy/pkg/engine"
	"github.com/volcano-sh/workspace-proxy/pkg/store"
)

func init() {
	// Set Gin to test mode
	gin.SetMode(gin.TestMode)
}

const rootHost = "localhost:9776"

type fakeStore struct {
	mu         sync.Mutex
	workspaces map[string]*types.Workspace
	pingErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{workspaces: map[string]*types.Workspace{}}
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) GetWorkspace(_ context.Context, name string) (*types.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws, ok := f.workspaces[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *ws
	return &out, nil
}

func (f *fakeStore) Close() error { return nil }

type fakeEngine struct {
	mu         sync.Mutex
	containers map[string]*engine.Inspection
	starts     atomic.Int32
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{containers: map[string]*engine.Inspection{}}
}

func (f *fakeEngine) set(name string, running bool, ports map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[name] = &engine.Inspection{ContainerName: name, Running: running, Ports: ports}
}

func (f *fakeEngine) Ping(context.Context) error { return nil }

func (f *fakeEngine) List(_ context.Context, prefix string) ([]engine.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []engine.Summary
	for name, in := range f.containers {
		if strings.HasPrefix(name, prefix) {
			out = append(out, engine.Summary{Name: name, Running: in.Running})
		}
	}
	return out, nil
}

func (f *fakeEngine) Inspect(_ context.Context, name string) (*engine.Inspection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.containers[name]
	if !ok {
		return nil, engine.ErrContainerNotFound
	}
	out := *in
	return &out, nil
}

func (f *fakeEngine) Start(context.Context, string) error {
	f.starts.Add(1)
	return nil
}

func newTestServer(t *testing.T, st store.Store, eng engine.Engine) *Server {
	t.Helper()
	server, err := NewServer(&Config{Port: "9776", BackendHost: "127.0.0.1"}, st, eng)
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.lifecycle.Close(context.Background()) })
	return server
}

func serve(server *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	return w
}

func newRequest(method, host, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.Host = host
	return req
}

func backendPort(t *testing.T, backend *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(backend.URL)
	require.NoError(t, err)
	return u.Port()
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestNewServerNilConfig(t *testing.T) {
	_, err := NewServer(nil, nil, nil)
	assert.Error(t, err)
}

func TestNewServerInvalidConfig(t *testing.T) {
	_, err := NewServer(&Config{Port: "9776", EditorPort: "nope"}, nil, nil)
	assert.Error(t, err)
}

func TestHandleHealth(t *testing.T) {
	server := newTestServer(t, newFakeStore(), nil)

	w := serve(server, newRequest("GET", rootHost, "/health"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"status":"healthy"}`, w.Body.String())
}

func TestHandleHealthLive(t *testing.T) {
	server := newTestServer(t, newFakeStore(), nil)

	w := serve(server, newRequest("GET", "localhost", "/health/live"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"status":"alive"}`, w.Body.String())
}

func TestHandleHealthReady(t *testing.T) {
	tests := []struct {
		name               string
		store              store.Store
		expectedStatusCode int
		expectedBody       string
	}{
		{
			name:               "ready with store",
			store:              newFakeStore(),
			expectedStatusCode: http.StatusOK,
			expectedBody:       `{"status":"ready"}`,
		},
		{
			name:               "store unreachable",
			store:              &fakeStore{pingErr: errors.New("dial tcp: connection refused")},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedBody:       `{"error":"workspace store unreachable","status":"not ready"}`,
		},
		{
			name:               "no store",
			store:              nil,
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedBody:       `{"error":"workspace store not available","status":"not ready"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newTestServer(t, tt.store, nil)

			w := serve(server, newRequest("GET", rootHost, "/health/ready"))

			assert.Equal(t, tt.expectedStatusCode, w.Code)
			assert.Equal(t, tt.expectedBody, w.Body.String())
		})
	}
}

func TestHandleRootAndNotFound(t *testing.T) {
	server := newTestServer(t, newFakeStore(), nil)

	w := serve(server, newRequest("GET", rootHost, "/"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "workspace-proxy")

	w = serve(server, newRequest("GET", "127.0.0.1:9776", "/"))
	assert.Equal(t, http.StatusOK, w.Code, "ip literal hosts are root hosts")

	w = serve(server, newRequest("GET", rootHost, "/nope"))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NotFound", decodeError(t, w).Code)
}

func TestMalformedHost(t *testing.T) {
	server := newTestServer(t, newFakeStore(), newFakeEngine())

	w := serve(server, newRequest("GET", "ws1.localhost:9776", "/"))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, "BadRequest", body.Code)
	assert.Contains(t, body.Error, "malformed route")
}

func TestProxyCachedWorkspace(t *testing.T) {
	var got *http.Request
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		w.Header().Set("X-Backend", "ws1")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("hello from ws1"))
	}))
	defer backend.Close()

	eng := newFakeEngine()
	server := newTestServer(t, newFakeStore(), eng)
	server.cache.Put("workspace-ws1", types.PortMap{types.PortEditor: backendPort(t, backend)})

	w := serve(server, newRequest("POST", "ws1.editor.localhost:9776", "/static/app.js?v=3"))

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "hello from ws1", w.Body.String())
	assert.Equal(t, "ws1", w.Header().Get("X-Backend"))
	require.NotNil(t, got)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/static/app.js", got.URL.Path)
	assert.Equal(t, "v=3", got.URL.RawQuery)
	assert.Equal(t, "ws1.editor.localhost:9776", got.Host)
	assert.Equal(t, "ws1.editor.localhost:9776", got.Header.Get("X-Forwarded-Host"))
	assert.Equal(t, "1", got.Header.Get(HopHeader))
	assert.Zero(t, eng.starts.Load())
}

func TestProxyCORSOriginRewrite(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	server := newTestServer(t, newFakeStore(), newFakeEngine())
	server.cache.Put("workspace-a", types.PortMap{"b": backendPort(t, backend)})

	req := newRequest("GET", "a.b.localhost:9776", "/")
	req.Header.Set("Origin", "https://a.b.localhost:9776")
	w := serve(server, req)
	assert.Equal(t, "https://a.b.localhost:9776", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))

	server.cache.Put("workspace-a", types.PortMap{"b": backendPort(t, backend)})
	w = serve(server, newRequest("GET", "a.b.localhost:9776", "/"))
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestProxyStoppedWorkspaceServesLoadingPage(t *testing.T) {
	eng := newFakeEngine()
	eng.set("workspace-ws1", false, nil)
	server := newTestServer(t, newFakeStore(), eng)

	w := serve(server, newRequest("GET", "ws1.editor.localhost:9776", "/"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Header().Get("Cache-Control"), "no-store")
	assert.Contains(t, w.Body.String(), "ws1")
	assert.Contains(t, w.Body.String(), `http-equiv="refresh"`)
	require.Eventually(t, func() bool { return eng.starts.Load() == 1 }, time.Second, 5*time.Millisecond)

	w = serve(server, newRequest("GET", "ws1.editor.localhost:9776", "/"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ws1")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), eng.starts.Load(), "repeat request must not issue another start")
}

func TestProxyProvisioningWorkspaceServesLoadingPage(t *testing.T) {
	st := newFakeStore()
	st.workspaces["workspace-ws9"] = &types.Workspace{
		Name: "workspace-ws9", Provider: types.ProviderDocker, Status: types.StatusStarting,
	}
	eng := newFakeEngine()
	server := newTestServer(t, st, eng)

	w := serve(server, newRequest("GET", "ws9.editor.localhost:9776", "/"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "ws9")
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, eng.starts.Load())
}

func TestProxyWorkspaceWithNamedContainer(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello from cmux-abc"))
	}))
	defer backend.Close()

	st := newFakeStore()
	st.workspaces["workspace-abc"] = &types.Workspace{
		Name: "workspace-abc", Provider: types.ProviderDocker, Status: types.StatusRunning,
		ContainerName: "cmux-abc",
	}
	eng := newFakeEngine()
	eng.set("cmux-abc", true, map[string]string{"39378": backendPort(t, backend)})
	server := newTestServer(t, st, eng)

	w := serve(server, newRequest("GET", "abc.editor.localhost:9776", "/"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello from cmux-abc", w.Body.String())
}

func TestLoadingPageEscapesWorkspaceID(t *testing.T) {
	w := httptest.NewRecorder()
	writeLoadingPage(w, `<script>alert(1)</script>`, 1500*time.Millisecond)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "<script>")
	assert.Contains(t, w.Body.String(), `content="2"`)
}

func TestProxyResolutionFailures(t *testing.T) {
	st := newFakeStore()
	st.workspaces["workspace-remote"] = &types.Workspace{
		Name: "workspace-remote", Provider: types.ProviderMorph, Status: types.StatusStopped,
	}
	eng := newFakeEngine()
	eng.set("workspace-ws1", true, map[string]string{"39378": "32768"})
	server := newTestServer(t, st, eng)

	tests := []struct {
		name         string
		host         string
		expectedCode int
		expectedErr  string
	}{
		{name: "unknown workspace", host: "ghost.editor.localhost", expectedCode: http.StatusNotFound, expectedErr: "NotFound"},
		{name: "remote stopped", host: "remote.editor.localhost", expectedCode: http.StatusServiceUnavailable, expectedErr: "ServiceUnavailable"},
		{name: "unmapped port", host: "ws1.extension.localhost", expectedCode: http.StatusBadRequest, expectedErr: "BadRequest"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(server, newRequest("GET", tt.host, "/"))
			assert.Equal(t, tt.expectedCode, w.Code)
			assert.Equal(t, tt.expectedErr, decodeError(t, w).Code)
		})
	}
	assert.Zero(t, eng.starts.Load())
}

func TestProxyBackendUnreachable(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	port := backendPort(t, backend)
	backend.Close()

	server := newTestServer(t, newFakeStore(), newFakeEngine())
	server.cache.Put("workspace-ws1", types.PortMap{types.PortEditor: port})

	w := serve(server, newRequest("GET", "ws1.editor.localhost", "/"))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, "BadGateway", body.Code)
	assert.Contains(t, body.Error, "workspace-ws1")
}

func TestProxyLoopDetected(t *testing.T) {
	server := newTestServer(t, newFakeStore(), newFakeEngine())

	req := newRequest("GET", "ws1.editor.localhost", "/")
	req.Header.Set(HopHeader, "1")
	w := serve(server, req)

	assert.Equal(t, http.StatusLoopDetected, w.Code)
	assert.Equal(t, "Loop detected in proxy", decodeError(t, w).Error)
}

func TestProxyPathsShadowingRootRoutes(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("backend " + r.URL.Path))
	}))
	defer backend.Close()

	server := newTestServer(t, newFakeStore(), newFakeEngine())
	for _, path := range []string{"/health", "/metrics", "/health/"} {
		server.cache.Put("workspace-ws1", types.PortMap{types.PortEditor: backendPort(t, backend)})
		w := serve(server, newRequest("GET", "ws1.editor.localhost", path))
		assert.Equal(t, http.StatusOK, w.Code, path)
		assert.Equal(t, "backend "+path, w.Body.String())
	}
}

func TestConcurrencyLimit(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
	}))
	defer backend.Close()

	server, err := NewServer(&Config{Port: "9776", BackendHost: "127.0.0.1", MaxConcurrentRequests: 1}, newFakeStore(), nil)
	require.NoError(t, err)
	server.cache.Put("workspace-ws1", types.PortMap{types.PortEditor: backendPort(t, backend)})

	done := make(chan struct{})
	go func() {
		defer close(done)
		serve(server, newRequest("GET", "ws1.editor.localhost", "/slow"))
	}()
	<-entered

	w := serve(server, newRequest("GET", rootHost, "/health"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "SERVER_OVERLOADED", decodeError(t, w).Code)

	close(release)
	<-done
}

func TestMetricsEndpoint(t *testing.T) {
	eng := newFakeEngine()
	eng.set("workspace-ws1", false, nil)
	server := newTestServer(t, newFakeStore(), eng)

	serve(server, newRequest("GET", "ws1.editor.localhost", "/"))
	serve(server, newRequest("GET", "ghost.editor.localhost", "/"))

	w := serve(server, newRequest("GET", rootHost, "/metrics"))
	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `workspace_proxy_requests_total{kind="http",outcome="loading"} 1`)
	assert.Contains(t, body, `workspace_proxy_requests_total{kind="http",outcome="rejected"} 1`)
	assert.Contains(t, body, `workspace_proxy_resolutions_total{step="lifecycle"} 1`)
	assert.Contains(t, body, "workspace_proxy_start_triggers_total 1")
}

func TestRequestIDMiddleware(t *testing.T) {
	server := newTestServer(t, newFakeStore(), nil)

	w := serve(server, newRequest("GET", rootHost, "/health"))
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	req := newRequest("GET", rootHost, "/health")
	req.Header.Set("X-Request-Id", "req-42")
	w = serve(server, req)
	assert.Equal(t, "req-42", w.Header().Get("X-Request-Id"))
}

func TestRecoveryMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(recoveryMiddleware())
	r.GET("/boom", func(c *gin.Context) { panic("boom") })
	r.GET("/abort", func(c *gin.Context) { panic(http.ErrAbortHandler) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "InternalError", decodeError(t, w).Code)

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/abort", nil))
	})
}
