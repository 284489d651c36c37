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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConstants(t *testing.T) {
	tests := []struct {
		name     string
		constant string
		expected string
	}{
		{name: "PortEditor", constant: PortEditor, expected: "editor"},
		{name: "PortWorker", constant: PortWorker, expected: "worker"},
		{name: "PortExtension", constant: PortExtension, expected: "extension"},
		{name: "StatusStarting", constant: string(StatusStarting), expected: "starting"},
		{name: "StatusRunning", constant: string(StatusRunning), expected: "running"},
		{name: "StatusStopped", constant: string(StatusStopped), expected: "stopped"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.constant)
			assert.NotEmpty(t, tt.constant, "Constant should not be empty")
		})
	}
}

func TestProviderRestartable(t *testing.T) {
	tests := []struct {
		provider    Provider
		restartable bool
		valid       bool
	}{
		{ProviderDocker, true, true},
		{ProviderMorph, false, true},
		{ProviderDaytona, false, true},
		{ProviderOther, false, true},
		{Provider("podman"), false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.provider), func(t *testing.T) {
			assert.Equal(t, tt.restartable, tt.provider.Restartable())
			assert.Equal(t, tt.valid, tt.provider.Valid())
		})
	}
}

func TestNormalizeWorkspaceID(t *testing.T) {
	tests := []struct {
		name   string
		id     string
		prefix string
		want   string
	}{
		{"adds prefix", "ws1", "workspace-", "workspace-ws1"},
		{"keeps existing prefix", "workspace-ws1", "workspace-", "workspace-ws1"},
		{"lowercases", "WS1", "workspace-", "workspace-ws1"},
		{"empty prefix", "ws1", "", "ws1"},
		{"empty id", "", "workspace-", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeWorkspaceID(tt.id, tt.prefix))
		})
	}
}

func TestLogicalPortsLookup(t *testing.T) {
	lp := DefaultLogicalPorts()

	port, ok := lp.Lookup("editor")
	assert.True(t, ok)
	assert.Equal(t, "39378", port)

	port, ok = lp.Lookup("Worker")
	assert.True(t, ok)
	assert.Equal(t, "39377", port)

	_, ok = lp.Lookup("39378")
	assert.False(t, ok)
}

func TestPortMapClone(t *testing.T) {
	orig := PortMap{PortEditor: "50001"}
	clone := orig.Clone()
	clone[PortEditor] = "60000"

	assert.Equal(t, "50001", orig[PortEditor])
	assert.Nil(t, PortMap(nil).Clone())
}

func TestProxyTargetURL(t *testing.T) {
	assert.Equal(t, "http://localhost:39378", ProxyTarget{Scheme: "http", Host: "localhost", Port: "39378"}.URL().String())
	assert.Equal(t, "http://localhost:39378", ProxyTarget{Scheme: "ws", Host: "localhost", Port: "39378"}.URL().String())
	assert.Equal(t, "ws://localhost:39378", ProxyTarget{Scheme: "ws", Host: "localhost", Port: "39378"}.String())
}

func TestParsePort(t *testing.T) {
	port, ok := ParsePort("8080")
	assert.True(t, ok)
	assert.Equal(t, 8080, port)

	for _, token := range []string{"0", "65536", "editor", "-1", ""} {
		_, ok := ParsePort(token)
		assert.False(t, ok, token)
	}
}

func TestWorkspaceContainer(t *testing.T) {
	ws := &Workspace{Name: "workspace-ws1"}
	assert.Equal(t, "workspace-ws1", ws.Container())

	ws.ContainerName = "custom"
	assert.Equal(t, "custom", ws.Container())
}
