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
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/volcano-sh/workspace-proxy/pkg/resolver"
)

const metricsNamespace = "workspace_proxy"

// request kinds
const (
	kindHTTP      = "http"
	kindWebSocket = "websocket"
)

// request outcomes
const (
	outcomeProxied  = "proxied"
	outcomeLoading  = "loading"
	outcomeRejected = "rejected"
	outcomeBackend  = "backend_error"
	outcomeLoop     = "loop"
)

type metrics struct {
	registry      *prometheus.Registry
	requests      *prometheus.CounterVec
	resolutions   *prometheus.CounterVec
	startTriggers prometheus.Counter
}

// newMetrics registers the proxy collectors on a private registry so that
// several servers can live in one process.
func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Workspace-bound requests by kind and outcome.",
		}, []string{"kind", "outcome"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "resolutions_total",
			Help:      "Successful port resolutions by resolver step.",
		}, []string{"step"}),
		startTriggers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "start_triggers_total",
			Help:      "Container start commands issued by the proxy.",
		}),
	}
	m.registry.MustRegister(
		m.requests,
		m.resolutions,
		m.startTriggers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *metrics) observeRequest(kind, outcome string) {
	m.requests.WithLabelValues(kind, outcome).Inc()
}

func (m *metrics) observeResolution(res *resolver.Resolution) {
	m.resolutions.WithLabelValues(string(res.Step)).Inc()
	if res.StartTriggered {
		m.startTriggers.Inc()
	}
}

func (m *metrics) handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
