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
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"
	"k8s.io/klog/v2"

	"github.com/volcano-sh/workspace-proxy/pkg/common/types"
	"github.com/volcano-sh/workspace-proxy/pkg/lifecycle"
)

const (
	statusEventType     = "workspace.status"
	subscriberQueueSize = 32
	realtimePingPeriod  = 15 * time.Second
	realtimeWriteWait   = 5 * time.Second
)

var realtimeUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// StatusEvent is pushed to realtime subscribers on every lifecycle transition.
type StatusEvent struct {
	Type        string       `json:"type"`
	WorkspaceID string       `json:"workspaceId"`
	Status      types.Status `json:"status"`
	At          time.Time    `json:"at"`
}

type subscriber struct {
	id    string
	queue chan StatusEvent
}

// realtimeHub fans lifecycle transitions out to websocket subscribers. A slow
// subscriber loses events instead of blocking the lifecycle controller.
type realtimeHub struct {
	subscribers *xsync.MapOf[string, *subscriber]
}

func newRealtimeHub() *realtimeHub {
	return &realtimeHub{subscribers: xsync.NewMapOf[string, *subscriber]()}
}

func (h *realtimeHub) publish(t lifecycle.Transition) {
	ev := StatusEvent{Type: statusEventType, WorkspaceID: t.WorkspaceID, Status: t.To, At: t.At}
	h.subscribers.Range(func(id string, sub *subscriber) bool {
		select {
		case sub.queue <- ev:
		default:
			klog.V(2).Infof("realtime subscriber %s is slow, dropped %s event for workspace %s", id, ev.Status, ev.WorkspaceID)
		}
		return true
	})
}

func (h *realtimeHub) subscribe() *subscriber {
	sub := &subscriber{id: uuid.NewString(), queue: make(chan StatusEvent, subscriberQueueSize)}
	h.subscribers.Store(sub.id, sub)
	return sub
}

func (h *realtimeHub) unsubscribe(sub *subscriber) {
	h.subscribers.Delete(sub.id)
}

func (h *realtimeHub) size() int {
	return h.subscribers.Size()
}

// handleRealtime upgrades the connection and streams status events until the
// client goes away.
func (s *Server) handleRealtime(c *gin.Context) {
	conn, err := realtimeUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already replied to the client
		klog.Errorf("realtime upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub := s.hub.subscribe()
	defer s.hub.unsubscribe(sub)
	klog.V(2).Infof("realtime subscriber %s connected from %s", sub.id, c.Request.RemoteAddr)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// drain client frames; control frames are handled by gorilla
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				klog.V(2).Infof("realtime subscriber %s disconnected: %v", sub.id, err)
				return
			}
		}
	}()

	ticker := time.NewTicker(realtimePingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case ev := <-sub.queue:
			_ = conn.SetWriteDeadline(time.Now().Add(realtimeWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				klog.V(2).Infof("write to realtime subscriber %s failed: %v", sub.id, err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(realtimeWriteWait)); err != nil {
				return
			}
		}
	}
}
