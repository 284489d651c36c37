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
	"bufio"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"k8s.io/klog/v2"

	"github.com/volcano-sh/workspace-proxy/pkg/api"
)

// ErrorResponse is the JSON body of every error the proxy generates itself.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeError maps err to its status code and writes a JSON body.
func writeError(w http.ResponseWriter, err error) {
	code, reason := api.HTTPStatusFor(err)
	writeJSON(w, code, ErrorResponse{Error: err.Error(), Code: string(reason)})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	r := render.JSON{Data: body}
	r.WriteContentType(w)
	w.WriteHeader(code)
	if err := r.Render(w); err != nil {
		klog.Errorf("write response body failed: %v", err)
	}
}

// respondError writes err on a gin context and stops the handler chain.
func respondError(c *gin.Context, err error) {
	writeError(c.Writer, err)
	c.Abort()
}

// rejectUpgrade answers a protocol upgrade with a bare status line and closes the
// connection. Upgrade clients get no body and no HTML fallback.
func rejectUpgrade(w http.ResponseWriter, code int) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		w.Header().Set("Connection", "close")
		w.WriteHeader(code)
		return
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		klog.Errorf("hijack rejected upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	writeStatusLine(rw.Writer, code)
}

func writeStatusLine(w *bufio.Writer, code int) {
	_, _ = fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nConnection: close\r\nContent-Length: 0\r\n\r\n", code, http.StatusText(code))
	_ = w.Flush()
}
