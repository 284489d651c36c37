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
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/klog/v2"
)

const requestIDHeader = "X-Request-Id"

// requestIDMiddleware tags every request with an id, reusing the caller's one.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("requestID", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// recoveryMiddleware turns handler panics into 500 responses. http.ErrAbortHandler
// is re-raised so the server drops the connection, which is how a proxied stream
// that failed after its headers were sent gets terminated.
func recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			klog.Errorf("panic serving %s %s%s: %v\n%s", c.Request.Method, c.Request.Host, c.Request.URL.Path, rec, debug.Stack())
			if c.Writer.Written() {
				c.Abort()
				return
			}
			respondError(c, apierrors.NewInternalError(fmt.Errorf("%v", rec)))
		}()
		c.Next()
	}
}
