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
	"bytes"
	"html/template"
	"net/http"
	"time"

	"k8s.io/klog/v2"
)

var loadingPage = template.Must(template.New("loading").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="{{.RefreshSeconds}}">
<title>Starting {{.WorkspaceID}}</title>
<style>
body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", sans-serif; background: #0b0b0c; color: #e5e5e5;
  display: flex; align-items: center; justify-content: center; height: 100vh; margin: 0; }
.box { text-align: center; }
code { color: #9ca3af; }
</style>
</head>
<body>
<div class="box">
<h1>Starting workspace</h1>
<p><code>{{.WorkspaceID}}</code> is being provisioned. This page refreshes every {{.RefreshSeconds}}s.</p>
</div>
</body>
</html>
`))

type loadingPageData struct {
	WorkspaceID    string
	RefreshSeconds int
}

// writeLoadingPage renders the self-refreshing placeholder. It is never cached,
// so every refresh runs the full resolution again.
func writeLoadingPage(w http.ResponseWriter, workspaceID string, refresh time.Duration) {
	seconds := int(refresh.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	var buf bytes.Buffer
	if err := loadingPage.Execute(&buf, loadingPageData{WorkspaceID: workspaceID, RefreshSeconds: seconds}); err != nil {
		klog.Errorf("render loading page for workspace %s failed: %v", workspaceID, err)
		http.Error(w, "workspace is starting", http.StatusServiceUnavailable)
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
