// Package web serves the built-in session dashboard.
package web

import (
	_ "embed"
	"net/http"
	"strings"
)

//go:embed static/dashboard.html
var dashboardHTML string

// DashboardHandler serves the dashboard page. The page opens the event
// stream at wsPath and reads sessions from /api.
func DashboardHandler(wsPath string) http.HandlerFunc {
	page := strings.ReplaceAll(dashboardHTML, "{{WS_PATH}}", wsPath)
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		_, _ = w.Write([]byte(page))
	}
}
