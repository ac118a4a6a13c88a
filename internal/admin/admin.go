// Package admin implements the Admin Control Plane (C15): read-only
// introspection over the running server's pool, routes, and extensions.
//
// The teacher's control plane is gRPC over a generated protobuf service
// (internal/grpc, api/proto/novapb); that generated package was never
// checked into the retrieved sources and regenerating it requires running
// protoc, which is out of scope here. This package keeps the teacher's
// other admin surface instead: plain JSON handlers registered on a
// net/http.ServeMux with Go 1.22 method-pattern routes, the same shape
// internal/api/controlplane's handlers use.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/titanrun/titan/internal/dispatcher"
	"github.com/titanrun/titan/internal/domain"
	"github.com/titanrun/titan/internal/extension"
	"github.com/titanrun/titan/internal/route"
)

// Handler serves read-only introspection over a running server.
type Handler struct {
	Dispatcher *dispatcher.Dispatcher
	Routes     *route.Table
	Extensions []*extension.Module
	Actions    func() map[string]*domain.Action // snapshot accessor; actions can be reloaded by the invalidation bus
}

// RegisterRoutes registers the admin introspection endpoints on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/pool", h.GetPoolStats)
	mux.HandleFunc("GET /admin/routes", h.ListRoutes)
	mux.HandleFunc("GET /admin/extensions", h.ListExtensions)
	mux.HandleFunc("GET /admin/actions", h.ListActions)
}

type poolStats struct {
	WorkerCount int `json:"worker_count"`
}

// GetPoolStats reports the worker pool's size.
func (h *Handler) GetPoolStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, poolStats{WorkerCount: h.Dispatcher.Len()})
}

type routeEntry struct {
	Method string `json:"method"`
	Path   string `json:"path"`
	Type   string `json:"type"`
	Action string `json:"action,omitempty"`
}

// ListRoutes reports every exact and dynamic route in the active table.
func (h *Handler) ListRoutes(w http.ResponseWriter, r *http.Request) {
	routes := h.Routes.Routes()
	out := make([]routeEntry, 0, len(routes))
	for _, rt := range routes {
		out = append(out, routeEntry{
			Method: rt.Method,
			Path:   rt.Path,
			Type:   string(rt.Type),
			Action: rt.ActionName,
		})
	}
	writeJSON(w, out)
}

type extensionEntry struct {
	Name      string   `json:"name"`
	Functions []string `json:"functions"`
}

// ListExtensions reports every loaded native extension and its exported
// function names.
func (h *Handler) ListExtensions(w http.ResponseWriter, r *http.Request) {
	out := make([]extensionEntry, 0, len(h.Extensions))
	for _, m := range h.Extensions {
		out = append(out, extensionEntry{Name: m.Name, Functions: m.FunctionNames()})
	}
	writeJSON(w, out)
}

type actionEntry struct {
	Name      string `json:"name"`
	FastPath  bool   `json:"fast_path"`
	SourceLen int    `json:"source_len"`
}

// ListActions reports every loaded action and whether it was proven
// constant by the static analyzer.
func (h *Handler) ListActions(w http.ResponseWriter, r *http.Request) {
	actions := h.Actions()
	out := make([]actionEntry, 0, len(actions))
	for _, a := range actions {
		out = append(out, actionEntry{Name: a.Name, FastPath: a.IsFastPath(), SourceLen: a.SourceLen})
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
