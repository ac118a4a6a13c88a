package route

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/titanrun/titan/internal/domain"
)

// manifestConfig is the optional __config block of a route manifest. It is
// decoded but not used: threads/port do not affect the HTTP transport.
type manifestConfig struct {
	Port    int `json:"port"`
	Threads int `json:"threads"`
}

type manifestRouteEntry struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

type manifestDynamicEntry struct {
	Method  string `json:"method"`
	Pattern string `json:"pattern"`
	Action  string `json:"action"`
}

type manifestFile struct {
	Config        manifestConfig                `json:"__config"`
	Routes        map[string]manifestRouteEntry  `json:"routes"`
	DynamicRoutes []manifestDynamicEntry         `json:"__dynamic_routes"`
}

// LoadManifest reads and decodes a route manifest file at path and builds
// an immutable Table from it. A malformed manifest is a ConfigError: the
// caller should treat it as fatal at startup.
func LoadManifest(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("route: read manifest %s: %w", path, err)
	}
	var mf manifestFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("route: parse manifest %s: %w", path, err)
	}

	exact := make(map[string]domain.Route, len(mf.Routes))
	for key, entry := range mf.Routes {
		rt, err := decodeRouteEntry(entry)
		if err != nil {
			return nil, fmt.Errorf("route: entry %q: %w", key, err)
		}
		method, path, ok := strings.Cut(key, ":")
		if !ok {
			return nil, fmt.Errorf("route: entry %q: expected METHOD:/path", key)
		}
		rt.Method, rt.Path = method, path
		exact[key] = rt
	}

	dynamic := make([]domain.Route, 0, len(mf.DynamicRoutes))
	for _, d := range mf.DynamicRoutes {
		if d.Method == "" || d.Pattern == "" || d.Action == "" {
			return nil, fmt.Errorf("route: dynamic route entry missing method/pattern/action")
		}
		dynamic = append(dynamic, domain.Route{
			Method:     d.Method,
			Path:       d.Pattern,
			Type:       domain.RouteAction,
			ActionName: d.Action,
		})
	}

	return NewTable(exact, dynamic), nil
}

func decodeRouteEntry(entry manifestRouteEntry) (domain.Route, error) {
	t := domain.RouteType(entry.Type)
	if !t.IsValid() {
		return domain.Route{}, fmt.Errorf("invalid route type %q", entry.Type)
	}
	rt := domain.Route{Type: t}
	switch t {
	case domain.RouteAction:
		var action string
		if err := json.Unmarshal(entry.Value, &action); err != nil {
			return domain.Route{}, fmt.Errorf("action route value must be a string: %w", err)
		}
		rt.ActionName = action
	case domain.RouteJSON, domain.RouteReply:
		rt.StaticValue = entry.Value
	}
	return rt, nil
}
