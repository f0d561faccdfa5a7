package client

import (
	"fmt"
	"net/url"
	"strings"
)

// Routes is a backend path layout. "{id}" is replaced by the escaped
// module or execution id.
type Routes struct {
	Modules    string
	Executions string
	Launch     string
	// LaunchModuleInBody puts module_id in the launch body instead of the path.
	LaunchModuleInBody bool
	// Execution is the single-execution endpoint. When empty, status is
	// read from the Executions listing of the execution's module.
	Execution string
	Logs      string
	Artifacts string
}

var APIRoutes = Routes{
	Modules:    "/api/modules",
	Executions: "/api/executions",
	Launch:     "/api/modules/{id}/execute",
	Execution:  "/api/modules/exec/{id}",
	Logs:       "/api/modules/exec/{id}/logs",
	Artifacts:  "/api/modules/exec/{id}/artifacts",
}

var LegacyRoutes = Routes{
	Modules:            "/modules",
	Executions:         "/executions",
	Launch:             "/executions",
	LaunchModuleInBody: true,
	Logs:               "/api/modules/exec/{id}/logs",
	Artifacts:          "/api/modules/exec/{id}/artifacts",
}

// RoutesFor returns the layout registered under name.
func RoutesFor(name string) (Routes, error) {
	switch name {
	case "", "api":
		return APIRoutes, nil
	case "legacy":
		return LegacyRoutes, nil
	}
	return Routes{}, fmt.Errorf("unknown route layout %q", name)
}

// expand substitutes the escaped id into tmpl. The result is an escaped
// path.
func expand(tmpl, id string) string {
	return strings.ReplaceAll(tmpl, "{id}", url.PathEscape(id))
}
