package api

import (
	"net/http"
	"sort"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type openAPIOperation struct {
	Security  *[]map[string][]string `yaml:"security"`
	Responses map[string]any         `yaml:"responses"`
}

type openAPIDoc struct {
	Paths map[string]map[string]yaml.Node `yaml:"paths"`
}

func specOperations(t *testing.T) map[string]openAPIOperation {
	t.Helper()
	var doc openAPIDoc
	require.NoError(t, yaml.Unmarshal(openapiSpec, &doc), "parsing openapi.yaml")

	ops := make(map[string]openAPIOperation)
	for path, methods := range doc.Paths {
		for method, node := range methods {
			if method == "parameters" || strings.HasPrefix(method, "x-") {
				continue
			}
			var op openAPIOperation
			require.NoError(t, node.Decode(&op), "%s %s", method, path)
			ops[strings.ToUpper(method)+" "+path] = op
		}
	}
	return ops
}

func routerOperations(t *testing.T) map[string]bool {
	t.Helper()
	// Router only registers routes, so a zero API is enough.
	a := &API{}
	routes := make(map[string]bool)
	err := chi.Walk(a.Router(), func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		route = strings.TrimRight(route, "/")
		if route == "/openapi.yaml" || strings.HasPrefix(route, "/docs") || strings.HasPrefix(route, "/redoc") {
			return nil
		}
		routes[method+" "+route] = true
		return nil
	})
	require.NoError(t, err)
	return routes
}

// TestOpenAPIDrift fails when a route is registered but undocumented, or
// documented but gone.
func TestOpenAPIDrift(t *testing.T) {
	spec := specOperations(t)
	routes := routerOperations(t)

	var undocumented, stale []string
	for route := range routes {
		if _, ok := spec[route]; !ok {
			undocumented = append(undocumented, route)
		}
	}
	for route := range spec {
		if !routes[route] {
			stale = append(stale, route)
		}
	}
	sort.Strings(undocumented)
	sort.Strings(stale)

	assert.Empty(t, undocumented, "routes registered in Router() but missing from openapi.yaml")
	assert.Empty(t, stale, "routes in openapi.yaml but not registered in Router()")
}

// TestOpenAPIDocumentsUnauthorized checks that every operation not marked
// public documents its 401 response.
func TestOpenAPIDocumentsUnauthorized(t *testing.T) {
	for route, op := range specOperations(t) {
		public := op.Security != nil && len(*op.Security) == 0
		if public {
			continue
		}
		assert.Contains(t, op.Responses, "401", route)
	}
}
