package proxy

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/HerbHall/keyproxy/internal/config"
)

// Router maps a routing header to a configured target.
type Router struct {
	headers  []string
	registry *config.Registry
}

// NewRouter creates a router checking headers in priority order.
func NewRouter(headers []string, registry *config.Registry) *Router {
	return &Router{headers: headers, registry: registry}
}

// Headers returns the accepted header names in priority order.
func (rt *Router) Headers() []string {
	out := make([]string, len(rt.headers))
	copy(out, rt.headers)
	return out
}

// Key returns the first non-empty routing header value. Header names match
// case-insensitively.
func (rt *Router) Key(h http.Header) string {
	for _, name := range rt.headers {
		// Header.Values canonicalizes name, so lookups ignore case.
		for _, v := range h.Values(name) {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}

// Lookup resolves key to a target. Target ids are case-sensitive.
func (rt *Router) Lookup(key string) (config.Target, error) {
	if key == "" {
		return config.Target{}, &RoutingError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("missing routing key; send one of the headers: %s", strings.Join(rt.headers, ", ")),
		}
	}
	t, ok := rt.registry.Lookup(key)
	if !ok {
		return config.Target{}, &RoutingError{
			Status:  http.StatusNotFound,
			Key:     key,
			Message: fmt.Sprintf("unknown target %q", key),
		}
	}
	return t, nil
}

// Resolve combines Key and Lookup.
func (rt *Router) Resolve(h http.Header) (config.Target, string, error) {
	key := rt.Key(h)
	t, err := rt.Lookup(key)
	return t, key, err
}
