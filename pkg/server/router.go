package server

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const paramsContextKey contextKey = "path_params"

// Params holds path parameters extracted by ParamRouter
type Params map[string]string

// GetPathParam retrieves a path parameter from the request context
func GetPathParam(r *http.Request, name string) string {
	params, _ := r.Context().Value(paramsContextKey).(Params)
	if params == nil {
		return ""
	}
	return params[name]
}

// ParamRouter is a tiny router supporting patterns with {param} segments.
// A path that matches with the wrong method gets 405.
type ParamRouter struct {
	routes []route
}

type route struct {
	method  string // Empty matches any method
	pattern string
	parts   []string
	handler http.HandlerFunc
}

// NewParamRouter creates a new ParamRouter instance
func NewParamRouter() *ParamRouter {
	return &ParamRouter{routes: make([]route, 0)}
}

// Handle registers a handler for method and a pattern like "/sessions/{id}"
func (rtr *ParamRouter) Handle(method, pattern string, handler http.HandlerFunc) {
	pattern = strings.TrimSuffix(pattern, "/")
	rtr.routes = append(rtr.routes, route{
		method:  method,
		pattern: pattern,
		parts:   splitPath(pattern),
		handler: handler,
	})
}

// ServeHTTP dispatches to the first route matching both path and method
func (rtr *ParamRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	inParts := splitPath(strings.TrimSuffix(r.URL.Path, "/"))

	var allowed []string
	for _, rt := range rtr.routes {
		params, ok := rt.match(inParts)
		if !ok {
			continue
		}
		if rt.method != "" && rt.method != r.Method {
			allowed = append(allowed, rt.method)
			continue
		}
		ctx := context.WithValue(r.Context(), paramsContextKey, params)
		rt.handler(w, r.WithContext(ctx))
		return
	}

	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeError(w, http.StatusNotFound, "not found")
}

func (rt route) match(inParts []string) (Params, bool) {
	if len(rt.parts) != len(inParts) {
		return nil, false
	}
	params := make(Params)
	for i, pp := range rt.parts {
		if isParam(pp) {
			params[strings.TrimSuffix(strings.TrimPrefix(pp, "{"), "}")] = inParts[i]
			continue
		}
		if pp != inParts[i] {
			return nil, false
		}
	}
	return params, true
}

func splitPath(p string) []string {
	if p == "" || p == "/" {
		return []string{""}
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	// The leading empty element lines the root up with the pattern split
	return strings.Split(p, "/")
}

func isParam(seg string) bool {
	return strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") && len(seg) > 2
}
