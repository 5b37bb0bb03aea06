package api

import "net/http"

// route describes one endpoint for the OpenAPI document.
type route struct {
	method  string
	path    string
	summary string
	public  bool
	params  []param
	body    bool
	codes   map[string]string
}

type param struct {
	name     string
	required bool
	kind     string
}

var routes = []route{
	{method: "get", path: "/healthz", summary: "Liveness and queue depth", public: true,
		codes: map[string]string{"200": "Healthy"}},
	{method: "get", path: "/queue", summary: "Entry counts per status",
		codes: map[string]string{"200": "Summary"}},
	{method: "post", path: "/queue", summary: "Queue URLs for staging", body: true,
		codes: map[string]string{"200": "All URLs already present", "201": "At least one URL queued", "400": "Bad request"}},
	{method: "get", path: "/queue/entries", summary: "List entries by status",
		params: []param{{name: "status", kind: "string"}, {name: "limit", kind: "integer"}},
		codes:  map[string]string{"200": "Entries", "400": "Bad request"}},
	{method: "get", path: "/queue/entry", summary: "Look up one entry",
		params: []param{{name: "url", required: true, kind: "string"}},
		codes:  map[string]string{"200": "Entry", "404": "Not queued"}},
	{method: "post", path: "/queue/flush", summary: "Remove and return terminal entries",
		codes: map[string]string{"200": "Removed entries"}},
	{method: "get", path: "/history", summary: "Recent staging attempts",
		params: []param{{name: "url", kind: "string"}, {name: "limit", kind: "integer"}},
		codes:  map[string]string{"200": "Attempts", "404": "History disabled"}},
	{method: "get", path: "/events", summary: "Server-sent stage events",
		params: []param{{name: "since", kind: "integer"}, {name: "type", kind: "string"}},
		codes:  map[string]string{"200": "Event stream", "400": "Invalid since"}},
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document describing the API.
func buildOpenAPIDoc() map[string]any {
	paths := map[string]any{}
	for _, rt := range routes {
		item, ok := paths[rt.path].(map[string]any)
		if !ok {
			item = map[string]any{}
			paths[rt.path] = item
		}
		item[rt.method] = buildOperation(rt)
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "stagerd",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func buildOperation(rt route) map[string]any {
	responses := map[string]any{}
	for code, desc := range rt.codes {
		responses[code] = map[string]any{"description": desc}
	}
	if !rt.public {
		responses["401"] = map[string]any{"description": "Unauthorized"}
	}

	op := map[string]any{
		"summary":   rt.summary,
		"responses": responses,
	}
	if rt.public {
		op["security"] = []any{}
	} else {
		op["security"] = []any{map[string]any{"BearerAuth": []string{}}}
	}

	if len(rt.params) > 0 {
		params := make([]any, 0, len(rt.params))
		for _, p := range rt.params {
			params = append(params, map[string]any{
				"name":     p.name,
				"in":       "query",
				"required": p.required,
				"schema":   map[string]any{"type": p.kind},
			})
		}
		op["parameters"] = params
	}

	if rt.body {
		op["requestBody"] = map[string]any{
			"required": true,
			"content": map[string]any{
				"application/json": map[string]any{
					"schema": map[string]any{
						"type":     "object",
						"required": []string{"urls"},
						"properties": map[string]any{
							"urls": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
							"tree": map[string]any{"type": "string"},
						},
					},
				},
			},
		}
	}
	return op
}

// handleOpenAPI handles GET /openapi.json (no auth).
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}
