// Package toolhost serves registered capabilities to other processes over
// plain HTTP and MCP. The gRPC host lives in internal/plugin.
package toolhost

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/opentalon/atlas/internal/capability"
	"github.com/opentalon/atlas/internal/plugin"
	"github.com/opentalon/atlas/internal/version"
	wire "github.com/opentalon/atlas/pkg/plugin"
)

const (
	PathTools  = "/tools"
	PathInvoke = "/tools/invoke"
	PathMCP    = "/mcp"
)

// Host serves capabilities through h. Every call goes through h.Invoke, so
// argument checks, the timeout guard and tracing apply to hosted calls too.
type Host struct {
	host   plugin.Host
	name   string
	logger zerolog.Logger
}

func New(h plugin.Host, name string, logger zerolog.Logger) *Host {
	if name == "" {
		name = "atlas"
	}
	return &Host{host: h, name: name, logger: logger.With().Str("component", "toolhost").Logger()}
}

// Register mounts the HTTP and MCP routes on mux.
func (h *Host) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET "+PathTools, h.handleList)
	mux.HandleFunc("POST "+PathInvoke, h.handleInvoke)
	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return h.MCPServer() }, nil)
	mux.Handle(PathMCP, mcpHandler)
}

// Handler returns a mux serving only the tool-hosting routes.
func (h *Host) Handler() http.Handler {
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

func (h *Host) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, wire.CapabilitiesMsg{
		Host:         h.name,
		Capabilities: capability.Describe(h.host.Descriptors()),
	})
}

func (h *Host) handleInvoke(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, wire.MaxMessageSize+1))
	if err != nil || len(data) > wire.MaxMessageSize {
		writeJSON(w, http.StatusBadRequest, capability.Failure(capability.KindValidation, "request body unreadable or too large").Envelope())
		return
	}
	var in wire.Invocation
	if err := json.Unmarshal(data, &in); err != nil || in.Tool == "" {
		msg := "request must be {\"tool\": name, \"arguments\": {...}}"
		if err != nil {
			msg = fmt.Sprintf("invalid request JSON: %v", err)
		}
		writeJSON(w, http.StatusBadRequest, capability.Failure(capability.KindValidation, msg).Envelope())
		return
	}

	resp := h.host.Invoke(r.Context(), capability.NewRequest(in.Tool, in.Arguments, r.Header.Get("X-Session-ID")))
	if !resp.OK() {
		h.logger.Debug().Str("tool", in.Tool).Str("kind", string(resp.Kind)).Str("message", resp.Message).Msg("hosted call failed")
	}
	writeJSON(w, http.StatusOK, resp.Envelope())
}

// MCPServer builds an MCP server exposing the host's current capabilities.
func (h *Host) MCPServer() *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: h.name, Version: version.Get().Version}, nil)
	for _, d := range h.host.Descriptors() {
		server.AddTool(&mcp.Tool{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: inputSchema(d),
		}, h.mcpHandler(d.Name))
	}
	return server
}

func (h *Host) mcpHandler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args map[string]any
		if raw := req.Params.Arguments; len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return errorResult(fmt.Sprintf("arguments for %s must be an object: %v", name, err)), nil
			}
		}
		resp := h.host.Invoke(ctx, capability.NewRequest(name, args, ""))
		if !resp.OK() {
			return errorResult(resp.Message), nil
		}
		env := resp.Envelope()
		text, err := json.Marshal(env)
		if err != nil {
			return errorResult(fmt.Sprintf("%s returned an unserializable result: %v", name, err)), nil
		}
		return &mcp.CallToolResult{
			Content:           []mcp.Content{&mcp.TextContent{Text: string(text)}},
			StructuredContent: env,
		}, nil
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
	}
}

// inputSchema renders a descriptor's parameters as a JSON Schema object.
func inputSchema(d capability.Descriptor) map[string]any {
	props := make(map[string]any, len(d.Parameters))
	required := []string{}
	for _, p := range d.Parameters {
		prop := map[string]any{}
		if p.Type != "" && p.Type != "any" {
			prop["type"] = p.Type
		}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
