package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/opentalon/atlas/internal/capability"
	"github.com/opentalon/atlas/internal/version"
	"github.com/opentalon/atlas/pkg/plugin"
)

// MCPInvoker calls a tool on a streamable-HTTP MCP server. The session is
// opened on first use and reopened after a transport failure.
type MCPInvoker struct {
	endpoint   string
	tool       string
	httpClient *http.Client

	mu      sync.Mutex
	session *mcp.ClientSession
}

// MCPOption configures an MCPInvoker.
type MCPOption func(*MCPInvoker)

func WithMCPHTTPClient(c *http.Client) MCPOption {
	return func(m *MCPInvoker) { m.httpClient = c }
}

func WithMCPToolName(name string) MCPOption {
	return func(m *MCPInvoker) { m.tool = name }
}

func NewMCPInvoker(endpoint string, opts ...MCPOption) *MCPInvoker {
	m := &MCPInvoker{endpoint: endpoint, httpClient: http.DefaultClient}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *MCPInvoker) sessionFor(ctx context.Context) (*mcp.ClientSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		return m.session, nil
	}
	client := mcp.NewClient(&mcp.Implementation{
		Name:    "atlas",
		Version: version.Get().Version,
	}, nil)
	transport := &mcp.StreamableClientTransport{
		Endpoint:   m.endpoint,
		HTTPClient: m.httpClient,
	}
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", m.endpoint, err)
	}
	m.session = session
	return session, nil
}

func (m *MCPInvoker) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		_ = m.session.Close()
		m.session = nil
	}
}

// Close ends the MCP session, if any.
func (m *MCPInvoker) Close() error {
	m.reset()
	return nil
}

func (m *MCPInvoker) Invoke(ctx context.Context, req capability.Request) capability.Response {
	tool := m.tool
	if tool == "" {
		tool = req.Name()
	}

	session, err := m.sessionFor(ctx)
	if err != nil {
		return TransportFailure(ctx, req.Name(), err)
	}

	res, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      tool,
		Arguments: req.Arguments(),
	})
	if err != nil {
		m.reset()
		return TransportFailure(ctx, req.Name(), err)
	}
	if res.IsError {
		msg := contentText(res)
		if msg == "" {
			msg = fmt.Sprintf("%s reported an error", tool)
		}
		return capability.Failure(capability.KindDomain, msg)
	}
	return decodeToolResult(req.Name(), res)
}

// decodeToolResult accepts three shapes: an envelope (structured or as JSON
// text), a bare JSON object, or plain text.
func decodeToolResult(name string, res *mcp.CallToolResult) capability.Response {
	if res.StructuredContent != nil {
		raw, err := json.Marshal(res.StructuredContent)
		if err != nil {
			return capability.Failure(capability.KindTransport,
				fmt.Sprintf("transport error: %s returned unreadable structured content: %v", name, err))
		}
		return decodeJSONResult(name, raw)
	}

	text := contentText(res)
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") {
		return decodeJSONResult(name, []byte(trimmed))
	}
	return capability.Success(text)
}

func decodeJSONResult(name string, raw []byte) capability.Response {
	var probe struct {
		Status *string `json:"status"`
	}
	if err := json.Unmarshal(raw, &probe); err == nil && probe.Status != nil {
		env, err := plugin.DecodeEnvelope(raw)
		if err != nil {
			return capability.Failure(capability.KindTransport,
				fmt.Sprintf("transport error: %s returned a malformed response: %v", name, err))
		}
		return capability.FromEnvelope(env)
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return capability.Success(string(raw))
	}
	return capability.Success(obj)
}

func contentText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
