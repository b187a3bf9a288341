package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentalon/atlas/internal/capability"
	"github.com/opentalon/atlas/pkg/plugin"
)

type locateInput struct {
	PlaceName string `json:"place_name"`
}

func newMCPServer(t *testing.T) string {
	t.Helper()
	server := mcp.NewServer(&mcp.Implementation{Name: "test-maps", Version: "0.0.1"}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_place_location",
		Description: "Resolve a place to coordinates",
	}, func(_ context.Context, _ *mcp.CallToolRequest, in locateInput) (*mcp.CallToolResult, map[string]any, error) {
		if in.PlaceName == "Atlantis" {
			return nil, nil, fmt.Errorf("Could not find coordinates for: %s", in.PlaceName)
		}
		return nil, map[string]any{"latitude": 48.8566, "longitude": 2.3522}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_weather_envelope",
		Description: "Weather wrapped in an envelope",
	}, func(context.Context, *mcp.CallToolRequest, map[string]any) (*mcp.CallToolResult, plugin.Envelope, error) {
		return nil, plugin.Envelope{Status: plugin.StatusError, Message: "Weather API returned no 'current' data."}, nil
	})

	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestMCPInvokerStructuredResult(t *testing.T) {
	inv := NewMCPInvoker(newMCPServer(t))
	defer func() { _ = inv.Close() }()

	resp := inv.Invoke(context.Background(), capability.NewRequest("get_place_location", map[string]any{"place_name": "Paris"}, ""))
	require.True(t, resp.OK(), resp.Message)
	assert.Equal(t, 48.8566, resp.Fields()["latitude"])
	assert.Equal(t, 2.3522, resp.Fields()["longitude"])
}

func TestMCPInvokerToolErrorIsDomain(t *testing.T) {
	inv := NewMCPInvoker(newMCPServer(t))
	defer func() { _ = inv.Close() }()

	resp := inv.Invoke(context.Background(), capability.NewRequest("get_place_location", map[string]any{"place_name": "Atlantis"}, ""))
	assert.False(t, resp.OK())
	assert.Equal(t, capability.KindDomain, resp.Kind)
	assert.Contains(t, resp.Message, "Could not find coordinates for: Atlantis")
}

func TestMCPInvokerEnvelopeResult(t *testing.T) {
	inv := NewMCPInvoker(newMCPServer(t), WithMCPToolName("get_weather_envelope"))
	defer func() { _ = inv.Close() }()

	resp := inv.Invoke(context.Background(), capability.NewRequest("get_weather", map[string]any{"latitude": 1.0}, ""))
	assert.False(t, resp.OK())
	assert.Equal(t, capability.KindDomain, resp.Kind)
	assert.Equal(t, "Weather API returned no 'current' data.", resp.Message)
}

func TestMCPInvokerUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	inv := NewMCPInvoker(url)
	resp := inv.Invoke(context.Background(), capability.NewRequest("get_place_location", nil, ""))
	assert.False(t, resp.OK())
	assert.Equal(t, capability.KindTransport, resp.Kind)
}

func TestDecodeToolResultText(t *testing.T) {
	res := &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "The Louvre is a museum."}}}
	resp := decodeToolResult("get_place_details", res)
	require.True(t, resp.OK())
	assert.Equal(t, "The Louvre is a museum.", resp.Result)

	res = &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: `{"status":"success","result":{"temperature":21.5}}`}}}
	resp = decodeToolResult("get_weather", res)
	require.True(t, resp.OK())
	assert.Equal(t, 21.5, resp.Fields()["temperature"])
}
