package plugin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/opentalon/atlas/internal/capability"
)

func TestDetectTransport(t *testing.T) {
	tests := []struct {
		endpoint string
		want     capability.Transport
	}{
		{"grpc://localhost:9090", capability.TransportGRPC},
		{"GRPC://tools:9090", capability.TransportGRPC},
		{"http://localhost:8081/mcp", capability.TransportMCP},
		{"http://localhost:8081/mcp/", capability.TransportMCP},
		{"http://localhost:8080/tools/invoke", capability.TransportHTTP},
	}
	for _, tt := range tests {
		if got := detectTransport(tt.endpoint); got != tt.want {
			t.Errorf("detectTransport(%q) = %q, want %q", tt.endpoint, got, tt.want)
		}
	}
}

func TestManagerLoadHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","result":{"temperature":18.2}}`))
	}))
	defer srv.Close()

	reg := capability.NewRegistry()
	m := NewManager(reg, zerolog.Nop())
	err := m.LoadAll(context.Background(), []Entry{
		{Name: "get_weather", Endpoint: srv.URL, Enabled: true},
		{Name: "get_place_details", Endpoint: srv.URL, Enabled: false},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := m.List(); len(got) != 1 || got[0] != "get_weather" {
		t.Fatalf("List() = %v", got)
	}
	e, ok := reg.Lookup("get_weather")
	if !ok || e.Transport != capability.TransportHTTP {
		t.Fatalf("entry = %+v", e)
	}

	resp := capability.NewLayer(reg).Invoke(context.Background(), capability.NewRequest("get_weather", nil, ""))
	if !resp.OK() || resp.Fields()["temperature"] != 18.2 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestManagerRejectsDuplicatesAndBadTransport(t *testing.T) {
	reg := capability.NewRegistry()
	m := NewManager(reg, zerolog.Nop())
	ctx := context.Background()

	if err := m.Load(ctx, Entry{Name: "x", Endpoint: "http://localhost:1/invoke", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := m.Load(ctx, Entry{Name: "x", Endpoint: "http://localhost:1/invoke", Enabled: true}); err == nil {
		t.Error("expected duplicate error")
	}
	if err := m.Load(ctx, Entry{Name: "y", Transport: "smoke", Endpoint: "x", Enabled: true}); err == nil {
		t.Error("expected transport error")
	}
	if err := m.Load(ctx, Entry{Name: "z", Transport: capability.TransportHTTP, Enabled: true}); err == nil {
		t.Error("expected endpoint error")
	}
}

func TestManagerUnload(t *testing.T) {
	reg := capability.NewRegistry()
	m := NewManager(reg, zerolog.Nop())
	ctx := context.Background()
	_ = m.Load(ctx, Entry{Name: "get_weather", Endpoint: "http://localhost:1/mcp", Enabled: true})

	if e, _ := reg.Lookup("get_weather"); e.Transport != capability.TransportMCP {
		t.Fatalf("transport = %q", e.Transport)
	}
	if err := m.Unload("get_weather"); err != nil {
		t.Fatal(err)
	}
	if reg.Has("get_weather") {
		t.Error("still registered after unload")
	}
	if err := m.Unload("get_weather"); err == nil {
		t.Error("expected error unloading twice")
	}
	m.StopAll()
}
