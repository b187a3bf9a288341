package plugin

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opentalon/atlas/internal/capability"
	"github.com/opentalon/atlas/internal/remote"
)

const defaultDescribeTimeout = 5 * time.Second

// Entry configures one remotely hosted capability.
type Entry struct {
	Name        string
	Transport   capability.Transport
	Endpoint    string
	RemoteName  string
	Description string
	Parameters  []capability.Parameter
	Headers     map[string]string
	Enabled     bool
}

type managed struct {
	entry  Entry
	closer io.Closer
}

// Manager registers remote capabilities into the capability registry and
// owns their connections.
type Manager struct {
	mu       sync.Mutex
	loaded   map[string]*managed
	hosts    map[string]*Client
	registry *capability.Registry
	logger   zerolog.Logger
}

func NewManager(registry *capability.Registry, logger zerolog.Logger) *Manager {
	return &Manager{
		loaded:   make(map[string]*managed),
		hosts:    make(map[string]*Client),
		registry: registry,
		logger:   logger.With().Str("component", "plugin-manager").Logger(),
	}
}

// LoadAll registers every enabled entry; failures are collected.
func (m *Manager) LoadAll(ctx context.Context, entries []Entry) error {
	var errs []string
	for _, e := range entries {
		if !e.Enabled {
			m.logger.Info().Str("capability", e.Name).Msg("disabled, skipping")
			continue
		}
		if err := m.Load(ctx, e); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", e.Name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to load capabilities: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Load builds the transport-specific invoker for entry and registers it.
func (m *Manager) Load(ctx context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.loaded[entry.Name]; exists {
		return fmt.Errorf("capability %q already loaded", entry.Name)
	}
	if entry.Transport == "" {
		entry.Transport = detectTransport(entry.Endpoint)
	}
	if entry.Endpoint == "" {
		return fmt.Errorf("capability %q: endpoint is required", entry.Name)
	}

	desc := capability.Descriptor{
		Name:        entry.Name,
		Description: entry.Description,
		Parameters:  entry.Parameters,
	}

	var inv capability.Invoker
	var closer io.Closer

	switch entry.Transport {
	case capability.TransportHTTP:
		opts := []remote.HTTPOption{remote.WithRemoteName(entry.RemoteName)}
		for k, v := range entry.Headers {
			opts = append(opts, remote.WithHeader(k, v))
		}
		inv = remote.NewHTTPInvoker(entry.Endpoint, opts...)
	case capability.TransportMCP:
		mi := remote.NewMCPInvoker(entry.Endpoint, remote.WithMCPToolName(entry.RemoteName))
		inv, closer = mi, mi
	case capability.TransportGRPC:
		client, err := m.hostFor(entry.Endpoint)
		if err != nil {
			return err
		}
		if err := m.describeInto(ctx, client, entry, &desc); err != nil {
			m.logger.Warn().Err(err).Str("capability", entry.Name).Msg("describe failed, using configured descriptor")
		}
		inv = client.Invoker(entry.RemoteName)
	default:
		return fmt.Errorf("unsupported transport %q for %s", entry.Transport, entry.Name)
	}

	if err := m.registry.Register(desc, entry.Transport, inv); err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return fmt.Errorf("register %s: %w", entry.Name, err)
	}

	m.loaded[entry.Name] = &managed{entry: entry, closer: closer}
	m.logger.Info().
		Str("capability", entry.Name).
		Str("transport", string(entry.Transport)).
		Str("endpoint", entry.Endpoint).
		Int("parameters", len(desc.Parameters)).
		Msg("loaded")
	return nil
}

func (m *Manager) hostFor(endpoint string) (*Client, error) {
	target := strings.TrimPrefix(endpoint, "grpc://")
	if c, ok := m.hosts[target]; ok {
		return c, nil
	}
	c, err := Dial(target)
	if err != nil {
		return nil, err
	}
	m.hosts[target] = c
	return c, nil
}

// describeInto fills in the description and parameters the config left
// empty from the host's own description.
func (m *Manager) describeInto(ctx context.Context, client *Client, entry Entry, desc *capability.Descriptor) error {
	if desc.Description != "" && len(desc.Parameters) > 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, defaultDescribeTimeout)
	defer cancel()

	descs, err := client.Describe(ctx)
	if err != nil {
		return err
	}
	want := entry.RemoteName
	if want == "" {
		want = entry.Name
	}
	for _, d := range descs {
		if d.Name != want {
			continue
		}
		if desc.Description == "" {
			desc.Description = d.Description
		}
		if len(desc.Parameters) == 0 {
			desc.Parameters = d.Parameters
		}
		return nil
	}
	return fmt.Errorf("host %s does not serve %q", client.Target(), want)
}

// Unload removes a capability from the registry and closes its session.
func (m *Manager) Unload(name string) error {
	m.mu.Lock()
	mg, ok := m.loaded[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("capability %q not loaded", name)
	}
	delete(m.loaded, name)
	m.mu.Unlock()

	m.registry.Deregister(name)
	if mg.closer != nil {
		return mg.closer.Close()
	}
	return nil
}

// StopAll unloads everything and closes shared gRPC connections.
func (m *Manager) StopAll() {
	for _, name := range m.List() {
		if err := m.Unload(name); err != nil {
			m.logger.Warn().Err(err).Str("capability", name).Msg("unload")
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for target, c := range m.hosts {
		_ = c.Close()
		delete(m.hosts, target)
	}
}

// List returns the names of loaded capabilities, sorted.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.loaded))
	for name := range m.loaded {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func detectTransport(endpoint string) capability.Transport {
	lower := strings.ToLower(endpoint)
	switch {
	case strings.HasPrefix(lower, "grpc://"):
		return capability.TransportGRPC
	case strings.HasSuffix(strings.TrimRight(lower, "/"), "/mcp"):
		return capability.TransportMCP
	default:
		return capability.TransportHTTP
	}
}
