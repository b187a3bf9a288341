// Package remote invokes capabilities hosted behind a network boundary.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/opentalon/atlas/internal/capability"
	"github.com/opentalon/atlas/pkg/plugin"
)

// HTTPInvoker POSTs {tool, arguments} to a tool-hosting endpoint and reads
// back the envelope.
type HTTPInvoker struct {
	endpoint string
	tool     string
	client   *http.Client
	headers  map[string]string
}

// HTTPOption configures an HTTPInvoker.
type HTTPOption func(*HTTPInvoker)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPInvoker) { h.client = c }
}

// WithTimeout bounds each request at the client level, on top of the
// invocation guard.
func WithTimeout(d time.Duration) HTTPOption {
	return func(h *HTTPInvoker) {
		c := *h.client
		c.Timeout = d
		h.client = &c
	}
}

// WithHeader adds a header to every request (e.g. Authorization).
func WithHeader(key, value string) HTTPOption {
	return func(h *HTTPInvoker) { h.headers[key] = value }
}

// WithRemoteName sets the tool name sent on the wire when it differs from
// the locally registered name.
func WithRemoteName(name string) HTTPOption {
	return func(h *HTTPInvoker) { h.tool = name }
}

func NewHTTPInvoker(endpoint string, opts ...HTTPOption) *HTTPInvoker {
	h := &HTTPInvoker{
		endpoint: endpoint,
		client:   &http.Client{},
		headers:  map[string]string{},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *HTTPInvoker) Invoke(ctx context.Context, req capability.Request) capability.Response {
	tool := h.tool
	if tool == "" {
		tool = req.Name()
	}

	body, err := json.Marshal(plugin.Invocation{Tool: tool, Arguments: req.Arguments()})
	if err != nil {
		return capability.Failure(capability.KindValidation, fmt.Sprintf("arguments for %s are not serializable: %v", req.Name(), err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return capability.Failure(capability.KindTransport, fmt.Sprintf("transport error: %s: %v", req.Name(), err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range h.headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := h.client.Do(httpReq)
	if err != nil {
		return TransportFailure(ctx, req.Name(), err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, plugin.MaxMessageSize+1))
	if err != nil {
		return TransportFailure(ctx, req.Name(), fmt.Errorf("read response: %w", err))
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return capability.Failure(capability.KindTransport,
			fmt.Sprintf("transport error: %s returned HTTP %d: %s", req.Name(), httpResp.StatusCode, snippet(data)))
	}

	env, err := plugin.DecodeEnvelope(data)
	if err != nil {
		return capability.Failure(capability.KindTransport,
			fmt.Sprintf("transport error: %s returned a malformed response: %v", req.Name(), err))
	}
	return capability.FromEnvelope(env)
}

// TransportFailure maps a network-level error to an envelope: context
// cancellation is cancelled, deadlines and timeouts are transport timeouts,
// anything else is an unreachable endpoint.
func TransportFailure(ctx context.Context, name string, err error) capability.Response {
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return capability.Failure(capability.KindCancelled, fmt.Sprintf("%s cancelled", name))
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return capability.Failure(capability.KindTransport, fmt.Sprintf("transport error: %s timed out", name))
	}
	return capability.Failure(capability.KindTransport, fmt.Sprintf("transport error: %s unreachable: %v", name, err))
}

func snippet(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		return "(empty body)"
	}
	return s
}
