package capability

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	DefaultMaxResultBytes = 64 * 1024 // 64KB
	DefaultTimeout        = 10 * time.Second
)

var defaultForbiddenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\[tool_call\]`),
	regexp.MustCompile(`\[/tool_call\]`),
	regexp.MustCompile(`<tool_call>`),
	regexp.MustCompile(`<function_call>`),
	regexp.MustCompile(`"tool_calls"\s*:\s*\[`),
}

// Guard bounds every invocation in time and scrubs what comes back.
type Guard struct {
	MaxResultBytes    int
	Timeout           time.Duration
	ForbiddenPatterns []*regexp.Regexp
}

func NewGuard() *Guard {
	return &Guard{
		MaxResultBytes:    DefaultMaxResultBytes,
		Timeout:           DefaultTimeout,
		ForbiddenPatterns: defaultForbiddenPatterns,
	}
}

// Sanitize truncates oversized strings and masks tool-call markers in the
// message and in every string of the result.
func (g *Guard) Sanitize(resp Response) Response {
	resp.Message = g.sanitizeString(resp.Message)
	if resp.Result != nil {
		resp.Result = g.sanitizeValue(resp.Result)
	}
	return resp
}

func (g *Guard) sanitizeValue(v any) any {
	switch t := v.(type) {
	case string:
		return g.sanitizeString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = g.sanitizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = g.sanitizeValue(val)
		}
		return out
	default:
		return v
	}
}

func (g *Guard) sanitizeString(s string) string {
	if s == "" {
		return s
	}

	if g.MaxResultBytes > 0 && len(s) > g.MaxResultBytes {
		s = s[:g.MaxResultBytes] + "\n[truncated: result exceeded size limit]"
	}

	for _, pat := range g.ForbiddenPatterns {
		s = pat.ReplaceAllStringFunc(s, func(match string) string {
			return strings.Repeat("*", len(match))
		})
	}
	return s
}

// Execute runs inv under the guard's timeout. Expiry yields a transport
// error; cancellation of ctx yields a cancelled error. A malformed envelope
// from the invoker is reported as a transport error.
func (g *Guard) Execute(ctx context.Context, inv Invoker, req Request) Response {
	if err := ctx.Err(); err != nil {
		return Failure(KindCancelled, fmt.Sprintf("%s cancelled before dispatch", req.Name()))
	}

	timeout := g.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Response, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Failure(KindDomain, fmt.Sprintf("capability %q failed: %v", req.Name(), r))
			}
		}()
		done <- inv.Invoke(callCtx, req)
	}()

	select {
	case resp := <-done:
		if !resp.OK() {
			switch {
			case ctx.Err() != nil:
				return Failure(KindCancelled, fmt.Sprintf("%s cancelled: %v", req.Name(), ctx.Err()))
			case callCtx.Err() != nil:
				return g.timedOut(req)
			}
		}
		if err := resp.Validate(); err != nil {
			return Failure(KindTransport, fmt.Sprintf("transport error: %s returned a %v", req.Name(), err))
		}
		return resp
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return Failure(KindCancelled, fmt.Sprintf("%s cancelled: %v", req.Name(), ctx.Err()))
		}
		return g.timedOut(req)
	}
}

func (g *Guard) timedOut(req Request) Response {
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return Failure(KindTransport, fmt.Sprintf("transport error: %s timed out after %s", req.Name(), timeout))
}
