package failover

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opentalon/atlas/internal/provider"
)

type fakeProvider struct {
	id     string
	errs   []error // returned in order; nil means success
	models []string
}

func (f *fakeProvider) ID() string { return f.id }

func (f *fakeProvider) Complete(_ context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	f.models = append(f.models, req.Model)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &provider.CompletionResponse{Content: f.id + ":" + req.Model}, nil
}

func apiErr(id string, status int) error {
	return &provider.APIError{Provider: id, StatusCode: status, Message: "nope"}
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func setup(t *testing.T, a, b *fakeProvider) (*Controller, *clock) {
	t.Helper()
	reg := provider.NewRegistry()
	for _, p := range []*fakeProvider{a, b} {
		if err := reg.Register(p); err != nil {
			t.Fatal(err)
		}
	}
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	ctrl, err := NewController(reg, "a/small", []provider.ModelRef{"b/large", "a/small"},
		WithClock(c.now),
		WithCooldowns(CooldownConfig{Initial: time.Minute, Max: 10 * time.Minute, Multiplier: 5}))
	if err != nil {
		t.Fatal(err)
	}
	return ctrl, c
}

func TestPrimaryAnswers(t *testing.T) {
	a, b := &fakeProvider{id: "a"}, &fakeProvider{id: "b"}
	ctrl, _ := setup(t, a, b)

	if got := ctrl.Targets(); len(got) != 2 || got[0] != "a/small" || got[1] != "b/large" {
		t.Fatalf("targets = %v", got)
	}
	resp, err := ctrl.Complete(context.Background(), &provider.CompletionRequest{Model: "ignored"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "a:small" || len(b.models) != 0 {
		t.Errorf("content = %q, b calls = %d", resp.Content, len(b.models))
	}
}

func TestRateLimitFailsOverAndCoolsDown(t *testing.T) {
	a := &fakeProvider{id: "a", errs: []error{apiErr("a", 429)}}
	b := &fakeProvider{id: "b"}
	ctrl, c := setup(t, a, b)

	resp, err := ctrl.Complete(context.Background(), &provider.CompletionRequest{})
	if err != nil || resp.Content != "b:large" {
		t.Fatalf("resp = %+v, err = %v", resp, err)
	}
	// a is cooling down for a minute.
	c.t = c.t.Add(30 * time.Second)
	_, _ = ctrl.Complete(context.Background(), &provider.CompletionRequest{})
	if len(a.models) != 1 {
		t.Errorf("a called %d times during cooldown", len(a.models))
	}
	c.t = c.t.Add(time.Minute)
	resp, _ = ctrl.Complete(context.Background(), &provider.CompletionRequest{})
	if resp.Content != "a:small" {
		t.Errorf("after cooldown = %q", resp.Content)
	}
}

func TestNetworkErrorFailsOver(t *testing.T) {
	a := &fakeProvider{id: "a", errs: []error{errors.New("dial tcp: connection refused")}}
	b := &fakeProvider{id: "b"}
	ctrl, _ := setup(t, a, b)

	resp, err := ctrl.Complete(context.Background(), &provider.CompletionRequest{})
	if err != nil || resp.Content != "b:large" {
		t.Fatalf("resp = %+v, err = %v", resp, err)
	}
}

func TestBadRequestStops(t *testing.T) {
	a := &fakeProvider{id: "a", errs: []error{apiErr("a", 400)}}
	b := &fakeProvider{id: "b"}
	ctrl, _ := setup(t, a, b)

	_, err := ctrl.Complete(context.Background(), &provider.CompletionRequest{})
	var ae *provider.APIError
	if !errors.As(err, &ae) || ae.StatusCode != 400 {
		t.Fatalf("err = %v", err)
	}
	if len(b.models) != 0 {
		t.Error("fallback tried after a non-retryable error")
	}
}

func TestAllExhausted(t *testing.T) {
	a := &fakeProvider{id: "a", errs: []error{apiErr("a", 401)}}
	b := &fakeProvider{id: "b", errs: []error{apiErr("b", 503), apiErr("b", 503)}}
	ctrl, _ := setup(t, a, b)

	_, err := ctrl.Complete(context.Background(), &provider.CompletionRequest{})
	var ex *AllExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("err = %v", err)
	}
	if len(ex.Attempted) != 2 || !provider.IsRetryable(err) {
		t.Errorf("exhausted = %+v", ex)
	}

	_, err = ctrl.Complete(context.Background(), &provider.CompletionRequest{})
	if !errors.As(err, &ex) || len(ex.Skipped) != 1 || ex.Skipped[0] != "a/small" {
		t.Errorf("second attempt = %v", err)
	}
}

func TestUnknownProvider(t *testing.T) {
	if _, err := NewController(provider.NewRegistry(), "x/y", nil); err == nil {
		t.Error("expected error for unconfigured provider")
	}
}

func TestCooldownGrowth(t *testing.T) {
	ct := NewCooldownTracker(CooldownConfig{Initial: time.Minute, Max: 10 * time.Minute, Multiplier: 5})
	want := []time.Duration{time.Minute, 5 * time.Minute, 10 * time.Minute, 10 * time.Minute}
	for i, w := range want {
		if got := ct.calculateDuration(i + 1); got != w {
			t.Errorf("errors=%d: got %v, want %v", i+1, got, w)
		}
	}
}
