package capability

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingObserver struct {
	mu     sync.Mutex
	traces []Trace
}

func (r *recordingObserver) ObserveInvocation(t Trace) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.traces = append(r.traces, t)
}

var locationDesc = Descriptor{
	Name: "get_place_location",
	Parameters: []Parameter{
		{Name: "place_name", Type: "string", Required: true},
	},
}

func newTestLayer(t *testing.T, h Handler) (*Layer, *recordingObserver) {
	t.Helper()
	reg := NewRegistry()
	if err := reg.RegisterLocal(Definition{Descriptor: locationDesc, Handler: h}); err != nil {
		t.Fatal(err)
	}
	obs := &recordingObserver{}
	return NewLayer(reg, WithObserver(obs)), obs
}

func TestLayerLocalSuccess(t *testing.T) {
	layer, obs := newTestLayer(t, func(_ context.Context, args map[string]any) (any, error) {
		return map[string]any{"name": args["place_name"], "latitude": 48.8566, "longitude": 2.3522}, nil
	})

	resp := layer.Invoke(context.Background(), NewRequest("get_place_location", map[string]any{"place_name": "Paris"}, "s1"))
	if !resp.OK() {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Fields()["latitude"] != 48.8566 {
		t.Errorf("latitude = %v", resp.Fields()["latitude"])
	}
	if len(obs.traces) != 1 {
		t.Fatalf("traces = %d", len(obs.traces))
	}
	tr := obs.traces[0]
	if tr.Capability != "get_place_location" || tr.Transport != TransportLocal || !tr.Dispatched {
		t.Errorf("trace = %+v", tr)
	}
	if tr.SessionID != "s1" || tr.Status != StatusSuccess {
		t.Errorf("trace = %+v", tr)
	}
}

func TestLayerLocalErrorBecomesEnvelope(t *testing.T) {
	layer, _ := newTestLayer(t, func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("Could not find coordinates for: Atlantis")
	})
	resp := layer.Invoke(context.Background(), NewRequest("get_place_location", map[string]any{"place_name": "Atlantis"}, ""))
	if resp.OK() {
		t.Fatal("expected error envelope")
	}
	if resp.Kind != KindDomain {
		t.Errorf("kind = %q", resp.Kind)
	}
	if resp.Message != "Could not find coordinates for: Atlantis" {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestLayerLocalPanicBecomesEnvelope(t *testing.T) {
	layer, _ := newTestLayer(t, func(context.Context, map[string]any) (any, error) {
		panic("nil map write")
	})
	resp := layer.Invoke(context.Background(), NewRequest("get_place_location", map[string]any{"place_name": "Paris"}, ""))
	if resp.OK() || !strings.Contains(resp.Message, "nil map write") {
		t.Errorf("resp = %+v", resp)
	}
}

func TestLayerValidationIsNotDispatched(t *testing.T) {
	called := false
	layer, obs := newTestLayer(t, func(context.Context, map[string]any) (any, error) {
		called = true
		return nil, nil
	})
	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing", nil},
		{"blank", map[string]any{"place_name": "  "}},
		{"wrong type", map[string]any{"place_name": 42.0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := layer.Invoke(context.Background(), NewRequest("get_place_location", tt.args, ""))
			if resp.Kind != KindValidation {
				t.Errorf("kind = %q, want validation", resp.Kind)
			}
		})
	}
	if called {
		t.Error("handler must not run when validation fails")
	}
	for _, tr := range obs.traces {
		if tr.Dispatched {
			t.Error("trace marked dispatched for a validation failure")
		}
	}
}

func TestLayerUnknownCapability(t *testing.T) {
	layer := NewLayer(NewRegistry())
	resp := layer.Invoke(context.Background(), NewRequest("teleport", nil, ""))
	if resp.Kind != KindValidation {
		t.Errorf("kind = %q", resp.Kind)
	}
}

func TestLayerIdempotentForDeterministicProvider(t *testing.T) {
	layer, _ := newTestLayer(t, func(_ context.Context, args map[string]any) (any, error) {
		return map[string]any{"name": args["place_name"], "latitude": 48.8566, "longitude": 2.3522}, nil
	})
	req := NewRequest("get_place_location", map[string]any{"place_name": "Paris"}, "")
	first := layer.Invoke(context.Background(), req)
	second := layer.Invoke(context.Background(), req)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("responses differ: %+v vs %+v", first, second)
	}
}

func TestLayerTimeout(t *testing.T) {
	reg := NewRegistry()
	block := make(chan struct{})
	defer close(block)
	_ = reg.Register(Descriptor{Name: "never"}, TransportHTTP, InvokerFunc(func(context.Context, Request) Response {
		<-block
		return Success(nil)
	}))
	g := NewGuard()
	g.Timeout = 20 * time.Millisecond
	layer := NewLayer(reg, WithGuard(g))

	resp := layer.Invoke(context.Background(), NewRequest("never", nil, ""))
	if resp.Kind != KindTransport {
		t.Errorf("kind = %q, want transport", resp.Kind)
	}
}

func TestRequestIsImmutable(t *testing.T) {
	args := map[string]any{"place_name": "Paris"}
	req := NewRequest("get_place_location", args, "")
	args["place_name"] = "Lyon"
	if v, _ := req.Arg("place_name"); v != "Paris" {
		t.Errorf("request changed through caller map: %v", v)
	}
	got := req.Arguments()
	got["place_name"] = "Nice"
	if v, _ := req.Arg("place_name"); v != "Paris" {
		t.Errorf("request changed through returned map: %v", v)
	}
}

func TestResponseValidate(t *testing.T) {
	tests := []struct {
		name    string
		resp    Response
		wantErr bool
	}{
		{"success", Success(map[string]any{"a": 1}), false},
		{"error", Failure(KindDomain, "nope"), false},
		{"success without result", Response{Status: StatusSuccess}, true},
		{"error without message", Response{Status: StatusError}, true},
		{"both populated", Response{Status: StatusError, Message: "x", Result: "y"}, true},
		{"unknown status", Response{Status: "pending"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.resp.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{context.Canceled, KindCancelled},
		{context.DeadlineExceeded, KindTransport},
		{Errorf(KindValidation, "bad"), KindValidation},
		{errors.New("plain"), KindDomain},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
	if !IsRetryable(context.DeadlineExceeded) || IsRetryable(errors.New("x")) {
		t.Error("IsRetryable mismatch")
	}
}

type weatherArgs struct {
	Latitude  *float64 `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude *float64 `json:"longitude" validate:"required,gte=-180,lte=180"`
}

func TestBind(t *testing.T) {
	var a weatherArgs
	if err := Bind(map[string]any{"latitude": 48.8566, "longitude": 2.3522}, &a); err != nil {
		t.Fatal(err)
	}
	if *a.Latitude != 48.8566 {
		t.Errorf("latitude = %v", *a.Latitude)
	}

	err := Bind(map[string]any{"latitude": 120.0, "longitude": 2.0}, &weatherArgs{})
	if !IsValidation(err) || !strings.Contains(err.Error(), "latitude") {
		t.Errorf("err = %v", err)
	}

	err = Bind(map[string]any{"longitude": 2.0}, &weatherArgs{})
	if !IsValidation(err) || !strings.Contains(err.Error(), `missing required argument "latitude"`) {
		t.Errorf("err = %v", err)
	}

	err = Bind(map[string]any{"latitude": "north", "longitude": 2.0}, &weatherArgs{})
	if !IsValidation(err) {
		t.Errorf("err = %v", err)
	}
}
