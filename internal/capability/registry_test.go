package capability

import (
	"context"
	"testing"
)

func nopInvoker() Invoker {
	return InvokerFunc(func(context.Context, Request) Response { return Success(nil) })
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	desc := Descriptor{Name: "get_weather", Description: "Weather for coordinates"}
	if err := reg.Register(desc, TransportHTTP, nopInvoker()); err != nil {
		t.Fatal(err)
	}

	e, ok := reg.Lookup("get_weather")
	if !ok {
		t.Fatal("expected entry")
	}
	if e.Transport != TransportHTTP {
		t.Errorf("transport = %q", e.Transport)
	}
	if !reg.Has("get_weather") || reg.Has("nope") {
		t.Error("Has mismatch")
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	desc := Descriptor{Name: "get_weather"}
	if err := reg.Register(desc, TransportLocal, nopInvoker()); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(desc, TransportLocal, nopInvoker()); err == nil {
		t.Error("expected duplicate error")
	}
}

func TestRegistryRejectsInvalidEntries(t *testing.T) {
	reg := NewRegistry()
	tests := []struct {
		name      string
		desc      Descriptor
		transport Transport
		inv       Invoker
	}{
		{"empty name", Descriptor{}, TransportLocal, nopInvoker()},
		{"unknown transport", Descriptor{Name: "x"}, Transport("carrier-pigeon"), nopInvoker()},
		{"nil invoker", Descriptor{Name: "x"}, TransportLocal, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := reg.Register(tt.desc, tt.transport, tt.inv); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRegistryDescriptorsSorted(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"get_weather", "get_place_location", "get_place_details"} {
		_ = reg.Register(Descriptor{Name: name}, TransportLocal, nopInvoker())
	}
	descs := reg.Descriptors()
	want := []string{"get_place_details", "get_place_location", "get_weather"}
	if len(descs) != len(want) {
		t.Fatalf("len = %d", len(descs))
	}
	for i, d := range descs {
		if d.Name != want[i] {
			t.Errorf("descs[%d] = %q, want %q", i, d.Name, want[i])
		}
	}
}

func TestRegistryDeregister(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register(Descriptor{Name: "x"}, TransportLocal, nopInvoker())
	reg.Deregister("x")
	if reg.Len() != 0 {
		t.Errorf("len = %d after deregister", reg.Len())
	}
}
