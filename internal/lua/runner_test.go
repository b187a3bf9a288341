package lua

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hook.lua")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func load(t *testing.T, body string) *Script {
	t.Helper()
	s, err := Load(writeScript(t, body))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestPrepareRewritesText(t *testing.T) {
	s := load(t, `
function prepare(text)
  return (string.gsub(text, "NYC", "New York"))
end
`)
	if s.Has(FuncBeforeInvoke) {
		t.Error("script has no before_invoke")
	}
	res, err := s.Prepare(context.Background(), "weather in NYC")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Continue || res.Text != "weather in New York" {
		t.Errorf("result = %+v", res)
	}
}

func TestPrepareStopsTurn(t *testing.T) {
	s := load(t, `
function prepare(text)
  if string.find(text, "password") then
    return { continue = false, message = "I can't help with that." }
  end
  return nil
end
`)
	res, err := s.Prepare(context.Background(), "what is my password")
	if err != nil {
		t.Fatal(err)
	}
	if res.Continue || res.Message != "I can't help with that." {
		t.Errorf("result = %+v", res)
	}

	res, err = s.Prepare(context.Background(), "weather in Oslo")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Continue || res.Text != "weather in Oslo" {
		t.Errorf("nil return should pass text through, got %+v", res)
	}
}

func TestPrepareBadReturn(t *testing.T) {
	s := load(t, `function prepare(text) return 42 end`)
	if _, err := s.Prepare(context.Background(), "x"); err == nil {
		t.Fatal("expected error for number return")
	}
}

func TestBeforeInvokeRewritesArgs(t *testing.T) {
	s := load(t, `
function before_invoke(name, args)
  if name == "get_place_location" and args.place_name == "NYC" then
    return { args = { place_name = "New York" } }
  end
end
`)
	d, err := s.BeforeInvoke(context.Background(), "get_place_location", map[string]any{"place_name": "NYC"})
	if err != nil {
		t.Fatal(err)
	}
	if d == nil || d.Veto {
		t.Fatalf("decision = %+v", d)
	}
	if d.Args["place_name"] != "New York" {
		t.Errorf("args = %v", d.Args)
	}

	d, err = s.BeforeInvoke(context.Background(), "get_weather", map[string]any{"latitude": 1.5})
	if err != nil {
		t.Fatal(err)
	}
	if d != nil {
		t.Errorf("expected no decision, got %+v", d)
	}
}

func TestBeforeInvokeVeto(t *testing.T) {
	s := load(t, `
function before_invoke(name, args)
  if args.latitude ~= nil and args.latitude > 80 then
    return { veto = true, message = "polar lookups disabled" }
  end
end
`)
	d, err := s.BeforeInvoke(context.Background(), "get_weather", map[string]any{"latitude": 85.0, "longitude": 0.0})
	if err != nil {
		t.Fatal(err)
	}
	if d == nil || !d.Veto || d.Status != "error" || d.Message != "polar lookups disabled" {
		t.Errorf("decision = %+v", d)
	}
}

func TestBeforeInvokeRuntimeError(t *testing.T) {
	s := load(t, `function before_invoke(name, args) error("boom") end`)
	if _, err := s.BeforeInvoke(context.Background(), "x", nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(writeScript(t, `function other() end`)); err == nil {
		t.Error("script without hooks should fail to load")
	}
	if _, err := Load(writeScript(t, `prepare = 5`)); err == nil {
		t.Error("non-function prepare should fail")
	}
	if _, err := Load(writeScript(t, `function prepare(`)); err == nil {
		t.Error("syntax error should fail")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.lua")); err == nil {
		t.Error("missing file should fail")
	}
}

func TestPrepareReadsEnv(t *testing.T) {
	t.Setenv("ATLAS_DEFAULT_CITY", "Lyon")
	s := load(t, `
function prepare(text)
  if text == "weather" then
    return "weather in " .. os.getenv("ATLAS_DEFAULT_CITY")
  end
  return text
end
`)
	res, err := s.Prepare(context.Background(), "weather")
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "weather in Lyon" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestLuaRoundTrip(t *testing.T) {
	s := load(t, `function before_invoke(name, args) return { args = args } end`)
	in := map[string]any{
		"latitude":  48.8566,
		"longitude": 2.3522,
		"tags":      []any{"a", "b"},
		"nested":    map[string]any{"ok": true},
	}
	d, err := s.BeforeInvoke(context.Background(), "x", in)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(d.Args, in) {
		t.Errorf("round trip = %#v", d.Args)
	}
}
