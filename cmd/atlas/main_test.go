package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String() + errOut.String(), err
}

func writeConfig(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("name") == "Lisbon" {
			_, _ = w.Write([]byte(`{"results":[{"name":"Lisbon","latitude":38.7167,"longitude":-9.1333,"country":"Portugal"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	cfg := "log:\n  level: error\n" +
		"geo:\n  base_url: " + srv.URL + "\n" +
		"store:\n  driver: memory\n  data_dir: " + dir + "\n"
	path := filepath.Join(dir, "atlas.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "Atlas dev") {
		t.Errorf("version output = %q", out)
	}
}

func TestAskCommand(t *testing.T) {
	out, err := run(t, "--config", writeConfig(t), "ask", "where", "is", "Lisbon")
	if err != nil {
		t.Fatalf("ask: %v (%s)", err, out)
	}
	if !strings.Contains(out, "Lisbon, Portugal is at latitude 38.7167, longitude -9.1333.") {
		t.Errorf("output = %q", out)
	}
}

func TestAskCommandFailedTurn(t *testing.T) {
	out, err := run(t, "--config", writeConfig(t), "ask", "where is Atlantis")
	if err != errTurnFailed {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(out, "domain error: Could not find coordinates for: Atlantis") {
		t.Errorf("output = %q", out)
	}
}

func TestAskCommandJSON(t *testing.T) {
	out, err := run(t, "--config", writeConfig(t), "ask", "--json", "--session", "cli-test", "where is Lisbon")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"session_id": "cli-test"`) || !strings.Contains(out, `"phase": "completed"`) {
		t.Errorf("output = %q", out)
	}
}

func TestBadConfig(t *testing.T) {
	if code := execute(context.Background(), []string{"--config", "/nonexistent.yaml", "ask", "hi"}); code != exitError {
		t.Errorf("exit code = %d", code)
	}
	if _, err := run(t, "ask"); err == nil {
		t.Error("ask without a request should fail")
	}
}
