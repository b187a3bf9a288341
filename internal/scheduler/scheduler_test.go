package scheduler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/opentalon/atlas/internal/orchestrator"
)

type fakeRunner struct {
	mu    sync.Mutex
	turns []orchestrator.Turn
	block chan struct{}
	start chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, t orchestrator.Turn) *orchestrator.Outcome {
	f.mu.Lock()
	f.turns = append(f.turns, t)
	f.mu.Unlock()
	if f.start != nil {
		f.start <- struct{}{}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return &orchestrator.Outcome{Phase: orchestrator.PhaseFailed, Response: "request cancelled"}
		}
	}
	return &orchestrator.Outcome{TurnID: "t", Phase: orchestrator.PhaseCompleted, Response: "ok"}
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.turns)
}

var paris = Job{Name: "paris-morning", Schedule: "0 7 * * *", Text: "weather in Paris"}

func TestJobValidate(t *testing.T) {
	cases := []struct {
		name string
		job  Job
		ok   bool
	}{
		{"standard", paris, true},
		{"descriptor", Job{Name: "a", Schedule: "@every 1h", Text: "x"}, true},
		{"hourly", Job{Name: "a", Schedule: "@hourly", Text: "x"}, true},
		{"no name", Job{Schedule: "@hourly", Text: "x"}, false},
		{"no text", Job{Name: "a", Schedule: "@hourly"}, false},
		{"bad schedule", Job{Name: "a", Schedule: "every day", Text: "x"}, false},
		{"seconds field", Job{Name: "a", Schedule: "0 0 7 * * *", Text: "x"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.job.validate()
			if (err == nil) != tc.ok {
				t.Errorf("validate() = %v, want ok=%v", err, tc.ok)
			}
		})
	}
}

func TestStartSkipsInvalidStaticJobs(t *testing.T) {
	s := New(&fakeRunner{}, "", zerolog.Nop())
	defer s.Stop()
	if err := s.Start([]Job{paris, {Name: "broken", Schedule: "nope", Text: "x"}}); err != nil {
		t.Fatal(err)
	}
	jobs := s.ListJobs()
	if len(jobs) != 1 || jobs[0].Name != paris.Name || jobs[0].Source != SourceConfig {
		t.Errorf("jobs = %+v", jobs)
	}
}

func TestRunNowUsesScheduleSession(t *testing.T) {
	r := &fakeRunner{}
	s := New(r, "", zerolog.Nop())
	defer s.Stop()
	_ = s.Start([]Job{paris})

	if err := s.RunNow(paris.Name); err != nil {
		t.Fatal(err)
	}
	if r.count() != 1 {
		t.Fatalf("runs = %d", r.count())
	}
	if got := r.turns[0]; got.SessionID != "schedule:paris-morning" || got.Text != "weather in Paris" {
		t.Errorf("turn = %+v", got)
	}
	if err := s.RunNow("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	r := &fakeRunner{block: make(chan struct{}), start: make(chan struct{}, 2)}
	s := New(r, "", zerolog.Nop())
	_ = s.Start([]Job{paris})

	done := make(chan struct{})
	go func() {
		_ = s.RunNow(paris.Name)
		close(done)
	}()
	<-r.start

	// The first run is still blocked; this one must return without running.
	if err := s.RunNow(paris.Name); err != nil {
		t.Fatal(err)
	}
	if r.count() != 1 {
		t.Errorf("runs = %d, want 1", r.count())
	}
	close(r.block)
	<-done

	_ = s.RunNow(paris.Name)
	if r.count() != 2 {
		t.Errorf("runs after release = %d, want 2", r.count())
	}
	s.Stop()
}

func TestStopCancelsRunningTurn(t *testing.T) {
	r := &fakeRunner{block: make(chan struct{}), start: make(chan struct{}, 1)}
	s := New(r, "", zerolog.Nop())
	_ = s.Start([]Job{paris})
	go func() { _ = s.RunNow(paris.Name) }()
	<-r.start

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestDynamicJobsPersist(t *testing.T) {
	dir := t.TempDir()
	s := New(&fakeRunner{}, dir, zerolog.Nop())
	_ = s.Start(nil)
	if err := s.AddJob(Job{Name: "berlin", Schedule: "@every 30m", Text: "weather in Berlin"}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddJob(Job{Name: "berlin", Schedule: "@every 30m", Text: "again"}); err == nil {
		t.Error("duplicate job accepted")
	}
	if err := s.PauseJob("berlin"); err != nil {
		t.Fatal(err)
	}
	s.Stop()

	data, err := os.ReadFile(filepath.Join(dir, "scheduler", "jobs.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "weather in Berlin") {
		t.Errorf("persisted = %s", data)
	}

	s2 := New(&fakeRunner{}, dir, zerolog.Nop())
	defer s2.Stop()
	_ = s2.Start(nil)
	j, ok := s2.GetJob("berlin")
	if !ok || !j.Paused || j.Source != SourceDynamic {
		t.Fatalf("reloaded = %+v, %v", j, ok)
	}
	if err := s2.ResumeJob("berlin"); err != nil {
		t.Fatal(err)
	}
	if err := s2.ResumeJob("berlin"); err == nil {
		t.Error("resuming a running job should fail")
	}
}

func TestConfigJobsAreProtected(t *testing.T) {
	s := New(&fakeRunner{}, "", zerolog.Nop())
	defer s.Stop()
	_ = s.Start([]Job{paris})
	if err := s.RemoveJob(paris.Name); !errors.Is(err, ErrConfigProtected) {
		t.Errorf("err = %v", err)
	}
	if err := s.RemoveJob("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestHandler(t *testing.T) {
	r := &fakeRunner{}
	s := New(r, "", zerolog.Nop())
	defer s.Stop()
	_ = s.Start([]Job{paris})
	srv := httptest.NewServer(Handler(s))
	defer srv.Close()

	do := func(method, path, body string) int {
		t.Helper()
		req, _ := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatal(err)
		}
		_ = resp.Body.Close()
		return resp.StatusCode
	}

	if got := do(http.MethodPost, "/v1/schedules", `{"name":"rome","schedule":"@daily","text":"weather in Rome"}`); got != http.StatusCreated {
		t.Errorf("create = %d", got)
	}
	if got := do(http.MethodPost, "/v1/schedules", `{"name":"rome"`); got != http.StatusBadRequest {
		t.Errorf("bad body = %d", got)
	}
	if got := do(http.MethodGet, "/v1/schedules", ""); got != http.StatusOK {
		t.Errorf("list = %d", got)
	}
	if got := do(http.MethodPost, "/v1/schedules/rome/run", ""); got != http.StatusOK || r.count() != 1 {
		t.Errorf("run = %d, runs = %d", got, r.count())
	}
	if got := do(http.MethodPost, "/v1/schedules/rome/pause", ""); got != http.StatusOK {
		t.Errorf("pause = %d", got)
	}
	if got := do(http.MethodDelete, "/v1/schedules/"+paris.Name, ""); got != http.StatusForbidden {
		t.Errorf("delete config job = %d", got)
	}
	if got := do(http.MethodDelete, "/v1/schedules/rome", ""); got != http.StatusNoContent {
		t.Errorf("delete = %d", got)
	}
	if got := do(http.MethodPost, "/v1/schedules/rome/resume", ""); got != http.StatusNotFound {
		t.Errorf("resume deleted = %d", got)
	}
}
