package scheduler

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Handler exposes job management over HTTP:
//
//	GET    /v1/schedules
//	POST   /v1/schedules              {name, schedule, text}
//	DELETE /v1/schedules/{name}
//	POST   /v1/schedules/{name}/pause
//	POST   /v1/schedules/{name}/resume
//	POST   /v1/schedules/{name}/run
func Handler(s *Scheduler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/schedules", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.ListJobs())
	})
	mux.HandleFunc("POST /v1/schedules", func(w http.ResponseWriter, r *http.Request) {
		var j Job
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&j); err != nil {
			writeError(w, http.StatusBadRequest, "invalid job JSON: "+err.Error())
			return
		}
		j.Paused = false
		if err := s.AddJob(j); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		created, _ := s.GetJob(j.Name)
		writeJSON(w, http.StatusCreated, created)
	})
	mux.HandleFunc("DELETE /v1/schedules/{name}", func(w http.ResponseWriter, r *http.Request) {
		if err := s.RemoveJob(r.PathValue("name")); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /v1/schedules/{name}/pause", func(w http.ResponseWriter, r *http.Request) {
		act(w, r, s, s.PauseJob)
	})
	mux.HandleFunc("POST /v1/schedules/{name}/resume", func(w http.ResponseWriter, r *http.Request) {
		act(w, r, s, s.ResumeJob)
	})
	mux.HandleFunc("POST /v1/schedules/{name}/run", func(w http.ResponseWriter, r *http.Request) {
		act(w, r, s, s.RunNow)
	})
	return mux
}

func act(w http.ResponseWriter, r *http.Request, s *Scheduler, fn func(string) error) {
	name := r.PathValue("name")
	if err := fn(name); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	j, _ := s.GetJob(name)
	writeJSON(w, http.StatusOK, j)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConfigProtected):
		return http.StatusForbidden
	default:
		return http.StatusConflict
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
