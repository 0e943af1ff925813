package serve

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	vigil "github.com/MooreSA/vigil"
	"github.com/MooreSA/vigil/store"
)

// threadResponse is a thread plus its ordered messages.
type threadResponse struct {
	Thread   *store.Thread   `json:"thread"`
	Messages []store.Message `json:"messages"`
}

// jobResponse is a job plus its run history, most recent first.
type jobResponse struct {
	Job  *store.Job     `json:"job"`
	Runs []store.JobRun `json:"runs"`
}

// skillResponse describes one registered skill.
type skillResponse struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	ConfigSchema map[string]any `json:"config_schema,omitempty"`
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := s.threads.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, threads)
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	thread, err := s.threads.Find(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	msgs, err := s.threads.Messages(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, threadResponse{Thread: thread, Messages: msgs})
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.threads.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	entries, err := s.memory.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleUpdateMemory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, vigil.Validationf("invalid request body: %v", err))
		return
	}
	entry, err := s.memory.Update(r.Context(), id, body.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.memory.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var params JobParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, vigil.Validationf("invalid request body: %v", err))
		return
	}
	job, err := s.jobs.Create(r.Context(), &params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	runs, err := s.jobs.Runs(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{Job: job, Runs: runs})
}

func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var params JobParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, vigil.Validationf("invalid request body: %v", err))
		return
	}
	job, err := s.jobs.Update(r.Context(), id, &params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.jobs.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSkills(w http.ResponseWriter, r *http.Request) {
	skills := s.skills.List()
	out := make([]skillResponse, 0, len(skills))
	for _, sk := range skills {
		out = append(out, skillResponse{
			Name:         sk.Name(),
			Description:  sk.Description(),
			ConfigSchema: sk.ConfigSchema(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DB().PingContext(r.Context()); err != nil {
		writeError(w, vigil.Storagef(err, "database ping"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// pathID reads the {id} path segment.
func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, vigil.Validationf("invalid id %q", r.PathValue("id"))
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response failed", "error", err)
	}
}

// writeError maps error kinds onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch vigil.KindOf(err) {
	case vigil.KindValidation:
		status = http.StatusBadRequest
	case vigil.KindNotFound:
		status = http.StatusNotFound
	case vigil.KindUpstream:
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeConflict reports an in-flight stream collision.
func writeConflict(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusConflict, map[string]string{"error": msg})
}
