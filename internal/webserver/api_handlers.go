package webserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/agentdeck/agentdeck/internal/agent"
	"github.com/agentdeck/agentdeck/internal/journal"
	"github.com/agentdeck/agentdeck/internal/orchestrator"
	"github.com/agentdeck/agentdeck/internal/registry"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

type startSessionRequest struct {
	ProjectID string            `json:"project_id"`
	Agent     string            `json:"agent"`
	WorkDir   string            `json:"work_dir"`
	Command   string            `json:"command,omitempty"`
	Model     string            `json:"model,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

func (srv *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	kind, err := agent.ParseKind(req.Agent)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	workDir := strings.TrimSpace(req.WorkDir)
	if workDir == "" {
		writeError(w, http.StatusBadRequest, "work_dir is required")
		return
	}
	if !srv.workDirAllowed(workDir) {
		writeError(w, http.StatusForbidden, "work_dir outside the projects root")
		return
	}

	s, err := srv.orch.Start(r.Context(), orchestrator.StartSpec{
		ProjectID: req.ProjectID,
		Agent:     kind,
		WorkDir:   workDir,
		Command:   req.Command,
		Model:     req.Model,
		Args:      req.Args,
		Env:       req.Env,
	})
	if err != nil {
		if errors.Is(err, registry.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, s.Record())
}

func (srv *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	recs, err := srv.orch.Store().ListSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Overlay live state: the in-memory status is ahead of the persisted
	// row for a brief window around transitions.
	for i := range recs {
		if s, ok := srv.orch.Get(recs[i].ID); ok {
			recs[i] = s.Record()
		}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (srv *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s, ok := srv.orch.Get(id); ok {
		writeJSON(w, http.StatusOK, s.Record())
		return
	}
	rec, err := srv.orch.Store().GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, journal.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (srv *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := srv.orch.Delete(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, registry.ErrInUse):
			writeError(w, http.StatusConflict, "session still running or has subscribers")
		case errors.Is(err, journal.ErrNotFound):
			writeError(w, http.StatusNotFound, "session not found")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) handleReadEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	after := parseUintQuery(r, "after", 0)
	limit := int(parseUintQuery(r, "limit", 500))

	if _, err := srv.orch.Store().GetSession(r.Context(), id); err != nil {
		if errors.Is(err, journal.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	evs, err := srv.orch.Store().ReadRange(r.Context(), id, after, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, evs)
}

type inputRequest struct {
	Data string `json:"data"`
}

func (srv *Server) handleSendInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := srv.orch.SendInput(r.PathValue("id"), []byte(req.Data)); err != nil {
		if errors.Is(err, orchestrator.ErrNotRunning) {
			writeError(w, http.StatusConflict, "session is not running")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	if err := srv.orch.Stop(r.PathValue("id")); err != nil {
		if errors.Is(err, orchestrator.ErrNotRunning) {
			writeError(w, http.StatusConflict, "session is not running")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) workDirAllowed(dir string) bool {
	if srv.projectsRoot == "" {
		return true
	}
	rel, err := filepath.Rel(srv.projectsRoot, dir)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

func parseUintQuery(r *http.Request, key string, def uint64) uint64 {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return def
	}
	return v
}
