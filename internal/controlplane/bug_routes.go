package controlplane

import (
	"errors"
	"net/http"
	"strings"

	"github.com/rocketship-ai/qatrack/internal/controlplane/persistence"
	"github.com/rocketship-ai/qatrack/internal/environment"
)

// BugCreateRequest is the request body for reporting a bug
type BugCreateRequest struct {
	ScenarioID  *string `json:"scenarioId,omitempty"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Severity    string  `json:"severity,omitempty"`
	Priority    string  `json:"priority,omitempty"`
	Steps       string  `json:"steps,omitempty"`
	Expected    string  `json:"expected,omitempty"`
	Actual      string  `json:"actual,omitempty"`
}

// BugStatusRequest is the request body for moving a bug through triage
type BugStatusRequest struct {
	Status environment.BugStatus `json:"status"`
}

// handleBugRoutes handles /api/environments/{id}/bugs[/{bugId}]
func (s *Server) handleBugRoutes(w http.ResponseWriter, r *http.Request, p principal, envID string, rest []string) {
	switch len(rest) {
	case 0:
		switch r.Method {
		case http.MethodGet:
			s.handleListBugs(w, r, envID)
		case http.MethodPost:
			s.handleCreateBug(w, r, p, envID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case 1:
		switch r.Method {
		case http.MethodPatch:
			s.handleUpdateBugStatus(w, r, envID, rest[0])
		case http.MethodDelete:
			s.handleDeleteBug(w, r, envID, rest[0])
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleListBugs(w http.ResponseWriter, r *http.Request, envID string) {
	bugs, err := s.store.ListBugs(r.Context(), envID)
	if err != nil {
		s.writeBugError(w, err, "list bugs")
		return
	}
	if bugs == nil {
		bugs = []environment.Bug{}
	}
	writeJSON(w, http.StatusOK, bugs)
}

func (s *Server) handleCreateBug(w http.ResponseWriter, r *http.Request, p principal, envID string) {
	var req BugCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	bug, err := s.store.CreateBug(r.Context(), persistence.NewBugInput{
		EnvironmentID: envID,
		ScenarioID:    req.ScenarioID,
		Title:         req.Title,
		Description:   req.Description,
		Severity:      req.Severity,
		Priority:      req.Priority,
		Steps:         req.Steps,
		Expected:      req.Expected,
		Actual:        req.Actual,
		ReportedBy:    p.UserID,
	})
	if err != nil {
		s.writeBugError(w, err, "create bug")
		return
	}
	writeJSON(w, http.StatusCreated, bug)
}

func (s *Server) handleUpdateBugStatus(w http.ResponseWriter, r *http.Request, envID, bugID string) {
	var req BugStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.Status.Valid() {
		writeError(w, http.StatusBadRequest, "status must be open, in_progress or resolved")
		return
	}

	bug, err := s.store.UpdateBugStatus(r.Context(), envID, bugID, req.Status)
	if err != nil {
		s.writeBugError(w, err, "update bug")
		return
	}
	writeJSON(w, http.StatusOK, bug)
}

func (s *Server) handleDeleteBug(w http.ResponseWriter, r *http.Request, envID, bugID string) {
	if err := s.store.DeleteBug(r.Context(), envID, bugID); err != nil {
		s.writeBugError(w, err, "delete bug")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeBugError(w http.ResponseWriter, err error, action string) {
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.logger.Error("failed to "+action, "error", err)
	writeError(w, http.StatusInternalServerError, "failed to "+action)
}
