package controlplane

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rocketship-ai/qatrack/internal/controlplane/persistence"
	"github.com/rocketship-ai/qatrack/internal/environment"
	"github.com/rocketship-ai/qatrack/internal/realtime"
)

// EnvironmentCreateRequest is the request body for creating an environment
type EnvironmentCreateRequest struct {
	Identifier      string                          `json:"identifier"`
	StoreID         string                          `json:"storeId"`
	SuiteID         string                          `json:"suiteId,omitempty"`
	SuiteName       string                          `json:"suiteName,omitempty"`
	URLs            []string                        `json:"urls,omitempty"`
	JiraTask        string                          `json:"jiraTask,omitempty"`
	EnvironmentType string                          `json:"environmentType,omitempty"`
	TestType        string                          `json:"testType,omitempty"`
	Moment          string                          `json:"moment,omitempty"`
	Release         string                          `json:"release,omitempty"`
	Scenarios       map[string]environment.Scenario `json:"scenarios,omitempty"`
	TotalScenarios  int                             `json:"totalScenarios,omitempty"`
}

// TransitionRequest is the request body for a status transition
type TransitionRequest struct {
	Status environment.Status `json:"status"`
}

// ScenarioUpdateRequest is the request body for a scoped scenario update.
// Status applies to Platform, or to the default status when Platform is
// empty.
type ScenarioUpdateRequest struct {
	Platform       environment.Platform       `json:"platform,omitempty"`
	Status         environment.ScenarioStatus `json:"status,omitempty"`
	Observation    *string                    `json:"observation,omitempty"`
	AutomationNote *string                    `json:"automationNote,omitempty"`
	EvidenceLink   *string                    `json:"evidenceLink,omitempty"`
}

// EnvironmentSummary is the progress view of one environment
type EnvironmentSummary struct {
	ID                string             `json:"id"`
	Status            environment.Status `json:"status"`
	ElapsedMs         int64              `json:"elapsedMs"`
	Elapsed           string             `json:"elapsed"`
	Stats             environment.Stats  `json:"stats"`
	TotalInteractions int                `json:"totalInteractions"`
	CanConclude       bool               `json:"canConclude"`
	BugsCount         int                `json:"bugsCount"`
}

// handleEnvironmentsCollection handles /api/environments
func (s *Server) handleEnvironmentsCollection(w http.ResponseWriter, r *http.Request, p principal) {
	switch r.Method {
	case http.MethodGet:
		s.handleListEnvironments(w, r)
	case http.MethodPost:
		s.handleCreateEnvironment(w, r, p)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleEnvironmentRoutes handles all /api/environments/{id}/... routes
func (s *Server) handleEnvironmentRoutes(w http.ResponseWriter, r *http.Request, p principal) {
	segments := pathSegments(r.URL.Path, "/api/environments/")
	if len(segments) == 0 {
		s.handleEnvironmentsCollection(w, r, p)
		return
	}
	envID := segments[0]

	// /api/environments/{id}
	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleGetEnvironment(w, r, envID)
		return
	}

	switch segments[1] {
	case "transition":
		s.requireMethod(w, r, http.MethodPost, func() { s.handleTransition(w, r, p, envID) })
	case "summary":
		s.requireMethod(w, r, http.MethodGet, func() { s.handleSummary(w, r, envID) })
	case "watch":
		s.requireMethod(w, r, http.MethodGet, func() { s.handleWatchEnvironment(w, r, envID) })
	case "presence":
		s.handlePresence(w, r, p, envID)
	case "scenarios":
		if len(segments) != 3 {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		s.requireMethod(w, r, http.MethodPatch, func() { s.handleUpdateScenario(w, r, envID, segments[2]) })
	case "bugs":
		s.handleBugRoutes(w, r, p, envID, segments[2:])
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) requireMethod(w http.ResponseWriter, r *http.Request, method string, next func()) {
	if r.Method != method {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	next()
}

// handleListEnvironments handles GET /api/environments?store_id=
func (s *Server) handleListEnvironments(w http.ResponseWriter, r *http.Request) {
	storeID := strings.TrimSpace(r.URL.Query().Get("store_id"))
	if storeID == "" {
		writeError(w, http.StatusBadRequest, "store_id is required")
		return
	}

	if state, ok := s.storeHub.State(storeID); ok && !state.Loading && state.Err == nil {
		writeJSON(w, http.StatusOK, nonNilList(state.Value))
		return
	}

	envs, err := s.store.ListEnvironmentsByStore(r.Context(), storeID)
	if err != nil {
		s.logger.Error("failed to list environments", "store_id", storeID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list environments")
		return
	}
	writeJSON(w, http.StatusOK, nonNilList(envs))
}

// handleCreateEnvironment handles POST /api/environments
func (s *Server) handleCreateEnvironment(w http.ResponseWriter, r *http.Request, p principal) {
	var req EnvironmentCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Identifier) == "" {
		writeError(w, http.StatusBadRequest, "identifier is required")
		return
	}
	if strings.TrimSpace(req.StoreID) == "" {
		writeError(w, http.StatusBadRequest, "storeId is required")
		return
	}
	if err := validateScenarios(req.Scenarios); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	total := req.TotalScenarios
	if total <= 0 {
		total = len(req.Scenarios)
	}

	created, err := s.store.CreateEnvironment(r.Context(), persistence.NewEnvironmentInput{
		Identifier:      req.Identifier,
		StoreID:         req.StoreID,
		SuiteID:         req.SuiteID,
		SuiteName:       req.SuiteName,
		URLs:            req.URLs,
		JiraTask:        req.JiraTask,
		EnvironmentType: req.EnvironmentType,
		TestType:        req.TestType,
		Moment:          req.Moment,
		Release:         req.Release,
		Scenarios:       req.Scenarios,
		TotalScenarios:  total,
	})
	if err != nil {
		s.logger.Error("failed to create environment", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create environment")
		return
	}

	s.logger.Info("environment created", "environment_id", created.ID, "store_id", created.StoreID, "user_id", p.UserID)
	writeJSON(w, http.StatusCreated, created)
}

func validateScenarios(scenarios map[string]environment.Scenario) error {
	for id, sc := range scenarios {
		if strings.TrimSpace(id) == "" {
			return errors.New("scenario id must not be empty")
		}
		for _, st := range []environment.ScenarioStatus{sc.Status, sc.StatusMobile, sc.StatusDesktop} {
			if st != "" && !st.Valid() {
				return fmt.Errorf("scenario %q: invalid status %q", id, st)
			}
		}
	}
	return nil
}

// handleGetEnvironment handles GET /api/environments/{id}
func (s *Server) handleGetEnvironment(w http.ResponseWriter, r *http.Request, envID string) {
	env, err := s.currentEnvironment(r.Context(), envID)
	if err != nil {
		s.writeStoreError(w, err, "get environment")
		return
	}
	writeJSON(w, http.StatusOK, env)
}

// handleTransition handles POST /api/environments/{id}/transition
func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, p principal, envID string) {
	var req TransitionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// The completion gate runs against the stored row. The hub cache may
	// trail an acknowledged write while the change feed catches up.
	env, err := s.store.GetEnvironment(r.Context(), envID)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		s.writeStoreError(w, err, "load environment")
		return
	}

	patch, err := s.machine.Transition(r.Context(), env, req.Status, p.UserID)
	if err != nil {
		switch {
		case errors.Is(err, environment.ErrInvalidStatus):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, environment.ErrInvalidEnvironment), errors.Is(err, persistence.ErrNotFound):
			writeError(w, http.StatusNotFound, environment.ErrInvalidEnvironment.Error())
		case errors.Is(err, environment.ErrPendingScenarios):
			writeError(w, http.StatusConflict, err.Error())
		default:
			s.logger.Error("failed to persist transition", "environment_id", envID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to update environment")
		}
		return
	}

	updated := env
	if !patch.IsEmpty() {
		updated = patch.Apply(env)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"changed":     !patch.IsEmpty(),
		"environment": updated,
	})
}

// handleSummary handles GET /api/environments/{id}/summary
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request, envID string) {
	env, err := s.currentEnvironment(r.Context(), envID)
	if err != nil {
		s.writeStoreError(w, err, "get environment")
		return
	}
	writeJSON(w, http.StatusOK, summarize(env, s.nowUTC()))
}

func summarize(env *environment.Environment, now time.Time) EnvironmentSummary {
	elapsed := environment.ElapsedMilliseconds(env.TimeTracking, env.Status == environment.StatusInProgress, now)
	stats := environment.AggregateStats(env)
	return EnvironmentSummary{
		ID:                env.ID,
		Status:            env.Status,
		ElapsedMs:         elapsed,
		Elapsed:           environment.FormatDuration(elapsed),
		Stats:             stats,
		TotalInteractions: stats.Combined.Total,
		CanConclude:       !environment.HasAnyIncompleteScenario(env),
		BugsCount:         env.BugsCount,
	}
}

// handleUpdateScenario handles PATCH /api/environments/{id}/scenarios/{scenarioId}
func (s *Server) handleUpdateScenario(w http.ResponseWriter, r *http.Request, envID, scenarioID string) {
	var req ScenarioUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Platform != "" && !req.Platform.Valid() {
		writeError(w, http.StatusBadRequest, "platform must be mobile or desktop")
		return
	}
	if req.Status != "" && !req.Status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid scenario status")
		return
	}
	fields := persistence.ScenarioFields{
		Observation:    req.Observation,
		AutomationNote: req.AutomationNote,
		EvidenceLink:   req.EvidenceLink,
	}
	hasFields := fields.Observation != nil || fields.AutomationNote != nil || fields.EvidenceLink != nil
	if req.Status == "" && !hasFields {
		writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}

	ctx := r.Context()
	if req.Status != "" {
		if err := s.store.UpdateScenarioStatus(ctx, envID, scenarioID, req.Platform, req.Status); err != nil {
			s.writeStoreError(w, err, "update scenario")
			return
		}
	}
	if hasFields {
		if err := s.store.UpdateScenarioFields(ctx, envID, scenarioID, fields); err != nil {
			s.writeStoreError(w, err, "update scenario")
			return
		}
	}

	env, err := s.store.GetEnvironment(ctx, envID)
	if err != nil {
		s.writeStoreError(w, err, "get environment")
		return
	}
	writeJSON(w, http.StatusOK, env.Scenarios[scenarioID])
}

// handlePresence handles POST and DELETE /api/environments/{id}/presence
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request, p principal, envID string) {
	if p.Anonymous() {
		writeError(w, http.StatusUnauthorized, "presence requires an authenticated user")
		return
	}

	var err error
	switch r.Method {
	case http.MethodPost:
		err = s.store.JoinEnvironment(r.Context(), envID, p.UserID)
	case http.MethodDelete:
		err = s.store.LeaveEnvironment(r.Context(), envID, p.UserID)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err != nil {
		s.writeStoreError(w, err, "update presence")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// currentEnvironment prefers the live snapshot held by the environment hub
// and falls back to the store. Read-only views use it; writes read the store.
func (s *Server) currentEnvironment(ctx context.Context, envID string) (*environment.Environment, error) {
	if env, ok := realtime.CachedEnvironment(s.envHub, envID); ok {
		return env, nil
	}
	return s.store.GetEnvironment(ctx, envID)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		writeError(w, http.StatusNotFound, "environment not found")
	case errors.Is(err, persistence.ErrScenarioNotFound):
		writeError(w, http.StatusNotFound, "scenario not found")
	default:
		s.logger.Error("failed to "+action, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to "+action)
	}
}

func nonNilList(envs []*environment.Environment) []*environment.Environment {
	if envs == nil {
		return []*environment.Environment{}
	}
	return envs
}
