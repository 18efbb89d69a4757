package controlplane

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rocketship-ai/qatrack/internal/environment"
	"github.com/rocketship-ai/qatrack/internal/realtime"
)

// SSE event names
const (
	eventLoading  = "loading"
	eventSnapshot = "snapshot"
	eventNotFound = "not_found"
	eventError    = "error"
)

// handleStoreRoutes handles /api/stores/{storeId}/watch
func (s *Server) handleStoreRoutes(w http.ResponseWriter, r *http.Request, _ principal) {
	segments := pathSegments(r.URL.Path, "/api/stores/")
	if len(segments) != 2 || segments[1] != "watch" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	storeID := segments[0]
	stream(s, w, r, func(obs realtime.Observer[[]*environment.Environment]) func() {
		return s.storeHub.Attach(storeID, obs)
	}, func(envs []*environment.Environment) interface{} {
		return nonNilList(envs)
	})
}

// handleWatchEnvironment handles GET /api/environments/{id}/watch
func (s *Server) handleWatchEnvironment(w http.ResponseWriter, r *http.Request, envID string) {
	stream(s, w, r, func(obs realtime.Observer[*environment.Environment]) func() {
		return s.envHub.Attach(envID, obs)
	}, func(env *environment.Environment) interface{} {
		return env
	})
}

// stream attaches one observer for the lifetime of the request and writes
// each state it receives as a server-sent event. Slow clients only see the
// latest state.
func stream[T any](s *Server, w http.ResponseWriter, r *http.Request, attach func(realtime.Observer[T]) func(), payload func(T) interface{}) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	updates := make(chan realtime.State[T], 1)
	detach := attach(func(state realtime.State[T]) {
		offer(updates, state)
	})
	defer detach()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := s.cfg.WatchHeartbeat
	if heartbeat <= 0 {
		heartbeat = 25 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case state := <-updates:
			event, data := encodeState(state, payload)
			if err := writeEvent(w, event, data); err != nil {
				s.logger.Debug("watch client went away", "path", r.URL.Path, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func encodeState[T any](state realtime.State[T], payload func(T) interface{}) (string, interface{}) {
	switch {
	case state.Loading:
		return eventLoading, map[string]bool{"loading": true}
	case errors.Is(state.Err, realtime.ErrNotFound):
		return eventNotFound, map[string]string{"error": state.Err.Error()}
	case state.Err != nil:
		return eventError, map[string]string{"error": state.Err.Error()}
	default:
		return eventSnapshot, payload(state.Value)
	}
}

func writeEvent(w http.ResponseWriter, event string, data interface{}) error {
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, body)
	return err
}

// offer replaces any pending value in ch with v. ch must have capacity 1
// and a single sender.
func offer[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
