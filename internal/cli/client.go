package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rocketship-ai/qatrack/internal/controlplane"
	"github.com/rocketship-ai/qatrack/internal/environment"
)

const defaultServer = "http://localhost:8080"

// APIClient talks to the controlplane HTTP API.
type APIClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewAPIClient builds a client for server. Empty arguments fall back to
// QATRACK_SERVER and QATRACK_TOKEN.
func NewAPIClient(server, token string) (*APIClient, error) {
	if server == "" {
		server = os.Getenv("QATRACK_SERVER")
	}
	if server == "" {
		server = defaultServer
	}
	if token == "" {
		token = os.Getenv("QATRACK_TOKEN")
	}

	parsed, err := url.Parse(server)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid server address %q", server)
	}

	Logger.Debug("using controlplane", "server", server)
	return &APIClient{
		baseURL: strings.TrimRight(server, "/"),
		token:   strings.TrimSpace(token),
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// apiError is a non-2xx response from the controlplane
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("controlplane returned %d: %s", e.Status, e.Message)
}

func (c *APIClient) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// do sends the request and returns the raw response body
func (c *APIClient) do(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(raw, &payload)
		if payload.Error == "" {
			payload.Error = strings.TrimSpace(string(raw))
		}
		return nil, &apiError{Status: resp.StatusCode, Message: payload.Error}
	}
	return raw, nil
}

func (c *APIClient) doJSON(ctx context.Context, method, path string, body, out interface{}) ([]byte, error) {
	raw, err := c.do(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return raw, nil
}

func (c *APIClient) GetEnvironment(ctx context.Context, id string) (*environment.Environment, []byte, error) {
	var env environment.Environment
	raw, err := c.doJSON(ctx, http.MethodGet, "/api/environments/"+url.PathEscape(id), nil, &env)
	if err != nil {
		return nil, nil, err
	}
	return &env, raw, nil
}

func (c *APIClient) GetSummary(ctx context.Context, id string) (controlplane.EnvironmentSummary, error) {
	var summary controlplane.EnvironmentSummary
	_, err := c.doJSON(ctx, http.MethodGet, "/api/environments/"+url.PathEscape(id)+"/summary", nil, &summary)
	return summary, err
}

func (c *APIClient) ListEnvironments(ctx context.Context, storeID string) ([]*environment.Environment, []byte, error) {
	var envs []*environment.Environment
	raw, err := c.doJSON(ctx, http.MethodGet, "/api/environments?store_id="+url.QueryEscape(storeID), nil, &envs)
	if err != nil {
		return nil, nil, err
	}
	return envs, raw, nil
}

func (c *APIClient) CreateEnvironment(ctx context.Context, req controlplane.EnvironmentCreateRequest) (*environment.Environment, error) {
	var env environment.Environment
	if _, err := c.doJSON(ctx, http.MethodPost, "/api/environments", req, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// TransitionResult is the controlplane's answer to a transition request
type TransitionResult struct {
	Changed     bool                     `json:"changed"`
	Environment *environment.Environment `json:"environment"`
}

func (c *APIClient) Transition(ctx context.Context, id string, status environment.Status) (TransitionResult, error) {
	var result TransitionResult
	_, err := c.doJSON(ctx, http.MethodPost, "/api/environments/"+url.PathEscape(id)+"/transition",
		controlplane.TransitionRequest{Status: status}, &result)
	return result, err
}
