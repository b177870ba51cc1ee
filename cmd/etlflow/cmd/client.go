// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"etlflow/internal/api"
	"etlflow/internal/scheduler"
	"etlflow/pkg/types"
)

// Client calls the etlflow HTTP API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a new client for the API at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// ListDAGs sends GET /api/dags.
func (c *Client) ListDAGs(ctx context.Context) ([]api.DAGView, error) {
	var out []api.DAGView
	err := c.do(ctx, http.MethodGet, "/api/dags", nil, &out)
	return out, err
}

// Trigger sends POST /api/dags/{dag}/runs.
func (c *Client) Trigger(ctx context.Context, dagName string, body api.TriggerBody) (*scheduler.TriggerResult, error) {
	var out scheduler.TriggerResult
	if err := c.do(ctx, http.MethodPost, "/api/dags/"+url.PathEscape(dagName)+"/runs", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRuns sends GET /api/dags/{dag}/runs.
func (c *Client) ListRuns(ctx context.Context, dagName string, limit int) ([]api.RunView, error) {
	var out []api.RunView
	path := fmt.Sprintf("/api/dags/%s/runs?limit=%d", url.PathEscape(dagName), limit)
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// GetRun sends GET /api/runs/{id}.
func (c *Client) GetRun(ctx context.Context, runID string) (*api.RunView, error) {
	out := api.RunView{Run: &types.Run{}}
	if err := c.do(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(runID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Abort sends POST /api/runs/{id}/abort.
func (c *Client) Abort(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodPost, "/api/runs/"+url.PathEscape(runID)+"/abort", nil, nil)
}

// History sends GET /api/runs/{id}/history.
func (c *Client) History(ctx context.Context, runID string) ([]types.Transition, error) {
	var out []types.Transition
	err := c.do(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(runID)+"/history", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Add("Accept", "application/json")
	if body != nil {
		req.Header.Add("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e api.ErrorResponse
		if json.Unmarshal(respBody, &e) == nil && e.Error != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
