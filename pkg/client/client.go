// Package client is a Go client for the orchestrator REST API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/MycosoftLabs/mas-runtime/pkg/types"
)

// Client talks to the orchestrator REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithBaseURL sets the orchestrator base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = url
	}
}

// New creates a client. The default base URL matches the orchestrator
// container on the agent network.
func New(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    "http://orchestrator:8001",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response from the orchestrator.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("orchestrator returned %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope types.Response
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("invalid response body: %w", err)
	}

	if resp.StatusCode >= 400 || !envelope.Success {
		return &APIError{StatusCode: resp.StatusCode, Message: envelope.Message}
	}
	if out != nil && envelope.Data != nil {
		// Data arrives as generic JSON; round-trip it into the typed
		// destination.
		encoded, err := json.Marshal(envelope.Data)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(encoded, out); err != nil {
			return fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return nil
}

// Health checks the orchestrator's liveness.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Status returns the orchestrator status summary.
func (c *Client) Status(ctx context.Context) (types.Payload, error) {
	var status types.Payload
	if err := c.do(ctx, http.MethodGet, "/status", nil, &status); err != nil {
		return nil, err
	}
	return status, nil
}

// ListAgents returns all agent states.
func (c *Client) ListAgents(ctx context.Context) ([]*types.AgentState, error) {
	var agents []*types.AgentState
	if err := c.do(ctx, http.MethodGet, "/agents", nil, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// GetAgent returns one agent's state.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*types.AgentState, error) {
	var state types.AgentState
	if err := c.do(ctx, http.MethodGet, "/agents/"+url.PathEscape(agentID), nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// SpawnAgent starts an agent from config.
func (c *Client) SpawnAgent(ctx context.Context, config *types.AgentConfig) (*types.AgentState, error) {
	var state types.AgentState
	if err := c.do(ctx, http.MethodPost, "/agents/spawn", config, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// RegisterAgent records an externally managed agent.
func (c *Client) RegisterAgent(ctx context.Context, config *types.AgentConfig) (*types.AgentState, error) {
	var state types.AgentState
	if err := c.do(ctx, http.MethodPost, "/agents/register", config, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// StopAgent stops an agent, optionally force-killing its container.
func (c *Client) StopAgent(ctx context.Context, agentID string, force bool) error {
	path := "/agents/" + url.PathEscape(agentID) + "/stop"
	if force {
		path += "?force=true"
	}
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// RestartAgent restarts an agent from its recorded config.
func (c *Client) RestartAgent(ctx context.Context, agentID string) (*types.AgentState, error) {
	var state types.AgentState
	if err := c.do(ctx, http.MethodPost, "/agents/"+url.PathEscape(agentID)+"/restart", nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// DeregisterAgent removes an agent's record.
func (c *Client) DeregisterAgent(ctx context.Context, agentID string) error {
	return c.do(ctx, http.MethodPost, "/agents/"+url.PathEscape(agentID)+"/deregister", nil, nil)
}

// SubmitTask routes a task to an agent and returns the task id.
func (c *Client) SubmitTask(ctx context.Context, agentID, taskType string, payload types.Payload, priority types.TaskPriority) (string, error) {
	req := map[string]interface{}{
		"agent_id":  agentID,
		"task_type": taskType,
		"payload":   payload,
	}
	if priority != 0 {
		req["priority"] = priority
	}

	var result struct {
		TaskID string `json:"task_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/tasks", req, &result); err != nil {
		return "", err
	}
	return result.TaskID, nil
}

// TaskStatus returns a submitted task's record.
func (c *Client) TaskStatus(ctx context.Context, taskID string) (*types.AgentTask, error) {
	var task types.AgentTask
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// SendMessage routes a message between agents and returns its id.
func (c *Client) SendMessage(ctx context.Context, from, to string, mt types.MessageType, payload types.Payload) (string, error) {
	req := map[string]interface{}{
		"from_agent": from,
		"to_agent":   to,
		"type":       mt,
		"payload":    payload,
	}
	var result struct {
		MessageID string `json:"message_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/messages", req, &result); err != nil {
		return "", err
	}
	return result.MessageID, nil
}

// Gaps runs a coverage scan and returns the report.
func (c *Client) Gaps(ctx context.Context) (types.Payload, error) {
	var report types.Payload
	if err := c.do(ctx, http.MethodGet, "/gaps", nil, &report); err != nil {
		return nil, err
	}
	return report, nil
}

// FillGaps fills auto-creatable coverage gaps and returns the spawned
// agent ids.
func (c *Client) FillGaps(ctx context.Context) ([]string, error) {
	var result struct {
		Created []string `json:"created"`
	}
	if err := c.do(ctx, http.MethodPost, "/gaps/fill", nil, &result); err != nil {
		return nil, err
	}
	return result.Created, nil
}
