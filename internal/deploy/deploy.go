// Package deploy talks to the deployment orchestrator. Bouncer only
// forwards approved deploy requests; the orchestrator owns the rollout.
package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Deployment is the orchestrator's acceptance response.
type Deployment struct {
	DeployID      string `json:"deploy_id"`
	CommitSHA     string `json:"commit_sha"`
	CommitShort   string `json:"commit_short"`
	CommitMessage string `json:"commit_message"`
}

// ConflictError reports a rollout already in flight for the project.
type ConflictError struct {
	RunningDeployID    string `json:"running_deploy_id"`
	StartedAt          string `json:"started_at"`
	EstimatedRemaining string `json:"estimated_remaining"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("deploy %s already running since %s (%s remaining)",
		e.RunningDeployID, e.StartedAt, e.EstimatedRemaining)
}

// Client triggers deployments over HTTP.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
}

// New returns a client for the orchestrator endpoint.
func New(endpoint, token string) *Client {
	return &Client{
		endpoint: endpoint,
		token:    token,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

type triggerRequest struct {
	ProjectID string `json:"project_id"`
	Branch    string `json:"branch,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Preview asks the orchestrator what a rollout would ship without starting
// it. A rollout already in flight comes back as *ConflictError.
func (c *Client) Preview(ctx context.Context, projectID, branch string) (*Deployment, error) {
	url := c.endpoint + "/preview?project_id=" + projectID
	if branch != "" {
		url += "&branch=" + branch
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("preview deploy: %w", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read preview response: %w", err)
	}
	return decodeResponse(resp.StatusCode, payload)
}

// Trigger starts a rollout. A 409 comes back as *ConflictError.
func (c *Client) Trigger(ctx context.Context, projectID, branch, reason string) (*Deployment, error) {
	body, err := json.Marshal(triggerRequest{ProjectID: projectID, Branch: branch, Reason: reason})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("trigger deploy: %w", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read deploy response: %w", err)
	}
	return decodeResponse(resp.StatusCode, payload)
}

func decodeResponse(status int, payload []byte) (*Deployment, error) {
	switch status {
	case http.StatusOK, http.StatusAccepted, http.StatusCreated:
		var d Deployment
		if err := json.Unmarshal(payload, &d); err != nil {
			return nil, fmt.Errorf("decode deploy response: %w", err)
		}
		return &d, nil
	case http.StatusConflict:
		var conflict ConflictError
		if err := json.Unmarshal(payload, &conflict); err != nil {
			return nil, errors.New("deploy conflict with unreadable detail")
		}
		return nil, &conflict
	default:
		return nil, fmt.Errorf("deploy endpoint returned %d: %s", status, payload)
	}
}
