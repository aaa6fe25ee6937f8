package agent

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

	"mesh-maas/pkg/model"
)

const apiPrefix = "/api/v1/maas"

// StatusError is returned when the controller answers with a non-2xx code.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("controller returned %d: %s", e.Code, e.Body)
}

// Client talks to the controller's agent-facing playbook routes.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient uses a 30s timeout client when hc is nil.
func NewClient(base, token string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: strings.TrimRight(base, "/"), token: token, http: hc}
}

// Poll fetches the playbooks queued for nodeID in meshID.
func (c *Client) Poll(ctx context.Context, meshID, nodeID string) ([]model.DeliverablePlaybook, error) {
	var resp struct {
		Playbooks []model.DeliverablePlaybook `json:"playbooks"`
	}
	path := fmt.Sprintf("%s/playbooks/poll/%s/%s", apiPrefix, url.PathEscape(meshID), url.PathEscape(nodeID))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Playbooks, nil
}

// Ack reports the execution outcome of a playbook.
func (c *Client) Ack(ctx context.Context, playbookID, nodeID, status string) error {
	path := fmt.Sprintf("%s/playbooks/ack/%s/%s?status=%s", apiPrefix,
		url.PathEscape(playbookID), url.PathEscape(nodeID), url.QueryEscape(status))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("X-Auth-Token", c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
