package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jawaracloud/admission-queue/pkg/models"
)

// Client talks to the waiting room API the way the browser does.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) Join(ctx context.Context, id string) (*models.JoinResult, error) {
	var out models.JoinResult
	return &out, c.post(ctx, "/api/queue/join", models.QueueRequest{ID: id}, &out)
}

func (c *Client) Status(ctx context.Context, id string) (*models.QueueStatus, error) {
	var out models.QueueStatus
	return &out, c.post(ctx, "/api/queue/status", models.QueueRequest{ID: id}, &out)
}

func (c *Client) Complete(ctx context.Context, id string) (*models.CompleteResult, error) {
	var out models.CompleteResult
	return &out, c.post(ctx, "/api/queue/complete", models.QueueRequest{ID: id}, &out)
}

func (c *Client) Leave(ctx context.Context, id string) (*models.LeaveResult, error) {
	var out models.LeaveResult
	return &out, c.post(ctx, "/api/queue/leave", models.QueueRequest{ID: id}, &out)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e models.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, e.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
