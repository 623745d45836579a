// Package workload talks to the QC Workload Tracker backend, a small Apps
// Script web app that records reviewed releases per agent.
package workload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/aluiziolira/qc-copilot/models"
)

// ErrNotConfigured is returned when no backend URL is set.
var ErrNotConfigured = errors.New("workload: backend url not configured")

// StatusError is a non-2xx answer or an error envelope from the backend.
type StatusError struct {
	Status  int
	Message string
}

func (e StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("workload backend %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("workload backend status %d", e.Status)
}

// Temporary reports whether retrying later could help.
func (e StatusError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

// Entry is one reviewed release.
type Entry struct {
	ReleaseID  string    `json:"releaseId"`
	Tenant     string    `json:"tenant"`
	Decision   string    `json:"decision"`
	ReviewedAt time.Time `json:"reviewedAt"`
}

// Client is a rate-limited backend client.
type Client struct {
	HTTPClient *http.Client
	Limiter    *rate.Limiter
	BaseURL    string
}

// NewClient builds a client allowing one request per interval.
func NewClient(baseURL string, interval time.Duration) *Client {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Client{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Limiter:    rate.NewLimiter(limit, 1),
		BaseURL:    baseURL,
	}
}

// Submit records entries for agent and returns how many the backend stored.
func (c *Client) Submit(ctx context.Context, agent string, entries []Entry) (int, error) {
	if agent == "" {
		return 0, errors.New("workload: agent is required")
	}
	if len(entries) == 0 {
		return 0, nil
	}
	payload, err := json.Marshal(map[string]any{
		"action":  "submit",
		"agent":   agent,
		"entries": entries,
	})
	if err != nil {
		return 0, fmt.Errorf("encode entries: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, nil, payload)
	if err != nil {
		return 0, err
	}
	stored := gjson.GetBytes(body, "data.stored")
	if !stored.Exists() {
		return len(entries), nil
	}
	return int(stored.Int()), nil
}

// Progress returns assignment progress per tenant.
func (c *Client) Progress(ctx context.Context) ([]models.TenantProgress, error) {
	body, err := c.do(ctx, http.MethodGet, url.Values{"action": {"progress"}}, nil)
	if err != nil {
		return nil, err
	}

	var out []models.TenantProgress
	gjson.GetBytes(body, "data").ForEach(func(_, row gjson.Result) bool {
		tenant := row.Get("tenant").String()
		if tenant == "" {
			return true
		}
		out = append(out, models.TenantProgress{
			Tenant:    tenant,
			Assigned:  int(row.Get("assigned").Int()),
			Completed: int(row.Get("completed").Int()),
		})
		return true
	})
	return out, nil
}

func (c *Client) do(ctx context.Context, method string, query url.Values, payload []byte) ([]byte, error) {
	if c.BaseURL == "" {
		return nil, ErrNotConfigured
	}
	if err := c.Limiter.Wait(ctx); err != nil {
		return nil, err
	}

	target := c.BaseURL
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		// Apps Script only skips the CORS preflight for text/plain bodies.
		req.Header.Set("Content-Type", "text/plain;charset=utf-8")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("workload request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read workload response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, StatusError{Status: resp.StatusCode, Message: gjson.GetBytes(body, "message").String()}
	}
	if !gjson.ValidBytes(body) {
		return nil, StatusError{Status: resp.StatusCode, Message: "invalid json response"}
	}
	if status := gjson.GetBytes(body, "status").String(); status != "" && status != "ok" {
		return nil, StatusError{Status: resp.StatusCode, Message: gjson.GetBytes(body, "message").String()}
	}
	return body, nil
}
