package packdesksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a minimal Packdesk HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Machine represents a packing machine.
type Machine struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Condition int    `json:"condition"`
	Note      string `json:"note,omitempty"`
	CreatedAt string `json:"created_at"`
}

// LogEntry is one check-out or check-in record.
type LogEntry struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts"`
	UserID      string `json:"user_id"`
	MachineID   string `json:"machine_id"`
	MachineName string `json:"machine_name"`
	Active      bool   `json:"active"`
	Condition   int    `json:"condition"`
	Battery     int    `json:"battery"`
	Task        string `json:"task"`
	Note        string `json:"note,omitempty"`
}

// Assignment is the caller's current machine hold.
type Assignment struct {
	MachineID   string `json:"machine_id"`
	MachineName string `json:"machine_name"`
	HolderID    string `json:"holder_id"`
	HolderName  string `json:"holder_name,omitempty"`
	Task        string `json:"task"`
	ClaimedAt   string `json:"claimed_at"`
}

// CheckInResult carries the closing entry; Partial means the log entry was
// recorded but the assignment release did not complete.
type CheckInResult struct {
	Entry   LogEntry `json:"entry"`
	Partial bool     `json:"partial"`
}

// MissingResult is the outcome of reporting a machine missing: a replacement
// machine and the updated exclusion set to pass on the next call.
type MissingResult struct {
	Machine Machine  `json:"machine"`
	Exclude []string `json:"exclude"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health checks server liveness.
func (c *Client) Health(ctx context.Context) error {
	var resp map[string]string
	return c.do(ctx, http.MethodGet, "v0/health", nil, &resp)
}

// Assign requests an available machine, skipping excluded names.
func (c *Client) Assign(ctx context.Context, exclude []string) (Machine, error) {
	body := map[string]any{"exclude": exclude}
	var resp struct {
		Machine Machine `json:"machine"`
	}
	err := c.do(ctx, http.MethodPost, "v0/packer/assign", body, &resp)
	return resp.Machine, err
}

// ReportMissing flags a machine as missing and returns a replacement.
func (c *Client) ReportMissing(ctx context.Context, machineName string, exclude []string) (MissingResult, error) {
	body := map[string]any{
		"machine_name": machineName,
		"exclude":      exclude,
	}
	var resp MissingResult
	err := c.do(ctx, http.MethodPost, "v0/packer/missing", body, &resp)
	return resp, err
}

// CheckOut claims a machine for the caller.
func (c *Client) CheckOut(ctx context.Context, machineName string, condition, battery int, task, note string) (LogEntry, error) {
	body := map[string]any{
		"machine_name": machineName,
		"condition":    condition,
		"battery":      battery,
		"task":         task,
		"note":         note,
	}
	var resp LogEntry
	err := c.do(ctx, http.MethodPost, "v0/packer/check-out", body, &resp)
	return resp, err
}

// CheckIn returns a machine. The task label is taken from the active
// assignment server-side.
func (c *Client) CheckIn(ctx context.Context, machineName string, condition, battery int, note string) (CheckInResult, error) {
	body := map[string]any{
		"machine_name": machineName,
		"condition":    condition,
		"battery":      battery,
		"note":         note,
	}
	var resp CheckInResult
	err := c.do(ctx, http.MethodPost, "v0/packer/check-in", body, &resp)
	return resp, err
}

// Assignment returns the caller's active assignment, if any.
func (c *Client) Assignment(ctx context.Context) (Assignment, error) {
	var resp Assignment
	err := c.do(ctx, http.MethodGet, "v0/packer/assignment", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
