package agentrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the AgentRelay REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Invocation represents the payload required to invoke a capability.
type Invocation struct {
	Capability string         `json:"capability"`
	Args       map[string]any `json:"args,omitempty"`
}

// InvocationTicket is returned when an invocation has been accepted.
type InvocationTicket struct {
	RequestID string `json:"request_id"`
}

// InvocationRecord is the ledger view of a request.
type InvocationRecord struct {
	RequestID        string         `json:"request_id"`
	Capability       string         `json:"capability"`
	Args             map[string]any `json:"args,omitempty"`
	Status           string         `json:"status"`
	Response         any            `json:"response,omitempty"`
	Error            string         `json:"error,omitempty"`
	ErrorCode        string         `json:"error_code,omitempty"`
	ProcessedByAgent bool           `json:"processed_by_agent"`
	CreatedAt        int64          `json:"created_at"`
	CompletedAt      int64          `json:"completed_at,omitempty"`
}

// Terminal reports whether the record has reached a final state.
func (r *InvocationRecord) Terminal() bool {
	return r != nil && (r.Status == "completed" || r.Status == "error")
}

// Capability describes a registered capability and its approval state.
type Capability struct {
	Name     string `json:"name"`
	Approved bool   `json:"approved"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("agentrelay api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgentRelay API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Invoke submits a capability invocation and returns its ticket.
func (c *Client) Invoke(ctx context.Context, inv Invocation) (InvocationTicket, error) {
	var ticket InvocationTicket
	if err := c.post(ctx, "/api/v1/invocations", inv, &ticket); err != nil {
		return InvocationTicket{}, err
	}
	return ticket, nil
}

// GetInvocation fetches the ledger record for a request.
func (c *Client) GetInvocation(ctx context.Context, requestID string) (InvocationRecord, error) {
	var record InvocationRecord
	endpoint := fmt.Sprintf("/api/v1/invocations?id=%s", url.QueryEscape(requestID))
	if err := c.get(ctx, endpoint, &record); err != nil {
		return InvocationRecord{}, err
	}
	return record, nil
}

// WaitInvocation polls the ledger until the record reaches a final state or
// the context is cancelled.
func (c *Client) WaitInvocation(ctx context.Context, requestID string, interval time.Duration) (InvocationRecord, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		record, err := c.GetInvocation(ctx, requestID)
		if err != nil {
			return InvocationRecord{}, err
		}
		if record.Terminal() {
			return record, nil
		}
		select {
		case <-ctx.Done():
			return InvocationRecord{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ListCapabilities returns the registered capabilities. Unapproved entries
// are included when includeUnapproved is set.
func (c *Client) ListCapabilities(ctx context.Context, includeUnapproved bool) ([]Capability, error) {
	endpoint := "/api/v1/capabilities"
	if includeUnapproved {
		endpoint += "?unapproved=true"
	}
	var capabilities []Capability
	if err := c.get(ctx, endpoint, &capabilities); err != nil {
		return nil, err
	}
	return capabilities, nil
}

// ApproveCapability flips the approval flag for a capability.
func (c *Client) ApproveCapability(ctx context.Context, name string, approve bool) (Capability, error) {
	payload := struct {
		Name    string `json:"name"`
		Approve *bool  `json:"approve"`
	}{Name: name, Approve: &approve}

	var view Capability
	if err := c.post(ctx, "/api/v1/capabilities/approve", payload, &view); err != nil {
		return Capability{}, err
	}
	return view, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(bytes.TrimSpace(data)),
		}
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
