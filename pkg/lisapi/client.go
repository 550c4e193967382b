// Package lisapi holds the wire types of the LIS rejection API and an HTTP
// client for it.
package lisapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("lis api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("lis api: status %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

// WithToken sets a bearer token sent on every request.
func WithToken(token string) ClientOption {
	return func(cl *Client) { cl.token = token }
}

// WithSite sets the X-Lab-Site header sent on every request.
func WithSite(site string) ClientOption {
	return func(cl *Client) { cl.site = site }
}

// Client talks to the /api/v1 surface of the LIS server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	site       string
}

// NewClient creates a client for the server at baseURL (e.g. "http://localhost:8000").
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func testPath(orderID, testCode, suffix string) string {
	return "/api/v1/orders/" + url.PathEscape(orderID) + "/tests/" + url.PathEscape(testCode) + "/" + suffix
}

// GetRejectionOptions fetches the follow-up actions available for a test.
func (c *Client) GetRejectionOptions(ctx context.Context, orderID, testCode string) (*RejectionOptions, error) {
	var out RejectionOptions
	if err := c.do(ctx, http.MethodGet, testPath(orderID, testCode, "rejection-options"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RejectResults rejects the current result of a test with the given follow-up action.
func (c *Client) RejectResults(ctx context.Context, orderID, testCode string, req RejectRequest) (*RejectionResult, error) {
	var out RejectionResult
	if err := c.do(ctx, http.MethodPost, testPath(orderID, testCode, "reject"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRejectionHistory returns one page of the rejection history of a test.
func (c *Client) GetRejectionHistory(ctx context.Context, orderID, testCode string, limit, offset int) (*HistoryPage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := testPath(orderID, testCode, "rejection-history")
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out HistoryPage
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RejectSample rejects every active test on a sample.
func (c *Client) RejectSample(ctx context.Context, sampleID string, reasons []RejectionReason, notes string, requireRecollection bool) error {
	body := SampleRejectRequest{Reasons: reasons, Notes: notes, RequireRecollection: requireRecollection}
	var out SampleRejectResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/samples/"+url.PathEscape(sampleID)+"/reject", body, &out); err != nil {
		return err
	}
	if !out.Success {
		return fmt.Errorf("sample %s was not rejected", sampleID)
	}
	return nil
}

// EscalateTest marks a test whose follow-up actions are exhausted as
// escalated. The server refuses with 409 while an action is still enabled.
func (c *Client) EscalateTest(ctx context.Context, orderID, testCode, note string) (*RejectionResult, error) {
	var out RejectionResult
	if err := c.do(ctx, http.MethodPost, testPath(orderID, testCode, "escalate"), EscalateRequest{Note: note}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.site != "" {
		req.Header.Set("X-Lab-Site", c.site)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Read at most 4KB of an error body.
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var eb ErrorBody
		if json.Unmarshal(raw, &eb) == nil && eb.Message != "" {
			apiErr.Message = eb.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
