package fhir

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ContentTypeFHIRJSON is the FHIR JSON media type.
const ContentTypeFHIRJSON = "application/fhir+json"

// maxResponseSize caps how much of a downstream response body is read.
const maxResponseSize = 10 << 20

// ErrEmptyResponse is returned when the endpoint answers without a usable
// Bundle.
var ErrEmptyResponse = errors.New("fhir: empty response from $process-message")

// ResponseError describes a downstream response that signals failure, either
// through the HTTP status or through MessageHeader.response.code.
type ResponseError struct {
	StatusCode   int
	ResponseCode string
	Outcome      *OperationOutcome
}

func (e *ResponseError) Error() string {
	var b strings.Builder
	b.WriteString("fhir: $process-message failed")
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " with HTTP %d", e.StatusCode)
	}
	if e.ResponseCode != "" {
		fmt.Fprintf(&b, " (response code %s)", e.ResponseCode)
	}
	if e.Outcome != nil {
		if s := e.Outcome.Summary(); s != "" {
			b.WriteString(": ")
			b.WriteString(s)
		}
	}
	return b.String()
}

// Client is a minimal FHIR REST client for message delivery. It is safe for
// concurrent use.
type Client struct {
	baseURL    string
	auth       AuthScheme
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout bounds every request made by the client.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// NewClient creates a client for the FHIR server at baseURL.
func NewClient(baseURL string, auth AuthScheme, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("endpoint url must be http or https, got %q", baseURL)
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		auth:       auth,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the endpoint the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// Auth returns the scheme applied to every request.
func (c *Client) Auth() AuthScheme { return c.auth }

// ProcessMessage posts a message Bundle to [base]/$process-message and
// returns the response Bundle. It fails when the HTTP status is not 2xx, when
// the body is empty, or when the response MessageHeader reports an error.
func (c *Client) ProcessMessage(ctx context.Context, bundle *Bundle) (*Bundle, error) {
	body, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("marshal bundle: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/$process-message", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", ContentTypeFHIRJSON)
	req.Header.Set("Accept", ContentTypeFHIRJSON)
	if err := c.auth.Apply(req); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post $process-message: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ResponseError{
			StatusCode: resp.StatusCode,
			Outcome:    decodeOutcome(respBody),
		}
	}

	if len(bytes.TrimSpace(respBody)) == 0 {
		return nil, ErrEmptyResponse
	}

	switch rt := ResourceTypeOf(respBody); rt {
	case "Bundle":
	case "OperationOutcome":
		return nil, &ResponseError{StatusCode: resp.StatusCode, Outcome: decodeOutcome(respBody)}
	default:
		return nil, fmt.Errorf("fhir: expected Bundle from $process-message, got %q", rt)
	}

	var result Bundle
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decode response bundle: %w", err)
	}
	if err := InterpretMessageResponse(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

// decodeOutcome extracts an OperationOutcome from an error response body,
// returning nil when the body is something else.
func decodeOutcome(body []byte) *OperationOutcome {
	if len(body) == 0 {
		return nil
	}
	var oo OperationOutcome
	if err := json.Unmarshal(body, &oo); err != nil || oo.ResourceType != "OperationOutcome" {
		return nil
	}
	return &oo
}
