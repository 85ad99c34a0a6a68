package replicate

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
)

// DefaultBaseURL is the public prediction API endpoint.
const DefaultBaseURL = "https://api.replicate.com"

// Client talks to the prediction API. It holds no credential of its own;
// every call takes the bearer secret chosen by the caller.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new prediction API client
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Create submits a new prediction
func (c *Client) Create(ctx context.Context, token string, req CreateRequest) (*Prediction, error) {
	model, version := splitModel(req.Model)
	if req.Version != "" {
		version = req.Version
	}

	body := createBody{
		Input:               req.Input,
		Webhook:             req.Webhook,
		WebhookEventsFilter: req.WebhookEventsFilter,
	}
	if body.Input == nil {
		body.Input = map[string]any{}
	}

	var endpoint string
	if version != "" {
		body.Version = version
		endpoint = "/v1/predictions"
	} else {
		owner, name, ok := strings.Cut(model, "/")
		if !ok || owner == "" || name == "" {
			return nil, fmt.Errorf("invalid model identifier %q: expected owner/name", req.Model)
		}
		endpoint = fmt.Sprintf("/v1/models/%s/%s/predictions", url.PathEscape(owner), url.PathEscape(name))
	}

	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode prediction input: %w", err)
	}

	var prediction Prediction
	if err := c.do(ctx, token, http.MethodPost, endpoint, reqBody, &prediction); err != nil {
		return nil, err
	}
	return &prediction, nil
}

// Get fetches the current state of a prediction
func (c *Client) Get(ctx context.Context, token, id string) (*Prediction, error) {
	var prediction Prediction
	if err := c.do(ctx, token, http.MethodGet, "/v1/predictions/"+url.PathEscape(id), nil, &prediction); err != nil {
		return nil, err
	}
	return &prediction, nil
}

// Cancel asks the provider to stop a prediction
func (c *Client) Cancel(ctx context.Context, token, id string) (*Prediction, error) {
	var prediction Prediction
	if err := c.do(ctx, token, http.MethodPost, "/v1/predictions/"+url.PathEscape(id)+"/cancel", nil, &prediction); err != nil {
		return nil, err
	}
	return &prediction, nil
}

func (c *Client) do(ctx context.Context, token, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("Replicate API error: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("Replicate API error: failed to read response: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return &APIError{StatusCode: httpResp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// splitModel separates an "owner/name:version" identifier.
func splitModel(model string) (string, string) {
	name, version, _ := strings.Cut(model, ":")
	return name, version
}
