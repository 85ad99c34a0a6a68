package replicate

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a prediction.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Terminal reports whether the prediction has stopped changing.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// CreateRequest describes a prediction to create.
type CreateRequest struct {
	// Model is "owner/name", optionally suffixed with ":version".
	Model               string
	Version             string
	Input               map[string]any
	Webhook             string
	WebhookEventsFilter []string
}

// Prediction is the provider's job record
type Prediction struct {
	ID          string            `json:"id"`
	Model       string            `json:"model,omitempty"`
	Version     string            `json:"version,omitempty"`
	Status      Status            `json:"status"`
	Input       map[string]any    `json:"input,omitempty"`
	Output      any               `json:"output,omitempty"`
	Error       string            `json:"error,omitempty"`
	Logs        string            `json:"logs,omitempty"`
	Metrics     *Metrics          `json:"metrics,omitempty"`
	URLs        map[string]string `json:"urls,omitempty"`
	CreatedAt   *time.Time        `json:"created_at,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Metrics holds timing information reported for a prediction
type Metrics struct {
	PredictTime float64 `json:"predict_time,omitempty"`
	TotalTime   float64 `json:"total_time,omitempty"`
}

// createBody is the JSON body of a create call
type createBody struct {
	Version             string         `json:"version,omitempty"`
	Input               map[string]any `json:"input"`
	Webhook             string         `json:"webhook,omitempty"`
	WebhookEventsFilter []string       `json:"webhook_events_filter,omitempty"`
}

// APIError is a non-2xx response from the prediction API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("Replicate API error (status %d): %s", e.StatusCode, e.Body)
}
