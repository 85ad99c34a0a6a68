// Package dispatch submits generation jobs to the prediction provider with
// retries across pooled credentials, and reports failures as sanitized errors.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mrmushfiq/mediagen-dispatch/internal/gateway/replicate"
	"github.com/mrmushfiq/mediagen-dispatch/internal/gateway/tokenpool"
	"github.com/mrmushfiq/mediagen-dispatch/internal/shared/logging"
)

// Provider is the prediction API.
type Provider interface {
	Create(ctx context.Context, token string, req replicate.CreateRequest) (*replicate.Prediction, error)
	Get(ctx context.Context, token, id string) (*replicate.Prediction, error)
	Cancel(ctx context.Context, token, id string) (*replicate.Prediction, error)
}

// Pool hands out credentials. *tokenpool.Pool implements it.
type Pool interface {
	Next(ctx context.Context) (id int64, secret string, ok bool)
	Lookup(id int64) (secret string, ok bool)
	ForceRefresh(ctx context.Context)
	ReportError(id int64, message string)
	Deactivate(id int64)
}

// Config bounds retries and waiting.
type Config struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	AcquireAttempts int
	AcquireBackoff  time.Duration
	WaitMax         time.Duration
	PollInterval    time.Duration
}

// DefaultConfig returns the recommended dispatch settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		BaseDelay:       2 * time.Second,
		AcquireAttempts: 3,
		AcquireBackoff:  500 * time.Millisecond,
		WaitMax:         5 * time.Minute,
		PollInterval:    2 * time.Second,
	}
}

// Request is one logical generation job. Input belongs to the caller and is not modified.
type Request struct {
	Model               string         `json:"model"`
	Version             string         `json:"version,omitempty"`
	Input               map[string]any `json:"input"`
	Webhook             string         `json:"webhook,omitempty"`
	WebhookEventsFilter []string       `json:"webhook_events_filter,omitempty"`
}

// Result is a created prediction and the credential that owns it. Callers that
// poll or cancel later must keep CredentialID alongside the prediction id.
type Result struct {
	Prediction   *replicate.Prediction
	CredentialID int64
	Attempts     int
}

// Client dispatches predictions.
type Client struct {
	provider Provider
	pool     Pool
	cfg      Config
	logger   *zap.SugaredLogger
}

// NewClient creates a dispatch client. Zero config fields take their defaults.
func NewClient(provider Provider, pool Pool, cfg Config, logger *zap.SugaredLogger) *Client {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.AcquireAttempts <= 0 {
		cfg.AcquireAttempts = def.AcquireAttempts
	}
	if cfg.AcquireBackoff < 0 {
		cfg.AcquireBackoff = def.AcquireBackoff
	}
	if cfg.WaitMax <= 0 {
		cfg.WaitMax = def.WaitMax
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	return &Client{
		provider: provider,
		pool:     pool,
		cfg:      cfg,
		logger:   logging.OrNop(logger).Named("dispatch"),
	}
}

// Run creates a prediction, retrying transient failures with a different
// credential. It returns exactly one *Error on failure.
func (c *Client) Run(ctx context.Context, req Request) (*Result, error) {
	log := c.logger.With("dispatch_id", uuid.NewString(), "model", req.Model)
	input := Clean(req.Input, req.Model)

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		credID, secret, err := c.acquire(ctx)
		if err != nil {
			log.Errorw("no credential available", "attempt", attempt)
			return nil, err
		}

		prediction, err := c.provider.Create(ctx, secret, replicate.CreateRequest{
			Model:               req.Model,
			Version:             req.Version,
			Input:               input,
			Webhook:             req.Webhook,
			WebhookEventsFilter: req.WebhookEventsFilter,
		})
		if err == nil {
			log.Infow("prediction created", "prediction_id", prediction.ID, "credential_id", credID, "attempt", attempt)
			return &Result{Prediction: prediction, CredentialID: credID, Attempts: attempt}, nil
		}

		lastErr = err
		msg := err.Error()
		c.pool.ReportError(credID, msg)
		if isAuthFailure(err) {
			c.pool.Deactivate(credID)
		}

		class := classifyError(err)
		log.Warnw("prediction create failed", "attempt", attempt, "credential_id", credID, "class", class, "error", msg)

		if ctx.Err() != nil || class == classFatal {
			break
		}
		if attempt < c.cfg.MaxAttempts {
			if err := sleep(ctx, c.cfg.BaseDelay*time.Duration(attempt)); err != nil {
				break
			}
		}
	}

	dispatchErr := newError(lastErr)
	log.Errorw("dispatch failed", "kind", dispatchErr.Kind, "cause", lastErr)
	return nil, dispatchErr
}

// GetPrediction fetches a prediction's status using its owning credential when
// ownerID is known to the pool, or any pooled credential otherwise.
func (c *Client) GetPrediction(ctx context.Context, predictionID string, ownerID int64) (*replicate.Prediction, error) {
	if predictionID == "" {
		return nil, &Error{Kind: KindValidation, Message: msgInvalidRequest, cause: errors.New("prediction id is required")}
	}
	secret, err := c.credentialFor(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	prediction, err := c.provider.Get(ctx, secret, predictionID)
	if err != nil {
		c.logger.Warnw("get prediction failed", "prediction_id", predictionID, "error", err)
		return nil, newError(err)
	}
	return prediction, nil
}

// CancelPrediction asks the provider to stop a prediction. It is not retried.
func (c *Client) CancelPrediction(ctx context.Context, predictionID string, ownerID int64) (*replicate.Prediction, error) {
	if predictionID == "" {
		return nil, &Error{Kind: KindValidation, Message: msgInvalidRequest, cause: errors.New("prediction id is required")}
	}
	secret, err := c.credentialFor(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	prediction, err := c.provider.Cancel(ctx, secret, predictionID)
	if err != nil {
		c.logger.Warnw("cancel prediction failed", "prediction_id", predictionID, "error", err)
		return nil, newError(err)
	}
	c.logger.Infow("prediction canceled", "prediction_id", predictionID)
	return prediction, nil
}

// WaitForPrediction polls every pollInterval until the prediction reaches a
// terminal status or maxWait elapses. Zero durations take the configured
// defaults and maxWait never exceeds the configured WaitMax. On timeout the returned error wraps ErrWaitTimeout.
func (c *Client) WaitForPrediction(ctx context.Context, predictionID string, ownerID int64, maxWait, pollInterval time.Duration) (*replicate.Prediction, error) {
	if predictionID == "" {
		return nil, &Error{Kind: KindValidation, Message: msgInvalidRequest, cause: errors.New("prediction id is required")}
	}
	if maxWait <= 0 || maxWait > c.cfg.WaitMax {
		maxWait = c.cfg.WaitMax
	}
	if pollInterval <= 0 {
		pollInterval = c.cfg.PollInterval
	}

	secret, err := c.credentialFor(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		prediction, err := c.provider.Get(ctx, secret, predictionID)
		switch {
		case err == nil && prediction.Status.Terminal():
			return prediction, nil
		case err != nil && !IsRetryable(err):
			c.logger.Warnw("wait for prediction failed", "prediction_id", predictionID, "error", err)
			return nil, newError(err)
		case err != nil:
			c.logger.Debugw("poll failed, will retry", "prediction_id", predictionID, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, newError(ctx.Err())
		case <-deadline.C:
			return nil, &Error{Kind: KindTimeout, Message: msgWaitTimeout, cause: ErrWaitTimeout}
		case <-ticker.C:
		}
	}
}

// acquire gets a credential from the pool, forcing a refresh between attempts.
func (c *Client) acquire(ctx context.Context) (int64, string, error) {
	for i := 1; i <= c.cfg.AcquireAttempts; i++ {
		if id, secret, ok := c.pool.Next(ctx); ok {
			return id, secret, nil
		}
		if i == c.cfg.AcquireAttempts {
			break
		}
		c.pool.ForceRefresh(ctx)
		if err := sleep(ctx, c.cfg.AcquireBackoff*time.Duration(i)); err != nil {
			return 0, "", newError(err)
		}
	}
	return 0, "", &Error{Kind: KindAuthConfiguration, Message: msgNoCredentials, cause: tokenpool.ErrNoCredentials}
}

func (c *Client) credentialFor(ctx context.Context, ownerID int64) (string, error) {
	if ownerID > 0 {
		if secret, ok := c.pool.Lookup(ownerID); ok {
			return secret, nil
		}
		c.logger.Debugw("owner credential not in pool, using rotation", "credential_id", ownerID)
	}
	_, secret, err := c.acquire(ctx)
	return secret, err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
