package dispatch

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/mediagen-dispatch/internal/gateway/replicate"
	"github.com/mrmushfiq/mediagen-dispatch/internal/gateway/tokenpool"
)

// fakePool rotates over fixed credentials and records side effects.
type fakePool struct {
	mu          sync.Mutex
	ids         []int64
	cursor      int
	refreshes   int
	reported    map[int64][]string
	deactivated []int64
}

func newFakePool(ids ...int64) *fakePool {
	return &fakePool{ids: ids, reported: make(map[int64][]string)}
}

func (p *fakePool) Next(ctx context.Context) (int64, string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ids) == 0 {
		return 0, "", false
	}
	id := p.ids[p.cursor%len(p.ids)]
	p.cursor++
	return id, secretFor(id), true
}

func (p *fakePool) Lookup(id int64) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, known := range p.ids {
		if known == id {
			return secretFor(id), true
		}
	}
	return "", false
}

func (p *fakePool) ForceRefresh(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshes++
}

func (p *fakePool) ReportError(id int64, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reported[id] = append(p.reported[id], message)
}

func (p *fakePool) Deactivate(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deactivated = append(p.deactivated, id)
}

func secretFor(id int64) string {
	return "secret-" + string(rune('a'+id))
}

// fakeProvider returns scripted results and records the secrets it was called with.
type fakeProvider struct {
	mu        sync.Mutex
	createErr func(call int) error
	getSeq    []getResult
	cancelErr error
	tokens    []string
	inputs    []map[string]any
	getCalls  int
}

type getResult struct {
	status replicate.Status
	err    error
}

func (f *fakeProvider) Create(ctx context.Context, token string, req replicate.CreateRequest) (*replicate.Prediction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	f.inputs = append(f.inputs, req.Input)
	if f.createErr != nil {
		if err := f.createErr(len(f.tokens)); err != nil {
			return nil, err
		}
	}
	return &replicate.Prediction{ID: "pred-1", Status: replicate.StatusStarting}, nil
}

func (f *fakeProvider) Get(ctx context.Context, token, id string) (*replicate.Prediction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	idx := f.getCalls
	f.getCalls++
	if len(f.getSeq) == 0 {
		return &replicate.Prediction{ID: id, Status: replicate.StatusProcessing}, nil
	}
	if idx >= len(f.getSeq) {
		idx = len(f.getSeq) - 1
	}
	r := f.getSeq[idx]
	if r.err != nil {
		return nil, r.err
	}
	return &replicate.Prediction{ID: id, Status: r.status}, nil
}

func (f *fakeProvider) Cancel(ctx context.Context, token, id string) (*replicate.Prediction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	return &replicate.Prediction{ID: id, Status: replicate.StatusCanceled}, nil
}

func (f *fakeProvider) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tokens)
}

func fastConfig() Config {
	return Config{
		MaxAttempts:     3,
		BaseDelay:       time.Millisecond,
		AcquireAttempts: 3,
		AcquireBackoff:  time.Millisecond,
		WaitMax:         time.Second,
		PollInterval:    5 * time.Millisecond,
	}
}

func TestRun_SuccessReturnsOwningCredential(t *testing.T) {
	pool := newFakePool(1, 2)
	provider := &fakeProvider{}
	client := NewClient(provider, pool, fastConfig(), nil)

	input := map[string]any{"prompt": "a lighthouse", "seed": "5", "negative_prompt": ""}
	res, err := client.Run(context.Background(), Request{Model: "owner/flux-2-pro", Input: input})
	require.NoError(t, err)

	assert.Equal(t, "pred-1", res.Prediction.ID)
	assert.Equal(t, int64(1), res.CredentialID)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, map[string]any{"prompt": "a lighthouse", "seed": float64(5)}, provider.inputs[0])
	assert.Equal(t, "5", input["seed"], "caller input must not be modified")
}

func TestRun_FatalErrorStopsAfterOneAttempt(t *testing.T) {
	pool := newFakePool(1, 2, 3)
	provider := &fakeProvider{createErr: func(int) error {
		return errors.New(`Replicate API error (status 422): {"detail":"- input: prompt is required"}`)
	}}
	client := NewClient(provider, pool, fastConfig(), nil)

	_, err := client.Run(context.Background(), Request{Model: "owner/model", Input: map[string]any{}})
	require.Error(t, err)

	assert.Equal(t, 1, provider.calls())
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, msgPromptRequired, err.Error())
	assert.Len(t, pool.reported[1], 1)
	assert.Empty(t, pool.deactivated)
}

func TestRun_RetryableErrorUsesAllAttemptsWithDifferentCredentials(t *testing.T) {
	pool := newFakePool(1, 2, 3)
	provider := &fakeProvider{createErr: func(int) error {
		return errors.New("Replicate API error: read tcp: connection reset by peer")
	}}
	client := NewClient(provider, pool, fastConfig(), nil)

	_, err := client.Run(context.Background(), Request{Model: "owner/model"})
	require.Error(t, err)

	assert.Equal(t, 3, provider.calls())
	assert.Equal(t, []string{secretFor(1), secretFor(2), secretFor(3)}, provider.tokens)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.NotContains(t, strings.ToLower(err.Error()), "replicate")
	for _, id := range []int64{1, 2, 3} {
		assert.Len(t, pool.reported[id], 1)
	}
}

func TestRun_ServerErrorPageDoesNotDeactivate(t *testing.T) {
	bodies := []error{
		errors.New("Replicate API error (status 502): <html>... Cloudflare Ray ID: 8a4031f2c9d1e7b0</html>"),
		&replicate.APIError{StatusCode: http.StatusBadGateway, Body: "<html><h1>Error 403</h1> Cloudflare Ray ID: 8a4031f2c9d1e7b0</html>"},
	}

	for _, providerErr := range bodies {
		pool := newFakePool(1, 2, 3)
		provider := &fakeProvider{createErr: func(int) error { return providerErr }}
		client := NewClient(provider, pool, fastConfig(), nil)

		_, err := client.Run(context.Background(), Request{Model: "owner/model"})
		require.Error(t, err)

		assert.Equal(t, 3, provider.calls(), "server errors use every attempt")
		assert.Empty(t, pool.deactivated)
		assert.NotErrorIs(t, err, ErrAuthConfiguration)
	}
}

func TestRun_TypedUnauthorizedDeactivates(t *testing.T) {
	pool := newFakePool(1, 2)
	provider := &fakeProvider{createErr: func(int) error {
		return &replicate.APIError{StatusCode: http.StatusUnauthorized, Body: `{"detail":"Invalid token."}`}
	}}
	client := NewClient(provider, pool, fastConfig(), nil)

	_, err := client.Run(context.Background(), Request{Model: "owner/model"})
	require.Error(t, err)
	assert.Equal(t, 1, provider.calls())
	assert.Equal(t, []int64{1}, pool.deactivated)
	assert.ErrorIs(t, err, ErrAuthConfiguration)
}

func TestRun_RecoversAfterTransientFailure(t *testing.T) {
	pool := newFakePool(1, 2)
	provider := &fakeProvider{createErr: func(call int) error {
		if call == 1 {
			return errors.New("Replicate API error (status 429): rate limit exceeded")
		}
		return nil
	}}
	client := NewClient(provider, pool, fastConfig(), nil)

	res, err := client.Run(context.Background(), Request{Model: "owner/model"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.CredentialID)
	assert.Equal(t, 2, res.Attempts)
}

func TestRun_AuthFailureDeactivatesCredential(t *testing.T) {
	pool := newFakePool(4, 5)
	provider := &fakeProvider{createErr: func(int) error {
		return errors.New("https://api.replicate.com/v1/predictions 401 Invalid token")
	}}
	client := NewClient(provider, pool, fastConfig(), nil)

	_, err := client.Run(context.Background(), Request{Model: "owner/model"})
	require.Error(t, err)

	assert.Equal(t, 1, provider.calls())
	assert.Equal(t, []int64{4}, pool.deactivated)
	assert.ErrorIs(t, err, ErrAuthConfiguration)
	assert.Equal(t, msgServiceAuth, err.Error())
	assert.NotContains(t, err.Error(), "http")

	var dispatchErr *Error
	require.ErrorAs(t, err, &dispatchErr)
	require.Error(t, dispatchErr.Cause())
	assert.Contains(t, dispatchErr.Cause().Error(), "Invalid token")
}

func TestRun_ExhaustedPoolIsFatal(t *testing.T) {
	pool := newFakePool()
	provider := &fakeProvider{}
	client := NewClient(provider, pool, fastConfig(), nil)

	_, err := client.Run(context.Background(), Request{Model: "owner/model"})
	require.Error(t, err)

	assert.Equal(t, 0, provider.calls())
	assert.Equal(t, 2, pool.refreshes)
	assert.ErrorIs(t, err, ErrAuthConfiguration)
	assert.ErrorIs(t, err, tokenpool.ErrNoCredentials)
}

func TestRun_StopsWhenContextCanceled(t *testing.T) {
	pool := newFakePool(1, 2, 3)
	ctx, cancel := context.WithCancel(context.Background())
	provider := &fakeProvider{createErr: func(int) error {
		cancel()
		return errors.New("socket hang up")
	}}
	cfg := fastConfig()
	cfg.BaseDelay = time.Hour
	client := NewClient(provider, pool, cfg, nil)

	_, err := client.Run(ctx, Request{Model: "owner/model"})
	require.Error(t, err)
	assert.Equal(t, 1, provider.calls())
}

func TestGetPrediction_UsesOwnerCredential(t *testing.T) {
	pool := newFakePool(1, 2, 3)
	provider := &fakeProvider{}
	client := NewClient(provider, pool, fastConfig(), nil)

	_, err := client.GetPrediction(context.Background(), "pred-1", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{secretFor(3)}, provider.tokens)

	_, err = client.GetPrediction(context.Background(), "pred-1", 0)
	require.NoError(t, err)
	assert.Equal(t, secretFor(1), provider.tokens[1])

	_, err = client.GetPrediction(context.Background(), "pred-1", 99)
	require.NoError(t, err)
	assert.Equal(t, secretFor(2), provider.tokens[2], "unknown owners fall back to rotation")
}

func TestGetPrediction_RequiresID(t *testing.T) {
	client := NewClient(&fakeProvider{}, newFakePool(1), fastConfig(), nil)

	_, err := client.GetPrediction(context.Background(), "", 1)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCancelPrediction(t *testing.T) {
	pool := newFakePool(1)
	provider := &fakeProvider{}
	client := NewClient(provider, pool, fastConfig(), nil)

	pred, err := client.CancelPrediction(context.Background(), "pred-1", 1)
	require.NoError(t, err)
	assert.Equal(t, replicate.StatusCanceled, pred.Status)

	provider.cancelErr = errors.New("Replicate API error (status 404): Prediction not found")
	_, err = client.CancelPrediction(context.Background(), "pred-1", 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Equal(t, 2, provider.calls(), "cancel is not retried")
}

func TestWaitForPrediction_ReturnsOnTerminalStatus(t *testing.T) {
	pool := newFakePool(1)
	provider := &fakeProvider{getSeq: []getResult{
		{status: replicate.StatusStarting},
		{err: errors.New("connection reset by peer")},
		{status: replicate.StatusProcessing},
		{status: replicate.StatusSucceeded},
	}}
	client := NewClient(provider, pool, fastConfig(), nil)

	pred, err := client.WaitForPrediction(context.Background(), "pred-1", 1, time.Second, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, replicate.StatusSucceeded, pred.Status)
	assert.Equal(t, 4, provider.calls())
}

func TestWaitForPrediction_TimesOut(t *testing.T) {
	pool := newFakePool(1)
	provider := &fakeProvider{}
	client := NewClient(provider, pool, fastConfig(), nil)

	_, err := client.WaitForPrediction(context.Background(), "pred-1", 1, 30*time.Millisecond, 5*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWaitTimeout)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, msgWaitTimeout, err.Error())
}

func TestWaitForPrediction_MaxWaitCappedByConfig(t *testing.T) {
	cfg := fastConfig()
	cfg.WaitMax = 30 * time.Millisecond
	client := NewClient(&fakeProvider{}, newFakePool(1), cfg, nil)

	start := time.Now()
	_, err := client.WaitForPrediction(context.Background(), "pred-1", 1, time.Hour, 5*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWaitTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestWaitForPrediction_StopsOnFatalPollError(t *testing.T) {
	pool := newFakePool(1)
	provider := &fakeProvider{getSeq: []getResult{
		{err: errors.New("Replicate API error (status 404): prediction not found")},
	}}
	client := NewClient(provider, pool, fastConfig(), nil)

	_, err := client.WaitForPrediction(context.Background(), "pred-1", 1, time.Second, time.Millisecond)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrWaitTimeout)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}
