package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mrmushfiq/mediagen-dispatch/internal/gateway/dispatch"
	"github.com/mrmushfiq/mediagen-dispatch/internal/gateway/replicate"
	"github.com/mrmushfiq/mediagen-dispatch/internal/gateway/tokenpool"
	"github.com/mrmushfiq/mediagen-dispatch/internal/shared/logging"
	"github.com/mrmushfiq/mediagen-dispatch/internal/shared/models"
)

// Dispatcher is implemented by *dispatch.Client.
type Dispatcher interface {
	Run(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
	GetPrediction(ctx context.Context, predictionID string, ownerID int64) (*replicate.Prediction, error)
	CancelPrediction(ctx context.Context, predictionID string, ownerID int64) (*replicate.Prediction, error)
	WaitForPrediction(ctx context.Context, predictionID string, ownerID int64, maxWait, pollInterval time.Duration) (*replicate.Prediction, error)
}

// OwnerStore remembers which credential created a prediction.
type OwnerStore interface {
	SetOwner(ctx context.Context, predictionID string, credentialID int64) error
	Owner(ctx context.Context, predictionID string) (int64, error)
}

// PromptEnhancer rewrites a prompt before dispatch.
type PromptEnhancer interface {
	Enhance(ctx context.Context, prompt string) (string, error)
}

// DispatchLogger persists request records.
type DispatchLogger interface {
	LogDispatch(ctx context.Context, log *models.DispatchLog) error
}

// PoolInspector exposes the credential pool for operators.
type PoolInspector interface {
	Size() int
	Stats() []tokenpool.EntryStats
}

type PredictionHandler struct {
	dispatcher Dispatcher
	owners     OwnerStore
	enhancer   PromptEnhancer
	logs       DispatchLogger
	pool       PoolInspector
	logger     *zap.SugaredLogger
}

// NewPredictionHandler wires the prediction routes. enhancer and logs may be nil.
func NewPredictionHandler(dispatcher Dispatcher, owners OwnerStore, enhancer PromptEnhancer, logs DispatchLogger, pool PoolInspector, logger *zap.SugaredLogger) *PredictionHandler {
	return &PredictionHandler{
		dispatcher: dispatcher,
		owners:     owners,
		enhancer:   enhancer,
		logs:       logs,
		pool:       pool,
		logger:     logging.OrNop(logger).Named("handlers"),
	}
}

type createPredictionRequest struct {
	dispatch.Request
	EnhancePrompt bool `json:"enhance_prompt,omitempty"`
}

type errorResponse struct {
	Error *dispatch.Error `json:"error"`
}

type statsResponse struct {
	Size        int                    `json:"size"`
	Credentials []tokenpool.EntryStats `json:"credentials"`
}

// Routes registers the prediction and pool routes on r.
func (h *PredictionHandler) Routes(r chi.Router) {
	r.Post("/predictions", h.HandleCreate)
	r.Get("/predictions/{id}", h.HandleGet)
	r.Post("/predictions/{id}/cancel", h.HandleCancel)
	r.Get("/predictions/{id}/wait", h.HandleWait)
	r.Get("/tokens/stats", h.HandleStats)
}

// HandleCreate handles POST /v1/predictions
func (h *PredictionHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req createPredictionRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeError(w, invalidRequest("invalid request body"))
		return
	}
	if req.Model == "" && req.Version == "" {
		writeError(w, invalidRequest("model or version is required"))
		return
	}

	if req.EnhancePrompt {
		h.enhancePrompt(ctx, &req.Request)
	}

	res, err := h.dispatcher.Run(ctx, req.Request)
	if err != nil {
		h.logRequest(r, req.Model, nil, time.Since(startTime), err)
		writeError(w, err)
		return
	}

	if err := h.owners.SetOwner(ctx, res.Prediction.ID, res.CredentialID); err != nil {
		h.logger.Warnw("failed to record prediction owner", "prediction_id", res.Prediction.ID, "credential_id", res.CredentialID, "error", err)
	}
	h.logRequest(r, req.Model, res, time.Since(startTime), nil)

	w.Header().Set("X-Credential-Id", strconv.FormatInt(res.CredentialID, 10))
	w.Header().Set("X-Dispatch-Attempts", strconv.Itoa(res.Attempts))
	writeJSON(w, http.StatusCreated, res.Prediction)
}

// HandleGet handles GET /v1/predictions/{id}
func (h *PredictionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	owner, err := h.ownerFor(r, id)
	if err != nil {
		writeError(w, err)
		return
	}

	prediction, err := h.dispatcher.GetPrediction(r.Context(), id, owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prediction)
}

// HandleCancel handles POST /v1/predictions/{id}/cancel
func (h *PredictionHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	owner, err := h.ownerFor(r, id)
	if err != nil {
		writeError(w, err)
		return
	}

	prediction, err := h.dispatcher.CancelPrediction(r.Context(), id, owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prediction)
}

// HandleWait handles GET /v1/predictions/{id}/wait?max=5m&interval=2s
func (h *PredictionHandler) HandleWait(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	owner, err := h.ownerFor(r, id)
	if err != nil {
		writeError(w, err)
		return
	}

	maxWait, err := durationParam(r, "max")
	if err != nil {
		writeError(w, err)
		return
	}
	interval, err := durationParam(r, "interval")
	if err != nil {
		writeError(w, err)
		return
	}

	prediction, err := h.dispatcher.WaitForPrediction(r.Context(), id, owner, maxWait, interval)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prediction)
}

// HandleStats handles GET /v1/tokens/stats
func (h *PredictionHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Size:        h.pool.Size(),
		Credentials: h.pool.Stats(),
	})
}

func (h *PredictionHandler) enhancePrompt(ctx context.Context, req *dispatch.Request) {
	if h.enhancer == nil {
		return
	}
	prompt, ok := req.Input["prompt"].(string)
	if !ok || prompt == "" {
		return
	}

	enhanced, err := h.enhancer.Enhance(ctx, prompt)
	if err != nil {
		h.logger.Warnw("prompt enhancement failed, using original prompt", "model", req.Model, "error", err)
		return
	}
	req.Input["prompt"] = enhanced
}

// ownerFor resolves the owning credential from the owner query parameter,
// falling back to the owner cache. Zero means unknown.
func (h *PredictionHandler) ownerFor(r *http.Request, predictionID string) (int64, error) {
	if raw := r.URL.Query().Get("owner"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return 0, invalidRequest("owner must be a positive integer")
		}
		return id, nil
	}

	id, err := h.owners.Owner(r.Context(), predictionID)
	if err != nil {
		h.logger.Warnw("failed to read prediction owner", "prediction_id", predictionID, "error", err)
		return 0, nil
	}
	return id, nil
}

// logRequest writes the dispatch record asynchronously
func (h *PredictionHandler) logRequest(r *http.Request, model string, res *dispatch.Result, duration time.Duration, err error) {
	if h.logs == nil {
		return
	}

	requestID := chimiddleware.GetReqID(r.Context())
	if requestID == "" {
		requestID = uuid.NewString()
	}

	log := &models.DispatchLog{
		RequestID:  requestID,
		Endpoint:   r.URL.Path,
		Model:      model,
		LatencyMs:  int(duration.Milliseconds()),
		StatusCode: http.StatusCreated,
	}
	if res != nil {
		log.PredictionID = &res.Prediction.ID
		log.CredentialID = &res.CredentialID
		log.Attempts = res.Attempts
	}
	if err != nil {
		var dispatchErr *dispatch.Error
		if errors.As(err, &dispatchErr) {
			kind := string(dispatchErr.Kind)
			log.ErrorKind = &kind
		}
		msg := err.Error()
		log.ErrorMessage = &msg
		log.StatusCode = statusFor(err)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.logs.LogDispatch(ctx, log); err != nil {
			h.logger.Warnw("failed to write dispatch log", "request_id", requestID, "error", err)
		}
	}()
}

func durationParam(r *http.Request, name string) (time.Duration, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, invalidRequest(name + " must be a duration such as 30s")
	}
	return d, nil
}

func invalidRequest(message string) *dispatch.Error {
	return &dispatch.Error{Kind: dispatch.KindValidation, Message: message}
}

// statusFor maps a dispatch failure to an HTTP status
func statusFor(err error) int {
	var dispatchErr *dispatch.Error
	if !errors.As(err, &dispatchErr) {
		return http.StatusInternalServerError
	}
	switch dispatchErr.Kind {
	case dispatch.KindValidation, dispatch.KindContentPolicy:
		return http.StatusBadRequest
	case dispatch.KindRateLimited:
		return http.StatusTooManyRequests
	case dispatch.KindTimeout:
		return http.StatusGatewayTimeout
	case dispatch.KindProviderUnavailable, dispatch.KindAuthConfiguration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func writeError(w http.ResponseWriter, err error) {
	var dispatchErr *dispatch.Error
	if !errors.As(err, &dispatchErr) {
		dispatchErr = &dispatch.Error{Kind: dispatch.KindGeneric, Message: "internal error"}
	}
	writeJSON(w, statusFor(err), errorResponse{Error: dispatchErr})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
