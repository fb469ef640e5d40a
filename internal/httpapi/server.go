// Package httpapi serves the webhook receiver and the authenticated admin
// endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/agentworkforce/labelrelay/internal/logging"
	"github.com/agentworkforce/labelrelay/internal/reconcile"
	"github.com/agentworkforce/labelrelay/internal/webhook"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Ingestor interface {
	Ingest(ctx context.Context, d webhook.Delivery) (webhook.Result, error)
	Stats() webhook.Stats
}

type LabelSyncer interface {
	Plan(ctx context.Context) (reconcile.Snapshot, reconcile.Plan, error)
	Apply(ctx context.Context, snapshot reconcile.Snapshot, plan reconcile.Plan) (reconcile.Report, error)
}

type Options struct {
	Config   ServerConfig
	Ingestor Ingestor
	Syncer   LabelSyncer
	// Events serves the websocket stream; nil disables the route.
	Events http.Handler
	Logger *log.Logger
}

type Server struct {
	cfg         ServerConfig
	ingestor    Ingestor
	syncer      LabelSyncer
	events      http.Handler
	rateLimiter *rateLimiter
	syncMu      sync.Mutex
	logger      *log.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(opts Options) *Server {
	cfg := opts.Config
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		cfg:         cfg,
		ingestor:    opts.Ingestor,
		syncer:      opts.Syncer,
		events:      opts.Events,
		rateLimiter: limiter,
		logger:      logging.Component(opts.Logger, "http"),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/webhooks" && r.Method == http.MethodPost:
		s.handleWebhook(w, r)
	case r.URL.Path == "/v1/admin/sync-labels" && r.Method == http.MethodPost:
		if correlationID, ok := s.authorizeAdmin(w, r, scopeLabelsSync); ok {
			s.handleSyncLabels(w, r, correlationID)
		}
	case r.URL.Path == "/v1/admin/ingress" && r.Method == http.MethodGet:
		if correlationID, ok := s.authorizeAdmin(w, r, scopeIngressRead); ok {
			s.handleAdminIngress(w, r, correlationID)
		}
	case r.URL.Path == "/v1/events/stream" && r.Method == http.MethodGet && s.events != nil:
		if token := r.URL.Query().Get("access_token"); token != "" && r.Header.Get("Authorization") == "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}
		if _, ok := s.authorizeAdmin(w, r, scopeEventsRead); ok {
			s.events.ServeHTTP(w, r)
		}
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	}
}

// authorizeAdmin checks the bearer token and rate limit. The returned
// correlation id is the caller's X-Correlation-Id or a fresh one. Without a
// configured JWT secret every admin route is disabled.
func (s *Server) authorizeAdmin(w http.ResponseWriter, r *http.Request, requiredScope string) (string, bool) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set("X-Correlation-Id", correlationID)
	if s.cfg.JWTSecret == "" {
		writeError(w, http.StatusServiceUnavailable, "admin_disabled", "admin endpoints require server.jwt_secret", correlationID)
		return "", false
	}
	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return "", false
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.Subject, time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return "", false
	}
	return correlationID, true
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	correlationID := strings.TrimSpace(r.Header.Get("Linear-Delivery"))
	if s.ingestor == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "webhook ingestion is disabled", correlationID)
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	result, err := s.ingestor.Ingest(r.Context(), webhook.Delivery{
		ID:           r.Header.Get("Linear-Delivery"),
		Body:         body,
		Secret:       r.URL.Query().Get("secret"),
		Signature:    r.Header.Get("Linear-Signature"),
		RemoteAddr:   r.RemoteAddr,
		ForwardedFor: r.Header.Get("X-Forwarded-For"),
	})
	if err != nil {
		if errors.Is(err, webhook.ErrClosed) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusServiceUnavailable, "unavailable", "server is shutting down", correlationID)
			return
		}
		s.logger.Error("webhook ingestion failed", "delivery", correlationID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to record delivery", correlationID)
		return
	}

	switch result.Outcome {
	case webhook.Accepted:
		writeJSON(w, http.StatusAccepted, webhookResponse(result, "webhook processing started"))
	case webhook.DuplicateIgnored, webhook.SchemaInvalid:
		writeJSON(w, http.StatusOK, webhookResponse(result, result.Reason))
	case webhook.Unauthorized:
		writeError(w, http.StatusUnauthorized, "unauthorized", result.Reason, correlationID)
	case webhook.Malformed:
		writeError(w, http.StatusBadRequest, "bad_request", result.Reason, correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "unknown ingest outcome", correlationID)
	}
}

func webhookResponse(result webhook.Result, message string) map[string]any {
	return map[string]any{
		"status":     string(result.Outcome),
		"deliveryId": result.DeliveryID,
		"message":    message,
	}
}

// SyncResponse is the body of POST /v1/admin/sync-labels.
type SyncResponse struct {
	DryRun         bool     `json:"dryRun"`
	UpToDate       bool     `json:"upToDate"`
	PlannedCreates int      `json:"plannedCreates"`
	PlannedUpdates int      `json:"plannedUpdates"`
	Created        int      `json:"created"`
	Updated        int      `json:"updated"`
	Failed         int      `json:"failed"`
	Summary        string   `json:"summary,omitempty"`
	Errors         []string `json:"errors,omitempty"`
	IndexErrors    []string `json:"indexErrors,omitempty"`
	CorrelationID  string   `json:"correlationId"`
}

func (s *Server) handleSyncLabels(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "label sync is disabled", correlationID)
		return
	}
	dryRun := parseBool(r.URL.Query().Get("dryRun"), false)
	if !s.syncMu.TryLock() {
		writeError(w, http.StatusConflict, "sync_in_progress", "a label sync is already running", correlationID)
		return
	}
	defer s.syncMu.Unlock()

	// A sync that has started writing should finish even if the caller goes away.
	ctx := context.WithoutCancel(r.Context())
	snapshot, plan, err := s.syncer.Plan(ctx)
	if err != nil {
		s.logger.Error("label sync planning failed", "correlation", correlationID, "err", err)
		writeError(w, http.StatusBadGateway, "tracker_unavailable", err.Error(), correlationID)
		return
	}
	resp := SyncResponse{
		DryRun:         dryRun,
		UpToDate:       plan.Empty(),
		PlannedCreates: plan.Creates(),
		PlannedUpdates: plan.Updates(),
		Summary:        reconcile.FormatPlan(snapshot, plan),
		CorrelationID:  correlationID,
	}
	if dryRun || plan.Empty() {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	report, err := s.syncer.Apply(ctx, snapshot, plan)
	resp.Created = report.Created
	resp.Updated = report.Updated
	resp.Failed = report.Failed()
	resp.Errors = report.ErrorMessages()
	resp.IndexErrors = report.IndexErrorMessages()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAdminIngress(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.ingestor == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "webhook ingestion is disabled", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ingress":       s.ingestor.Stats(),
		"generatedAt":   time.Now().UTC().Format(time.RFC3339Nano),
		"correlationId": correlationID,
	})
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBool(raw string, fallback bool) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
