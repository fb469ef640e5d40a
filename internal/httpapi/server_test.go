package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/labelrelay/internal/dedup"
	"github.com/agentworkforce/labelrelay/internal/labelindex"
	"github.com/agentworkforce/labelrelay/internal/reconcile"
	"github.com/agentworkforce/labelrelay/internal/suppress"
	"github.com/agentworkforce/labelrelay/internal/tracker"
	"github.com/agentworkforce/labelrelay/internal/webhook"
)

const testJWTSecret = "test-secret"

type stubIngestor struct {
	mu         sync.Mutex
	deliveries []webhook.Delivery
	result     webhook.Result
	err        error
	stats      webhook.Stats
}

func (s *stubIngestor) Ingest(ctx context.Context, d webhook.Delivery) (webhook.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, d)
	return s.result, s.err
}

func (s *stubIngestor) Stats() webhook.Stats {
	return s.stats
}

type stubSyncer struct {
	snapshot reconcile.Snapshot
	planErr  error
	applied  int
	report   reconcile.Report
	// block, when set, holds Apply until closed.
	block   chan struct{}
	started chan struct{}
}

func newStubSyncer() *stubSyncer {
	snapshot := reconcile.NewSnapshot([]tracker.Label{
		{ID: "a-bug", TeamID: "A", TeamName: "Team A", Name: "bug", Color: "#ff0000", UpdatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{ID: "b-bug", TeamID: "B", TeamName: "Team B", Name: "bug", Color: "#00ff00", UpdatedAt: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)},
		{ID: "b-feature", TeamID: "B", TeamName: "Team B", Name: "feature", Color: "#0000ff", UpdatedAt: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
	})
	return &stubSyncer{snapshot: snapshot, report: reconcile.Report{Created: 1, Updated: 1}}
}

func (s *stubSyncer) Plan(ctx context.Context) (reconcile.Snapshot, reconcile.Plan, error) {
	if s.planErr != nil {
		return reconcile.Snapshot{}, reconcile.Plan{}, s.planErr
	}
	return s.snapshot, reconcile.BuildPlan(s.snapshot), nil
}

func (s *stubSyncer) Apply(ctx context.Context, snapshot reconcile.Snapshot, plan reconcile.Plan) (reconcile.Report, error) {
	if s.started != nil {
		close(s.started)
	}
	if s.block != nil {
		<-s.block
	}
	s.applied++
	return s.report, nil
}

func TestHealth(t *testing.T) {
	server := NewServer(Options{})
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	server := NewServer(Options{})
	resp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/nope",
		headers: map[string]string{"X-Correlation-Id": "corr_404"},
	})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
	body := decodeBody(t, resp)
	if body["code"] != "not_found" || body["correlationId"] != "corr_404" {
		t.Fatalf("unexpected error envelope: %v", body)
	}
}

func TestWebhookPassesDeliveryToIngestor(t *testing.T) {
	ingestor := &stubIngestor{result: webhook.Result{Outcome: webhook.Accepted, DeliveryID: "d-1"}}
	server := NewServer(Options{Ingestor: ingestor})

	resp := doRawRequest(t, server, rawRequest{
		method: http.MethodPost,
		path:   "/webhooks?secret=s3cret",
		headers: map[string]string{
			"Linear-Delivery":  "d-1",
			"Linear-Signature": "abc123",
			"X-Forwarded-For":  "35.231.147.226, 10.0.0.1",
		},
		body: []byte(`{"action":"create"}`),
	})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", resp.Code, resp.Body.String())
	}
	if len(ingestor.deliveries) != 1 {
		t.Fatalf("expected one delivery, got %d", len(ingestor.deliveries))
	}
	got := ingestor.deliveries[0]
	if got.ID != "d-1" || got.Secret != "s3cret" || got.Signature != "abc123" {
		t.Fatalf("delivery headers not forwarded: %+v", got)
	}
	if got.ForwardedFor != "35.231.147.226, 10.0.0.1" || got.RemoteAddr == "" {
		t.Fatalf("client address not forwarded: %+v", got)
	}
	if string(got.Body) != `{"action":"create"}` {
		t.Fatalf("unexpected body %q", got.Body)
	}
}

func TestWebhookOutcomeStatusCodes(t *testing.T) {
	cases := []struct {
		name   string
		result webhook.Result
		err    error
		status int
	}{
		{name: "accepted", result: webhook.Result{Outcome: webhook.Accepted}, status: http.StatusAccepted},
		{name: "duplicate", result: webhook.Result{Outcome: webhook.DuplicateIgnored}, status: http.StatusOK},
		{name: "schema", result: webhook.Result{Outcome: webhook.SchemaInvalid, Reason: "failed to validate schema, webhook ignored"}, status: http.StatusOK},
		{name: "unauthorized", result: webhook.Result{Outcome: webhook.Unauthorized, Reason: "invalid secret"}, status: http.StatusUnauthorized},
		{name: "malformed", result: webhook.Result{Outcome: webhook.Malformed}, status: http.StatusBadRequest},
		{name: "closed", err: webhook.ErrClosed, status: http.StatusServiceUnavailable},
		{name: "store", err: errors.New("redis down"), status: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := NewServer(Options{Ingestor: &stubIngestor{result: tc.result, err: tc.err}})
			resp := doRawRequest(t, server, rawRequest{
				method:  http.MethodPost,
				path:    "/webhooks",
				headers: map[string]string{"Linear-Delivery": "d-1"},
				body:    []byte(`{}`),
			})
			if resp.Code != tc.status {
				t.Fatalf("expected %d, got %d (%s)", tc.status, resp.Code, resp.Body.String())
			}
		})
	}
}

func TestWebhookRejectsOversizedBody(t *testing.T) {
	ingestor := &stubIngestor{result: webhook.Result{Outcome: webhook.Accepted}}
	server := NewServer(Options{Config: ServerConfig{MaxBodyBytes: 16}, Ingestor: ingestor})
	resp := doRawRequest(t, server, rawRequest{
		method: http.MethodPost,
		path:   "/webhooks",
		body:   bytes.Repeat([]byte("x"), 64),
	})
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.Code)
	}
	if len(ingestor.deliveries) != 0 {
		t.Fatalf("oversized body must not reach the ingestor")
	}
}

func TestWebhookEndToEndDedup(t *testing.T) {
	ingestor, err := webhook.NewIngestor(webhook.Options{
		Auth:       webhook.Auth{Secret: "s3cret"},
		Dedup:      dedup.NewMemorySet(time.Hour),
		Suppressor: suppress.New(suppress.Options{}),
		Index:      labelindex.NewMemoryIndex(),
	})
	if err != nil {
		t.Fatalf("new ingestor: %v", err)
	}
	t.Cleanup(func() { _ = ingestor.Shutdown(context.Background()) })
	server := NewServer(Options{Ingestor: ingestor})

	body := []byte(`{
  "action": "create",
  "type": "Comment",
  "createdAt": "2024-03-01T10:00:00.000Z",
  "url": "https://linear.app/acme/issue/ENG-1#comment-1",
  "data": {
    "id": "2f0d3c5e-0000-4000-8000-000000000001",
    "body": "looks good",
    "issueId": "8d7f0c64-9a41-4f61-9a5b-1f0a3d3c0001",
    "issue": {"id": "8d7f0c64-9a41-4f61-9a5b-1f0a3d3c0001", "title": "Crash on start"},
    "userId": "user-1",
    "createdAt": "2024-03-01T10:00:00.000Z",
    "updatedAt": "2024-03-01T10:00:00.000Z"
  }
}`)
	deliveryID := "7c9e6679-7425-40de-944b-e07fc1f90ae7"
	send := func() *httptest.ResponseRecorder {
		return doRawRequest(t, server, rawRequest{
			method:  http.MethodPost,
			path:    "/webhooks?secret=s3cret",
			headers: map[string]string{"Linear-Delivery": deliveryID},
			body:    body,
		})
	}

	first := send()
	if first.Code != http.StatusAccepted {
		t.Fatalf("unexpected first status %d (%s)", first.Code, first.Body.String())
	}
	second := send()
	if second.Code != http.StatusOK {
		t.Fatalf("expected 200 for duplicate, got %d", second.Code)
	}
	if got := decodeBody(t, second)["status"]; got != string(webhook.DuplicateIgnored) {
		t.Fatalf("expected duplicate status, got %v", got)
	}

	bad := doRawRequest(t, server, rawRequest{
		method:  http.MethodPost,
		path:    "/webhooks?secret=nope",
		headers: map[string]string{"Linear-Delivery": "0b5c7d1e-0000-4000-8000-000000000002"},
		body:    body,
	})
	if bad.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong secret, got %d", bad.Code)
	}
}

func TestAdminAuthRequired(t *testing.T) {
	server := NewServer(Options{Config: ServerConfig{JWTSecret: testJWTSecret}, Syncer: newStubSyncer()})
	resp := doRequest(t, server, request{method: http.MethodPost, path: "/v1/admin/sync-labels"})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
	if resp.Header().Get("X-Correlation-Id") == "" {
		t.Fatalf("expected generated correlation id")
	}
}

func TestAdminScopesEnforced(t *testing.T) {
	server := NewServer(Options{
		Config:   ServerConfig{JWTSecret: testJWTSecret},
		Syncer:   newStubSyncer(),
		Ingestor: &stubIngestor{},
	})
	token := SignToken(testJWTSecret, "ops", []string{scopeIngressRead}, time.Hour, time.Now())

	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/admin/sync-labels",
		headers: map[string]string{"Authorization": "Bearer " + token},
	})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without labels:sync, got %d", resp.Code)
	}

	expired := SignToken(testJWTSecret, "ops", []string{scopeIngressRead}, -time.Minute, time.Now())
	resp = doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/admin/ingress",
		headers: map[string]string{"Authorization": "Bearer " + expired},
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", resp.Code)
	}

	forged := SignToken("other-secret", "ops", []string{scopeIngressRead}, time.Hour, time.Now())
	resp = doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/admin/ingress",
		headers: map[string]string{"Authorization": "Bearer " + forged},
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for forged token, got %d", resp.Code)
	}
}

func TestSyncLabelsDryRun(t *testing.T) {
	syncer := newStubSyncer()
	server := NewServer(Options{Config: ServerConfig{JWTSecret: testJWTSecret}, Syncer: syncer})
	token := SignToken(testJWTSecret, "ops", []string{scopeLabelsSync}, time.Hour, time.Now())

	resp := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/admin/sync-labels?dryRun=true",
		headers: map[string]string{
			"Authorization":    "Bearer " + token,
			"X-Correlation-Id": "corr_dry",
		},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var got SyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode sync response: %v", err)
	}
	if !got.DryRun || got.PlannedCreates != 1 || got.PlannedUpdates != 1 {
		t.Fatalf("unexpected dry run response: %+v", got)
	}
	if syncer.applied != 0 {
		t.Fatalf("dry run must not apply changes")
	}
	if !strings.Contains(got.Summary, "Team A") || got.CorrelationID != "corr_dry" {
		t.Fatalf("unexpected summary or correlation: %+v", got)
	}
}

func TestSyncLabelsApplies(t *testing.T) {
	syncer := newStubSyncer()
	server := NewServer(Options{Config: ServerConfig{JWTSecret: testJWTSecret}, Syncer: syncer})
	token := SignToken(testJWTSecret, "ops", []string{scopeLabelsSync}, time.Hour, time.Now())

	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/admin/sync-labels",
		headers: map[string]string{"Authorization": "Bearer " + token},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var got SyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode sync response: %v", err)
	}
	if syncer.applied != 1 || got.Created != 1 || got.Updated != 1 || got.Failed != 0 {
		t.Fatalf("unexpected apply response: %+v (applied=%d)", got, syncer.applied)
	}
}

func TestSyncLabelsTrackerFailure(t *testing.T) {
	syncer := newStubSyncer()
	syncer.planErr = errors.New("tracker unreachable")
	server := NewServer(Options{Config: ServerConfig{JWTSecret: testJWTSecret}, Syncer: syncer})
	token := SignToken(testJWTSecret, "ops", []string{scopeLabelsSync}, time.Hour, time.Now())

	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/admin/sync-labels",
		headers: map[string]string{"Authorization": "Bearer " + token},
	})
	if resp.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.Code)
	}
	if decodeBody(t, resp)["code"] != "tracker_unavailable" {
		t.Fatalf("unexpected error code")
	}
}

func TestSyncLabelsRejectsConcurrentRun(t *testing.T) {
	syncer := newStubSyncer()
	syncer.block = make(chan struct{})
	syncer.started = make(chan struct{})
	server := NewServer(Options{Config: ServerConfig{JWTSecret: testJWTSecret}, Syncer: syncer})
	token := SignToken(testJWTSecret, "ops", []string{scopeLabelsSync}, time.Hour, time.Now())
	req := request{
		method:  http.MethodPost,
		path:    "/v1/admin/sync-labels",
		headers: map[string]string{"Authorization": "Bearer " + token},
	}

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- doRequest(t, server, req) }()

	select {
	case <-syncer.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first sync never started")
	}
	second := doRequest(t, server, req)
	if second.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", second.Code)
	}

	close(syncer.block)
	if first := <-done; first.Code != http.StatusOK {
		t.Fatalf("expected first sync to succeed, got %d", first.Code)
	}
}

func TestAdminIngressStats(t *testing.T) {
	ingestor := &stubIngestor{stats: webhook.Stats{Accepted: 4, Duplicate: 2}}
	server := NewServer(Options{Config: ServerConfig{JWTSecret: testJWTSecret}, Ingestor: ingestor})
	token := SignToken(testJWTSecret, "ops", []string{scopeIngressRead}, time.Hour, time.Now())

	resp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/admin/ingress",
		headers: map[string]string{"Authorization": "Bearer " + token},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var got struct {
		Ingress webhook.Stats `json:"ingress"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode ingress: %v", err)
	}
	if got.Ingress.Accepted != 4 || got.Ingress.Duplicate != 2 {
		t.Fatalf("unexpected stats: %+v", got.Ingress)
	}
}

func TestEventStreamAcceptsQueryToken(t *testing.T) {
	var served int
	events := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served++
		w.WriteHeader(http.StatusNoContent)
	})
	server := NewServer(Options{Config: ServerConfig{JWTSecret: testJWTSecret}, Events: events})
	token := SignToken(testJWTSecret, "viewer", []string{scopeEventsRead}, time.Hour, time.Now())

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/events/stream?access_token=" + token})
	if resp.Code != http.StatusNoContent || served != 1 {
		t.Fatalf("expected stream handler to run, got %d (served=%d)", resp.Code, served)
	}

	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/events/stream"})
	if resp.Code != http.StatusUnauthorized || served != 1 {
		t.Fatalf("expected 401 without token, got %d", resp.Code)
	}
}

func TestRateLimitingBySubject(t *testing.T) {
	server := NewServer(Options{
		Config:   ServerConfig{JWTSecret: testJWTSecret, RateLimitMax: 2, RateLimitWindow: time.Minute},
		Ingestor: &stubIngestor{},
	})
	tokenA := SignToken(testJWTSecret, "alice", []string{scopeIngressRead}, time.Hour, time.Now())
	tokenB := SignToken(testJWTSecret, "bob", []string{scopeIngressRead}, time.Hour, time.Now())
	call := func(token string) int {
		return doRequest(t, server, request{
			method:  http.MethodGet,
			path:    "/v1/admin/ingress",
			headers: map[string]string{"Authorization": "Bearer " + token},
		}).Code
	}

	for i := 0; i < 2; i++ {
		if code := call(tokenA); code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, code)
		}
	}
	if code := call(tokenA); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", code)
	}
	if code := call(tokenB); code != http.StatusOK {
		t.Fatalf("other subject should not be limited, got %d", code)
	}
}

func TestAdminRoutesDisabledWithoutSecret(t *testing.T) {
	syncer := newStubSyncer()
	server := NewServer(Options{Syncer: syncer, Ingestor: &stubIngestor{}})

	for _, secret := range []string{"", "dev-secret"} {
		token := SignToken(secret, "attacker", []string{scopeLabelsSync}, time.Hour, time.Now())
		resp := doRequest(t, server, request{
			method:  http.MethodPost,
			path:    "/v1/admin/sync-labels",
			headers: map[string]string{"Authorization": "Bearer " + token},
		})
		if resp.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503 for token signed with %q, got %d", secret, resp.Code)
		}
		if decodeBody(t, resp)["code"] != "admin_disabled" {
			t.Fatalf("unexpected error code")
		}
	}
	if syncer.applied != 0 {
		t.Fatalf("sync must not run without a configured secret")
	}

	resp := doRawRequest(t, server, rawRequest{
		method:  http.MethodPost,
		path:    "/webhooks",
		headers: map[string]string{"Linear-Delivery": "d-1"},
		body:    []byte(`{}`),
	})
	if resp.Code == http.StatusServiceUnavailable {
		t.Fatalf("webhook ingestion must stay available")
	}
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    any
}

type rawRequest struct {
	method  string
	path    string
	headers map[string]string
	body    []byte
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if r.body != nil {
		payload, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		body = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(r.method, r.path, body)
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func doRawRequest(t *testing.T, server http.Handler, r rawRequest) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(r.body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response body: %v (%s)", err, rec.Body.String())
	}
	return out
}
