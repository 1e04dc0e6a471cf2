package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/clinic/claims/internal/platform/events"
)

func newTestManager(t *testing.T, opts ...ManagerOption) *Manager {
	t.Helper()
	base := []ManagerOption{
		WithMaxRetries(2),
		WithRetryDelays([]time.Duration{time.Millisecond}),
	}
	return NewManager(NewInMemoryStore(), append(base, opts...)...)
}

func TestRegisterEndpoint(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	ep, err := m.RegisterEndpoint(ctx, "https://example.com/hook", "my-secret", []string{"batch.paid"})
	if err != nil {
		t.Fatalf("RegisterEndpoint: %v", err)
	}
	if ep.ID == "" {
		t.Error("expected generated ID")
	}
	if ep.Secret != "my-secret" {
		t.Errorf("expected supplied secret to be kept, got %q", ep.Secret)
	}
	if ep.Status != "active" {
		t.Errorf("expected active status, got %q", ep.Status)
	}
}

func TestRegisterEndpoint_GeneratesSecret(t *testing.T) {
	m := newTestManager(t)

	ep, err := m.RegisterEndpoint(context.Background(), "https://example.com/hook", "", []string{"*"})
	if err != nil {
		t.Fatalf("RegisterEndpoint: %v", err)
	}
	if len(ep.Secret) != 64 {
		t.Errorf("expected 64-char hex secret, got %d chars", len(ep.Secret))
	}
}

func TestRegisterEndpoint_InvalidURL(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	cases := []string{"", "ftp://example.com/hook", "://bad"}
	for _, u := range cases {
		if _, err := m.RegisterEndpoint(ctx, u, "", []string{"*"}); err == nil {
			t.Errorf("expected error for url %q", u)
		}
	}
}

func TestListEndpoints_Pagination(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := m.RegisterEndpoint(ctx, "https://example.com/hook", "", []string{"*"}); err != nil {
			t.Fatalf("RegisterEndpoint: %v", err)
		}
	}

	page, total, err := m.store.ListEndpoints(ctx, 2, 2)
	if err != nil {
		t.Fatalf("ListEndpoints: %v", err)
	}
	if total != 5 {
		t.Errorf("expected total 5, got %d", total)
	}
	if len(page) != 2 {
		t.Errorf("expected page of 2, got %d", len(page))
	}
}

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"type":"batch.paid"}`)
	sig := SignPayload(payload, "secret")

	if !VerifySignature(payload, "secret", sig) {
		t.Error("expected signature to verify")
	}
	if VerifySignature(payload, "wrong", sig) {
		t.Error("expected verification to fail with wrong secret")
	}
	if VerifySignature([]byte("tampered"), "secret", sig) {
		t.Error("expected verification to fail with tampered payload")
	}
}

func TestEventMatches(t *testing.T) {
	cases := []struct {
		pattern, event string
		want           bool
	}{
		{"batch.paid", "batch.paid", true},
		{"batch.paid", "batch.rejected", false},
		{"batch.*", "batch.paid", true},
		{"batch.*", "rejection.created", false},
		{"*.resolved", "appeal.resolved", true},
		{"*.resolved", "batch.paid", false},
		{"*", "anything.at.all", true},
	}
	for _, tc := range cases {
		if got := eventMatches(tc.pattern, tc.event); got != tc.want {
			t.Errorf("eventMatches(%q, %q) = %v, want %v", tc.pattern, tc.event, got, tc.want)
		}
	}
}

func TestDeliver_SignsAndPosts(t *testing.T) {
	var gotSig, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Webhook-Signature")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := newTestManager(t)
	ctx := context.Background()
	ep, err := m.RegisterEndpoint(ctx, srv.URL, "secret", []string{"batch.paid"})
	if err != nil {
		t.Fatalf("RegisterEndpoint: %v", err)
	}

	evt := events.New("batch.paid", "Batch", "b1", map[string]string{"batch_id": "b1"})
	m.Deliver(ctx, evt)

	if gotSig == "" {
		t.Fatal("expected signed delivery")
	}
	if !VerifySignature([]byte(gotBody), "secret", strings.TrimPrefix(gotSig, "sha256=")) {
		t.Error("delivered signature does not verify against payload")
	}

	logs, total, err := m.DeliveryLogs(ctx, ep.ID, 10, 0)
	if err != nil {
		t.Fatalf("DeliveryLogs: %v", err)
	}
	if total != 1 || logs[0].Status != "success" {
		t.Errorf("expected one successful delivery, got total=%d", total)
	}
}

func TestDeliver_SkipsNonMatchingAndPaused(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.RegisterEndpoint(ctx, srv.URL, "s", []string{"rejection.created"}); err != nil {
		t.Fatalf("RegisterEndpoint: %v", err)
	}
	paused, err := m.RegisterEndpoint(ctx, srv.URL, "s", []string{"batch.paid"})
	if err != nil {
		t.Fatalf("RegisterEndpoint: %v", err)
	}
	if err := m.PauseEndpoint(ctx, paused.ID); err != nil {
		t.Fatalf("PauseEndpoint: %v", err)
	}

	m.Deliver(ctx, events.New("batch.paid", "Batch", "b1", nil))

	if n := atomic.LoadInt32(&hits); n != 0 {
		t.Errorf("expected no deliveries, got %d", n)
	}
}

func TestDeliver_RetriesOnFailure(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := newTestManager(t)
	ctx := context.Background()
	ep, err := m.RegisterEndpoint(ctx, srv.URL, "s", []string{"appeal.resolved"})
	if err != nil {
		t.Fatalf("RegisterEndpoint: %v", err)
	}

	m.Deliver(ctx, events.New("appeal.resolved", "Rejection", "r1", nil))

	if n := atomic.LoadInt32(&hits); n != 2 {
		t.Fatalf("expected 2 attempts, got %d", n)
	}
	logs, total, err := m.DeliveryLogs(ctx, ep.ID, 10, 0)
	if err != nil {
		t.Fatalf("DeliveryLogs: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected 2 logged attempts, got %d", total)
	}
	if logs[0].Status != "failed" || logs[1].Status != "success" {
		t.Errorf("expected failed then success, got %q then %q", logs[0].Status, logs[1].Status)
	}
}

func TestDeliver_GivesUpAfterMaxRetries(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	m := newTestManager(t)
	ctx := context.Background()
	if _, err := m.RegisterEndpoint(ctx, srv.URL, "s", []string{"batch.rejected"}); err != nil {
		t.Fatalf("RegisterEndpoint: %v", err)
	}

	m.Deliver(ctx, events.New("batch.rejected", "Batch", "b1", nil))

	if n := atomic.LoadInt32(&hits); n != 2 {
		t.Errorf("expected exactly 2 attempts, got %d", n)
	}
}

func TestRetryDelivery(t *testing.T) {
	var fail int32 = 1
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&fail) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := newTestManager(t, WithMaxRetries(1))
	ctx := context.Background()
	ep, err := m.RegisterEndpoint(ctx, srv.URL, "s", []string{"batch.paid"})
	if err != nil {
		t.Fatalf("RegisterEndpoint: %v", err)
	}

	m.Deliver(ctx, events.New("batch.paid", "Batch", "b1", nil))

	logs, _, err := m.DeliveryLogs(ctx, ep.ID, 10, 0)
	if err != nil || len(logs) == 0 {
		t.Fatalf("DeliveryLogs: logs=%d err=%v", len(logs), err)
	}
	if logs[0].Status != "failed" {
		t.Fatalf("expected failed first attempt, got %q", logs[0].Status)
	}

	atomic.StoreInt32(&fail, 0)
	d, err := m.RetryDelivery(ctx, logs[0].ID)
	if err != nil {
		t.Fatalf("RetryDelivery: %v", err)
	}
	if d.Status != "success" {
		t.Errorf("expected retried delivery to succeed, got %q", d.Status)
	}
	if d.Attempt != logs[0].Attempt+1 {
		t.Errorf("expected attempt %d, got %d", logs[0].Attempt+1, d.Attempt)
	}
}

func TestTestEndpoint(t *testing.T) {
	var gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt events.Event
		json.NewDecoder(r.Body).Decode(&evt)
		gotType = evt.Type
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := newTestManager(t)
	ctx := context.Background()
	ep, err := m.RegisterEndpoint(ctx, srv.URL, "s", []string{"batch.paid"})
	if err != nil {
		t.Fatalf("RegisterEndpoint: %v", err)
	}

	d, err := m.TestEndpoint(ctx, ep.ID)
	if err != nil {
		t.Fatalf("TestEndpoint: %v", err)
	}
	if d.Status != "success" {
		t.Errorf("expected success, got %q", d.Status)
	}
	if gotType != "webhook.test" {
		t.Errorf("expected webhook.test event, got %q", gotType)
	}
}

func TestHandler_RegisterAndGet(t *testing.T) {
	m := newTestManager(t)
	h := NewHandler(m)

	e := echo.New()
	h.RegisterRoutes(e.Group("/webhooks"))

	body := `{"url":"https://example.com/hook","events":["batch.paid","batch.rejected"]}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var ep Endpoint
	if err := json.Unmarshal(rec.Body.Bytes(), &ep); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	req = httptest.NewRequest(http.MethodGet, "/webhooks/"+ep.ID, nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_RegisterRejectsBadURL(t *testing.T) {
	m := newTestManager(t)
	h := NewHandler(m)

	e := echo.New()
	h.RegisterRoutes(e.Group("/webhooks"))

	req := httptest.NewRequest(http.MethodPost, "/webhooks", strings.NewReader(`{"url":"ftp://x","events":["*"]}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_PauseResume(t *testing.T) {
	m := newTestManager(t)
	h := NewHandler(m)
	ctx := context.Background()

	ep, err := m.RegisterEndpoint(ctx, "https://example.com/hook", "", []string{"*"})
	if err != nil {
		t.Fatalf("RegisterEndpoint: %v", err)
	}

	e := echo.New()
	h.RegisterRoutes(e.Group("/webhooks"))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+ep.ID+"/pause", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("pause: expected 200, got %d", rec.Code)
	}
	got, _ := m.store.GetEndpoint(ctx, ep.ID)
	if got.Status != "paused" {
		t.Errorf("expected paused, got %q", got.Status)
	}

	req = httptest.NewRequest(http.MethodPost, "/webhooks/"+ep.ID+"/resume", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("resume: expected 200, got %d", rec.Code)
	}
	got, _ = m.store.GetEndpoint(ctx, ep.ID)
	if got.Status != "active" {
		t.Errorf("expected active, got %q", got.Status)
	}
}

func TestHandler_DeleteEndpoint(t *testing.T) {
	m := newTestManager(t)
	h := NewHandler(m)
	ctx := context.Background()

	ep, err := m.RegisterEndpoint(ctx, "https://example.com/hook", "", []string{"*"})
	if err != nil {
		t.Fatalf("RegisterEndpoint: %v", err)
	}

	e := echo.New()
	h.RegisterRoutes(e.Group("/webhooks"))

	req := httptest.NewRequest(http.MethodDelete, "/webhooks/"+ep.ID, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if _, err := m.store.GetEndpoint(ctx, ep.ID); err == nil {
		t.Error("expected endpoint to be gone")
	}
}
