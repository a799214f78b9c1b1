package executor

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/djlord-it/cronfleet/internal/circuitbreaker"
	"github.com/djlord-it/cronfleet/internal/domain"
	"github.com/djlord-it/cronfleet/internal/metrics"
	"github.com/djlord-it/cronfleet/internal/retry"
	"github.com/djlord-it/cronfleet/internal/testutil"
)

type recordingWebhookMetrics struct {
	mu      sync.Mutex
	classes []string
}

func (m *recordingWebhookMetrics) WebhookAttemptCompleted(statusClass string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classes = append(m.classes, statusClass)
}

func fastWebhook() *Webhook {
	w := NewWebhook()
	w.backoff = func() *retry.Backoff { return &retry.Backoff{Base: time.Millisecond, Max: time.Millisecond} }
	return w
}

func webhookContext(url string, extra map[string]string) *JobContext {
	data := map[string]string{"url": url, "secret": "s3cret"}
	for k, v := range extra {
		data[k] = v
	}
	return &JobContext{
		FiringID:          uuid.MustParse("6f1c2a52-3a8e-4c53-9a51-0d3e6f6c9b11"),
		NodeID:            "node-a",
		JobKey:            domain.NewJobKey("billing", "invoice"),
		TriggerKey:        domain.NewTriggerKey("billing", "nightly"),
		Kind:              KindWebhook,
		Data:              data,
		ScheduledFireTime: testutil.T0,
		FireTime:          testutil.T0.Add(30 * time.Second),
	}
}

func TestWebhook_Success(t *testing.T) {
	var gotHeaders http.Header
	var gotMethod string
	var gotBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header
		gotMethod = r.Method
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m := &recordingWebhookMetrics{}
	jc := webhookContext(server.URL, map[string]string{"region": "eu"})
	if err := fastWebhook().WithMetrics(m).Execute(context.Background(), jc); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	if gotMethod != http.MethodPost {
		t.Errorf("expected POST, got %s", gotMethod)
	}
	if ct := gotHeaders.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if id := gotHeaders.Get(HeaderFiringID); id != jc.FiringID.String() {
		t.Errorf("%s = %q, want %s", HeaderFiringID, id, jc.FiringID)
	}

	var payload WebhookPayload
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("failed to unmarshal body: %v", err)
	}
	if payload.Job != "billing.invoice" || payload.Trigger != "billing.nightly" {
		t.Errorf("payload keys = %q/%q", payload.Job, payload.Trigger)
	}
	if payload.ScheduledFireTime != "2024-01-15T10:00:00Z" || payload.FireTime != "2024-01-15T10:00:30Z" {
		t.Errorf("payload times = %q/%q", payload.ScheduledFireTime, payload.FireTime)
	}
	if payload.Data["region"] != "eu" {
		t.Errorf("payload data = %v, want region=eu", payload.Data)
	}
	if _, leaked := payload.Data["secret"]; leaked {
		t.Error("secret must not be sent in the payload")
	}

	if len(m.classes) != 1 || m.classes[0] != metrics.StatusClass2xx {
		t.Errorf("metrics classes = %v, want [2xx]", m.classes)
	}
}

func TestWebhook_SignatureCorrect(t *testing.T) {
	var gotSignature string
	var gotBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get(HeaderSignature)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	if err := fastWebhook().Execute(context.Background(), webhookContext(server.URL, nil)); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(gotBody)
	if want := hex.EncodeToString(mac.Sum(nil)); gotSignature != want {
		t.Errorf("signature mismatch:\n  got:  %s\n  want: %s", gotSignature, want)
	}
}

func TestWebhook_MissingURL(t *testing.T) {
	jc := webhookContext("", nil)
	delete(jc.Data, "url")
	if err := fastWebhook().Execute(context.Background(), jc); err == nil {
		t.Fatal("expected error for missing url")
	}
}

func TestWebhook_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	err := fastWebhook().Execute(context.Background(), webhookContext(server.URL, map[string]string{"attempts": "3"}))
	if err == nil {
		t.Fatal("expected failure on 400")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestWebhook_ServerErrorRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m := &recordingWebhookMetrics{}
	err := fastWebhook().WithMetrics(m).Execute(context.Background(), webhookContext(server.URL, map[string]string{"attempts": "3"}))
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(m.classes) != 3 || m.classes[0] != metrics.StatusClass5xx {
		t.Errorf("metrics classes = %v", m.classes)
	}
}

func TestWebhook_InvalidOptions(t *testing.T) {
	for _, extra := range []map[string]string{
		{"timeout": "soon"},
		{"timeout": "-1s"},
		{"attempts": "0"},
	} {
		if err := fastWebhook().Execute(context.Background(), webhookContext("http://127.0.0.1:1", extra)); err == nil {
			t.Errorf("expected error for %v", extra)
		}
	}
}

func TestWebhook_ConnectionError(t *testing.T) {
	err := fastWebhook().Execute(context.Background(), webhookContext("http://localhost:1", map[string]string{"timeout": "1s"}))
	if err == nil {
		t.Error("expected connection error, got nil")
	}
}

func TestWebhook_BreakerOpensAfterFailures(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	breaker := circuitbreaker.New(2, time.Hour)
	wh := fastWebhook().WithBreaker(breaker)
	jc := webhookContext(server.URL, nil)

	_ = wh.Execute(context.Background(), jc)
	_ = wh.Execute(context.Background(), jc)
	err := wh.Execute(context.Background(), jc)
	if !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Fatalf("third Execute() = %v, want ErrOpen", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestWebhook_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	wh := fastWebhook()
	jc := webhookContext(server.URL, map[string]string{"max_per_minute": "1"})

	if err := wh.Execute(context.Background(), jc); err != nil {
		t.Fatalf("first Execute() error: %v", err)
	}
	if err := wh.Execute(context.Background(), jc); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second Execute() = %v, want ErrRateLimited", err)
	}
}

func TestWebhook_RateLimitFollowsConfiguredValue(t *testing.T) {
	wh := fastWebhook()
	const url = "http://hooks.example.com/a"

	if !wh.allow(url, "1") {
		t.Fatal("first call must be allowed")
	}
	if wh.allow(url, "1") {
		t.Fatal("second call within the minute must be limited")
	}
	// the job now allows more per minute; the old budget must not stick
	if !wh.allow(url, "120") {
		t.Error("raised limit must take effect immediately")
	}
	if !wh.allow("http://hooks.example.com/b", "1") {
		t.Error("limits are per endpoint")
	}
}

func TestWebhook_ReusesConnection(t *testing.T) {
	var conns int32
	server := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"accepted","detail":"queued for processing"}`))
	}))
	server.Config.ConnState = func(_ net.Conn, state http.ConnState) {
		if state == http.StateNew {
			atomic.AddInt32(&conns, 1)
		}
	}
	server.Start()
	defer server.Close()

	wh := fastWebhook().WithClient(server.Client())
	jc := webhookContext(server.URL, nil)
	for i := 0; i < 3; i++ {
		if err := wh.Execute(context.Background(), jc); err != nil {
			t.Fatalf("Execute() %d error: %v", i, err)
		}
	}

	if got := atomic.LoadInt32(&conns); got != 1 {
		t.Errorf("opened %d connections for 3 deliveries, want 1", got)
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"job":"DEFAULT.j1"}`)
	sig := computeSignature("test-secret", body)

	if !VerifySignature("test-secret", body, sig) {
		t.Error("VerifySignature should accept a valid signature")
	}
	if VerifySignature("wrong-secret", body, sig) {
		t.Error("VerifySignature should reject the wrong secret")
	}
	if VerifySignature("test-secret", []byte(`{"job":"DEFAULT.j2"}`), sig) {
		t.Error("VerifySignature should reject a tampered body")
	}
	if len(sig) != 64 {
		t.Errorf("signature length = %d, want 64 hex chars", len(sig))
	}
}
