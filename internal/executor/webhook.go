package executor

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"github.com/djlord-it/cronfleet/internal/circuitbreaker"
	"github.com/djlord-it/cronfleet/internal/metrics"
	"github.com/djlord-it/cronfleet/internal/retry"
)

// KindWebhook is the built-in job kind that POSTs the firing to an HTTP
// endpoint. Job or trigger data keys:
//
//	url            endpoint (required)
//	secret         HMAC-SHA256 key for X-Cronfleet-Signature
//	timeout        per-request timeout, Go duration (default 30s)
//	attempts       tries per firing for retryable failures (default 1)
//	max_per_minute rate limit per endpoint (default unlimited)
const KindWebhook = "webhook"

const (
	HeaderFiringID  = "X-Cronfleet-Firing-ID"
	HeaderSignature = "X-Cronfleet-Signature"
)

var ErrRateLimited = errors.New("webhook rate limit exceeded")

const defaultWebhookTimeout = 30 * time.Second

// WebhookMetrics must not block.
type WebhookMetrics interface {
	WebhookAttemptCompleted(statusClass string, duration time.Duration)
}

type WebhookPayload struct {
	FiringID          string            `json:"firing_id"`
	Node              string            `json:"node"`
	Job               string            `json:"job"`
	Trigger           string            `json:"trigger"`
	ScheduledFireTime string            `json:"scheduled_fire_time"`
	FireTime          string            `json:"fire_time"`
	Recovering        bool              `json:"recovering"`
	Data              map[string]string `json:"data,omitempty"`
}

type WebhookResult struct {
	StatusCode int
	Error      error
	Duration   time.Duration
}

func (r WebhookResult) IsSuccess() bool {
	return r.Error == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

func (r WebhookResult) IsRetryable() bool {
	if r.Error != nil {
		return true
	}
	if r.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return r.StatusCode >= 500
}

type Webhook struct {
	client  *http.Client
	breaker *circuitbreaker.Breaker // optional, nil = disabled
	metrics WebhookMetrics          // optional, nil = disabled
	backoff func() *retry.Backoff

	mu       sync.Mutex
	limiters map[string]*endpointLimiter
}

// endpointLimiter remembers the limit it was built for; a job changing
// max_per_minute gets a fresh limiter.
type endpointLimiter struct {
	perMinute int
	limiter   *rate.Limiter
}

func NewWebhook() *Webhook {
	return &Webhook{
		client:   &http.Client{},
		backoff:  func() *retry.Backoff { return retry.New(time.Second, 30*time.Second) },
		limiters: make(map[string]*endpointLimiter),
	}
}

func (w *Webhook) WithClient(c *http.Client) *Webhook {
	w.client = c
	return w
}

func (w *Webhook) WithBreaker(b *circuitbreaker.Breaker) *Webhook {
	w.breaker = b
	return w
}

func (w *Webhook) WithMetrics(m WebhookMetrics) *Webhook {
	w.metrics = m
	return w
}

// Execute delivers the firing. Non-2xx responses fail the firing.
func (w *Webhook) Execute(ctx context.Context, jc *JobContext) error {
	url := jc.Data["url"]
	if url == "" {
		return errors.New("webhook job has no url")
	}
	if w.breaker != nil {
		if err := w.breaker.Allow(url); err != nil {
			return err
		}
	}
	if !w.allow(url, jc.Data["max_per_minute"]) {
		return errors.Wrapf(ErrRateLimited, "endpoint %s", url)
	}

	timeout := defaultWebhookTimeout
	if v := jc.Data["timeout"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return errors.Newf("invalid webhook timeout %q", v)
		}
		timeout = d
	}
	attempts := 1
	if v := jc.Data["attempts"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return errors.Newf("invalid webhook attempts %q", v)
		}
		attempts = n
	}

	body, err := json.Marshal(WebhookPayload{
		FiringID:          jc.FiringID.String(),
		Node:              jc.NodeID,
		Job:               jc.JobKey.String(),
		Trigger:           jc.TriggerKey.String(),
		ScheduledFireTime: jc.ScheduledFireTime.UTC().Format(time.RFC3339),
		FireTime:          jc.FireTime.UTC().Format(time.RFC3339),
		Recovering:        jc.Recovering,
		Data:              publicData(jc.Data),
	})
	if err != nil {
		return errors.Wrap(err, "marshal webhook payload")
	}

	backoff := w.backoff()
	var last WebhookResult
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 && !retry.Sleep(ctx, backoff.Next()) {
			return ctx.Err()
		}

		last = w.send(ctx, url, jc.Data["secret"], jc.FiringID.String(), timeout, body)
		if w.metrics != nil {
			w.metrics.WebhookAttemptCompleted(metrics.ClassifyStatus(last.StatusCode, last.Error), last.Duration)
		}
		if last.IsSuccess() {
			if w.breaker != nil {
				w.breaker.RecordSuccess(url)
			}
			return nil
		}
		if !last.IsRetryable() {
			break
		}
	}

	if w.breaker != nil {
		w.breaker.RecordFailure(url)
	}
	if last.Error != nil {
		return last.Error
	}
	return errors.Newf("webhook returned status %d", last.StatusCode)
}

func (w *Webhook) send(ctx context.Context, url, secret, firingID string, timeout time.Duration, body []byte) WebhookResult {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return WebhookResult{Error: errors.Wrap(err, "create request"), Duration: time.Since(start)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderFiringID, firingID)
	req.Header.Set(HeaderSignature, computeSignature(secret, body))

	resp, err := w.client.Do(req)
	if err != nil {
		return WebhookResult{Error: errors.Wrap(err, "send"), Duration: time.Since(start)}
	}
	// drain so the connection goes back to the pool
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	return WebhookResult{StatusCode: resp.StatusCode, Duration: time.Since(start)}
}

func (w *Webhook) allow(url, perMinute string) bool {
	n, err := strconv.Atoi(perMinute)
	if err != nil || n <= 0 {
		return true
	}
	w.mu.Lock()
	l, ok := w.limiters[url]
	if !ok || l.perMinute != n {
		l = &endpointLimiter{perMinute: n, limiter: rate.NewLimiter(rate.Limit(float64(n)/60.0), 1)}
		w.limiters[url] = l
	}
	w.mu.Unlock()
	return l.limiter.Allow()
}

// publicData drops the keys that configure delivery itself.
func publicData(data map[string]string) map[string]string {
	out := make(map[string]string, len(data))
	for k, v := range data {
		switch k {
		case "url", "secret", "timeout", "attempts", "max_per_minute":
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for receivers to check an incoming webhook.
func VerifySignature(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(computeSignature(secret, body)), []byte(signature))
}
