package fanout

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rmoriz/eventsubbridge/internal/registry"
)

// defaultWebhookWorkers matches the teacher's default retry worker count
// in internal/retry.Manager.
const defaultWebhookWorkers = 32

// maxWebhookAttempts bounds retries for network errors and 5xx
// responses; 4xx responses are never retried (see DESIGN.md).
const maxWebhookAttempts = 3

// webhookJobQueueSize bounds how many outbound deliveries can be queued.
// When the queue is full, Deliver/DeliverError drop the new delivery
// (and log it) rather than blocking the caller (the upstream WS read
// loop or webhook ingress handler); queued jobs are never evicted to
// make room for it.
const webhookJobQueueSize = 1024

const userAgent = "eventsubbridge/1"

// SigningSecretResolver resolves a service's HMAC signing secret for
// outbound webhook delivery. Implemented by internal/config for this
// deployment's static, operator-configured service registry.
type SigningSecretResolver interface {
	ResolveSigningSecret(serviceID string) (string, error)
}

type webhookJob struct {
	ctx      context.Context
	interest registry.Interest
	message  wireMessage
}

type webhookDispatcher struct {
	logger  *slog.Logger
	client  *http.Client
	secrets SigningSecretResolver
	metrics Metrics
	workers int

	jobs       chan webhookJob
	wg         sync.WaitGroup
	stopCancel context.CancelFunc
}

func newWebhookDispatcher(logger *slog.Logger, workers int, secrets SigningSecretResolver) *webhookDispatcher {
	if workers <= 0 {
		workers = defaultWebhookWorkers
	}
	return &webhookDispatcher{
		logger:  logger,
		client:  &http.Client{Timeout: 5 * time.Second},
		secrets: secrets,
		workers: workers,
		jobs:    make(chan webhookJob, webhookJobQueueSize),
	}
}

func (d *webhookDispatcher) start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.stopCancel = cancel

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

func (d *webhookDispatcher) stop(deadline time.Duration) {
	if d.stopCancel != nil {
		d.stopCancel()
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		if d.logger != nil {
			d.logger.Warn("webhook dispatcher did not drain before deadline", "deadline", deadline)
		}
	}
}

func (d *webhookDispatcher) enqueue(ctx context.Context, in registry.Interest, msg wireMessage) {
	job := webhookJob{ctx: ctx, interest: in, message: msg}
	select {
	case d.jobs <- job:
	default:
		if d.logger != nil {
			d.logger.Warn("webhook delivery queue full, dropping delivery",
				"service_id", in.ServiceID, "webhook_url", in.WebhookURL)
		}
	}
}

func (d *webhookDispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			// Deliver whatever is still queued before exiting; stop's
			// deadline bounds how long the caller waits for this.
			for {
				select {
				case job, ok := <-d.jobs:
					if !ok {
						return
					}
					d.deliver(job)
				default:
					return
				}
			}
		case job, ok := <-d.jobs:
			if !ok {
				return
			}
			d.deliver(job)
		}
	}
}

// retryableDeliveryError marks a failed delivery attempt as worth
// retrying (network error or 5xx); 4xx responses are terminal.
type retryableDeliveryError struct{ err error }

func (e *retryableDeliveryError) Error() string { return e.err.Error() }
func (e *retryableDeliveryError) Unwrap() error { return e.err }

func (d *webhookDispatcher) deliver(job webhookJob) {
	payload, err := json.Marshal(job.message)
	if err != nil {
		if d.logger != nil {
			d.logger.Error("failed to marshal webhook payload", "error", err)
		}
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, maxWebhookAttempts-1), job.ctx)

	attempt := 0
	op := func() error {
		attempt++
		return d.deliverOnce(job, payload, attempt)
	}

	if err := backoff.Retry(op, policy); err != nil {
		if d.logger != nil {
			d.logger.Warn("webhook delivery exhausted retries",
				"webhook_url", job.interest.WebhookURL, "attempts", attempt, "error", err)
		}
	}
}

// deliverOnce sends a single attempt, returning a *retryableDeliveryError
// for network failures and 5xx responses so backoff.Retry retries them,
// and a plain (non-retried) error or nil for everything else.
func (d *webhookDispatcher) deliverOnce(job webhookJob, payload []byte, attempt int) error {
	req, err := http.NewRequestWithContext(job.ctx, http.MethodPost, job.interest.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		if d.logger != nil {
			d.logger.Error("failed to build webhook delivery request", "webhook_url", job.interest.WebhookURL, "error", err)
		}
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Eventsub-Bridge-Kind", job.message.Kind)

	if secret, serr := d.secrets.ResolveSigningSecret(job.interest.ServiceID); serr == nil && secret != "" {
		req.Header.Set("X-Signature-256", signPayload(secret, payload))
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		if d.logger != nil {
			d.logger.Warn("webhook delivery attempt failed", "webhook_url", job.interest.WebhookURL, "attempt", attempt, "error", err, "duration", time.Since(start))
		}
		return &retryableDeliveryError{err}
	}
	defer resp.Body.Close()

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	if d.metrics != nil {
		d.metrics.RecordFanoutDelivery(job.ctx, "webhook", success, time.Since(start))
	}
	if d.logger != nil {
		level := slog.LevelInfo
		if !success {
			level = slog.LevelWarn
		}
		d.logger.Log(job.ctx, level, "webhook delivery attempt completed",
			"webhook_url", job.interest.WebhookURL, "attempt", attempt, "status_code", resp.StatusCode,
			"success", success, "duration", time.Since(start))
	}

	if resp.StatusCode >= 500 {
		return &retryableDeliveryError{fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)}
	}
	// 4xx responses are terminal; the interest is never auto-disabled
	// here (see DESIGN.md).
	return nil
}

// signPayload computes the HMAC-SHA256 signature used on every outbound
// webhook delivery, mirroring itsjustintv's webhook.Validator.GenerateSignature
// with the algorithm fixed to sha256 (this bridge's transport.secret is
// always a single shared value, not per-algorithm negotiated).
func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return fmt.Sprintf("sha256=%s", hex.EncodeToString(mac.Sum(nil)))
}
