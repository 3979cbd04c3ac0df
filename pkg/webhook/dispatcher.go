// Package webhook implements best-effort terminal-job notification
// delivery, decoupled from the processing pipeline via its own worker pool.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/internal/config"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/jobs"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/metrics"
)

// Body is the JSON payload POSTed to a job's callbackUrl.
type Body struct {
	JobID       string       `json:"jobId"`
	Status      jobs.Status  `json:"status"`
	Progress    int          `json:"progress"`
	Message     string       `json:"message,omitempty"`
	TradeID     string       `json:"tradeId,omitempty"`
	TradeStatus string       `json:"tradeStatus,omitempty"`
	SwapBlotter any          `json:"swapBlotter,omitempty"`
	Error       *jobs.JobErr `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// Delivery is one queued webhook send.
type Delivery struct {
	CallbackURL string
	Body        Body
}

// Dispatcher POSTs terminal-job notifications on its own bounded worker
// pool so a slow or unreachable callback endpoint can never stall the
// processing pipeline.
type Dispatcher struct {
	client      *http.Client
	tokenSource oauth2TokenSource
	queue       chan Delivery
	maxAttempts int
	backoffStep time.Duration
	logger      logr.Logger
	wg          sync.WaitGroup
}

// oauth2TokenSource is the subset of oauth2.TokenSource this package needs,
// narrowed so a nil value (OAuth disabled) is a trivially checkable zero
// value rather than a typed-nil interface footgun.
type oauth2TokenSource interface {
	Token() (*oauthToken, error)
}

type oauthToken struct {
	AccessToken string
	TokenType   string
}

type ccTokenSource struct {
	cfg *clientcredentials.Config
}

func (s *ccTokenSource) Token() (*oauthToken, error) {
	t, err := s.cfg.Token(context.Background())
	if err != nil {
		return nil, err
	}
	return &oauthToken{AccessToken: t.AccessToken, TokenType: t.Type()}, nil
}

func NewDispatcher(cfg config.WebhookConfig, logger logr.Logger) *Dispatcher {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	backoff := cfg.BackoffPerTry
	if backoff <= 0 {
		backoff = time.Second
	}
	poolSize := cfg.WorkerPoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	var ts oauth2TokenSource
	if cfg.OAuth.Enabled {
		ts = &ccTokenSource{cfg: &clientcredentials.Config{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			TokenURL:     cfg.OAuth.TokenURL,
			Scopes:       cfg.OAuth.Scopes,
		}}
	}

	d := &Dispatcher{
		client:      &http.Client{Timeout: timeout},
		tokenSource: ts,
		queue:       make(chan Delivery, poolSize*16),
		maxAttempts: maxAttempts,
		backoffStep: backoff,
		logger:      logger,
	}
	d.wg.Add(poolSize)
	for i := 0; i < poolSize; i++ {
		go d.runWorker()
	}
	return d
}

// Enqueue schedules a delivery without blocking the caller. If the internal
// queue is full the send is dropped and logged: never blocking the pipeline
// wins over guaranteed delivery.
func (d *Dispatcher) Enqueue(delivery Delivery) {
	if delivery.CallbackURL == "" {
		return
	}
	select {
	case d.queue <- delivery:
	default:
		d.logger.Info("webhook queue full, dropping delivery", "jobId", delivery.Body.JobID, "callbackUrl", delivery.CallbackURL)
	}
}

// Close stops accepting new deliveries and waits for the queue to drain.
func (d *Dispatcher) Close() {
	close(d.queue)
	d.wg.Wait()
}

func (d *Dispatcher) runWorker() {
	defer d.wg.Done()
	for delivery := range d.queue {
		d.deliver(delivery)
	}
}

// deliver retries up to maxAttempts times with linear backoffStep*attempt
// backoff. Exhaustion is logged but never mutates job state.
func (d *Dispatcher) deliver(delivery Delivery) {
	payload, err := json.Marshal(delivery.Body)
	if err != nil {
		d.logger.Error(err, "webhook body encode failed", "jobId", delivery.Body.JobID)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if err := d.post(delivery.CallbackURL, payload); err != nil {
			lastErr = err
			if attempt < d.maxAttempts {
				time.Sleep(time.Duration(attempt) * d.backoffStep)
			}
			continue
		}
		metrics.RecordWebhookDelivery("delivered")
		return
	}
	metrics.RecordWebhookDelivery("exhausted")
	d.logger.Error(lastErr, "webhook delivery exhausted retries", "jobId", delivery.Body.JobID, "callbackUrl", delivery.CallbackURL, "attempts", d.maxAttempts)
}

func (d *Dispatcher) post(url string, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.tokenSource != nil {
		tok, terr := d.tokenSource.Token()
		if terr != nil {
			return fmt.Errorf("acquire oauth2 token for webhook: %w", terr)
		}
		req.Header.Set("Authorization", tok.TokenType+" "+tok.AccessToken)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
