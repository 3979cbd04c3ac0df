// Package publish provides the two concrete downstream Publisher
// implementations: an HTTP push to a downstream ingestion endpoint, and a
// Postgres LISTEN/NOTIFY fan-out for same-cluster subscribers.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/blotter"
)

// HTTPPublisher POSTs the committed blotter to a fixed downstream URL.
type HTTPPublisher struct {
	URL    string
	Client *http.Client
	Logger logr.Logger
}

func NewHTTPPublisher(url string, timeout time.Duration, logger logr.Logger) *HTTPPublisher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPPublisher{URL: url, Client: &http.Client{Timeout: timeout}, Logger: logger}
}

func (p *HTTPPublisher) Name() string { return "http" }

func (p *HTTPPublisher) Publish(ctx context.Context, b *blotter.SwapBlotter) error {
	body, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode blotter %s: %w", b.TradeID, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("publish blotter %s: %w", b.TradeID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("publish endpoint returned status %d for %s", resp.StatusCode, b.TradeID)
	}
	return nil
}
