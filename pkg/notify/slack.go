// Package notify sends operator-facing ops notifications (circuit-breaker
// trips, STALE_GAP warnings, dead-letter events) to Slack.
package notify

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/slack-go/slack"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/shared/circuitbreaker"
)

// Notifier posts ops events to a fixed Slack channel. A circuit breaker
// guards the Slack API call itself so a Slack outage degrades to logging
// instead of blocking the caller.
type Notifier struct {
	client  *slack.Client
	channel string
	breaker *circuitbreaker.Breaker
	logger  logr.Logger
}

func NewNotifier(token, channel string, logger logr.Logger) *Notifier {
	return newNotifier(slack.New(token), channel, logger)
}

// NewNotifierWithAPIURL targets a non-default Slack API base URL, used by
// tests to point the client at an httptest server.
func NewNotifierWithAPIURL(token, channel, apiURL string, logger logr.Logger) *Notifier {
	return newNotifier(slack.New(token, slack.OptionAPIURL(apiURL)), channel, logger)
}

func newNotifier(client *slack.Client, channel string, logger logr.Logger) *Notifier {
	return &Notifier{
		client:  client,
		channel: channel,
		breaker: circuitbreaker.New(circuitbreaker.Config{Name: "slack-notify", MaxFailures: 5}),
		logger:  logger,
	}
}

func (n *Notifier) post(ctx context.Context, text string) {
	err := n.breaker.Execute(ctx, func(ctx context.Context) error {
		_, _, err := n.client.PostMessageContext(ctx, n.channel, slack.MsgOptionText(text, false))
		return err
	})
	if err != nil {
		n.logger.Error(err, "slack notification failed", "channel", n.channel)
	}
}

// CircuitBreakerTripped reports a pipeline-stage circuit breaker opening.
// A nil Notifier (ops notifications disabled) is a no-op.
func (n *Notifier) CircuitBreakerTripped(ctx context.Context, stage, partitionKey string) {
	if n == nil {
		return
	}
	n.post(ctx, fmt.Sprintf(":rotating_light: circuit breaker OPEN for stage `%s` on partition `%s`", stage, partitionKey))
}

// StaleGapWarning reports a sequence buffer gap release or stale-gap
// surfacing.
func (n *Notifier) StaleGapWarning(ctx context.Context, partitionKey string, sequence int64, released bool) {
	if n == nil {
		return
	}
	verb := "released with warning"
	if !released {
		verb = "flagged STALE_GAP"
	}
	n.post(ctx, fmt.Sprintf(":warning: sequence gap on partition `%s` at seq=%d %s", partitionKey, sequence, verb))
}

// DeadLetterEvent reports a trade landing in the dead-letter table.
func (n *Notifier) DeadLetterEvent(ctx context.Context, tradeID, partitionKey, stage, reason string) {
	if n == nil {
		return
	}
	n.post(ctx, fmt.Sprintf(":skull: trade `%s` (partition `%s`) dead-lettered at stage `%s`: %s", tradeID, partitionKey, stage, reason))
}
