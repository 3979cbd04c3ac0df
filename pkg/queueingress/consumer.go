package queueingress

import (
	"context"
	"regexp"
	"time"

	"github.com/go-logr/logr"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/internal/apperrors"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/internal/config"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/internal/ingress"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/backpressure"
)

// topicPattern matches the per-partition topic naming convention:
// trade/capture/input/<sanitized-partitionKey>.
var topicPattern = regexp.MustCompile(`^trade/capture/input/.+$`)

// Consumer drains every trade/capture/input/* topic as one consumer group,
// decoding each record's value with Decode and handing the result to the
// shared ingress.Service. It is the queue counterpart of the REST adapter
// in internal/api.
type Consumer struct {
	client       *kgo.Client
	admin        *kadm.Client
	group        string
	ingress      *ingress.Service
	backpressure *backpressure.Controller
	logger       logr.Logger
	pausePoll    time.Duration
}

// NewConsumer builds a franz-go client subscribed via regex to every
// per-partition topic and ready to be driven by Run.
func NewConsumer(cfg config.QueueConfig, svc *ingress.Service, bp *backpressure.Controller, logger logr.Logger) (*Consumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeRegex(),
		kgo.ConsumeTopics(topicPattern.String()),
		kgo.BlockRebalanceOnPoll(),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindUnavailable, "create kafka consumer client")
	}
	return &Consumer{
		client:       client,
		admin:        kadm.NewClient(client),
		group:        cfg.ConsumerGroup,
		ingress:      svc,
		backpressure: bp,
		logger:       logger,
		pausePoll:    250 * time.Millisecond,
	}, nil
}

// RunLagReporter periodically queries the consumer group's committed-offset
// lag via kadm and reports the worst-lagging partition into the
// backpressure controller. Run it in its own goroutine alongside Run.
func (c *Consumer) RunLagReporter(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lags, err := c.admin.Lag(ctx, c.group)
			if err != nil {
				c.logger.Error(err, "fetch consumer group lag failed", "group", c.group)
				continue
			}
			var worst int64
			lags.Each(func(gl kadm.DescribedGroupLag) {
				for _, l := range gl.Lag.Sorted() {
					if l.Lag > worst {
						worst = l.Lag
					}
				}
			})
			c.backpressure.RecordConsumerLag(worst)
		}
	}
}

// Run drives the poll loop until ctx is cancelled. While CanProcessMessage
// reports false, polling is suspended rather than pulling and buffering
// more records the worker pool cannot absorb yet.
func (c *Consumer) Run(ctx context.Context) {
	defer c.client.Close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !c.backpressure.CanProcessMessage() {
			c.logger.V(1).Info("queue consumer paused: backpressure thresholds exceeded")
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.pausePoll):
			}
			continue
		}

		fetches := c.client.PollFetches(ctx)
		if ctx.Err() != nil {
			c.client.AllowRebalance()
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error(err, "kafka fetch error", "topic", topic, "partition", partition)
		})

		c.backpressure.RecordQueueDepth(int64(fetches.NumRecords()))

		fetches.EachRecord(func(rec *kgo.Record) {
			c.handleRecord(ctx, rec)
		})

		if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
			c.logger.Error(err, "commit offsets failed")
		}
		c.client.AllowRebalance()
	}
}

func (c *Consumer) handleRecord(ctx context.Context, rec *kgo.Record) {
	correlationID := ""
	for _, h := range rec.Headers {
		if h.Key == "correlationId" {
			correlationID = string(h.Value)
		}
	}

	req, err := Decode(rec.Value)
	if err != nil {
		c.logger.Error(err, "decode queue record failed", "topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset)
		return
	}
	req.CorrelationID = correlationID

	if _, err := c.ingress.SubmitQueued(ctx, req); err != nil {
		c.logger.Error(err, "submit queued trade failed", "tradeId", req.TradeID, "topic", rec.Topic)
	}
}

// Close releases the underlying client outside of Run (e.g. if NewConsumer
// succeeded but Run was never started).
func (c *Consumer) Close() {
	c.client.Close()
}
