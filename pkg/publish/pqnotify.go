package publish

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/lib/pq"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/blotter"
)

// PqNotifyPublisher fans out a committed blotter to same-cluster
// subscribers via Postgres LISTEN/NOTIFY, using the database the blotter
// was just committed to as the transport — no separate broker dependency
// for intra-cluster consumers.
type PqNotifyPublisher struct {
	db      *sql.DB
	channel string
	logger  logr.Logger
}

func NewPqNotifyPublisher(db *sql.DB, channel string, logger logr.Logger) *PqNotifyPublisher {
	return &PqNotifyPublisher{db: db, channel: channel, logger: logger}
}

func (p *PqNotifyPublisher) Name() string { return "pq_notify" }

func (p *PqNotifyPublisher) Publish(ctx context.Context, b *blotter.SwapBlotter) error {
	payload, err := json.Marshal(struct {
		TradeID      string `json:"tradeId"`
		PartitionKey string `json:"partitionKey"`
		State        string `json:"state"`
	}{TradeID: b.TradeID, PartitionKey: b.PartitionKey, State: string(b.State)})
	if err != nil {
		return fmt.Errorf("encode notify payload for %s: %w", b.TradeID, err)
	}
	// pq.Notify escapes the payload for us via pg_notify().
	_, err = p.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, p.channel, string(payload))
	if err != nil {
		return fmt.Errorf("pg_notify %s: %w", b.TradeID, err)
	}
	return nil
}

// NewListener opens a dedicated LISTEN connection for subscribers of this
// publisher's channel (e.g. an ops dashboard or a same-cluster consumer),
// using lib/pq's connection-level listener rather than a pooled *sql.DB
// connection, since LISTEN must stay bound to one backend.
func NewListener(connStr string, minReconnect, maxReconnect time.Duration, eventCallback func(ev pq.ListenerEventType, err error)) *pq.Listener {
	return pq.NewListener(connStr, minReconnect, maxReconnect, eventCallback)
}
