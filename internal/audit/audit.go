package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafkax "github.com/ariefcatur/go-fulfillment-engine.git/internal/kafka"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/logger"
	"github.com/jackc/pgx/v5/pgconn"
	kafkago "github.com/segmentio/kafka-go"
)

type Entry struct {
	EventID    string
	OrderID    string
	EventType  string
	Payload    json.RawMessage
	OccurredAt time.Time
}

type Sink interface {
	Insert(ctx context.Context, e Entry) (bool, error)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGSink appends to order_audit_log. Redelivered events are absorbed by
// the event_id primary key.
type PGSink struct{ DB execer }

func (s *PGSink) Insert(ctx context.Context, e Entry) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO order_audit_log(event_id, order_id, event_type, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING`,
		e.EventID, e.OrderID, e.EventType, []byte(e.Payload), e.OccurredAt)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

// Recorder consumes lifecycle topics into the audit log.
type Recorder struct {
	sink Sink
	log  *logger.Logger
}

func NewRecorder(sink Sink, log *logger.Logger) *Recorder {
	if log == nil {
		log = logger.Nop()
	}
	return &Recorder{sink: sink, log: log}
}

// Handle is a kafka.Handler. Undecodable messages are logged and skipped so
// one bad record never wedges the partition.
func (r *Recorder) Handle(ctx context.Context, m kafkago.Message) error {
	env, err := kafkax.UnmarshalEnvelope(m.Value)
	if err != nil {
		lctx := r.log.WithFields(ctx, map[string]any{"topic": m.Topic, "offset": m.Offset})
		r.log.Warn(lctx, "skipping undecodable event", err)
		return nil
	}
	orderID := env.CorrelationID
	if orderID == "" {
		orderID = string(m.Key)
	}
	payload := env.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	inserted, err := r.sink.Insert(ctx, Entry{
		EventID:    env.EventID,
		OrderID:    orderID,
		EventType:  env.EventType,
		Payload:    payload,
		OccurredAt: env.OccurredAt,
	})
	if err != nil {
		return fmt.Errorf("audit insert %s: %w", env.EventID, err)
	}
	ctx = r.log.WithFields(ctx, map[string]any{"order_id": orderID, "event_type": env.EventType, "duplicate": !inserted})
	r.log.Debug(ctx, "audit event recorded")
	return nil
}
