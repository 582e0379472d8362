// Package events publishes tracking session events to NATS JetStream.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"backend-salesrephub/internal/metrics"
	"backend-salesrephub/internal/shift"
)

const (
	StreamName    = "FIELD_VISITS"
	SubjectPrefix = "fieldvisit.events"
)

type jetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Publisher implements shift.Sink on JetStream.
type Publisher struct {
	conn *nats.Conn
	js   jetStream
}

// NewPublisher connects to NATS and makes sure the stream exists.
func NewPublisher(url string) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	cfg := &nats.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{SubjectPrefix + ".>"},
		Retention: nats.InterestPolicy,
		MaxAge:    72 * time.Hour,
		Storage:   nats.FileStorage,
	}
	if _, err := js.AddStream(cfg); err != nil {
		if _, err := js.UpdateStream(cfg); err != nil {
			conn.Close()
			return nil, fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
		}
	}

	return &Publisher{conn: conn, js: js}, nil
}

// Subject is fieldvisit.events.<kind>.<operator>.
func Subject(e shift.Event) string {
	op := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(e.OperatorID)
	if op == "" {
		op = "unknown"
	}
	return SubjectPrefix + "." + string(e.Kind) + "." + op
}

// Publish sends e. Raw position samples are not published; the tracking
// tables already keep them.
func (p *Publisher) Publish(ctx context.Context, e shift.Event) error {
	if e.Kind == shift.EventPosition {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	msgID := fmt.Sprintf("%s-%s-%s-%d", e.SessionID, e.Kind, e.TargetID, e.At.UnixNano())
	if _, err := p.js.Publish(Subject(e), data, nats.Context(ctx), nats.MsgId(msgID)); err != nil {
		metrics.EventsPublished.WithLabelValues("nats", "error").Inc()
		return fmt.Errorf("publish %s: %w", e.Kind, err)
	}
	metrics.EventsPublished.WithLabelValues("nats", "ok").Inc()
	return nil
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	if p.conn != nil {
		_ = p.conn.Drain()
	}
}
