package stream

import (
	"context"
	"encoding/json"

	"backend-salesrephub/internal/metrics"
	"backend-salesrephub/internal/shift"
)

// Sink relays shift events to the operator's websocket viewers.
type Sink struct {
	hub *Hub
}

func NewSink(hub *Hub) *Sink {
	return &Sink{hub: hub}
}

func (s *Sink) Publish(_ context.Context, e shift.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		metrics.EventsPublished.WithLabelValues("websocket", "error").Inc()
		return err
	}
	s.hub.Broadcast(e.OperatorID, payload)
	metrics.EventsPublished.WithLabelValues("websocket", "ok").Inc()
	return nil
}
