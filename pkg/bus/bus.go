// Package bus publishes freshd run outcomes to NATS JetStream so a
// fleet operator can aggregate update activity across hosts. freshd
// only emits events; it subscribes to nothing.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const outcomeSubject = "freshd.runs.finished"

// OutcomeEvent describes one completed protocol run.
type OutcomeEvent struct {
	RunID     uuid.UUID `json:"run_id"`
	Artifact  string    `json:"artifact"`
	Arch      string    `json:"arch"`
	Decision  string    `json:"decision"`
	Outcome   string    `json:"outcome"`
	Previous  string    `json:"previous_indicator,omitempty"`
	Current   string    `json:"current_indicator"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// Bus wraps a NATS JetStream connection used for outcome publishing.
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// Connect dials the provided NATS endpoint and prepares a JetStream
// context.
func Connect(url string, opts ...nats.Option) (*Bus, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &Bus{conn: nc, js: js}, nil
}

// Close drains and shuts down the underlying NATS connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// PublishOutcome emits the event on the freshd outcome subject.
func (b *Bus) PublishOutcome(ctx context.Context, evt OutcomeEvent) error {
	if b == nil {
		return errors.New("nil bus")
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	_, err = b.js.Publish(outcomeSubject, data, nats.Context(ctx))
	return err
}
