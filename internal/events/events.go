// Package events publishes run lifecycle events to NATS.
//
// Events go to <prefix>.<slug>.<type>, e.g.
// guidesmith.runs.anthropic_claude-3_5.iteration. Publishing is best
// effort: failures are logged and never affect the run.
package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/guidesmith/internal/history"
	"github.com/fyrsmithlabs/guidesmith/internal/logging"
	"github.com/fyrsmithlabs/guidesmith/internal/target"
)

// Type names a lifecycle event.
type Type string

const (
	Started   Type = "started"
	Iteration Type = "iteration"
	Committed Type = "committed"
	Abandoned Type = "abandoned"
	Rejected  Type = "rejected"
)

// Event is the JSON payload of a lifecycle event.
type Event struct {
	Type      Type            `json:"type"`
	Key       target.Key      `json:"key"`
	RunID     string          `json:"run_id"`
	Iteration int             `json:"iteration,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Record    *history.Record `json:"record,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Publisher emits lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
func (Nop) Close() error                   { return nil }

// NATS publishes events on a NATS connection.
type NATS struct {
	conn   *nats.Conn
	prefix string
	logger *logging.Logger
	owned  bool
}

// Connect dials url and returns a publisher that closes the connection
// on Close.
func Connect(url, prefix string, logger *logging.Logger) (*NATS, error) {
	nc, err := nats.Connect(url, nats.Name("guidesmith"), nats.MaxReconnects(5))
	if err != nil {
		return nil, err
	}
	p := NewNATS(nc, prefix, logger)
	p.owned = true
	return p, nil
}

// NewNATS wraps an existing connection.
func NewNATS(nc *nats.Conn, prefix string, logger *logging.Logger) *NATS {
	if logger == nil {
		logger = logging.NewNop()
	}
	if prefix == "" {
		prefix = "guidesmith.runs"
	}
	return &NATS{conn: nc, prefix: prefix, logger: logger}
}

// Subject returns the subject an event of type t for key is published on.
func (p *NATS) Subject(key target.Key, t Type) string {
	return p.prefix + "." + subjectToken(key.Slug()) + "." + string(t)
}

func (p *NATS) Publish(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn(ctx, "encode event", zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}
	if err := p.conn.Publish(p.Subject(ev.Key, ev.Type), data); err != nil {
		p.logger.Warn(ctx, "publish event", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

// Close flushes pending events and closes an owned connection.
func (p *NATS) Close() error {
	if err := p.conn.FlushTimeout(2 * time.Second); err != nil && p.owned {
		p.logger.Debug(context.Background(), "flush events", zap.Error(err))
	}
	if p.owned {
		p.conn.Close()
	}
	return nil
}

var subjectReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")

func subjectToken(s string) string {
	return subjectReplacer.Replace(s)
}
