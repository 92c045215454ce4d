// Package eventmirror implements the optional NATS event fan-out
// (SPEC_FULL.md Domain Stack): a purely additive, best-effort publish of
// every Universal Event, never on the critical path of SSE ordering.
package eventmirror

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/kandev/acp-runtime/internal/acp/events"
	"github.com/kandev/acp-runtime/internal/common/logger"
)

// Mirror publishes Universal Events to a NATS subject derived from a
// connection id, swallowing publish errors (a disconnected NATS broker must
// never affect ACP traffic).
type Mirror struct {
	conn          *nats.Conn
	subjectPrefix string
	log           *logger.Logger
}

// Connect dials url and returns a Mirror, or (nil, nil) if url is empty
// (the feature is disabled by default, spec.md §9 configuration defaults).
func Connect(url, subjectPrefix string, log *logger.Logger) (*Mirror, error) {
	if url == "" {
		return nil, nil
	}
	nc, err := nats.Connect(url, nats.Name("acp-runtime"))
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %q: %w", url, err)
	}
	if subjectPrefix == "" {
		subjectPrefix = "acpruntime.events"
	}
	return &Mirror{conn: nc, subjectPrefix: subjectPrefix, log: log}, nil
}

// Close drains and closes the underlying NATS connection.
func (m *Mirror) Close() {
	if m == nil || m.conn == nil {
		return
	}
	_ = m.conn.Drain()
}

// PublishFunc returns a func(events.UniversalEvent) suitable for
// Connection.SetMirror, scoped to one connection's subject.
func (m *Mirror) PublishFunc(connectionID string) func(events.UniversalEvent) {
	if m == nil {
		return nil
	}
	subject := fmt.Sprintf("%s.%s", m.subjectPrefix, connectionID)
	return func(evt events.UniversalEvent) {
		payload, err := json.Marshal(evt)
		if err != nil {
			return
		}
		if err := m.conn.Publish(subject, payload); err != nil && m.log != nil {
			m.log.WithError(err).Warn("nats publish failed")
		}
	}
}
