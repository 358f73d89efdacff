package liveness

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix namespaces liveness pings.
const SubjectPrefix = "swarm.liveness."

var subjectUnsafe = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Subject returns the ping subject for holder. Dots and slashes become underscores
// so the holder stays a single subject token.
func Subject(holder string) string {
	return SubjectPrefix + subjectUnsafe.ReplaceAllString(holder, "_")
}

// NATSProbe pings holders over NATS request/reply. A holder with no
// subscription is dead; a holder that does not answer in time is dead.
type NATSProbe struct {
	conn    *nats.Conn
	timeout time.Duration
}

// NewNATSProbe returns a probe using conn.
func NewNATSProbe(conn *nats.Conn, timeout time.Duration) *NATSProbe {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &NATSProbe{conn: conn, timeout: timeout}
}

// IsAlive implements Prober.
func (p *NATSProbe) IsAlive(ctx context.Context, holder string) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err := p.conn.RequestWithContext(ctx, Subject(holder), nil)
	switch {
	case err == nil:
		return true
	case errors.Is(err, nats.ErrNoResponders), errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return false
	default:
		// connection trouble says nothing about the holder
		return true
	}
}

// Responder answers pings for one holder for as long as it is open.
type Responder struct {
	sub *nats.Subscription
}

// Respond starts answering pings for holder.
func Respond(conn *nats.Conn, holder string) (*Responder, error) {
	sub, err := conn.Subscribe(Subject(holder), func(m *nats.Msg) {
		_ = m.Respond([]byte(holder))
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	return &Responder{sub: sub}, nil
}

// Close stops answering.
func (r *Responder) Close() error {
	return r.sub.Unsubscribe()
}
