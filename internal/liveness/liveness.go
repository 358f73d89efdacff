// Package liveness answers whether a lease holder is still running.
//
// A holder id has the form host/pid/nonce. The nonce distinguishes two
// incarnations that share a host and pid (a restarted container is pid 1
// every time).
package liveness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Prober reports whether holder is alive. Implementations must return quickly
// and answer true when they cannot tell; the lease TTL bounds wrong answers.
type Prober interface {
	IsAlive(ctx context.Context, holder string) bool
}

// ProbeFunc adapts a function to Prober.
type ProbeFunc func(ctx context.Context, holder string) bool

// IsAlive implements Prober.
func (f ProbeFunc) IsAlive(ctx context.Context, holder string) bool {
	return f(ctx, holder)
}

// AlwaysAlive leaves staleness entirely to the lease TTL.
var AlwaysAlive = ProbeFunc(func(context.Context, string) bool { return true })

// ErrMalformedHolder indicates a holder id not produced by NewHolder.
var ErrMalformedHolder = errors.New("malformed holder id")

// Holder identifies one agent process.
type Holder struct {
	Host  string
	PID   int
	Nonce string
}

// String renders host/pid/nonce.
func (h Holder) String() string {
	return fmt.Sprintf("%s/%d/%s", h.Host, h.PID, h.Nonce)
}

// NewHolder identifies the current process.
func NewHolder() (Holder, error) {
	host, err := os.Hostname()
	if err != nil {
		return Holder{}, fmt.Errorf("hostname: %w", err)
	}
	return Holder{
		Host:  host,
		PID:   os.Getpid(),
		Nonce: strings.SplitN(uuid.New().String(), "-", 2)[0],
	}, nil
}

// ParseHolder parses a host/pid/nonce id.
func ParseHolder(s string) (Holder, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return Holder{}, fmt.Errorf("%w: %q", ErrMalformedHolder, s)
	}
	pid, err := strconv.Atoi(parts[1])
	if err != nil || pid <= 0 {
		return Holder{}, fmt.Errorf("%w: bad pid in %q", ErrMalformedHolder, s)
	}
	return Holder{Host: parts[0], PID: pid, Nonce: parts[2]}, nil
}
