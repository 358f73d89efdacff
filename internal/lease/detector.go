package lease

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/swarmd/internal/liveness"
)

// DefaultTTL bounds how long any lease protects its resource.
const DefaultTTL = 30 * time.Minute

// Verdict classifies a lease.
type Verdict int

const (
	Live Verdict = iota
	// Stale leases outlived the TTL.
	Stale
	// Dead leases belong to a holder the probe reports gone.
	Dead
)

func (v Verdict) String() string {
	switch v {
	case Live:
		return "live"
	case Stale:
		return "stale"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Detector decides whether a lease still protects its resource: the holder
// must pass the probe and the lease must be younger than TTL.
type Detector struct {
	Prober liveness.Prober
	TTL    time.Duration
	Now    func() time.Time
}

// NewDetector returns a Detector. A nil prober leaves staleness to the TTL.
func NewDetector(p liveness.Prober, ttl time.Duration) *Detector {
	if p == nil {
		p = liveness.AlwaysAlive
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Detector{Prober: p, TTL: ttl, Now: time.Now}
}

// Check classifies l. Age is checked first so expired leases never cost a probe.
func (d *Detector) Check(ctx context.Context, l Lease) Verdict {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	if l.Malformed || l.Age(now()) >= d.TTL {
		return Stale
	}
	if !d.Prober.IsAlive(ctx, l.Holder) {
		return Dead
	}
	return Live
}

// IsLive reports whether l still protects its resource.
func (d *Detector) IsLive(ctx context.Context, l Lease) bool {
	return d.Check(ctx, l) == Live
}
