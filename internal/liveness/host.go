package liveness

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
	"time"
)

// HostProbe checks holders on this host by pid and remote holders by name
// resolution. It cannot see whether a remote process died; the TTL covers that.
type HostProbe struct {
	Self     Holder
	Timeout  time.Duration
	Resolver interface {
		LookupHost(ctx context.Context, host string) ([]string, error)
	}
	ProcessAlive func(pid int) bool
}

// NewHostProbe returns a probe for agents running as self.
func NewHostProbe(self Holder, timeout time.Duration) *HostProbe {
	return &HostProbe{
		Self:         self,
		Timeout:      timeout,
		Resolver:     net.DefaultResolver,
		ProcessAlive: processAlive,
	}
}

// IsAlive implements Prober.
func (p *HostProbe) IsAlive(ctx context.Context, holder string) bool {
	h, err := ParseHolder(holder)
	if err != nil {
		return true
	}

	if h.Host == p.Self.Host {
		if h.PID == p.Self.PID {
			return h.Nonce == p.Self.Nonce
		}
		return p.ProcessAlive(h.PID)
	}

	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	_, err = p.Resolver.LookupHost(ctx, h.Host)
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return false
	}
	return true
}

// processAlive sends signal 0; EPERM means the process exists under another user.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
