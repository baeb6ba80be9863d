package route

import (
	"net/netip"
	"time"

	"github.com/cenkalti/backoff/v4"

	"escape-vpn/internal/core"
)

const (
	retryInitialInterval = 50 * time.Millisecond
	retryMaxInterval     = 500 * time.Millisecond
)

// retryManager retries failed route operations a bounded number of times.
// Invalid input is not retried.
type retryManager struct {
	next     Manager
	attempts int
}

// WithRetry wraps m so each operation is tried up to attempts times.
func WithRetry(m Manager, attempts int) Manager {
	return &retryManager{next: m, attempts: attempts}
}

func (r *retryManager) Gateway() netip.Addr { return r.next.Gateway() }

func (r *retryManager) AddHostRoute(dst netip.Addr) error {
	return r.do("add", dst, r.next.AddHostRoute)
}

func (r *retryManager) RemoveHostRoute(dst netip.Addr) error {
	return r.do("del", dst, r.next.RemoveHostRoute)
}

func (r *retryManager) policy() backoff.BackOff {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(retryInitialInterval),
		backoff.WithMaxInterval(retryMaxInterval),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithMaxRetries(b, uint64(r.attempts-1))
}

func (r *retryManager) do(op string, dst netip.Addr, fn func(netip.Addr) error) error {
	if !dst.Unmap().Is4() {
		return fn(dst)
	}
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn(dst)
		if err != nil && attempt < r.attempts {
			core.Log.Debugf("Route", "%s %s failed (attempt %d/%d): %v", op, dst, attempt, r.attempts, err)
		}
		return err
	}, r.policy())
}
