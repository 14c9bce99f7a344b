package channel

import (
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 5 * time.Second
	DefaultMaxAttempts = 5
)

// ReconnectPolicy bounds the automatic reconnect loop.
type ReconnectPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Delay returns min(base*2^(attempt-1), max). Attempts below 1 count as 1.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		// stop doubling once at the ceiling so large attempts cannot overflow
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
		d *= 2
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func (p ReconnectPolicy) Validate() error {
	if p.BaseDelay <= 0 {
		return errors.Errorf("reconnect base delay must be positive, got %s", p.BaseDelay)
	}
	if p.MaxDelay < p.BaseDelay {
		return errors.Errorf("reconnect max delay %s is below base delay %s", p.MaxDelay, p.BaseDelay)
	}
	if p.MaxAttempts < 0 {
		return errors.Errorf("reconnect max attempts must not be negative, got %d", p.MaxAttempts)
	}
	return nil
}
