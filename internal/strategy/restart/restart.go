// Package restart decides whether a worker slot is re-provisioned after its
// process ended.
package restart

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/procpool/pkg/types"
	"golang.org/x/time/rate"
)

// Strategy is consulted once per process exit of one slot. Every slot owns
// its own instance; strategies keep per-slot counters.
type Strategy interface {
	// ShouldRestart returns whether the slot is restarted and after which delay.
	ShouldRestart(reason types.ExitReason, err error) (time.Duration, bool)
	// Restarts is the number of restarts granted so far.
	Restarts() int
	// LastError is the error of the most recent exit, if any.
	LastError() error
}

// Factory creates the strategy instance of one slot.
type Factory func() Strategy

// tracker holds the bookkeeping shared by every strategy.
type tracker struct {
	mu       sync.Mutex
	restarts int
	lastErr  error
}

func (t *tracker) Restarts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.restarts
}

func (t *tracker) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// decide records the exit and, when grant is true, one more restart.
func (t *tracker) decide(err error, grant bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.lastErr = err
	}
	if grant {
		t.restarts++
	}
	return grant
}

// Default restarts clean exits and lost channels forever, without delay.
// Cancelled, fatal and panicked workers are never restarted.
type Default struct{ tracker }

func NewDefault() *Default { return &Default{} }

func (s *Default) ShouldRestart(reason types.ExitReason, err error) (time.Duration, bool) {
	return 0, s.decide(err, reason == types.ExitChannelLost || reason == types.ExitClean)
}

// Never never restarts.
type Never struct{ tracker }

func NewNever() *Never { return &Never{} }

func (s *Never) ShouldRestart(_ types.ExitReason, err error) (time.Duration, bool) {
	return 0, s.decide(err, false)
}

// Always restarts every exit the supervisor did not ask for, including
// fatal errors and panics.
type Always struct{ tracker }

func NewAlways() *Always { return &Always{} }

func (s *Always) ShouldRestart(reason types.ExitReason, err error) (time.Duration, bool) {
	return 0, s.decide(err, reason != types.ExitCancelled)
}

// Limited restarts qualifying exits (clean, channel lost, panic) at most Max
// times over the lifetime of the slot.
type Limited struct {
	tracker
	Max int
}

func NewLimited(max int) *Limited { return &Limited{Max: max} }

func (s *Limited) ShouldRestart(reason types.ExitReason, err error) (time.Duration, bool) {
	grant := qualifies(reason) && s.Restarts() < s.Max
	return 0, s.decide(err, grant)
}

// Backoff restarts qualifying exits with an exponentially growing delay,
// starting at Min and capped at Max. MaxRestarts of 0 means unlimited.
type Backoff struct {
	tracker
	MaxRestarts int
	Min         time.Duration
	Max         time.Duration
}

func NewBackoff(maxRestarts int, min, max time.Duration) *Backoff {
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	if max < min {
		max = min
	}
	return &Backoff{MaxRestarts: maxRestarts, Min: min, Max: max}
}

func (s *Backoff) ShouldRestart(reason types.ExitReason, err error) (time.Duration, bool) {
	n := s.Restarts()
	if !qualifies(reason) || (s.MaxRestarts > 0 && n >= s.MaxRestarts) {
		return 0, s.decide(err, false)
	}

	delay := s.Min
	for i := 0; i < n && delay < s.Max; i++ {
		delay *= 2
	}
	if delay > s.Max {
		delay = s.Max
	}
	return delay, s.decide(err, true)
}

// RateLimited restarts qualifying exits as long as the token bucket allows
// it within MaxDelay; a slot that crashes faster than the limit is given up.
type RateLimited struct {
	tracker
	limiter  *rate.Limiter
	MaxDelay time.Duration
	now      func() time.Time
}

func NewRateLimited(limit rate.Limit, burst int, maxDelay time.Duration) *RateLimited {
	return &RateLimited{limiter: rate.NewLimiter(limit, burst), MaxDelay: maxDelay, now: time.Now}
}

func (s *RateLimited) ShouldRestart(reason types.ExitReason, err error) (time.Duration, bool) {
	if !qualifies(reason) {
		return 0, s.decide(err, false)
	}

	now := s.now()
	r := s.limiter.ReserveN(now, 1)
	if !r.OK() {
		return 0, s.decide(err, false)
	}
	delay := r.DelayFrom(now)
	if delay > s.MaxDelay {
		r.CancelAt(now)
		return 0, s.decide(err, false)
	}
	return delay, s.decide(err, true)
}

func qualifies(reason types.ExitReason) bool {
	switch reason {
	case types.ExitClean, types.ExitChannelLost, types.ExitPanic:
		return true
	}
	return false
}

// Parse resolves a restart policy identifier:
//
//	""  | "default"
//	"never"
//	"always"
//	"limited:<n>"
//	"backoff:<n>:<min>:<max>"   e.g. backoff:10:100ms:30s
//	"rate:<per-second>:<burst>" e.g. rate:0.5:3
func Parse(id string) (Factory, error) {
	parts := strings.Split(id, ":")
	switch parts[0] {
	case "", "default":
		return func() Strategy { return NewDefault() }, nil
	case "never":
		return func() Strategy { return NewNever() }, nil
	case "always":
		return func() Strategy { return NewAlways() }, nil
	case "limited":
		if len(parts) != 2 {
			return nil, fmt.Errorf("restart: %q: want limited:<n>", id)
		}
		n, err := strconv.Atoi(parts[1])
		if err != nil || n < 0 {
			return nil, fmt.Errorf("restart: %q: invalid count", id)
		}
		return func() Strategy { return NewLimited(n) }, nil
	case "backoff":
		if len(parts) != 4 {
			return nil, fmt.Errorf("restart: %q: want backoff:<n>:<min>:<max>", id)
		}
		n, err := strconv.Atoi(parts[1])
		if err != nil || n < 0 {
			return nil, fmt.Errorf("restart: %q: invalid count", id)
		}
		min, err := time.ParseDuration(parts[2])
		if err != nil {
			return nil, fmt.Errorf("restart: %q: %w", id, err)
		}
		max, err := time.ParseDuration(parts[3])
		if err != nil {
			return nil, fmt.Errorf("restart: %q: %w", id, err)
		}
		return func() Strategy { return NewBackoff(n, min, max) }, nil
	case "rate":
		if len(parts) != 3 {
			return nil, fmt.Errorf("restart: %q: want rate:<per-second>:<burst>", id)
		}
		perSecond, err := strconv.ParseFloat(parts[1], 64)
		if err != nil || perSecond <= 0 {
			return nil, fmt.Errorf("restart: %q: invalid rate", id)
		}
		burst, err := strconv.Atoi(parts[2])
		if err != nil || burst <= 0 {
			return nil, fmt.Errorf("restart: %q: invalid burst", id)
		}
		return func() Strategy {
			return NewRateLimited(rate.Limit(perSecond), burst, time.Duration(float64(time.Second)/perSecond))
		}, nil
	}
	return nil, fmt.Errorf("restart: unknown policy %q", id)
}
