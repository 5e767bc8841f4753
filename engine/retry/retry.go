// Package retry decides whether and when a failed node may re-attempt.
package retry

import (
	"time"

	retrylib "github.com/sethvargo/go-retry"

	"github.com/makalin/loom/engine/task"
)

// Manager answers retry decisions for the scheduler. It is stateless: a
// node's attempt counter is the single source of truth, so decisions stay
// correct across snapshot/resume.
type Manager struct {
	defaults task.RetryPolicy
}

func NewManager(defaults task.RetryPolicy) *Manager {
	return &Manager{defaults: defaults}
}

// Decide reports whether the node may retry after its latest failure and the
// delay to wait first. Node.Attempt counts executed attempts, so retries
// consumed equals Attempt-1.
func (m *Manager) Decide(n *task.Node) (time.Duration, bool) {
	policy := n.Retry
	if policy.Strategy == "" {
		policy = m.defaults
	}
	return Decide(policy, n.Attempt)
}

// Decide computes the delay before the attempt-th retry of a node governed
// by policy. It returns false once the retry budget is exhausted.
func Decide(policy task.RetryPolicy, attempt int) (time.Duration, bool) {
	if attempt < 1 || attempt > policy.MaxRetries {
		return 0, false
	}
	b := Backoff(policy)
	var delay time.Duration
	for i := 0; i < attempt; i++ {
		next, stop := b.Next()
		if stop {
			return 0, false
		}
		delay = next
	}
	return delay, true
}

// Backoff builds the backoff curve for a policy. The n-th call to Next
// yields the delay before the n-th retry:
//
//	immediate:   0
//	fixed:       base
//	linear:      min(base*n, max)
//	exponential: min(base*2^(n-1), max)
func Backoff(policy task.RetryPolicy) retrylib.Backoff {
	base := policy.BaseDelay.Std()
	maxDelay := policy.MaxDelay.Std()
	if base <= 0 {
		return immediate()
	}
	var b retrylib.Backoff
	switch policy.Strategy {
	case task.RetryImmediate:
		return immediate()
	case task.RetryFixed:
		b = retrylib.NewConstant(base)
	case task.RetryLinear:
		b = linear(base)
	default:
		b = retrylib.NewExponential(base)
	}
	if maxDelay > 0 {
		b = retrylib.WithCappedDuration(maxDelay, b)
	}
	return b
}

func immediate() retrylib.Backoff {
	return retrylib.BackoffFunc(func() (time.Duration, bool) {
		return 0, false
	})
}

func linear(base time.Duration) retrylib.Backoff {
	var n time.Duration
	return retrylib.BackoffFunc(func() (time.Duration, bool) {
		n++
		return base * n, false
	})
}
