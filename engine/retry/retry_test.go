package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/makalin/loom/engine/task"
)

func policy(strategy task.RetryStrategy, maxRetries int, base, maxDelay time.Duration) task.RetryPolicy {
	return task.RetryPolicy{
		Strategy:   strategy,
		MaxRetries: maxRetries,
		BaseDelay:  task.Duration(base),
		MaxDelay:   task.Duration(maxDelay),
	}
}

func TestDecide(t *testing.T) {
	t.Run("Should back off exponentially up to the cap", func(t *testing.T) {
		p := policy(task.RetryExponential, 4, time.Second, 8*time.Second)
		expected := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
		for attempt := 1; attempt <= 4; attempt++ {
			delay, ok := Decide(p, attempt)
			assert.True(t, ok, "attempt %d should be retryable", attempt)
			assert.Equal(t, expected[attempt-1], delay, "attempt %d", attempt)
		}
	})

	t.Run("Should stop once the retry budget is exhausted", func(t *testing.T) {
		p := policy(task.RetryExponential, 4, time.Second, 8*time.Second)
		_, ok := Decide(p, 5)
		assert.False(t, ok)
	})

	t.Run("Should never retry with a zero budget", func(t *testing.T) {
		p := policy(task.RetryExponential, 0, time.Second, 0)
		_, ok := Decide(p, 1)
		assert.False(t, ok)
	})

	t.Run("Should use a constant delay for the fixed strategy", func(t *testing.T) {
		p := policy(task.RetryFixed, 3, 2*time.Second, 0)
		for attempt := 1; attempt <= 3; attempt++ {
			delay, ok := Decide(p, attempt)
			assert.True(t, ok)
			assert.Equal(t, 2*time.Second, delay)
		}
	})

	t.Run("Should grow linearly and honor the cap", func(t *testing.T) {
		p := policy(task.RetryLinear, 5, time.Second, 3*time.Second)
		expected := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second, 3 * time.Second}
		for attempt := 1; attempt <= 5; attempt++ {
			delay, ok := Decide(p, attempt)
			assert.True(t, ok)
			assert.Equal(t, expected[attempt-1], delay, "attempt %d", attempt)
		}
	})

	t.Run("Should retry without delay for the immediate strategy", func(t *testing.T) {
		p := policy(task.RetryImmediate, 2, time.Second, 0)
		delay, ok := Decide(p, 1)
		assert.True(t, ok)
		assert.Equal(t, time.Duration(0), delay)
	})

	t.Run("Should treat a non-positive base delay as immediate", func(t *testing.T) {
		p := policy(task.RetryExponential, 2, 0, 0)
		delay, ok := Decide(p, 2)
		assert.True(t, ok)
		assert.Equal(t, time.Duration(0), delay)
	})

	t.Run("Should reject attempts below one", func(t *testing.T) {
		p := policy(task.RetryExponential, 3, time.Second, 0)
		_, ok := Decide(p, 0)
		assert.False(t, ok)
	})
}

func TestManagerDecide(t *testing.T) {
	t.Run("Should use the node policy when present", func(t *testing.T) {
		m := NewManager(policy(task.RetryFixed, 1, time.Second, 0))
		n := &task.Node{
			ID:      "n",
			Attempt: 2,
			Retry:   policy(task.RetryExponential, 4, time.Second, 8*time.Second),
		}
		delay, ok := m.Decide(n)
		assert.True(t, ok)
		assert.Equal(t, 2*time.Second, delay)
	})

	t.Run("Should fall back to defaults when the node has no policy", func(t *testing.T) {
		m := NewManager(policy(task.RetryFixed, 3, 500*time.Millisecond, 0))
		n := &task.Node{ID: "n", Attempt: 1}
		delay, ok := m.Decide(n)
		assert.True(t, ok)
		assert.Equal(t, 500*time.Millisecond, delay)
	})

	t.Run("Should deny once the node has used all attempts", func(t *testing.T) {
		m := NewManager(policy(task.RetryFixed, 2, time.Second, 0))
		n := &task.Node{ID: "n", Attempt: 3}
		_, ok := m.Decide(n)
		assert.False(t, ok)
	})
}
