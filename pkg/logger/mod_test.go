package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger(t *testing.T) {
	t.Run("Should respect the configured level", func(t *testing.T) {
		var buf bytes.Buffer
		log := NewLogger(&Config{Level: WarnLevel, Output: &buf})
		log.Info("hidden")
		log.Warn("visible")
		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "visible")
	})

	t.Run("Should emit JSON when configured", func(t *testing.T) {
		var buf bytes.Buffer
		log := NewLogger(&Config{Level: InfoLevel, Output: &buf, JSON: true})
		log.Info("task started", "task", "root/build")

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "task started", entry["msg"])
		assert.Equal(t, "root/build", entry["task"])
	})

	t.Run("Should carry With fields on every entry", func(t *testing.T) {
		var buf bytes.Buffer
		log := NewLogger(&Config{Level: InfoLevel, Output: &buf}).With("execution_id", "abc")
		log.Info("tick")
		assert.Contains(t, buf.String(), "abc")
	})
}

func TestContext(t *testing.T) {
	t.Run("Should round-trip a logger through context", func(t *testing.T) {
		log := NewLogger(nil)
		ctx := ContextWithLogger(context.Background(), log)
		assert.Equal(t, log, FromContext(ctx))
	})

	t.Run("Should fall back to the default logger", func(t *testing.T) {
		assert.Equal(t, GetDefault(), FromContext(context.Background()))
		assert.Equal(t, GetDefault(), FromContext(nil))
	})
}
