package logger

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestDefault(t *testing.T) {
	assert.Equal(t, slog.Default(), Default(nil))

	z := NewZap(nil)
	assert.Same(t, z, Default(z))
}

func TestZap(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewZap(zap.New(core))

	t.Run("key value pairs become fields", func(t *testing.T) {
		l.Info("order persisted", "orderID", int64(42), "userID", int64(7))

		entries := logs.TakeAll()
		require.Len(t, entries, 1)
		assert.Equal(t, "order persisted", entries[0].Message)
		assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
		ctx := entries[0].ContextMap()
		assert.Equal(t, int64(42), ctx["orderID"])
		assert.Equal(t, int64(7), ctx["userID"])
	})

	t.Run("errors are named error fields", func(t *testing.T) {
		l.Error("rebuild failed", "error", errors.New("boom"))

		entries := logs.TakeAll()
		require.Len(t, entries, 1)
		assert.Equal(t, "boom", entries[0].ContextMap()["error"])
	})

	t.Run("odd arguments do not panic", func(t *testing.T) {
		l.Warn("dangling", "key")
		l.Debug("non string key", 5, "v")

		entries := logs.TakeAll()
		require.Len(t, entries, 2)
		assert.Equal(t, "key", entries[0].ContextMap()["!BADKEY"])
	})

	t.Run("non string key keeps the following pair", func(t *testing.T) {
		l.Info("shifted", 5, "orderID", int64(9))

		entries := logs.TakeAll()
		require.Len(t, entries, 1)
		ctx := entries[0].ContextMap()
		assert.Equal(t, int64(5), ctx["!BADKEY"])
		assert.Equal(t, int64(9), ctx["orderID"])
	})
}
