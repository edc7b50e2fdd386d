package logger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestSetLevel(t *testing.T) {
	l, err := New(Config{Level: "info", Outputs: []string{}})
	require.NoError(t, err)
	assert.Equal(t, "info", l.Level())

	require.NoError(t, l.SetLevel("debug"))
	assert.Equal(t, "debug", l.Level())
	assert.Error(t, l.SetLevel("nope"))
	assert.Equal(t, "debug", l.Level())
}

func TestLogLedgerLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := FromZap(zap.New(core))

	l.LogLedger("purchase", map[string]interface{}{"currency": "USD"})
	l.LogLedger("persist_failed", nil)
	l.LogError(errors.New("boom"), map[string]interface{}{"component": "api"})

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "purchase", entries[0].ContextMap()["event"])
	assert.Equal(t, "USD", entries[0].ContextMap()["currency"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
	assert.Equal(t, "boom", entries[2].ContextMap()["error"])
}

func TestWithFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := FromZap(zap.New(core)).WithFields(map[string]interface{}{"component": "ledger"})
	l.Info("hello")
	require.Len(t, logs.All(), 1)
	assert.Equal(t, "ledger", logs.All()[0].ContextMap()["component"])
}
