package logging

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/telemetrybus/internal/config"
)

func TestSecretMarshaler(t *testing.T) {
	field := Secret("redis", config.Secret("super-secret-value"))

	enc := zapcore.NewMapObjectEncoder()
	field.AddTo(enc)

	obj, ok := enc.Fields["redis"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "[REDACTED:18]", obj["redis"])
}

func TestRedactedString(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	logger := &Logger{zap: zap.New(core), config: NewDefaultConfig()}

	logger.Info(context.Background(), "test", RedactedString("authorization", "Bearer abc123"))

	logs := observed.All()
	require.Len(t, logs, 1)
	assert.Equal(t, "[REDACTED:13]", logs[0].ContextMap()["authorization"])
}

func TestNewRedactingEncoder(t *testing.T) {
	cfg := NewDefaultConfig()

	encoder, err := NewRedactingEncoder(newEncoder("json"), cfg.Redaction)
	require.NoError(t, err)
	assert.Len(t, encoder.redactFields, len(cfg.Redaction.Fields))
	assert.Len(t, encoder.redactRegex, len(cfg.Redaction.Patterns))
}

func TestNewRedactingEncoder_Errors(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		errMsg   string
	}{
		{"invalid pattern", []string{`(?i)bearer\s+\S+`, "[invalid("}, "invalid redaction pattern"},
		{"pattern too long", []string{strings.Repeat("a", maxPatternLen+1)}, "pattern too long"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoder, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{Enabled: true, Patterns: tt.patterns})
			require.Error(t, err)
			assert.Nil(t, encoder)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestNewRedactingEncoder_DisabledSkipsValidation(t *testing.T) {
	encoder, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{
		Enabled:  false,
		Patterns: []string{"[invalid("},
	})
	require.NoError(t, err)
	assert.NotNil(t, encoder)
}

func TestRedactingEncoder_EntryFields(t *testing.T) {
	buf := captureStdout(t)
	cfg := NewDefaultConfig()
	cfg.Sampling.Enabled = false

	logger, err := NewLogger(cfg, nil)
	require.NoError(t, err)

	logger.Info(context.Background(), "connecting to redis://:hunter2@broker:6379",
		zap.String("password", "hunter2"),
		zap.String("Token", "abc"),
		zap.String("broker", "redis://:hunter2@broker:6379/0"),
		zap.String("header", "Bearer eyJhbGciOi"),
		zap.Int("secret", 42),
		zap.String("stream", "telemetry:events"),
	)

	out := buf.String()
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "eyJhbGciOi")

	entries := decodeLines(t, buf)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "[REDACTED]", e["password"])
	assert.Equal(t, "[REDACTED]", e["Token"])
	assert.Equal(t, "[REDACTED]", e["secret"])
	assert.Equal(t, "[REDACTED:pattern]", e["broker"])
	assert.Equal(t, "[REDACTED:pattern]", e["header"])
	assert.Equal(t, "telemetry:events", e["stream"])
	assert.Contains(t, e["msg"], "[REDACTED:pattern]")
}

func TestRedactingEncoder_WithFields(t *testing.T) {
	buf := captureStdout(t)
	cfg := NewDefaultConfig()
	cfg.Sampling.Enabled = false

	logger, err := NewLogger(cfg, nil)
	require.NoError(t, err)

	logger.With(zap.String("credential", "abc")).Info(context.Background(), "child")

	entries := decodeLines(t, buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "[REDACTED]", entries[0]["credential"])
}

func TestRedactingEncoder_Disabled(t *testing.T) {
	buf := captureStdout(t)
	cfg := NewDefaultConfig()
	cfg.Sampling.Enabled = false
	cfg.Redaction.Enabled = false

	logger, err := NewLogger(cfg, nil)
	require.NoError(t, err)

	logger.Info(context.Background(), "plain", zap.String("password", "visible"))

	entries := decodeLines(t, buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "visible", entries[0]["password"])
}

func TestRedactingEncoder_AllMethodsImplemented(t *testing.T) {
	encoder, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{
		Enabled: true,
		Fields:  []string{"password", "token", "certificate", "credentials", "secret_array"},
	})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		encoder.AddString("password", "secret")
		encoder.AddByteString("token", []byte("token-value"))
		encoder.AddBinary("certificate", []byte{0x00})
		_ = encoder.AddReflected("safe_field", "value")
		_ = encoder.AddObject("credentials", zapcore.ObjectMarshalerFunc(func(enc zapcore.ObjectEncoder) error {
			return nil
		}))
		_ = encoder.AddArray("secret_array", zapcore.ArrayMarshalerFunc(func(enc zapcore.ArrayEncoder) error {
			return nil
		}))
	})
	assert.IsType(t, &RedactingEncoder{}, encoder.Clone())
}
