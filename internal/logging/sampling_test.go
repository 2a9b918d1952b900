package logging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/telemetrybus/internal/config"
)

func sampledLogger(cfg SamplingConfig) (*Logger, *observer.ObservedLogs) {
	core, observed := observer.New(TraceLevel)
	return &Logger{zap: zap.New(newSampledCore(core, cfg)), config: NewDefaultConfig()}, observed
}

func TestNewSampledCore_Disabled(t *testing.T) {
	core, _ := observer.New(zapcore.InfoLevel)

	assert.Equal(t, core, newSampledCore(core, SamplingConfig{Enabled: false}))
}

func TestNewSampledCore_ErrorsNeverSampled(t *testing.T) {
	logger, observed := sampledLogger(SamplingConfig{
		Enabled: true,
		Tick:    config.Duration(time.Minute),
		Levels:  DefaultLevelSamplingConfig(),
	})

	for i := 0; i < 500; i++ {
		logger.Error(context.Background(), "handler failed")
	}

	assert.Equal(t, 500, observed.FilterMessage("handler failed").Len())
}

func TestNewSampledCore_PerLevelRates(t *testing.T) {
	logger, observed := sampledLogger(SamplingConfig{
		Enabled: true,
		Tick:    config.Duration(time.Minute),
		Levels: map[zapcore.Level]LevelSamplingConfig{
			TraceLevel:        {Initial: 1, Thereafter: 0},
			zapcore.InfoLevel: {Initial: 5, Thereafter: 0},
			zapcore.WarnLevel: {Initial: 2, Thereafter: 5},
		},
	})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		logger.Trace(ctx, "repeated")
		logger.Info(ctx, "repeated")
		logger.Warn(ctx, "repeated")
	}

	assert.Equal(t, 1, observed.FilterLevelExact(TraceLevel).Len())
	assert.Equal(t, 5, observed.FilterLevelExact(zapcore.InfoLevel).Len())
	// First 2, then every 5th of the remaining 18.
	assert.Equal(t, 5, observed.FilterLevelExact(zapcore.WarnLevel).Len())
}

func TestNewSampledCore_UnconfiguredLevelPassesThrough(t *testing.T) {
	logger, observed := sampledLogger(SamplingConfig{
		Enabled: true,
		Tick:    config.Duration(time.Minute),
		Levels: map[zapcore.Level]LevelSamplingConfig{
			zapcore.InfoLevel: {Initial: 1, Thereafter: 0},
		},
	})

	for i := 0; i < 50; i++ {
		logger.Debug(context.Background(), "repeated")
	}

	assert.Equal(t, 50, observed.FilterLevelExact(zapcore.DebugLevel).Len())
}

func TestNewSampledCore_DistinctMessagesSampledSeparately(t *testing.T) {
	logger, observed := sampledLogger(SamplingConfig{
		Enabled: true,
		Tick:    config.Duration(time.Minute),
		Levels: map[zapcore.Level]LevelSamplingConfig{
			zapcore.InfoLevel: {Initial: 1, Thereafter: 0},
		},
	})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		logger.Info(ctx, "publisher ready")
		logger.Info(ctx, "consumer ready")
	}

	assert.Equal(t, 1, observed.FilterMessage("publisher ready").Len())
	assert.Equal(t, 1, observed.FilterMessage("consumer ready").Len())
}

func TestLevelFilterCore_With(t *testing.T) {
	core, observed := observer.New(TraceLevel)
	filtered := &levelFilterCore{
		Core:  core,
		allow: func(l zapcore.Level) bool { return l >= zapcore.ErrorLevel },
	}
	logger := &Logger{zap: zap.New(filtered), config: NewDefaultConfig()}

	child := logger.With(zap.String("component", "relay"))
	ctx := context.Background()
	child.Info(ctx, "info message")
	child.Warn(ctx, "warn message")
	child.Error(ctx, "error message")

	logs := observed.All()
	assert.Len(t, logs, 1)
	assert.Equal(t, "error message", logs[0].Message)
	assert.Equal(t, "relay", logs[0].ContextMap()["component"])
}

func TestLevelFilterCore_InfoBoundary(t *testing.T) {
	core, observed := observer.New(TraceLevel)
	filtered := &levelFilterCore{
		Core:  core,
		allow: func(l zapcore.Level) bool { return l == zapcore.InfoLevel },
	}
	logger := &Logger{zap: zap.New(filtered), config: NewDefaultConfig()}
	ctx := context.Background()

	logger.Debug(ctx, "debug")
	logger.Info(ctx, "info")
	logger.Warn(ctx, "warn")

	logs := observed.All()
	assert.Len(t, logs, 1)
	assert.Equal(t, "info", logs[0].Message)
}

func TestNewSampledCore_TraceThereafter(t *testing.T) {
	logger, observed := sampledLogger(SamplingConfig{
		Enabled: true,
		Tick:    config.Duration(time.Minute),
		Levels: map[zapcore.Level]LevelSamplingConfig{
			TraceLevel: {Initial: 2, Thereafter: 4},
		},
	})
	ctx := context.Background()

	child := logger.With(zap.String("component", "consumer"))
	for i := 0; i < 10; i++ {
		logger.Trace(ctx, "entry read")
		child.Trace(ctx, "entry read")
	}
	logger.Trace(ctx, "entry acked")

	// 20 shared entries: first 2, then every 4th of the remaining 18.
	assert.Equal(t, 6, observed.FilterMessage("entry read").Len())
	assert.Equal(t, 1, observed.FilterMessage("entry acked").Len())
}

func TestCountingSampler_ResetsEachTick(t *testing.T) {
	counts := &messageCounts{seen: make(map[string]uint64)}
	start := time.Now()

	assert.True(t, counts.allow("m", start, time.Second, 1, 0))
	assert.False(t, counts.allow("m", start.Add(500*time.Millisecond), time.Second, 1, 0))
	assert.True(t, counts.allow("m", start.Add(time.Second), time.Second, 1, 0))
}
