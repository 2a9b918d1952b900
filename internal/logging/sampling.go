package logging

import (
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

// samplableLevels are the levels below Error, lowest first.
var samplableLevels = []zapcore.Level{TraceLevel, zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel}

// newSampledCore wraps core with per-level sampling. Each level below Error
// gets its own sampler from cfg.Levels; levels without an entry pass through.
// Error and above are never sampled.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}

	cores := []zapcore.Core{
		&levelFilterCore{Core: core, allow: func(l zapcore.Level) bool { return l >= zapcore.ErrorLevel }},
	}
	for _, level := range samplableLevels {
		level := level
		var c zapcore.Core = &levelFilterCore{Core: core, allow: func(l zapcore.Level) bool { return l == level }}
		if lc, ok := cfg.Levels[level]; ok {
			if level < zapcore.DebugLevel {
				// zap's sampler passes levels below Debug through untouched.
				c = newCountingSampler(c, cfg.Tick.Duration(), lc.Initial, lc.Thereafter)
			} else {
				c = zapcore.NewSamplerWithOptions(c, cfg.Tick.Duration(), lc.Initial, lc.Thereafter)
			}
		}
		cores = append(cores, c)
	}
	return zapcore.NewTee(cores...)
}

// levelFilterCore only passes entries whose level allow accepts.
type levelFilterCore struct {
	zapcore.Core
	allow func(zapcore.Level) bool
}

func (c *levelFilterCore) Enabled(lvl zapcore.Level) bool {
	return c.allow(lvl) && c.Core.Enabled(lvl)
}

func (c *levelFilterCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

// With creates a child core that preserves level filtering.
func (c *levelFilterCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelFilterCore{
		Core:  c.Core.With(fields),
		allow: c.allow,
	}
}

// countingSampler keeps the first entries of each message per tick, then
// every thereafter-th one. A zero thereafter drops the rest of the tick.
type countingSampler struct {
	zapcore.Core
	tick              time.Duration
	first, thereafter uint64
	counts            *messageCounts
}

type messageCounts struct {
	mu      sync.Mutex
	resetAt time.Time
	seen    map[string]uint64
}

func newCountingSampler(core zapcore.Core, tick time.Duration, first, thereafter int) zapcore.Core {
	return &countingSampler{
		Core:       core,
		tick:       tick,
		first:      uint64(max(first, 0)),
		thereafter: uint64(max(thereafter, 0)),
		counts:     &messageCounts{seen: make(map[string]uint64)},
	}
}

func (s *countingSampler) With(fields []zapcore.Field) zapcore.Core {
	return &countingSampler{
		Core:       s.Core.With(fields),
		tick:       s.tick,
		first:      s.first,
		thereafter: s.thereafter,
		counts:     s.counts,
	}
}

func (s *countingSampler) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !s.Enabled(e.Level) || !s.counts.allow(e.Message, e.Time, s.tick, s.first, s.thereafter) {
		return ce
	}
	return s.Core.Check(e, ce)
}

func (m *messageCounts) allow(msg string, now time.Time, tick time.Duration, first, thereafter uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !now.Before(m.resetAt) {
		clear(m.seen)
		m.resetAt = now.Add(tick)
	}
	m.seen[msg]++
	n := m.seen[msg]
	if n <= first {
		return true
	}
	return thereafter > 0 && (n-first)%thereafter == 0
}
