package logging

import (
	"reflect"
	"regexp"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger is a Logger whose entries are kept in memory for assertions.
// Every level down to TraceLevel is recorded and nothing is sampled.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	return &TestLogger{
		Logger:   &Logger{zap: zap.New(core), config: NewDefaultConfig()},
		observed: observed,
	}
}

// All returns the recorded entries in order.
func (t *TestLogger) All() []observer.LoggedEntry {
	return t.observed.All()
}

// Reset drops the recorded entries.
func (t *TestLogger) Reset() {
	t.observed.TakeAll()
}

// AssertLogged fails tb unless an entry at level contains msg.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	if t.observed.FilterLevelExact(level).FilterMessageSnippet(msg).Len() == 0 {
		tb.Errorf("expected log at %v containing %q, got %v", level, msg, t.messages())
	}
}

// AssertNotLogged fails tb if an entry at level contains msg.
func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	if n := t.observed.FilterLevelExact(level).FilterMessageSnippet(msg).Len(); n > 0 {
		tb.Errorf("unexpected %d log(s) at %v containing %q", n, level, msg)
	}
}

// AssertField fails tb unless an entry with message msg has field key equal
// to expected.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, expected any) {
	tb.Helper()
	for _, entry := range t.observed.FilterMessage(msg).All() {
		if got, ok := entry.ContextMap()[key]; ok && reflect.DeepEqual(got, expected) {
			return
		}
	}
	tb.Errorf("field %q=%v not found in message %q", key, expected, msg)
}

// AssertCorrelation fails tb unless msg was logged under correlationID.
func (t *TestLogger) AssertCorrelation(tb testing.TB, msg, correlationID string) {
	tb.Helper()
	t.AssertField(tb, msg, "correlation_id", correlationID)
}

// AssertNoSecrets fails tb if any entry carries an unredacted value under a
// sensitive key, or text matching a redaction pattern. The default
// redaction config defines both.
func (t *TestLogger) AssertNoSecrets(tb testing.TB) {
	tb.Helper()
	rc := NewDefaultConfig().Redaction
	patterns := make([]*regexp.Regexp, 0, len(rc.Patterns))
	for _, p := range rc.Patterns {
		patterns = append(patterns, regexp.MustCompile(p))
	}
	leaks := func(s string) bool {
		for _, re := range patterns {
			if re.MatchString(s) {
				return true
			}
		}
		return false
	}

	for _, entry := range t.observed.All() {
		if leaks(entry.Message) {
			tb.Errorf("sensitive pattern in message: %q", entry.Message)
		}
		for key, v := range entry.ContextMap() {
			s, ok := v.(string)
			if !ok {
				continue
			}
			if sensitiveKey(key, rc.Fields) && s != "" && !strings.Contains(s, "[REDACTED]") {
				tb.Errorf("sensitive field %q not redacted", key)
			}
			if leaks(s) {
				tb.Errorf("sensitive pattern in field %q: %q", key, s)
			}
		}
	}
}

func (t *TestLogger) messages() []string {
	all := t.observed.All()
	out := make([]string, len(all))
	for i, e := range all {
		out[i] = e.Level.String() + ": " + e.Message
	}
	return out
}

func sensitiveKey(key string, fields []string) bool {
	key = strings.ToLower(key)
	for _, f := range fields {
		if strings.Contains(key, f) {
			return true
		}
	}
	return false
}
