package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	cases := []struct {
		level, format string
		want          zapcore.Level
	}{
		{"debug", "json", zapcore.DebugLevel},
		{"warn", "console", zapcore.WarnLevel},
		{"loud", "json", zapcore.InfoLevel},
	}
	for _, tc := range cases {
		l, err := New(tc.level, tc.format)
		if err != nil {
			t.Fatalf("New(%q, %q): %v", tc.level, tc.format, err)
		}
		if !l.Core().Enabled(tc.want) {
			t.Fatalf("%q: level %v not enabled", tc.level, tc.want)
		}
		if tc.want > zapcore.DebugLevel && l.Core().Enabled(tc.want-1) {
			t.Fatalf("%q: level below %v enabled", tc.level, tc.want)
		}
	}
}
