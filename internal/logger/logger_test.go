package logger

import (
	"testing"

	"go.uber.org/zap"
)

func TestNewLevels(t *testing.T) {
	cases := []struct {
		level string
		want  zap.AtomicLevel
	}{
		{"debug", zap.NewAtomicLevelAt(zap.DebugLevel)},
		{"WARN", zap.NewAtomicLevelAt(zap.WarnLevel)},
		{"bogus", zap.NewAtomicLevelAt(zap.InfoLevel)},
	}
	for _, c := range cases {
		l := New(c.level, "json")
		if !l.Core().Enabled(c.want.Level()) {
			t.Fatalf("%s: level %s not enabled", c.level, c.want.Level())
		}
		if c.want.Level() > zap.DebugLevel && l.Core().Enabled(c.want.Level()-1) {
			t.Fatalf("%s: level below %s enabled", c.level, c.want.Level())
		}
	}
}
