package dwshare

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

var errSentinel = errors.New("sentinel")

func TestLoggerForkAndLevel(t *testing.T) {
	var buf bytes.Buffer
	root := NewLoggerWithWriter(&buf, "root", LogLevelInfo)
	child := root.Fork("port %d", 3)
	if child.Prefix() != "root: port 3" {
		t.Errorf("Prefix = %q", child.Prefix())
	}

	child.DLogf("hidden")
	child.ILogf("shown %d", 1)
	if strings.Contains(buf.String(), "hidden") {
		t.Error("debug record emitted at info level")
	}
	if !strings.Contains(buf.String(), "root: port 3: shown 1") {
		t.Errorf("output = %q", buf.String())
	}

	root.SetLogLevel(LogLevelDebug)
	if !child.IsEnabled(LogLevelDebug) {
		t.Error("level change not shared with fork")
	}
	child.DLogf("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Error("debug record missing after level change")
	}
}

func TestLoggerErrorf(t *testing.T) {
	l := NewLoggerWithWriter(&bytes.Buffer{}, "pool", LogLevelError)
	err := l.Errorf("slot %d: %w", 4, errSentinel)
	if err.Error() != "pool: slot 4: sentinel" {
		t.Errorf("Error() = %q", err)
	}
	if !errors.Is(err, errSentinel) {
		t.Error("wrapped error lost")
	}
	pct := NewLoggerWithWriter(&bytes.Buffer{}, "100%", LogLevelError)
	if got := pct.Errorf("x").Error(); got != "100%: x" {
		t.Errorf("prefix with %% = %q", got)
	}
}

func TestStringToLogLevel(t *testing.T) {
	for s, want := range map[string]LogLevel{
		"debug":  LogLevelDebug,
		"WARN":   LogLevelWarning,
		" info ": LogLevelInfo,
		"bogus":  LogLevelUnknown,
	} {
		if got := StringToLogLevel(s); got != want {
			t.Errorf("StringToLogLevel(%q) = %s", s, got)
		}
	}
	var lvl LogLevel
	if err := lvl.FromString("nope"); err == nil {
		t.Error("FromString accepted an unknown level")
	}
}

func TestConnStats(t *testing.T) {
	var c ConnStats
	c.New()
	c.Open()
	c.New()
	c.Open()
	c.Close()
	c.Reject()
	if s := c.String(); s != "[1/2 -1]" {
		t.Errorf("String = %q", s)
	}
}
