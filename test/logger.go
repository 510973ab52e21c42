package test

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

// NewLogger returns a logger that is silent unless TEST_LOGS is set. 2 selects
// debug and 3 trace, anything else info.
func NewLogger() *logrus.Logger {
	l := logrus.New()

	v := os.Getenv("TEST_LOGS")
	if v == "" {
		l.SetOutput(io.Discard)
		return l
	}

	switch v {
	case "2":
		l.SetLevel(logrus.DebugLevel)
	case "3":
		l.SetLevel(logrus.TraceLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}

	return l
}

// NewCapture returns a NewLogger that also records every entry at debug and
// above, for tests that assert on what was logged.
func NewCapture() (*logrus.Logger, *logtest.Hook) {
	l := NewLogger()
	if l.Level < logrus.DebugLevel {
		l.SetLevel(logrus.DebugLevel)
	}
	return l, logtest.NewLocal(l)
}

// Messages returns the message of every captured entry at lvl or more severe.
func Messages(h *logtest.Hook, lvl logrus.Level) []string {
	var out []string
	for _, e := range h.AllEntries() {
		if e.Level <= lvl {
			out = append(out, e.Message)
		}
	}
	return out
}
