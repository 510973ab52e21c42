package util

import (
	"errors"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

type m = map[string]any

type TestLogWriter struct {
	Logs []string
}

func NewTestLogWriter() *TestLogWriter {
	return &TestLogWriter{Logs: make([]string, 0)}
}

func (tl *TestLogWriter) Write(p []byte) (n int, err error) {
	tl.Logs = append(tl.Logs, string(p))
	return len(p), nil
}

func (tl *TestLogWriter) Reset() {
	tl.Logs = tl.Logs[:0]
}

func TestContextualError_Log(t *testing.T) {
	l := logrus.New()
	l.Formatter = &logrus.TextFormatter{
		DisableTimestamp: true,
		DisableColors:    true,
	}

	tl := NewTestLogWriter()
	l.Out = tl

	// Test a full context line
	tl.Reset()
	e := NewContextualError("adapter failed", m{"io_base": "0x300"}, errors.New("reset timeout"))
	e.Log(l)
	assert.Equal(t, []string{"level=error msg=\"adapter failed\" error=\"reset timeout\" io_base=0x300\n"}, tl.Logs)

	// Test a line with an error and msg but no fields
	tl.Reset()
	e = NewContextualError("adapter failed", nil, errors.New("reset timeout"))
	e.Log(l)
	assert.Equal(t, []string{"level=error msg=\"adapter failed\" error=\"reset timeout\"\n"}, tl.Logs)

	// Test just a context and fields
	tl.Reset()
	e = NewContextualError("adapter failed", m{"io_base": "0x300"}, nil)
	e.Log(l)
	assert.Equal(t, []string{"level=error msg=\"adapter failed\" io_base=0x300\n"}, tl.Logs)

	// Test just a context
	tl.Reset()
	e = NewContextualError("adapter failed", nil, nil)
	e.Log(l)
	assert.Equal(t, []string{"level=error msg=\"adapter failed\"\n"}, tl.Logs)

	// Test just an error
	tl.Reset()
	e = NewContextualError("", nil, errors.New("reset timeout"))
	e.Log(l)
	assert.Equal(t, []string{"level=error error=\"reset timeout\"\n"}, tl.Logs)
}

func TestLogWithContextIfNeeded(t *testing.T) {
	l := logrus.New()
	l.Formatter = &logrus.TextFormatter{
		DisableTimestamp: true,
		DisableColors:    true,
	}

	tl := NewTestLogWriter()
	l.Out = tl

	// Test ignoring fallback context
	tl.Reset()
	e := NewContextualError("adapter failed", m{"io_base": "0x300"}, errors.New("reset timeout"))
	LogWithContextIfNeeded("This should get thrown away", e, l)
	assert.Equal(t, []string{"level=error msg=\"adapter failed\" error=\"reset timeout\" io_base=0x300\n"}, tl.Logs)

	// Test using fallback context
	tl.Reset()
	err := fmt.Errorf("this is a normal error")
	LogWithContextIfNeeded("Fallback context woo", err, l)
	assert.Equal(t, []string{"level=error msg=\"Fallback context woo\" error=\"this is a normal error\"\n"}, tl.Logs)
}

func TestContextualizeIfNeeded(t *testing.T) {
	// Test ignoring fallback context
	e := NewContextualError("adapter failed", m{"io_base": "0x300"}, errors.New("reset timeout"))
	assert.Same(t, e, ContextualizeIfNeeded("should be ignored", e))

	// Test using fallback context
	err := fmt.Errorf("this is a normal error")
	cErr := ContextualizeIfNeeded("Fallback context woo", err)

	var ce *ContextualError
	if assert.ErrorAs(t, cErr, &ce) {
		assert.Equal(t, err, ce.RealError)
	}

	// A wrapped ContextualError is left alone
	wrapped := fmt.Errorf("init: %w", e)
	assert.Same(t, wrapped, ContextualizeIfNeeded("should be ignored", wrapped))
}

func TestContextualize(t *testing.T) {
	assert.NoError(t, Contextualize("adapter failed", m{"io_base": "0x300"}, nil))

	sentinel := errors.New("reset timeout")
	err := Contextualize("adapter failed", m{"io_base": "0x300"}, sentinel)
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, "adapter failed (map[io_base:0x300]): reset timeout", err.Error())
}
