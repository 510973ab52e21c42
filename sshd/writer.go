package sshd

import (
	"fmt"
	"io"
)

// StringWriter is how commands talk back to the user.
type StringWriter interface {
	WriteLine(string) error
	WriteLinef(format string, a ...any) error
	Write(string) error
	WriteBytes([]byte) error
	GetWriter() io.Writer
}

type stringWriter struct {
	w io.Writer
}

// NewStringWriter wraps w, for running commands outside a session.
func NewStringWriter(w io.Writer) StringWriter {
	return &stringWriter{w: w}
}

func (w *stringWriter) WriteLine(s string) error {
	return w.Write(s + "\n")
}

func (w *stringWriter) WriteLinef(format string, a ...any) error {
	_, err := fmt.Fprintf(w.w, format+"\n", a...)
	return err
}

func (w *stringWriter) Write(s string) error {
	_, err := io.WriteString(w.w, s)
	return err
}

func (w *stringWriter) WriteBytes(b []byte) error {
	_, err := w.w.Write(b)
	return err
}

func (w *stringWriter) GetWriter() io.Writer {
	return w.w
}
