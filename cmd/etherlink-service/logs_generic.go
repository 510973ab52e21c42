//go:build !windows

package main

import (
	"os"

	"github.com/sirupsen/logrus"
)

// HookLogger leaves logs on stdout where the service manager collects them
func HookLogger(l *logrus.Logger) {
	l.SetOutput(os.Stdout)
}
