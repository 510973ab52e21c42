package etherlink

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/etherlink/config"
)

var logFormats = []string{"text", "json"}

// configLogger applies the logging section to l. It runs again on every
// reload, so a key that is removed falls back to its default.
func configLogger(l *logrus.Logger, c *config.C) error {
	logLevel, err := logrus.ParseLevel(strings.ToLower(c.GetString("logging.level", "info")))
	if err != nil {
		return fmt.Errorf("%s; possible levels: %s", err, logrus.AllLevels)
	}

	switch out := strings.ToLower(c.GetString("logging.output", "")); out {
	case "":
	case "stdout":
		l.SetOutput(os.Stdout)
	case "stderr":
		l.SetOutput(os.Stderr)
	default:
		return fmt.Errorf("unknown log output `%s`. possible outputs: %s", out, []string{"stdout", "stderr"})
	}

	disableTimestamp := c.GetBool("logging.disable_timestamp", false)
	timestampFormat := c.GetString("logging.timestamp_format", "")
	fullTimestamp := timestampFormat != ""
	if timestampFormat == "" {
		timestampFormat = time.RFC3339
	}

	var formatter logrus.Formatter
	switch logFormat := strings.ToLower(c.GetString("logging.format", "text")); logFormat {
	case "text":
		formatter = &logrus.TextFormatter{
			TimestampFormat:  timestampFormat,
			FullTimestamp:    fullTimestamp,
			DisableTimestamp: disableTimestamp,
		}
	case "json":
		formatter = &logrus.JSONFormatter{
			TimestampFormat:  timestampFormat,
			DisableTimestamp: disableTimestamp,
		}
	default:
		return fmt.Errorf("unknown log format `%s`. possible formats: %s", logFormat, logFormats)
	}

	l.SetLevel(logLevel)
	l.SetFormatter(formatter)
	l.SetReportCaller(c.GetBool("logging.report_caller", false))
	return nil
}
