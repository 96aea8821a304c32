// Package logger builds the process logger.
package logger

import (
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// New returns a logger writing to output. Production gets JSON at info
// level; every other environment gets text at debug level. A non-empty
// level overrides the default.
func New(output io.Writer, env, level string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(output)
	l.SetFormatter(new(logrus.JSONFormatter))
	l.SetLevel(logrus.InfoLevel)

	if !strings.EqualFold(env, "production") {
		l.SetLevel(logrus.DebugLevel)
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if level != "" {
		if parsed, err := logrus.ParseLevel(level); err == nil {
			l.SetLevel(parsed)
		} else {
			l.WithField("level", level).Warn("unknown log level, keeping default")
		}
	}
	return l
}
