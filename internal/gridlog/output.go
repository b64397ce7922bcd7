// Package gridlog provides the structured logging used across every GridCompute
// component. It wraps logrus with stream-split output (errors to stderr, everything
// else to stdout) and a small context-logger helper so call sites attach fields
// instead of formatting strings.
package gridlog

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes logrus-formatted lines to stderr when they carry an
// error or fatal level (level=error in text format, "level":"error" in JSON
// format), and to stdout otherwise. This keeps error streams separable by a
// process supervisor without requiring two logger instances.
type OutputSplitter struct{}

func (OutputSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte("level=fatal")) ||
		bytes.Contains(p, []byte(`"level":"error"`)) || bytes.Contains(p, []byte(`"level":"fatal"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Base is the process-wide logger instance. Components should prefer the
// context-logger helpers below over using Base directly so that a case id or
// machine identity is never forgotten on a log line that needs it.
var Base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(OutputSplitter{})
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Configure adjusts the base logger's level and format. It is called once at
// startup from the CLI entrypoint after configuration has been loaded.
func Configure(level string, jsonFormat bool) {
	if lvl, err := logrus.ParseLevel(level); err == nil {
		Base.SetLevel(lvl)
	}
	if jsonFormat {
		Base.SetFormatter(&logrus.JSONFormatter{})
	}
}
