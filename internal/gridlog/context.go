package gridlog

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Fields is a convenience alias so call sites don't need to import logrus
// directly just to build a field map.
type Fields = logrus.Fields

// Logger carries a base logrus.Logger plus a fixed set of fields (case id,
// machine identity, component name) that every call site would otherwise have
// to repeat by hand.
type Logger struct {
	base   *logrus.Logger
	fields logrus.Fields
}

// For returns a Logger scoped to a component name, rooted at Base.
func For(component string) *Logger {
	return &Logger{base: Base, fields: logrus.Fields{"component": component}}
}

// With returns a copy of l with additional fields merged in.
func (l *Logger) With(fields Fields) *Logger {
	merged := make(logrus.Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{base: l.base, fields: merged}
}

// WithCase scopes the logger to a single case id, the single most common
// dimension every SLE and WP log line needs.
func (l *Logger) WithCase(caseID string) *Logger {
	return l.With(Fields{"case_id": caseID})
}

// WithErr attaches an error and its dynamic type, mirroring the error-field
// convention used throughout the registry and archive packages.
func (l *Logger) WithErr(err error) *Logger {
	return l.With(Fields{"error": err.Error(), "error_type": fmt.Sprintf("%T", err)})
}

func (l *Logger) entry() *logrus.Entry { return l.base.WithFields(l.fields) }

func (l *Logger) Debug(args ...interface{}) { l.entry().Debug(args...) }
func (l *Logger) Info(args ...interface{})  { l.entry().Info(args...) }
func (l *Logger) Warn(args ...interface{})  { l.entry().Warn(args...) }
func (l *Logger) Error(args ...interface{}) { l.entry().Error(args...) }
func (l *Logger) Fatal(args ...interface{}) { l.entry().Fatal(args...) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.entry().Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.entry().Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.entry().Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry().Errorf(format, args...) }
func (l *Logger) Fatalf(format string, args ...interface{}) { l.entry().Fatalf(format, args...) }
