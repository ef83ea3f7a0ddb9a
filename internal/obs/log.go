package obs

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

var base = newBase(os.Stdout)

func newBase(w io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap:        logrus.FieldMap{logrus.FieldKeyTime: "ts"},
	})
	return l
}

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	if v {
		base.SetLevel(logrus.DebugLevel)
		return
	}
	base.SetLevel(logrus.InfoLevel)
}

// SetOutput redirects all log output, mostly useful in tests.
func SetOutput(w io.Writer) { base.SetOutput(w) }

type Fields map[string]any

func logWith(level logrus.Level, msg string, f Fields) {
	base.WithFields(logrus.Fields(f)).Log(level, msg)
}

func Info(msg string, f Fields)  { logWith(logrus.InfoLevel, msg, f) }
func Warn(msg string, f Fields)  { logWith(logrus.WarnLevel, msg, f) }
func Error(msg string, f Fields) { logWith(logrus.ErrorLevel, msg, f) }
func Debug(msg string, f Fields) { logWith(logrus.DebugLevel, msg, f) }

// LeveledLogger routes key/value logging from HTTP client libraries
// (go-retryablehttp) into the same structured stream.
type LeveledLogger struct{ Component string }

func (l LeveledLogger) Error(msg string, kv ...interface{}) {
	logWith(logrus.ErrorLevel, msg, l.fields(kv))
}
func (l LeveledLogger) Warn(msg string, kv ...interface{}) {
	logWith(logrus.WarnLevel, msg, l.fields(kv))
}
func (l LeveledLogger) Info(msg string, kv ...interface{}) {
	logWith(logrus.DebugLevel, msg, l.fields(kv))
}
func (l LeveledLogger) Debug(msg string, kv ...interface{}) {
	logWith(logrus.DebugLevel, msg, l.fields(kv))
}

func (l LeveledLogger) fields(kv []interface{}) Fields {
	f := Fields{}
	if l.Component != "" {
		f["component"] = l.Component
	}
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	if len(kv)%2 == 1 {
		f["extra"] = kv[len(kv)-1]
	}
	return f
}
