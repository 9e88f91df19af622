package log

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the process-wide logger. It is usable before Init is called so
// that packages can log from tests without any setup.
var Logger = newLogger(os.Stderr, "info", "text")

const timestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Init replaces the process-wide logger. format is "json" or "text".
func Init(level, format string) {
	Logger = newLogger(os.Stdout, level, format)
}

// SetOutput redirects the logger, mostly for tests.
func SetOutput(w io.Writer) {
	Logger.SetOutput(w)
}

func newLogger(out io.Writer, level, format string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)

	switch strings.ToLower(format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: timestampFormat})
	default:
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: timestampFormat,
		})
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}

// WithSession returns an entry tagged with the session id.
func WithSession(id string) *logrus.Entry {
	return Logger.WithField("session_id", id)
}

// WithComponent returns an entry tagged with a component name.
func WithComponent(name string) *logrus.Entry {
	return Logger.WithField("component", name)
}

// WithFields is a shorthand for Logger.WithFields.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return Logger.WithFields(fields)
}

func Debugf(format string, args ...interface{}) { Logger.Debugf(format, args...) }

func Info(args ...interface{}) { Logger.Info(args...) }

func Infof(format string, args ...interface{}) { Logger.Infof(format, args...) }

func Warnf(format string, args ...interface{}) { Logger.Warnf(format, args...) }

func Error(args ...interface{}) { Logger.Error(args...) }

func Errorf(format string, args ...interface{}) { Logger.Errorf(format, args...) }

func Fatal(args ...interface{}) { Logger.Fatal(args...) }

func Fatalf(format string, args ...interface{}) { Logger.Fatalf(format, args...) }
