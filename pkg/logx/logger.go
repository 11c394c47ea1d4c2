package logx

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is a structured logger with a key/value call style
type Logger struct {
	entry     *logrus.Entry
	base      *logrus.Logger
	component string
}

// NewLogger creates a JSON logger at the given level, tagged with a component name
func NewLogger(level, component string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg: "msg",
		},
	})

	l := &Logger{base: base, component: component}
	l.SetLevel(level)

	fields := logrus.Fields{}
	if component != "" {
		fields["component"] = component
	}
	l.entry = base.WithFields(fields)
	return l
}

// SetLevel changes the minimum level; unknown levels fall back to info
func (l *Logger) SetLevel(level string) {
	parsed, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		parsed = logrus.InfoLevel
	}
	l.base.SetLevel(parsed)
}

// SetOutput redirects log output
func (l *Logger) SetOutput(w io.Writer) {
	l.base.SetOutput(w)
}

// With returns a child logger carrying extra fields
func (l *Logger) With(args ...interface{}) *Logger {
	return &Logger{
		entry:     l.entry.WithFields(toFields(args)),
		base:      l.base,
		component: l.component,
	}
}

func (l *Logger) Trace(msg string, args ...interface{}) {
	l.entry.WithFields(toFields(args)).Trace(msg)
}

func (l *Logger) Debug(msg string, args ...interface{}) {
	l.entry.WithFields(toFields(args)).Debug(msg)
}

func (l *Logger) Info(msg string, args ...interface{}) {
	l.entry.WithFields(toFields(args)).Info(msg)
}

func (l *Logger) Warn(msg string, args ...interface{}) {
	l.entry.WithFields(toFields(args)).Warn(msg)
}

func (l *Logger) Error(msg string, args ...interface{}) {
	l.entry.WithFields(toFields(args)).Error(msg)
}

// LogStateChange records a component state transition
func (l *Logger) LogStateChange(component, from, to, reason string, data map[string]interface{}) {
	fields := logrus.Fields{
		"state_component": component,
		"from_state":      from,
		"to_state":        to,
		"reason":          reason,
	}
	for k, v := range data {
		fields[k] = v
	}
	l.entry.WithFields(fields).Info("state_change")
}

// LogVerbose logs an event at debug level with arbitrary data
func (l *Logger) LogVerbose(event string, data map[string]interface{}) {
	l.entry.WithFields(logrus.Fields(data)).Debug(event)
}

// LogDebugVerbose logs an event at trace level with arbitrary data
func (l *Logger) LogDebugVerbose(event string, data map[string]interface{}) {
	l.entry.WithFields(logrus.Fields(data)).Trace(event)
}

// toFields accepts either alternating key/value pairs or a single map
func toFields(args []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	if len(args) == 1 {
		if m, ok := args[0].(map[string]interface{}); ok {
			for k, v := range m {
				fields[k] = normalize(v)
			}
			return fields
		}
	}

	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", args[i])
		}
		if i+1 >= len(args) {
			fields["arg"] = normalize(args[i])
			break
		}
		fields[key] = normalize(args[i+1])
	}
	return fields
}

func normalize(v interface{}) interface{} {
	if err, ok := v.(error); ok && err != nil {
		return err.Error()
	}
	return v
}
