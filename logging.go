package udpc

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// LoggingType selects how much a Context logs.
type LoggingType uint8

const (
	// LoggingSilent suppresses all output.
	LoggingSilent LoggingType = iota
	// LoggingError logs errors only.
	LoggingError
	// LoggingWarning logs warnings and errors.
	LoggingWarning
	// LoggingInfo adds informational messages.
	LoggingInfo
	// LoggingVerbose logs everything including per-packet detail.
	LoggingVerbose
)

var loggingNames = [...]string{
	LoggingSilent:  "silent",
	LoggingError:   "error",
	LoggingWarning: "warning",
	LoggingInfo:    "info",
	LoggingVerbose: "verbose",
}

// String returns the lowercase name used in configuration files.
func (l LoggingType) String() string {
	if int(l) < len(loggingNames) {
		return loggingNames[l]
	}
	return fmt.Sprintf("LoggingType(%d)", uint8(l))
}

// Level maps the logging type to a logrus level.
func (l LoggingType) Level() logrus.Level {
	switch l {
	case LoggingSilent:
		return logrus.PanicLevel
	case LoggingError:
		return logrus.ErrorLevel
	case LoggingInfo:
		return logrus.InfoLevel
	case LoggingVerbose:
		return logrus.DebugLevel
	default:
		return logrus.WarnLevel
	}
}

func (l LoggingType) valid() bool {
	return int(l) < len(loggingNames)
}

// ParseLoggingType parses a logging type name, case-insensitively.
func ParseLoggingType(s string) (LoggingType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range loggingNames {
		if n == name {
			return LoggingType(i), nil
		}
	}
	return LoggingWarning, fmt.Errorf("unknown logging type %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (l LoggingType) MarshalText() ([]byte, error) {
	if !l.valid() {
		return nil, fmt.Errorf("invalid logging type %d", uint8(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *LoggingType) UnmarshalText(text []byte) error {
	parsed, err := ParseLoggingType(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (l LoggingType) MarshalYAML() (interface{}, error) {
	text, err := l.MarshalText()
	if err != nil {
		return nil, err
	}
	return string(text), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *LoggingType) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: logging type must be a string", value.Line)
	}
	return l.UnmarshalText([]byte(value.Value))
}

// newLogger returns the logger a Context writes to. An injected logger is
// used as is apart from its level.
func newLogger(opts *Options) *logrus.Logger {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	logger.SetLevel(opts.LoggingType.Level())
	return logger
}
