package logger

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var levelStrings = map[string]zapcore.Level{
	"debug": zap.DebugLevel,
	"info":  zap.InfoLevel,
	"error": zap.ErrorLevel,
}

// StringToLevel accepts a level name or a positive debug verbosity.
func StringToLevel(value string, defaultLevel zapcore.Level) (zapcore.Level, error) {
	if level, namedLevel := levelStrings[strings.ToLower(value)]; namedLevel {
		return level, nil
	}

	logLevel, err := strconv.Atoi(value)
	if err != nil || logLevel <= 0 {
		return defaultLevel, fmt.Errorf("invalid log level \"%s\"", value)
	}

	// Zap has the levels backwards
	return zapcore.Level(int8(-1 * logLevel)), nil
}

// Level is a command line value holding a log level.
type Level struct {
	Level zapcore.Level
	value string
}

func (l *Level) UnmarshalFlag(value string) error {
	level, err := StringToLevel(value, zapcore.InfoLevel)
	if err != nil {
		return err
	}
	l.Level = level
	l.value = value
	return nil
}

func (l Level) MarshalFlag() (string, error) {
	return l.value, nil
}

// IsSet reports whether a value was parsed into l.
func (l Level) IsSet() bool {
	return l.value != ""
}
