package core

import (
	"io"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelOff
)

// LogConfig holds logging configuration from YAML.
type LogConfig struct {
	Level      string            `yaml:"level,omitempty"`
	Format     string            `yaml:"format,omitempty"` // "text" (default) or "json"
	Components map[string]string `yaml:"components,omitempty"`
}

// Logger provides per-component log level filtering on top of logrus.
// Every record carries a "component" field with the tag it was logged under.
type Logger struct {
	mu          sync.RWMutex
	globalLevel LogLevel
	components  map[string]LogLevel // lowercase component name → level
	out         *logrus.Logger
}

// ParseLevel converts a string level name to LogLevel.
// Returns LevelInfo for unrecognized values.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info", "":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "off", "none":
		return LevelOff
	default:
		return LevelInfo
	}
}

// NewLogger creates a Logger from config.
func NewLogger(cfg LogConfig) *Logger {
	out := logrus.New()
	// Filtering happens per component; logrus itself passes everything through.
	out.SetLevel(logrus.DebugLevel)
	l := &Logger{out: out}
	l.Configure(cfg)
	return l
}

// Configure replaces levels and output format. Safe to call while logging
// (used on config reload).
func (l *Logger) Configure(cfg LogConfig) {
	components := make(map[string]LogLevel, len(cfg.Components))
	for name, level := range cfg.Components {
		components[strings.ToLower(name)] = ParseLevel(level)
	}

	var formatter logrus.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	if strings.EqualFold(cfg.Format, "json") {
		formatter = &logrus.JSONFormatter{}
	}
	l.out.SetFormatter(formatter)

	l.mu.Lock()
	l.globalLevel = ParseLevel(cfg.Level)
	l.components = components
	l.mu.Unlock()
}

// SetOutput redirects log output (stderr by default).
func (l *Logger) SetOutput(w io.Writer) {
	l.out.SetOutput(w)
}

// levelFor returns the effective log level for a component tag.
func (l *Logger) levelFor(tag string) LogLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if lvl, ok := l.components[strings.ToLower(tag)]; ok {
		return lvl
	}
	return l.globalLevel
}

// Enabled reports whether a message at level would be emitted for tag.
func (l *Logger) Enabled(tag string, level LogLevel) bool {
	return l.levelFor(tag) <= level
}

func (l *Logger) entry(tag string) *logrus.Entry {
	return l.out.WithField("component", tag)
}

// Debugf logs at debug level.
func (l *Logger) Debugf(tag, format string, args ...any) {
	if l.Enabled(tag, LevelDebug) {
		l.entry(tag).Debugf(format, args...)
	}
}

// Infof logs at info level.
func (l *Logger) Infof(tag, format string, args ...any) {
	if l.Enabled(tag, LevelInfo) {
		l.entry(tag).Infof(format, args...)
	}
}

// Warnf logs at warn level.
func (l *Logger) Warnf(tag, format string, args ...any) {
	if l.Enabled(tag, LevelWarn) {
		l.entry(tag).Warnf(format, args...)
	}
}

// Errorf logs at error level.
func (l *Logger) Errorf(tag, format string, args ...any) {
	if l.Enabled(tag, LevelError) {
		l.entry(tag).Errorf(format, args...)
	}
}

// Fatalf always logs and exits with status 1.
func (l *Logger) Fatalf(tag, format string, args ...any) {
	l.entry(tag).Fatalf(format, args...)
}

// Log is the global logger instance. Initialized with default (info level).
var Log = NewLogger(LogConfig{})
