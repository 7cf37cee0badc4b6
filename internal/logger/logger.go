// Package logger routes typed log lines ("connect", "sts", "rawio", ...) to
// one or more logrus outputs, each with its own level and type filter.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Level is the severity of a log line.
type Level int

const (
	LogDebug Level = iota
	LogInfo
	LogWarning
	LogError
)

var (
	// LogLevelNames maps config names to levels.
	LogLevelNames = map[string]Level{
		"debug":    LogDebug,
		"info":     LogInfo,
		"warn":     LogWarning,
		"warning":  LogWarning,
		"warnings": LogWarning,
		"error":    LogError,
		"errors":   LogError,
	}

	logrusLevels = map[Level]logrus.Level{
		LogDebug:   logrus.DebugLevel,
		LogInfo:    logrus.InfoLevel,
		LogWarning: logrus.WarnLevel,
		LogError:   logrus.ErrorLevel,
	}
)

// typeField is the logrus field carrying the line's type.
const typeField = "type"

// Config is one output as read from yaml.
//
//	method: stderr file
//	filename: ircbot.log
//	type: "* -rawio"
//	level: info
type Config struct {
	Method     string `yaml:"method"`
	Filename   string `yaml:"filename"`
	TypeString string `yaml:"type"`
	Level      string `yaml:"level"`
}

// DefaultConfig logs everything but raw traffic at info to stderr.
func DefaultConfig() []Config {
	return []Config{{Method: "stderr", TypeString: "* -rawio", Level: "info"}}
}

// Manager fans log lines out to the configured outputs. The zero value
// discards everything.
type Manager struct {
	mu      sync.RWMutex
	outputs []*output
	rawIO   atomic.Bool
}

// NewManager builds a manager from config.
func NewManager(config []Config) (*Manager, error) {
	m := &Manager{}
	if err := m.ApplyConfig(config); err != nil {
		return nil, err
	}
	return m, nil
}

// NewWriterManager returns a manager sending every type at or above level
// to w. Used by tests and early startup, before the config is read.
func NewWriterManager(w io.Writer, level Level) *Manager {
	m := &Manager{}
	m.outputs = []*output{newOutput(w, level, map[string]bool{"*": true}, nil)}
	m.rawIO.Store(level == LogDebug)
	return m
}

// Discard returns a manager that drops everything.
func Discard() *Manager {
	return &Manager{}
}

// ApplyConfig replaces the current outputs. A file that cannot be opened is
// skipped and reported after the remaining outputs are set up.
func (m *Manager) ApplyConfig(config []Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeOutputs()
	m.rawIO.Store(false)

	var lastErr error
	for _, c := range config {
		level, ok := LogLevelNames[strings.ToLower(c.Level)]
		if !ok {
			return fmt.Errorf("unknown log level %q", c.Level)
		}
		types, excluded := parseTypes(c.TypeString)

		var writers []io.Writer
		var file *os.File
		for _, method := range strings.Fields(strings.ToLower(c.Method)) {
			switch method {
			case "stdout":
				writers = append(writers, os.Stdout)
			case "stderr":
				writers = append(writers, os.Stderr)
			case "file":
				f, err := os.OpenFile(c.Filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
				if err != nil {
					lastErr = fmt.Errorf("could not open log file %s: %w", c.Filename, err)
					continue
				}
				file = f
				writers = append(writers, f)
			case "none":
			default:
				return fmt.Errorf("unknown log method %q", method)
			}
		}
		for _, w := range writers {
			o := newOutput(w, level, types, excluded)
			if w == file {
				o.file = file
			}
			m.outputs = append(m.outputs, o)
		}

		if level == LogDebug && (types["rawio"] || (types["*"] && !excluded["rawio"])) {
			m.rawIO.Store(true)
		}
	}
	return lastErr
}

// parseTypes splits "* -rawio connect" into captured and excluded type sets.
func parseTypes(typeString string) (types, excluded map[string]bool) {
	types = make(map[string]bool)
	excluded = make(map[string]bool)
	fields := strings.Fields(typeString)
	if len(fields) == 0 {
		fields = []string{"*"}
	}
	for _, name := range fields {
		if strings.HasPrefix(name, "-") {
			excluded[name[1:]] = true
		} else {
			types[name] = true
		}
	}
	return
}

// Close closes any file outputs.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeOutputs()
}

func (m *Manager) closeOutputs() {
	for _, o := range m.outputs {
		if o.file != nil {
			o.file.Close()
		}
	}
	m.outputs = nil
}

// IsLoggingRawIO reports whether raw protocol traffic is being logged, so
// callers can skip formatting it otherwise.
func (m *Manager) IsLoggingRawIO() bool {
	return m.rawIO.Load()
}

// Log writes one line. Parts are joined with " : ".
func (m *Manager) Log(level Level, logType string, parts ...string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.outputs) == 0 {
		return
	}
	msg := strings.Join(parts, " : ")
	for _, o := range m.outputs {
		if o.wants(logType) {
			o.log.WithField(typeField, logType).Log(logrusLevels[level], msg)
		}
	}
}

func (m *Manager) Debug(logType string, parts ...string) {
	m.Log(LogDebug, logType, parts...)
}

func (m *Manager) Info(logType string, parts ...string) {
	m.Log(LogInfo, logType, parts...)
}

func (m *Manager) Warning(logType string, parts ...string) {
	m.Log(LogWarning, logType, parts...)
}

func (m *Manager) Error(logType string, parts ...string) {
	m.Log(LogError, logType, parts...)
}

type output struct {
	log      *logrus.Logger
	file     *os.File
	types    map[string]bool
	excluded map[string]bool
}

func newOutput(w io.Writer, level Level, types, excluded map[string]bool) *output {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrusLevels[level])
	l.SetFormatter(lineFormatter{})
	if excluded == nil {
		excluded = map[string]bool{}
	}
	return &output{log: l, types: types, excluded: excluded}
}

func (o *output) wants(logType string) bool {
	if o.excluded["*"] || o.excluded[logType] {
		return false
	}
	return o.types["*"] || o.types[logType]
}

// lineFormatter renders "time : level : type : message".
type lineFormatter struct{}

func (lineFormatter) Format(e *logrus.Entry) ([]byte, error) {
	level := e.Level.String()
	if e.Level == logrus.WarnLevel {
		level = "warn"
	}
	logType, _ := e.Data[typeField].(string)
	// 10 is len("dispatcher"), the longest type name in use
	line := fmt.Sprintf("%s : %-5s : %-10s : %s\n", e.Time.UTC().Format("2006-01-02T15:04:05.000Z"), level, logType, e.Message)
	return []byte(line), nil
}
