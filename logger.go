// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package modbus

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel is the severity carried by the prefix of a log line.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarning
	LevelError
	LevelNone // disables logging
)

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	case LevelNone:
		return "NONE"
	default:
		return fmt.Sprintf("LogLevel(%d)", int(l))
	}
}

// ParseLevel parses a level name such as "debug" or "WARNING".
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO", "":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	case "NONE", "OFF":
		return LevelNone, nil
	default:
		return LevelInfo, fmt.Errorf("invalid log level: %s (want DEBUG, INFO, WARNING, ERROR or NONE)", s)
	}
}

// SplitLevel infers the level of a line from its prefix and returns the
// line with the prefix removed. Lines without a prefix are INFO.
func SplitLevel(line string) (LogLevel, string) {
	line = strings.TrimSpace(line)
	upper := strings.ToUpper(line)
	for _, p := range []struct {
		prefix string
		level  LogLevel
	}{
		{"DEBUG:", LevelDebug},
		{"[DEBUG]", LevelDebug},
		{"INFO:", LevelInfo},
		{"[INFO]", LevelInfo},
		{"WARNING:", LevelWarning},
		{"WARN:", LevelWarning},
		{"[WARNING]", LevelWarning},
		{"ERROR:", LevelError},
		{"[ERROR]", LevelError},
	} {
		if strings.HasPrefix(upper, p.prefix) {
			return p.level, strings.TrimSpace(line[len(p.prefix):])
		}
	}
	return LevelInfo, line
}

// SimpleLogger is an io.Writer that filters prefixed log lines by level
// and stamps them with time and a component name.
type SimpleLogger struct {
	mu         sync.Mutex
	level      LogLevel
	output     io.Writer
	timeFormat string
	prefix     string
	now        func() time.Time
}

// NewSimpleLogger creates a logger writing to output, or os.Stdout when nil.
func NewSimpleLogger(output io.Writer, level LogLevel, prefix string) *SimpleLogger {
	if output == nil {
		output = os.Stdout
	}
	return &SimpleLogger{
		level:      level,
		output:     output,
		timeFormat: time.RFC3339,
		prefix:     prefix,
		now:        time.Now,
	}
}

// SetLevel sets the minimum level written.
func (l *SimpleLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Level returns the minimum level written.
func (l *SimpleLogger) Level() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// SetLevelFromString sets the level from its name.
func (l *SimpleLogger) SetLevelFromString(s string) error {
	level, err := ParseLevel(s)
	if err != nil {
		return err
	}
	l.SetLevel(level)
	return nil
}

// Write implements io.Writer. Each call may carry several lines.
func (l *SimpleLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.level == LevelNone {
		return len(p), nil
	}
	for _, line := range strings.Split(string(p), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		level, msg := SplitLevel(line)
		if level < l.level {
			continue
		}
		out := fmt.Sprintf("%s [%s] <%s> %s\n", l.now().Format(l.timeFormat), level, l.prefix, msg)
		if _, err := io.WriteString(l.output, out); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Close closes the output unless it is os.Stdout or os.Stderr.
func (l *SimpleLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.output == os.Stdout || l.output == os.Stderr {
		return nil
	}
	if c, ok := l.output.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
