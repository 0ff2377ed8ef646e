package mqttv5

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
)

// ColorLogger writes human-readable, colorized lines for interactive use.
// Colors are disabled automatically when the output is not a terminal.
type ColorLogger struct {
	mu     *sync.Mutex
	out    io.Writer
	level  LogLevel
	fields LogFields
	now    func() time.Time
}

// NewColorLogger creates a ColorLogger writing to w, or to stdout when w is nil.
func NewColorLogger(w io.Writer, level LogLevel) *ColorLogger {
	if w == nil {
		w = color.Output
	}
	return &ColorLogger{
		mu:    &sync.Mutex{},
		out:   w,
		level: level,
		now:   time.Now,
	}
}

func (c *ColorLogger) Debug(msg string, fields LogFields) { c.log(LogLevelDebug, msg, fields) }
func (c *ColorLogger) Info(msg string, fields LogFields)  { c.log(LogLevelInfo, msg, fields) }
func (c *ColorLogger) Warn(msg string, fields LogFields)  { c.log(LogLevelWarn, msg, fields) }
func (c *ColorLogger) Error(msg string, fields LogFields) { c.log(LogLevelError, msg, fields) }

// WithFields returns a child logger sharing the output of c.
func (c *ColorLogger) WithFields(fields LogFields) Logger {
	return &ColorLogger{
		mu:     c.mu,
		out:    c.out,
		level:  c.level,
		fields: mergeFields(c.fields, fields),
		now:    c.now,
	}
}

// Level returns the minimum level written.
func (c *ColorLogger) Level() LogLevel {
	return c.level
}

func (c *ColorLogger) log(level LogLevel, msg string, fields LogFields) {
	if level < c.level {
		return
	}

	line := fmt.Sprintf("%s %s %s%s\n",
		c.now().Format("2006-01-02 15:04:05.000"),
		levelColor(level),
		msg,
		color.HiBlackString(formatFields(mergeFields(c.fields, fields))),
	)

	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = io.WriteString(c.out, line)
}

func levelColor(level LogLevel) string {
	name := fmt.Sprintf("%-5s", level)
	switch level {
	case LogLevelDebug:
		return color.MagentaString(name)
	case LogLevelInfo:
		return color.BlueString(name)
	case LogLevelWarn:
		return color.YellowString(name)
	case LogLevelError:
		return color.RedString(name)
	default:
		return name
	}
}

// NewConsoleLogger returns a ColorLogger on stderr.
func NewConsoleLogger(level LogLevel) *ColorLogger {
	return NewColorLogger(os.Stderr, level)
}
