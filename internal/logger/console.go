// Package logger provides the leveled console logger used across dispatch.
//
// Output is timestamped and thread-safe. Color is enabled automatically when
// writing to a TTY and disabled otherwise (and under NO_COLOR).
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// Level filtering constants, lowest to highest severity.
const (
	levelDebug = iota
	levelInfo
	levelWarn
	levelError
)

// Logger is the logging interface components depend on. It is satisfied by
// Console and trivially fakeable in tests.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Console writes timestamped, optionally colored log lines to a writer.
type Console struct {
	mu    sync.Mutex
	w     io.Writer
	level int
	color bool
	name  string
}

// New creates a Console logger writing to w at the given level. Valid levels
// are debug, info, warn and error; anything else falls back to info. The name
// is prefixed to every line and identifies the agent.
func New(w io.Writer, level, name string) *Console {
	return &Console{
		w:     w,
		level: parseLevel(level),
		color: writerIsTerminal(w),
		name:  name,
	}
}

// Discard returns a logger that drops all output. Useful as a default when
// no logger is supplied.
func Discard() *Console {
	return New(io.Discard, "error", "")
}

func parseLevel(level string) int {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return levelDebug
	case "warn":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

// writerIsTerminal reports whether w is a TTY that supports color output.
func writerIsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	if color.NoColor {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

var levelColors = map[int]*color.Color{
	levelDebug: color.New(color.FgHiBlack),
	levelInfo:  color.New(color.FgCyan),
	levelWarn:  color.New(color.FgYellow),
	levelError: color.New(color.FgRed),
}

var levelTags = map[int]string{
	levelDebug: "DEBUG",
	levelInfo:  "INFO",
	levelWarn:  "WARN",
	levelError: "ERROR",
}

func (c *Console) logf(level int, format string, args ...any) {
	if c == nil || c.w == nil || level < c.level {
		return
	}

	tag := levelTags[level]
	if c.color {
		tag = levelColors[level].Sprint(tag)
	}

	prefix := fmt.Sprintf("[%s] %-5s", time.Now().Format("15:04:05"), tag)
	if c.name != "" {
		prefix += " " + c.name
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, "%s %s\n", prefix, fmt.Sprintf(format, args...))
}

// Debugf logs at debug level.
func (c *Console) Debugf(format string, args ...any) { c.logf(levelDebug, format, args...) }

// Infof logs at info level.
func (c *Console) Infof(format string, args ...any) { c.logf(levelInfo, format, args...) }

// Warnf logs at warn level.
func (c *Console) Warnf(format string, args ...any) { c.logf(levelWarn, format, args...) }

// Errorf logs at error level.
func (c *Console) Errorf(format string, args ...any) { c.logf(levelError, format, args...) }
