// Package logging writes leveled, single-line operational logs:
//
//	INFO  2025-03-01T09:00:00.000Z [orchestrator] stage_result task=3f2a… stage=fetch duration=412ms
//
// The task table is the durable record of what happened to a mention; these
// lines are for watching the service run.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel accepts debug, info, warn/warning and error in any case.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, nil
	case "", "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	}
	return "", fmt.Errorf("unknown log level %q", s)
}

// sink is shared by a logger and everything derived from it.
type sink struct {
	mu       sync.Mutex
	output   io.Writer
	minLevel Level
}

// Logger is safe for concurrent use. Derived loggers share output and level.
type Logger struct {
	sink      *sink
	component string
	traceID   string
}

func New() *Logger {
	return &Logger{sink: &sink{output: os.Stdout, minLevel: LevelInfo}}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{sink: &sink{output: io.Discard, minLevel: LevelError}}
}

func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{sink: l.sink, component: component, traceID: l.traceID}
}

// WithTraceID tags every line with task=<id>.
func (l *Logger) WithTraceID(traceID string) *Logger {
	return &Logger{sink: l.sink, component: l.component, traceID: traceID}
}

func (l *Logger) SetLevel(level Level) {
	l.sink.mu.Lock()
	l.sink.minLevel = level
	l.sink.mu.Unlock()
}

func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	l.sink.output = w
	l.sink.mu.Unlock()
}

func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields renders key=value pairs sorted by key. Values containing
// spaces are quoted.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v := fmt.Sprintf("%v", fields[k])
		if strings.ContainsAny(v, " \t\n\"") {
			v = fmt.Sprintf("%q", v)
		}
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(v)
	}
	return b.String()
}

func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	s := l.sink
	s.mu.Lock()
	defer s.mu.Unlock()

	if levelPriority[level] < levelPriority[s.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var b strings.Builder
	fmt.Fprintf(&b, "%-5s %s ", level, timestamp)
	if l.component != "" {
		fmt.Fprintf(&b, "[%s] ", l.component)
	}
	b.WriteString(msg)
	if l.traceID != "" {
		b.WriteString(" task=")
		b.WriteString(l.traceID)
	}
	if len(fields) > 0 && fields[0] != nil {
		b.WriteString(formatFields(fields[0]))
	}
	b.WriteString("\n")

	s.output.Write([]byte(b.String()))
}

// TaskTransition logs a status change.
func (l *Logger) TaskTransition(taskID, from, to string) {
	l.Info("task_transition", map[string]interface{}{
		"task_id": taskID,
		"from":    from,
		"to":      to,
	})
}

func (l *Logger) StageStart(stage string, attempt int) {
	l.Debug("stage_start", map[string]interface{}{
		"stage":   stage,
		"attempt": attempt,
	})
}

// StageResult logs the end of a stage; failures go out at ERROR.
func (l *Logger) StageResult(stage string, duration time.Duration, err error) {
	fields := map[string]interface{}{
		"stage":    stage,
		"duration": duration.Round(time.Millisecond).String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Error("stage_error", fields)
		return
	}
	l.Debug("stage_result", fields)
}

func (l *Logger) StageRetry(stage string, attempt int, delay time.Duration, err error) {
	l.Warn("stage_retry", map[string]interface{}{
		"stage":   stage,
		"attempt": attempt,
		"delay":   delay.String(),
		"error":   err.Error(),
	})
}

// PollSummary logs the outcome of one mention poll.
func (l *Logger) PollSummary(fetched, created, dispatched int, cursor string, advanced bool) {
	l.Info("poll_complete", map[string]interface{}{
		"fetched":    fetched,
		"created":    created,
		"dispatched": dispatched,
		"cursor":     cursor,
		"advanced":   advanced,
	})
}
