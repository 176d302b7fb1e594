package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Observer receives agent log events as they arrive. A nil Observer is
// valid and only suppresses external notification.
type Observer func(LogEvent)

var echo atomic.Bool

func init() { echo.Store(true) }

// SetEcho controls whether Notify copies events to the default slog
// logger. The CLI turns it off when its observer already prints events
// to the same terminal.
func SetEcho(on bool) { echo.Store(on) }

// Notify delivers ev to observe (if any) and records it to the local
// diagnostic log at the matching level.
func Notify(observe Observer, ev LogEvent) {
	if echo.Load() {
		slog.Log(context.Background(), ev.Level.Slog(), ev.Message)
	}
	if observe != nil {
		observe(ev)
	}
}

// Notifyf is Notify for locally generated progress messages.
func Notifyf(observe Observer, level Level, format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	Notify(observe, LogEvent{Level: level, Message: msg})
}

// Resolution is the latched outcome of a session so far. The zero value
// means nothing has been latched.
//
// Terminal results always overwrite the latched value. Error-level logs
// latch too, as a fallback for agents that exit without a result; a later
// terminal frame replaces them. Among latching frames the last one wins.
type Resolution struct {
	latched Response
	logs    int
}

// Apply folds one decoded frame into the resolution and returns the new
// value. Log events are forwarded to observe before latching.
func (r Resolution) Apply(msg Response, observe Observer) Resolution {
	switch m := msg.(type) {
	case LogEvent:
		Notify(observe, m)
		r.logs++
		if m.Level == LevelError {
			r.latched = m
		}
	case Terminal:
		r.latched = m
	}
	return r
}

// Terminal returns the latched terminal result, if the latched value is
// one.
func (r Resolution) Terminal() (Terminal, bool) {
	t, ok := r.latched.(Terminal)
	return t, ok
}

// ErrorLog returns the latched error-level log, if the latched value is
// one.
func (r Resolution) ErrorLog() (LogEvent, bool) {
	ev, ok := r.latched.(LogEvent)
	return ev, ok
}

// Empty reports whether nothing has been latched.
func (r Resolution) Empty() bool {
	return r.latched == nil
}

// Logs returns the number of log events seen.
func (r Resolution) Logs() int {
	return r.logs
}
