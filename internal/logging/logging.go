// Package logging provides the trace/debug/logerr helpers used throughout
// the connection and server types, adapted from the transport layer's
// ControlBlock logging trio: a cheap Enabled() gate in front of the
// structured slog.Logger calls so hot-path logging at trace level costs
// nothing when it is not turned on.
package logging

import (
	"context"
	"log/slog"
)

// LevelTrace sits below slog.LevelDebug for the sliding-window bookkeeping
// that is too noisy for ordinary debug logging.
const LevelTrace slog.Level = slog.LevelDebug - 2

// Enabled reports whether log would emit a record at lvl, treating a nil
// logger as always-disabled.
func Enabled(log *slog.Logger, lvl slog.Level) bool {
	return log != nil && log.Handler().Enabled(context.Background(), lvl)
}

// Log emits msg at lvl with attrs if enabled, doing nothing for a nil
// logger.
func Log(log *slog.Logger, lvl slog.Level, msg string, attrs ...slog.Attr) {
	if log == nil {
		return
	}
	log.LogAttrs(context.Background(), lvl, msg, attrs...)
}

// Trace logs at LevelTrace.
func Trace(log *slog.Logger, msg string, attrs ...slog.Attr) {
	Log(log, LevelTrace, msg, attrs...)
}

// Debug logs at slog.LevelDebug.
func Debug(log *slog.Logger, msg string, attrs ...slog.Attr) {
	Log(log, slog.LevelDebug, msg, attrs...)
}

// Err logs at slog.LevelError.
func Err(log *slog.Logger, msg string, attrs ...slog.Attr) {
	Log(log, slog.LevelError, msg, attrs...)
}

// EPCAttr returns a slog.Attr for an EPC, hex-encoded without an
// intermediate fmt.Sprintf allocation.
func EPCAttr(key string, epc []byte) slog.Attr {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, len(epc)*2)
	for i, b := range epc {
		buf[i*2] = hexDigits[b>>4]
		buf[i*2+1] = hexDigits[b&0xF]
	}
	return slog.String(key, string(buf))
}
