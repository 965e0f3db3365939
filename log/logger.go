package log

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"runtime"
	"time"
)

const (
	levelMaxVerbosity slog.Level = math.MinInt
	LevelTrace        slog.Level = -8
	LevelDebug                   = slog.LevelDebug
	LevelInfo                    = slog.LevelInfo
	LevelWarn                    = slog.LevelWarn
	LevelError                   = slog.LevelError
	LevelCrit         slog.Level = 12
)

// LevelAlignedString returns a 5-character name for l.
func LevelAlignedString(l slog.Level) string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO "
	case LevelWarn:
		return "WARN "
	case LevelError:
		return "ERROR"
	case LevelCrit:
		return "CRIT "
	}
	return "?????"
}

// PC is the attribute for a guest program counter.
func PC(pc uint32) slog.Attr { return Addr("pc", pc) }

// Addr renders a guest address the way disassembly listings do.
func Addr(key string, a uint32) slog.Attr { return slog.String(key, fmt.Sprintf("%08x", a)) }

// Logger writes module tagged records to a slog.Handler.
type Logger interface {
	With(ctx ...any) Logger
	Write(level slog.Level, module string, msg string, attrs ...any)

	Trace(module string, msg string, ctx ...any)
	Debug(module string, msg string, ctx ...any)
	Info(module string, msg string, ctx ...any)
	Warn(module string, msg string, ctx ...any)
	Error(module string, msg string, ctx ...any)

	// Crit logs at the crit level and exits the process.
	Crit(module string, msg string, ctx ...any)

	Enabled(ctx context.Context, level slog.Level) bool
	Handler() slog.Handler
}

type logger struct {
	inner *slog.Logger
}

func NewLogger(h slog.Handler) Logger {
	return &logger{inner: slog.New(h)}
}

func (l *logger) Handler() slog.Handler { return l.inner.Handler() }

func (l *logger) Enabled(ctx context.Context, level slog.Level) bool {
	return l.inner.Enabled(ctx, level)
}

func (l *logger) With(ctx ...any) Logger { return &logger{l.inner.With(ctx...)} }

// Write records the caller of the package level helper, not Write itself.
func (l *logger) Write(level slog.Level, module string, msg string, attrs ...any) {
	if !l.inner.Enabled(context.Background(), level) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	if module != "" {
		r.AddAttrs(slog.String("module", module))
	}
	r.Add(attrs...)
	_ = l.inner.Handler().Handle(context.Background(), r)
}

func (l *logger) Trace(module string, msg string, ctx ...any) { l.Write(LevelTrace, module, msg, ctx...) }
func (l *logger) Debug(module string, msg string, ctx ...any) { l.Write(LevelDebug, module, msg, ctx...) }
func (l *logger) Info(module string, msg string, ctx ...any)  { l.Write(LevelInfo, module, msg, ctx...) }
func (l *logger) Warn(module string, msg string, ctx ...any)  { l.Write(LevelWarn, module, msg, ctx...) }
func (l *logger) Error(module string, msg string, ctx ...any) { l.Write(LevelError, module, msg, ctx...) }

func (l *logger) Crit(module string, msg string, ctx ...any) {
	l.Write(LevelCrit, module, msg, ctx...)
	os.Exit(1)
}
