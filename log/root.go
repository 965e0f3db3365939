package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	JitMonitoring      = "jit"      // code generation
	CacheMonitoring    = "cache"    // block cache
	FastmemMonitoring  = "fastmem"  // fault handler
	DispatchMonitoring = "dispatch" // dispatcher
	MemoryMonitoring   = "mem"      // guest memory
	AnalyzerMonitoring = "analyzer" // block analysis
	CmdMonitoring      = "cmd"      // command line tools
)

// Modules lists every module whose debug and trace records can be enabled.
var Modules = []string{
	JitMonitoring, CacheMonitoring, FastmemMonitoring, DispatchMonitoring,
	MemoryMonitoring, AnalyzerMonitoring, CmdMonitoring,
}

var root atomic.Pointer[Logger]

func init() {
	l := NewLogger(DiscardHandler())
	root.Store(&l)
}

func ParseLevel(lvl string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(lvl)) {
	case "MAX", "MAXVERBOSITY":
		return levelMaxVerbosity, nil
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO", "":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	case "CRIT", "CRITICAL":
		return LevelCrit, nil
	}
	return 0, fmt.Errorf("invalid level: %s", lvl)
}

// InitLogger points the root logger at stderr.
func InitLogger(logLevel string) error {
	return InitLoggerTo(os.Stderr, logLevel)
}

func InitLoggerTo(w io.Writer, logLevel string) error {
	lvl, err := ParseLevel(logLevel)
	if err != nil {
		return err
	}
	SetDefault(NewLogger(NewTerminalHandlerWithLevel(w, lvl, true)))
	return nil
}

// SetDefault replaces the root logger and the slog default.
func SetDefault(l Logger) {
	root.Store(&l)
	if lg, ok := l.(*logger); ok {
		slog.SetDefault(lg.inner)
	}
}

func Root() Logger { return *root.Load() }

var moduleEnabled sync.Map

func EnableModule(module string)  { moduleEnabled.Store(module, true) }
func DisableModule(module string) { moduleEnabled.Store(module, false) }

// EnableModules enables a comma separated module list. "all" enables every
// module in Modules.
func EnableModules(list string) error {
	for _, m := range strings.Split(list, ",") {
		switch m = strings.TrimSpace(m); m {
		case "":
		case "all":
			for _, k := range Modules {
				EnableModule(k)
			}
		default:
			if !known(m) {
				return fmt.Errorf("unknown log module %q, want one of %s or all", m, strings.Join(Modules, ","))
			}
			EnableModule(m)
		}
	}
	return nil
}

func known(module string) bool {
	for _, k := range Modules {
		if k == module {
			return true
		}
	}
	return false
}

func isModuleEnabled(module string) bool {
	v, ok := moduleEnabled.Load(module)
	return ok && v.(bool)
}

// Trace and Debug are dropped unless the module is enabled; the other
// levels are not filtered by module.
func Trace(module string, msg string, ctx ...any) {
	if isModuleEnabled(module) {
		Root().Write(LevelTrace, module, msg, ctx...)
	}
}

func Debug(module string, msg string, ctx ...any) {
	if isModuleEnabled(module) {
		Root().Write(LevelDebug, module, msg, ctx...)
	}
}

func Info(module string, msg string, ctx ...any)  { Root().Write(LevelInfo, module, msg, ctx...) }
func Warn(module string, msg string, ctx ...any)  { Root().Write(LevelWarn, module, msg, ctx...) }
func Error(module string, msg string, ctx ...any) { Root().Write(LevelError, module, msg, ctx...) }

func Crit(module string, msg string, ctx ...any) {
	Root().Write(LevelCrit, module, msg, ctx...)
	os.Exit(1)
}
