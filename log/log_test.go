package log

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("trace")
	require.NoError(t, err)
	assert.Equal(t, LevelTrace, lvl)

	lvl, err = ParseLevel("WARNING")
	require.NoError(t, err)
	assert.Equal(t, LevelWarn, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestModuleFiltering(t *testing.T) {
	prev := Root()
	defer SetDefault(prev)

	h := NewRecordingHandler(LevelTrace)
	SetDefault(NewLogger(h))

	DisableModule(CacheMonitoring)
	Debug(CacheMonitoring, "hidden")
	Info(CacheMonitoring, "shown", "n", 1)
	EnableModule(CacheMonitoring)
	Debug(CacheMonitoring, "now shown")
	DisableModule(CacheMonitoring)

	recs := h.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, "shown", recs[0].Message)
	assert.Equal(t, CacheMonitoring, recs[0].Attrs["module"])
	assert.Equal(t, int64(1), recs[0].Attrs["n"])
	assert.Equal(t, "now shown", recs[1].Message)
}

func TestTerminalHandler(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(NewTerminalHandlerWithLevel(&buf, LevelInfo, false))
	l.Debug(JitMonitoring, "dropped")
	l.Warn(JitMonitoring, "fallback", "op", "fadd")
	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "level=\"WARN \"")
	assert.Contains(t, out, "op=fadd")
	assert.False(t, NewLogger(DiscardHandler()).Enabled(context.Background(), slog.LevelError))
}

func TestGuestAddressAttrs(t *testing.T) {
	h := NewRecordingHandler(LevelInfo)
	l := NewLogger(h).With("machine", 1)
	l.Info(DispatchMonitoring, "breakpoint hit", PC(0x80003100), Addr("dar", 0x10))

	recs := h.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, "80003100", recs[0].Attrs["pc"])
	assert.Equal(t, "00000010", recs[0].Attrs["dar"])
	assert.Equal(t, int64(1), recs[0].Attrs["machine"])
	assert.Equal(t, "?????", LevelAlignedString(slog.Level(3)))
}

func TestEnableModules(t *testing.T) {
	defer func() {
		for _, m := range Modules {
			DisableModule(m)
		}
	}()
	require.NoError(t, EnableModules("jit, cache"))
	assert.True(t, isModuleEnabled(JitMonitoring))
	assert.True(t, isModuleEnabled(CacheMonitoring))
	assert.False(t, isModuleEnabled(FastmemMonitoring))

	require.NoError(t, EnableModules("all"))
	for _, m := range Modules {
		assert.True(t, isModuleEnabled(m), m)
	}
	assert.Error(t, EnableModules("jit,gpu"))

	var buf bytes.Buffer
	require.NoError(t, InitLoggerTo(&buf, "warn"))
	defer SetDefault(NewLogger(DiscardHandler()))
	Info(CmdMonitoring, "quiet")
	Warn(CmdMonitoring, "loud", PC(0x100))
	assert.NotContains(t, buf.String(), "quiet")
	assert.Contains(t, buf.String(), "pc=00000100")
	assert.Error(t, InitLoggerTo(&buf, "shout"))
}
