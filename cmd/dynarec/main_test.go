package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colorfulnotion/dynarec/dispatcher"
	"github.com/colorfulnotion/dynarec/emulator"
	"github.com/colorfulnotion/dynarec/isa"
)

const (
	loadAddr = 0x1000
	loopAddr = 0x1100
)

// writeImage writes a program loaded at 0x1000 that sets r3 to 6 and then
// spins at 0x1100.
func writeImage(t *testing.T) string {
	t.Helper()
	head := isa.NewAssembler(loadAddr).
		Li(3, 5).
		Addi(3, 3, 1).
		B(loopAddr)
	loop := isa.NewAssembler(loopAddr).B(loopAddr)

	image := make([]byte, loopAddr-loadAddr+4)
	copy(image, head.Bytes())
	copy(image[loopAddr-loadAddr:], loop.Bytes())
	path := filepath.Join(t.TempDir(), "image.bin")
	require.NoError(t, os.WriteFile(path, image, 0o644))
	return path
}

// execute runs the CLI with args and returns what it printed.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(&options{})
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--ram", "1048576", "--load", "0x1000", "--log-level", "error"))
	err := root.Execute()
	return out.String(), err
}

func TestParseAddr(t *testing.T) {
	cases := map[string]uint32{
		"1000":       0x1000,
		"0x80003100": 0x80003100,
		"0XFFFF":     0xffff,
		"$2000":      0x2000,
		" 0x10 ":     0x10,
	}
	for in, want := range cases {
		got, err := parseAddr(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "0x", "zz", "0x100000000"} {
		_, err := parseAddr(bad)
		assert.Error(t, err, bad)
	}
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dynarec.json")
	raw, err := json.Marshal(map[string]interface{}{
		"memory":     map[string]interface{}{"ram_size": 2 << 20},
		"dispatcher": map[string]interface{}{"mode": "threaded"},
		"log_level":  "warn",
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	o := &options{}
	root := newRootCmd(o)
	sub, _, err := root.Find([]string{"run"})
	require.NoError(t, err)
	require.NoError(t, sub.ParseFlags([]string{"-c", path, "--mode", "interpreter", "--debug-cache"}))

	cfg, err := o.config(sub)
	require.NoError(t, err)
	assert.Equal(t, dispatcher.ModeInterpreter, cfg.Dispatcher.Mode)
	assert.Equal(t, uint32(2<<20), cfg.Memory.RAMSize)
	assert.True(t, cfg.Cache.Debug)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestConfigRejectsBadMode(t *testing.T) {
	o := &options{}
	root := newRootCmd(o)
	sub, _, err := root.Find([]string{"run"})
	require.NoError(t, err)
	require.NoError(t, sub.ParseFlags([]string{"--mode", "jit"}))
	_, err = o.config(sub)
	assert.ErrorIs(t, err, dispatcher.ErrUnknownMode)
}

func TestRunStopsAtBreakpoint(t *testing.T) {
	out, err := execute(t, "run", writeImage(t), "-b", "0x1100", "--regs")
	require.NoError(t, err)
	assert.Contains(t, out, "stopped: stopped-at-breakpoint at 00001100")
	assert.Contains(t, out, "r3  00000006")
	assert.Contains(t, out, "cache: ")
}

func TestDisasmListsReachableBlocks(t *testing.T) {
	out, err := execute(t, "disasm", writeImage(t))
	require.NoError(t, err)
	assert.Contains(t, out, "00001000  38600005")
	assert.Contains(t, out, "00001004  38630001")
	assert.Contains(t, out, "-> 00001100")
	assert.Contains(t, out, "00001100  48000000")
}

func TestBlocksPrintsLinkTree(t *testing.T) {
	out, err := execute(t, "blocks", writeImage(t), "--mode", "threaded", "--cycles", "5000")
	require.NoError(t, err)
	assert.Contains(t, out, "generation ")
	assert.Contains(t, out, "00001000-")
	assert.Contains(t, out, "00001100-")
	assert.Contains(t, out, "00001100 (see above)")
}

func TestVerifyModesAgree(t *testing.T) {
	out, err := execute(t, "verify", writeImage(t), "--until", "0x1100")
	require.NoError(t, err)
	assert.Contains(t, out, "interpreter, threaded, native agree at 00001100")
}

func TestDiffOutcomes(t *testing.T) {
	ref := []byte(`{"state":"stopped-at-breakpoint","snapshot":{"retired":3},"ram_xxhash":"00"}`)

	diff, err := diffOutcomes(ref, ref)
	require.NoError(t, err)
	assert.Empty(t, diff)

	got := []byte(`{"state":"stopped-at-breakpoint","snapshot":{"retired":4},"ram_xxhash":"00"}`)
	diff, err = diffOutcomes(ref, got)
	require.NoError(t, err)
	assert.Contains(t, diff, "retired")

	_, err = diffOutcomes(ref, []byte("not json"))
	assert.Error(t, err)
}

func TestProfileWritesChart(t *testing.T) {
	chart := filepath.Join(t.TempDir(), "profile.html")
	out, err := execute(t, "profile", writeImage(t), "--cycles", "5000", "--chart", chart)
	require.NoError(t, err)
	assert.Contains(t, out, "00001100-")

	html, err := os.ReadFile(chart)
	require.NoError(t, err)
	assert.Contains(t, string(html), "dynarec profile")
	assert.Contains(t, string(html), "Hottest blocks")
}

func TestMonitorCommands(t *testing.T) {
	o := &options{load: "0x1000"}
	cfg := emulator.DefaultConfig()
	cfg.Memory.RAMSize = 1 << 20
	cfg.LogLevel = "error"
	s, err := o.boot(context.Background(), cfg, writeImage(t))
	require.NoError(t, err)
	defer s.Close()

	var out bytes.Buffer
	mon := &monitor{m: s.m, entry: s.entry, out: &out}
	ctx := context.Background()
	run := func(line string) string {
		out.Reset()
		require.NoError(t, mon.exec(ctx, line), line)
		return out.String()
	}

	run("b 1100")
	assert.Contains(t, run("info"), "00001100 hits=0")
	assert.Contains(t, run("l 1000 2"), "00001004  38630001")
	assert.Contains(t, run("x 1000 8"), "00001000  38 60 00 05 38 63 00 01")

	assert.Contains(t, run("c"), "stopped-at-breakpoint")
	regs, err := s.m.Registers()
	require.NoError(t, err)
	assert.Equal(t, uint32(loopAddr), regs.PC)
	assert.Contains(t, run("r"), "r3  00000006")
	assert.Contains(t, run(""), "r3  00000006")

	assert.Contains(t, run("s"), "00001100  48000000")
	run("disable 1100")
	assert.Contains(t, run("info"), "(disabled)")
	run("delete 1100")

	assert.Error(t, mon.exec(ctx, "delete 1100"))
	assert.Error(t, mon.exec(ctx, "unwatch 2000"))
	assert.Error(t, mon.exec(ctx, "watch 2000 0"))
	assert.Error(t, mon.exec(ctx, "b"))
	assert.Error(t, mon.exec(ctx, "frobnicate"))
	assert.ErrorIs(t, mon.exec(ctx, "q"), errQuit)
}

// writeStoreImage writes a program that stores r3 to 0x2000 on every pass
// of a loop at 0x1000.
func writeStoreImage(t *testing.T) string {
	t.Helper()
	a := isa.NewAssembler(loadAddr).
		Li(13, 0x2000).
		Addi(3, 3, 1).
		Stw(3, 13, 0).
		B(loadAddr + 4)
	path := filepath.Join(t.TempDir(), "store.bin")
	require.NoError(t, os.WriteFile(path, a.Bytes(), 0o644))
	return path
}

func TestMonitorMemoryBreakpoints(t *testing.T) {
	o := &options{load: "0x1000"}
	cfg := emulator.DefaultConfig()
	cfg.Memory.RAMSize = 1 << 20
	cfg.LogLevel = "error"
	s, err := o.boot(context.Background(), cfg, writeStoreImage(t))
	require.NoError(t, err)
	defer s.Close()

	var out bytes.Buffer
	mon := &monitor{m: s.m, entry: s.entry, out: &out}
	ctx := context.Background()
	run := func(line string) string {
		out.Reset()
		require.NoError(t, mon.exec(ctx, line), line)
		return out.String()
	}

	run("watch 2000")
	assert.Contains(t, run("info"), "00002000-00002004 w hits=0")
	got := run("c")
	assert.Contains(t, got, "stopped-at-breakpoint")
	assert.Contains(t, got, "memory breakpoint: store of 4 bytes at 00002000 by 00001008")
	assert.Contains(t, got, "00001008  ")

	got = run("c")
	assert.Contains(t, got, "by 00001008")
	assert.Contains(t, run("x 2000 4"), "00002000  00 00 00 01")
	assert.Contains(t, run("info"), "hits=2")

	run("unwatch 2000")
	assert.Empty(t, s.m.MemoryBreakpoints())
	run("awatch 2000 8")
	assert.Contains(t, run("info"), "00002000-00002008 rw")
}
