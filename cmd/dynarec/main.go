// dynarec runs guest images on the block translating core and inspects
// what it translated.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/colorfulnotion/dynarec/dispatcher"
	"github.com/colorfulnotion/dynarec/emulator"
	"github.com/colorfulnotion/dynarec/log"
	"github.com/colorfulnotion/dynarec/telemetry"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

// options are the persistent flags shared by every subcommand. Flags the
// user set override the configuration file.
type options struct {
	configPath  string
	mode        string
	ramSize     uint32
	debugCache  bool
	logLevel    string
	logModules  string
	metricsAddr string
	otlp        string
	traceFile   string
	traceRegs   bool
	load        string
	entry       string
	cycles      int64
}

func main() {
	if err := newRootCmd(&options{}).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(o *options) *cobra.Command {
	var rootCmd = &cobra.Command{
		Use:          "dynarec",
		Short:        "Block translating guest CPU core",
		Version:      fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime),
		SilenceUsage: true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&o.configPath, "config", "c", "", "JSON configuration file")
	pf.StringVarP(&o.mode, "mode", "m", string(dispatcher.ModeNative), "execution mode (native, threaded, interpreter)")
	pf.Uint32Var(&o.ramSize, "ram", 32<<20, "guest RAM size in bytes, a power of two")
	pf.BoolVar(&o.debugCache, "debug-cache", false, "verify block checksums and halt on cache corruption")
	pf.StringVar(&o.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	pf.StringVar(&o.logModules, "debug", "", "debug modules to enable (jit,cache,fastmem,dispatch,mem,analyzer,cmd or all)")
	pf.StringVar(&o.metricsAddr, "metrics", "", "serve Prometheus metrics on this address")
	pf.StringVar(&o.otlp, "otlp", "", "export spans to this OTLP/HTTP collector (host:port)")
	pf.StringVar(&o.traceFile, "trace", "", "write a JSONL trace of dispatched blocks")
	pf.BoolVar(&o.traceRegs, "trace-regs", false, "include registers in step trace records")
	pf.StringVar(&o.load, "load", "0x00000000", "guest address the image is loaded at")
	pf.StringVar(&o.entry, "entry", "", "entry point, defaults to the load address")
	pf.Int64Var(&o.cycles, "cycles", 0, "stop after this many guest cycles, 0 runs until stopped")

	rootCmd.AddCommand(
		newRunCmd(o),
		newDebugCmd(o),
		newDisasmCmd(o),
		newBlocksCmd(o),
		newVerifyCmd(o),
		newProfileCmd(o),
	)
	return rootCmd
}

func parseAddr(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x"), "$")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("bad address %q: %w", s, err)
	}
	return uint32(v), nil
}

// config resolves the configuration file and the flags set on cmd.
func (o *options) config(cmd *cobra.Command) (emulator.Config, error) {
	cfg := emulator.DefaultConfig()
	if o.configPath != "" {
		var err error
		if cfg, err = emulator.LoadConfig(o.configPath); err != nil {
			return cfg, err
		}
	}
	flags := cmd.Flags()
	if flags.Changed("mode") {
		mode, err := dispatcher.ParseMode(o.mode)
		if err != nil {
			return cfg, err
		}
		cfg.Dispatcher.Mode = mode
	}
	if flags.Changed("ram") {
		cfg.Memory.RAMSize = o.ramSize
	}
	if flags.Changed("debug-cache") {
		cfg.Cache.Debug = o.debugCache
	}
	if flags.Changed("log-level") || cfg.LogLevel == "" {
		cfg.LogLevel = o.logLevel
	}
	if flags.Changed("metrics") {
		cfg.Telemetry.MetricsAddr = o.metricsAddr
	}
	if flags.Changed("otlp") {
		cfg.Telemetry.OTLPEndpoint = o.otlp
		cfg.Telemetry.OTLPInsecure = true
	}
	if flags.Changed("trace") {
		cfg.TraceFile = o.traceFile
	}
	if flags.Changed("trace-regs") {
		cfg.Dispatcher.TraceRegisters = o.traceRegs
	}
	return cfg, cfg.Validate()
}

// session is one powered-on machine plus the telemetry around it.
type session struct {
	m      *emulator.Machine
	entry  uint32
	server *telemetry.TelemetryServer
	tp     *sdktrace.TracerProvider
}

// boot powers on a machine for image with cfg and points it at the entry.
func (o *options) boot(ctx context.Context, cfg emulator.Config, image string) (*session, error) {
	if err := log.InitLogger(cfg.LogLevel); err != nil {
		return nil, err
	}
	if err := log.EnableModules(o.logModules); err != nil {
		return nil, err
	}

	s := &session{}
	tel := telemetry.NewNoOpTelemetryClient()
	if cfg.Telemetry.MetricsAddr != "" || cfg.Telemetry.OTLPEndpoint != "" {
		var err error
		if cfg.Telemetry.OTLPEndpoint != "" {
			if s.tp, err = telemetry.NewTracerProvider(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.OTLPInsecure); err != nil {
				return nil, err
			}
		}
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		// A nil *TracerProvider must not become a non-nil interface.
		if s.tp != nil {
			tel, err = telemetry.NewTelemetryClient(reg, s.tp)
		} else {
			tel, err = telemetry.NewTelemetryClient(reg, nil)
		}
		if err != nil {
			s.Close()
			return nil, err
		}
		if cfg.Telemetry.MetricsAddr != "" {
			s.server = telemetry.NewTelemetryServer(cfg.Telemetry.MetricsAddr, reg)
			if err := s.server.Listen(); err != nil {
				s.server = nil
				s.Close()
				return nil, err
			}
			go func() {
				if err := s.server.Serve(); err != nil {
					log.Warn(log.CmdMonitoring, "metrics server stopped", "err", err)
				}
			}()
		}
	}

	m, err := emulator.PowerOn(cfg, nil, tel)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.m = m
	load, err := parseAddr(o.load)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.entry = load
	if o.entry != "" {
		if s.entry, err = parseAddr(o.entry); err != nil {
			s.Close()
			return nil, err
		}
	}
	if image != "" {
		if err := m.LoadFile(image, load); err != nil {
			s.Close()
			return nil, err
		}
	}
	if err := m.SetPC(s.entry); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *session) Close() {
	if s.m != nil {
		if err := s.m.PowerOff(); err != nil {
			log.Warn(log.CmdMonitoring, "power off", "err", err)
		}
	}
	if s.server != nil {
		if err := s.server.Stop(); err != nil {
			log.Warn(log.CmdMonitoring, "stop metrics server", "err", err)
		}
	}
	if s.tp != nil {
		if err := s.tp.Shutdown(context.Background()); err != nil {
			log.Warn(log.CmdMonitoring, "flush spans", "err", err)
		}
	}
}

// run runs the machine until it stops on its own, ctx is cancelled or the
// cycle limit passes.
func (s *session) run(ctx context.Context, cycles int64) (dispatcher.State, error) {
	if cycles > 0 {
		return s.m.RunFor(ctx, cycles)
	}
	return s.m.Run(ctx)
}
