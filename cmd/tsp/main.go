// Command tsp runs a transport stream processing chain: one input plugin,
// any number of packet processors and one output plugin.
//
//	tsp [options] [-I input [args]] [-P processor [args]]... [-O output [args]]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/tsproc/internal/config"
	"github.com/zsiec/tsproc/internal/control"
	"github.com/zsiec/tsproc/internal/logging"
	"github.com/zsiec/tsproc/internal/monitor"
	"github.com/zsiec/tsproc/internal/plugin"
	"github.com/zsiec/tsproc/internal/plugins"
	"github.com/zsiec/tsproc/internal/tsp"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tsp [options] [-I input [args]] [-P processor [args]]... [-O output [args]]",
		Short: "Transport stream processor",
		Long: `tsp reads a transport stream through an input plugin, passes the packets
through a chain of packet processor plugins and sends them to an output
plugin. Without -I or -O, the stream is read from standard input and
written to standard output.`,
		// Plugin arguments are not ours: the command line is split at the
		// first plugin switch and only the part before it is parsed here.
		DisableFlagParsing: true,
		SilenceUsage:       true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args)
		},
	}
	addFlags(cmd.Flags())
	return cmd
}

func addFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (default is ./tsp.yaml or $HOME/.tsp/tsp.yaml)")
	fs.Bool("list-plugins", false, "list the available plugins and exit")

	fs.IntP("buffer-size", "b", tsp.DefaultBufferSize, "size of the packet buffer in bytes")
	fs.Int64("bitrate", 0, "fixed input bitrate in b/s, 0 to use the input plugin")
	fs.Duration("bitrate-adjust-interval", tsp.DefaultBitrateAdjustInterval, "interval between input bitrate evaluations")
	fs.Uint64("init-bitrate-adjust-packets", tsp.DefaultInitBitrateAdjust, "packets after which the input bitrate is first evaluated")
	fs.Int("max-flush-packets", 0, "maximum packets passed to the next stage at once")
	fs.Int("max-input-packets", 0, "maximum packets received at once by the input plugin")
	fs.String("add-input-stuffing", "", "insert nullpkt null packets every inpkt input packets (nullpkt/inpkt)")
	fs.Int("add-start-stuffing", 0, "null packets inserted before the first input packet")
	fs.Int("add-stop-stuffing", 0, "null packets inserted after the last input packet")
	fs.String("realtime", "auto", "real-time mode: auto, on, off")
	fs.Duration("receive-timeout", 0, "timeout of the input plugin when it supports one")
	fs.Duration("packet-timeout", 0, "abort when no packet is processed for that long")
	fs.Bool("ignore-joint-termination", false, "ignore the joint termination requests of plugins")

	fs.Bool("monitor", false, "log the resource usage periodically")
	fs.Duration("monitor-interval", time.Minute, "resource usage logging interval")
	fs.String("control-address", "", "address of the HTTP control server, disabled when empty")
	fs.StringSlice("control-sources", nil, "addresses or networks allowed to use the control server")

	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("log-format", "text", "log format (text, json)")
	fs.String("log-time-format", "", "Go time layout of log time stamps")
}

func run(cmd *cobra.Command, args []string) error {
	global, specs, err := plugin.SplitCommandLine(args)
	if err != nil {
		return err
	}
	fs := cmd.Flags()
	if err := fs.Parse(global); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return cmd.Help()
		}
		return err
	}
	if help, _ := fs.GetBool("help"); help {
		return cmd.Help()
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument %q before the first plugin", fs.Arg(0))
	}

	reg := plugin.NewRegistry()
	plugins.Register(reg)

	if list, _ := fs.GetBool("list-plugins"); list {
		listPlugins(cmd.OutOrStdout(), reg)
		return nil
	}

	cfgPath, _ := fs.GetString("config")
	cfg, err := config.Load(cfgPath, fs)
	if err != nil {
		return err
	}
	log, level, err := logging.New(cfg.Logging, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	chain := cfg.Chain()
	if len(specs) > 0 {
		if chain, err = plugin.BuildChain(specs); err != nil {
			return err
		}
	}
	opts, err := cfg.Options()
	if err != nil {
		return err
	}
	networks, err := cfg.Control.Networks()
	if err != nil {
		return err
	}

	log.Debug("tsp starting", "version", version, "plugins", chain.Len())
	proc := tsp.New(opts, reg, log)
	if err := proc.Start(chain); err != nil {
		log.Error("failed to start processing", "error", err)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			log.Info("received signal, aborting", "signal", sig)
			proc.Abort()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	// Ambient services stop with the processor; a failing one aborts it.
	g.Go(func() error {
		select {
		case <-proc.Done():
			cancel()
		case <-gctx.Done():
			select {
			case <-proc.Done():
			default:
				proc.Abort()
			}
		}
		return nil
	})

	if cfg.Control.Address != "" {
		srv, err := control.NewServer(control.ServerConfig{
			Addr:      cfg.Control.Address,
			Processor: proc,
			Level:     level,
			Sources:   networks,
			Log:       log,
		})
		if err != nil {
			proc.Abort()
			return err
		}
		g.Go(func() error { return srv.Start(gctx) })
	}

	if cfg.Monitor {
		mon, err := monitor.New(gctx, cfg.MonitorInterval, log, func() uint64 { return uint64(proc.Bitrate()) })
		if err != nil {
			log.Warn("resource monitoring disabled", "error", err)
		} else {
			g.Go(func() error { return mon.Run(gctx) })
		}
	}

	procErr := proc.Wait()
	cancel()
	if err := g.Wait(); err != nil {
		log.Error("service error", "error", err)
		if procErr == nil {
			procErr = err
		}
	}
	if procErr != nil {
		log.Error("processing failed", "error", procErr)
		return procErr
	}
	return nil
}

func listPlugins(w io.Writer, reg *plugin.Registry) {
	for _, kind := range []plugin.Kind{plugin.KindInput, plugin.KindProcessor, plugin.KindOutput} {
		fmt.Fprintf(w, "%s plugins: %s\n", kind, strings.Join(reg.Names(kind), ", "))
	}
}
