// Mapiproxy — CLI entry point.
//
// This tool sits between a MonetDB client and server, forwarding traffic
// both ways while pretty-printing the MAPI protocol stream at the chosen
// granularity. It can also replay traffic from a pcap capture file.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/joerivanruth/mapiproxy/internal/config"
	"github.com/joerivanruth/mapiproxy/internal/mapi"
	"github.com/joerivanruth/mapiproxy/internal/network"
	"github.com/joerivanruth/mapiproxy/internal/pcap"
	"github.com/joerivanruth/mapiproxy/internal/proxy"
	"github.com/joerivanruth/mapiproxy/internal/render"
	"github.com/joerivanruth/mapiproxy/internal/util"
)

var version = "dev"

// eventChannelCapacity bounds the engine → renderer queue. Producers block
// when it fills up; nothing is ever dropped.
const eventChannelCapacity = 512

// Exit codes.
const (
	exitOK       = 0
	exitUsage    = 1
	exitInternal = 2
	exitSigint   = 130
)

var (
	flagMessages bool
	flagBlocks   bool
	flagRaw      bool
	flagBinary   bool
	flagColor    string
	flagPcap     string
	flagDebug    bool
)

var rootCmd = &cobra.Command{
	Use:   "mapiproxy [OPTIONS] LISTEN_ADDR FORWARD_ADDR",
	Short: "Proxy and pretty-print MonetDB MAPI traffic",
	Long: `Mapiproxy forwards connections between a MonetDB client and server while
pretty-printing the MAPI traffic passing through.

LISTEN_ADDR and FORWARD_ADDR:
    port, for example, 50000
    host:port, for example, localhost:50000 or 127.0.0.1:50000
    /path/to/unixsock, for example, /tmp/.s.monetdb.50000`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	Args: func(cmd *cobra.Command, args []string) error {
		if flagPcap != "" {
			if len(args) != 0 {
				return errors.New("--pcap takes no address arguments")
			}
			return nil
		}
		if len(args) != 2 {
			return errors.New("expected LISTEN_ADDR and FORWARD_ADDR")
		}
		return nil
	},
	RunE: run,
}

func init() {
	rootCmd.Flags().BoolVarP(&flagMessages, "messages", "m", false, "dump whole messages (default)")
	rootCmd.Flags().BoolVarP(&flagBlocks, "blocks", "b", false, "dump individual blocks")
	rootCmd.Flags().BoolVarP(&flagRaw, "raw", "r", false, "dump bytes as they come in")
	rootCmd.Flags().BoolVarP(&flagBinary, "binary", "B", false, "force dumping as binary")
	rootCmd.Flags().StringVar(&flagColor, "color", "auto", "colorize output: always, auto or never")
	rootCmd.Flags().StringVar(&flagPcap, "pcap", "", "replay traffic from a capture file instead of proxying")
	rootCmd.Flags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mapiproxy: %v\n", err)
		os.Exit(exitUsage)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if flagDebug {
		util.EnableDebug()
	}

	cfg, err := buildConfig(args)
	if err != nil {
		return err
	}

	colored := resolveColor(cfg.Color)
	if colored {
		pterm.EnableColor()
	}
	renderer := render.New(os.Stdout, colored)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	events := make(chan proxy.MapiEvent, eventChannelCapacity)
	sink := proxy.NewEventSink(events)

	var socketPaths []string
	var replayErr error

	if cfg.PcapFile != "" {
		go func() {
			replayErr = pcap.Replay(ctx, cfg.PcapFile, sink)
			close(events)
		}()
	} else {
		p, err := proxy.New(cfg.ListenAddr, cfg.ForwardAddr, sink)
		if err != nil {
			return err
		}
		socketPaths = p.UnixSocketPaths()
		util.StartStatsReporter(ctx)
		go func() {
			p.Run(ctx)
			close(events)
		}()
	}

	state := mapi.NewState(cfg.Level, cfg.ForceBinary, renderer)
	for ev := range events {
		if err := state.Handle(ev); err != nil {
			exitOnWriteError(err, socketPaths, events)
		}
	}
	if err := renderer.Flush(); err != nil {
		exitOnWriteError(err, socketPaths, events)
	}

	if replayErr != nil {
		return replayErr
	}
	if ctx.Err() != nil {
		os.Exit(exitSigint)
	}
	return nil
}

// buildConfig turns flags and positional arguments into the run config.
func buildConfig(args []string) (config.Config, error) {
	cfg := config.Config{
		Level:       resolveLevel(os.Args[1:]),
		ForceBinary: flagBinary,
		PcapFile:    flagPcap,
		Debug:       flagDebug,
	}

	var err error
	if cfg.Color, err = config.ParseColorMode(flagColor); err != nil {
		return cfg, err
	}

	if cfg.PcapFile != "" {
		return cfg, nil
	}

	if cfg.ListenAddr, err = network.ParseAddr(args[0]); err != nil {
		return cfg, err
	}
	if cfg.ForwardAddr, err = network.ParseAddr(args[1]); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// resolveLevel applies the mode group's last-one-wins rule, which pflag
// does not track by itself: scan the raw arguments in order.
func resolveLevel(args []string) mapi.Level {
	level := mapi.Messages
	for _, arg := range args {
		switch {
		case arg == "--":
			return level
		case arg == "--messages":
			level = mapi.Messages
		case arg == "--blocks":
			level = mapi.Blocks
		case arg == "--raw":
			level = mapi.Raw
		case strings.HasPrefix(arg, "--"):
			// some other long option
		case strings.HasPrefix(arg, "-") && len(arg) > 1:
			for _, c := range arg[1:] {
				switch c {
				case 'm':
					level = mapi.Messages
				case 'b':
					level = mapi.Blocks
				case 'r':
					level = mapi.Raw
				}
			}
		}
	}
	return level
}

// resolveColor decides whether styled output is wanted.
func resolveColor(mode config.ColorMode) bool {
	switch mode {
	case config.ColorAlways:
		return true
	case config.ColorNever:
		return false
	default:
		fd := os.Stdout.Fd()
		return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	}
}

// exitOnWriteError handles a failure to write rendered output. A vanished
// reader (broken pipe) is a normal way to end; anything else is not.
// Either way the Unix listener sockets are unlinked before leaving.
func exitOnWriteError(err error, socketPaths []string, events <-chan proxy.MapiEvent) {
	// Unblock any producers so nothing is left mid-write, then leave.
	go func() {
		for range events {
		}
	}()
	for _, path := range socketPaths {
		os.Remove(path)
	}

	if errors.Is(err, syscall.EPIPE) {
		os.Exit(exitOK)
	}
	fmt.Fprintf(os.Stderr, "mapiproxy: writing output: %v\n", err)
	os.Exit(exitInternal)
}
