package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/thetooth/rawping/config"
	"github.com/thetooth/rawping/metrics"
	"github.com/thetooth/rawping/transport"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if errors.Is(err, transport.ErrPermissionDenied) {
			logrus.Error("Raw ICMP sockets need root or CAP_NET_RAW, or retry with --unprivileged")
		}
		logrus.Error(err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		watch      bool
	)

	cmd := &cobra.Command{
		Use:   "rawping [flags] <host>",
		Short: "Send ICMP Echo requests and report the round-trip time",
		Long: `rawping sends ICMP Echo Request datagrams to a host over raw sockets
and reports every matching Echo Reply with its round-trip latency.

Settings are read from flags and, optionally, from a JSON or YAML file.
Flags take precedence over the file.`,
		Version:       Version,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, cmd, args)
			if err != nil {
				return err
			}
			if err = setupLogging(cfg); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := newSession(cfg, cmd.OutOrStdout(), metrics.Default())
			if err != nil {
				return err
			}

			watchPath := ""
			if watch {
				watchPath = configPath
			}
			reload := func(next *config.Config) {
				if err := applyFlags(cmd.Flags(), next, args); err != nil {
					logrus.Warn("[ CONFIG_RELOAD ] ", err)
					return
				}
				s.Reconfigure(next)
			}

			return run(ctx, s, cfg, watchPath, reload, prometheus.DefaultGatherer)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "f", "", "Path to a JSON or YAML session file")
	flags.BoolVar(&watch, "watch", false, "Reload interval and timeout when the session file changes")
	flags.IntP("count", "c", 0, "Stop after sending count requests (default: until interrupted)")
	flags.StringP("interval", "i", config.DefaultInterval.String(), "Wait time between requests")
	flags.StringP("timeout", "W", config.DefaultTimeout.String(), `Time to wait for each reply, "none" waits forever`)
	flags.IntP("ttl", "t", config.DefaultTTL, "IP time to live or IPv6 hop limit")
	flags.IntP("size", "s", 0, "Number of payload bytes")
	flags.StringP("pattern", "p", "", "Hex pattern to fill the payload with")
	flags.Uint16("id", config.DefaultIdentifier, "Echo identifier")
	flags.BoolP("ipv4", "4", false, "Use IPv4 only")
	flags.BoolP("ipv6", "6", false, "Use IPv6 only")
	flags.BoolP("unprivileged", "u", false, "Use datagram ICMP sockets instead of raw sockets")
	flags.StringP("interface", "I", "", "Send from the address of this interface")
	flags.String("resolver", "system", `Name resolution: "system" or "doh"`)
	flags.String("doh-url", "", "DNS-over-HTTPS JSON endpoint")
	flags.StringP("output", "o", "text", `Report format: "text" or "json"`)
	flags.String("log-level", "info", "Log level")
	flags.String("log-format", "text", `Log format: "text" or "json"`)
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	flags.Bool("debug-checksum", false, "Exercise the single-shot checksum path")
	cmd.MarkFlagsMutuallyExclusive("ipv4", "ipv6")

	return cmd
}

// run drives the session next to the optional metrics listener and
// configuration watcher. Both stop when the session ends.
func run(ctx context.Context, s *session, cfg *config.Config, watchPath string, reload func(*config.Config), g prometheus.Gatherer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		defer cancel()
		return s.Run(gctx)
	})

	if cfg.MetricsAddr != "" {
		group.Go(func() error {
			return metrics.Serve(gctx, cfg.MetricsAddr, g)
		})
	}

	if watchPath != "" {
		group.Go(func() error {
			if err := config.Watch(gctx, watchPath, reload); err != nil {
				return fmt.Errorf("watch %s: %w", watchPath, err)
			}
			return nil
		})
	}

	return group.Wait()
}

func setupLogging(cfg *config.Config) error {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stderr)

	switch cfg.LogFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
