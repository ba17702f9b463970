package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/thetooth/rawping/config"
	"github.com/thetooth/rawping/message"
	"github.com/thetooth/rawping/metrics"
	"github.com/thetooth/rawping/ping"
	"github.com/thetooth/rawping/report"
	"github.com/thetooth/rawping/resolve"
	"github.com/thetooth/rawping/util"
)

// session ties a Pinger to its report and metrics.
type session struct {
	cfg      *config.Config
	pinger   *ping.Pinger
	reporter *report.Reporter
	metrics  *metrics.Metrics
}

func newSession(cfg *config.Config, out io.Writer, m *metrics.Metrics) (*session, error) {
	pattern, err := cfg.PatternBytes()
	if err != nil {
		return nil, err
	}

	p := ping.NewPinger(cfg.Target)
	if cfg.Count != nil {
		p.Count = *cfg.Count
	}
	p.Interval = cfg.Interval.Duration
	p.Timeout = cfg.Timeout.Duration
	p.Size = cfg.Size
	p.Pattern = pattern
	p.TTL = cfg.TTL
	p.ID = cfg.Identifier
	p.Privileged = !cfg.Unprivileged
	p.DebugChecksum = cfg.DebugChecksum
	p.SetNetwork(cfg.Network)
	if cfg.Resolver == "doh" {
		p.SetResolver(resolve.NewDoH(cfg.DoHURL, cfg.Network, cfg.Timeout.Duration))
	}

	s := &session{
		cfg:      cfg,
		pinger:   p,
		reporter: report.New(out, cfg.Output, p.Tracker),
		metrics:  m,
	}
	s.wire()
	return s, nil
}

func (s *session) wire() {
	p := s.pinger

	p.OnSetup = func() {
		s.reporter.Start(p.Target(), p.IPAddr(), p.Size)
	}
	p.OnSend = func(pkt *ping.Packet) {
		logrus.Tracef("[ PING_SEND ] icmp_seq: %d bytes: %d", pkt.Seq, pkt.Nbytes)
		s.metrics.RecordSend(pkt.Nbytes)
	}
	p.OnRecv = func(pkt *ping.Packet) {
		s.reporter.Reply(pkt)
		s.metrics.RecordReply(pkt.Rtt)
	}
	p.OnTimeout = func(pkt *ping.Packet) {
		s.reporter.Timeout(pkt)
		s.metrics.RecordTimeout()
	}
	p.OnDiscard = func(pkt *ping.Packet, err error) {
		s.reporter.Discard(pkt, err)
		s.metrics.RecordDiscard(ping.DiscardReason(err))
	}
	p.OnFinish = func() {
		logrus.Debug("[ SESSION_END ] target: ", p.Target())
	}
}

// Run resolves the target, binds the source interface and runs the pinger.
func (s *session) Run(ctx context.Context) (err error) {
	p := s.pinger

	if p.Count != 0 {
		if err = p.Resolve(ctx); err != nil {
			return err
		}
		if s.cfg.Interface != "" {
			addr, err := util.BindIface(s.cfg.Interface, message.FamilyOf(p.IPAddr()))
			if err != nil {
				return fmt.Errorf("bind %s: %w", s.cfg.Interface, err)
			}
			p.Source = addr.String()
		}
	}

	err = p.Run(ctx)

	var te *ping.TransportError
	if errors.As(err, &te) {
		s.metrics.RecordError(te.Op)
	}
	return err
}

// Reconfigure applies the settings that can change while running.
func (s *session) Reconfigure(next *config.Config) {
	s.pinger.Reconfigure(next.Interval.Duration, next.Timeout.Duration)
	if level, err := logrus.ParseLevel(next.LogLevel); err == nil {
		logrus.SetLevel(level)
	}
	logrus.Infof("[ CONFIG_RELOAD ] interval: %v timeout: %v", next.Interval, next.Timeout)
}

// loadConfig reads the session file when given and applies the flags the
// user set on top of it.
func loadConfig(path string, cmd *cobra.Command, args []string) (cfg *config.Config, err error) {
	cfg = config.Default()
	if path != "" {
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	if err = applyFlags(cmd.Flags(), cfg, args); err != nil {
		return nil, err
	}
	if cfg.Target == "" {
		return nil, errors.New("missing host")
	}
	return cfg, nil
}

func applyFlags(flags *pflag.FlagSet, cfg *config.Config, args []string) error {
	if len(args) > 0 {
		cfg.Target = args[0]
	}

	var errs []error
	flags.Visit(func(f *pflag.Flag) {
		if err := applyFlag(cfg, f.Name, f.Value.String()); err != nil {
			errs = append(errs, fmt.Errorf("--%s: %w", f.Name, err))
		}
	})
	if err := errors.Join(errs...); err != nil {
		return err
	}

	return cfg.Validate()
}

func applyFlag(cfg *config.Config, name, value string) (err error) {
	switch name {
	case "count":
		var n int
		if n, err = strconv.Atoi(value); err == nil {
			cfg.Count = &n
		}
	case "interval":
		cfg.Interval.Duration, err = config.ParseInterval(value)
	case "timeout":
		cfg.Timeout.Duration, err = config.ParseInterval(value)
	case "ttl":
		cfg.TTL, err = strconv.Atoi(value)
	case "size":
		cfg.Size, err = strconv.Atoi(value)
	case "pattern":
		cfg.Pattern = value
	case "id":
		var id uint64
		if id, err = strconv.ParseUint(value, 10, 16); err == nil {
			cfg.Identifier = uint16(id)
		}
	case "ipv4":
		if value == "true" {
			cfg.Network = "ip4"
		}
	case "ipv6":
		if value == "true" {
			cfg.Network = "ip6"
		}
	case "unprivileged":
		cfg.Unprivileged, err = strconv.ParseBool(value)
	case "interface":
		cfg.Interface = value
	case "resolver":
		cfg.Resolver = value
	case "doh-url":
		cfg.DoHURL = value
	case "output":
		cfg.Output = value
	case "log-level":
		cfg.LogLevel = value
	case "log-format":
		cfg.LogFormat = value
	case "metrics-addr":
		cfg.MetricsAddr = value
	case "debug-checksum":
		cfg.DebugChecksum, err = strconv.ParseBool(value)
	}
	return
}
