package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"iris/internal/config"
	"iris/internal/debuglog"
	"iris/internal/metrics"
	"iris/internal/network"
	"iris/internal/node"
	"iris/internal/pprofutil"
)

type runFlags struct {
	addr        string
	peers       []string
	metricsAddr string
	logLevel    string
	pretty      bool
	insecureTLS bool
	caPath      string
}

func runCmd(g *globals) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Listen for peers and gossip until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if f.addr != "" {
				cfg.ListenAddr = f.addr
			}
			if len(f.peers) > 0 {
				cfg.Peers = append(cfg.Peers, f.peers...)
			}
			if f.metricsAddr != "" {
				cfg.MetricsAddr = f.metricsAddr
			}
			if f.logLevel != "" {
				cfg.LogLevel = f.logLevel
			}
			return runNode(cmd, cfg, f)
		},
	}
	cmd.Flags().StringVar(&f.addr, "addr", "", "listen addr (host:port)")
	cmd.Flags().StringArrayVar(&f.peers, "peer", nil, "peer to dial at startup (repeatable)")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this addr")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "trace|debug|info|warn|error")
	cmd.Flags().BoolVar(&f.pretty, "pretty", false, "human readable logs")
	cmd.Flags().BoolVar(&f.insecureTLS, "insecure-tls", false, "skip transport certificate checks")
	cmd.Flags().StringVar(&f.caPath, "devtls-ca", "", "PEM bundle verifying peer listeners")
	return cmd
}

func runNode(cmd *cobra.Command, cfg config.Config, f runFlags) error {
	ctx := cmd.Context()
	debuglog.Configure(cfg.LogLevel, f.pretty)
	log := debuglog.New("main")

	prof, err := pprofutil.StartFromEnv(log)
	if err != nil {
		return err
	}
	if prof != nil {
		defer prof.Close()
	}

	l, err := network.Listen(cfg.ListenAddr, network.ListenOptions{MaxConnsPerIP: cfg.MaxConnsPerIP})
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
	defer l.Close()
	// a :0 listen addr resolves here, so advertise the bound port
	cfg.ListenAddr = l.Addr()

	dialer, err := network.NewDialer(f.insecureTLS, f.caPath)
	if err != nil {
		return err
	}
	m := metrics.New()
	n, err := node.New(cfg, node.Options{Dial: dialer.Dial, Metrics: m})
	if err != nil {
		return err
	}
	defer func() {
		n.Close()
		if err := m.WriteSnapshot(cfg.MetricsPath()); err != nil {
			log.Warn().Err(err).Msg("metrics snapshot failed")
		}
	}()

	if cfg.MetricsAddr != "" {
		srv, err := serveMetrics(cfg.MetricsAddr, m)
		if err != nil {
			return err
		}
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}()
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
	}

	self := n.Self()
	fmt.Fprintf(cmd.OutOrStdout(), "READY addr=%s node_id=%s\n", self.Addr(), self.Identity.Hex())
	for _, p := range cfg.Peers {
		n.ConnectTo(p)
	}
	if err := n.Serve(ctx, l); err != nil {
		return err
	}
	log.Info().Msg("shutting down")
	return nil
}

func serveMetrics(addr string, m *metrics.Metrics) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l := debuglog.New("main")
			l.Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	return srv, nil
}
