package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lkarlslund/rewriteproxy/pkg/config"
	"github.com/lkarlslund/rewriteproxy/pkg/proxy"
	"github.com/lkarlslund/rewriteproxy/pkg/version"
	"github.com/spf13/cobra"
)

var (
	serveConfigPath     string
	serveHost           string
	servePort           int
	serveRequestTimeout time.Duration
	serveAdminAddr      string
	serveTLSDomain      string
	serveTLSEmail       string
	serveTLSCacheDir    string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(serveConfigPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			opts := serveOptions()
			srv, err := proxy.NewServer(cfg, opts)
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}
			log.Info("starting",
				"version", version.String(),
				"backend", cfg.BackendURL,
				"routing_rules", len(cfg.RoutingRules),
				"rewrite_rules", len(cfg.RewriteRules),
			)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}
	f := serveCmd.Flags()
	f.StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "Config file path (.json, .yaml, .yml or .toml)")
	f.StringVar(&serveHost, "host", "127.0.0.1", "Address to listen on")
	f.IntVar(&servePort, "port", 3034, "Port to listen on")
	f.DurationVar(&serveRequestTimeout, "request-timeout", proxy.DefaultRequestTimeout, "Deadline for a single backend request, including streamed responses")
	f.StringVar(&serveAdminAddr, "admin-addr", "", "Address for /healthz, /metrics and /version (disabled when empty)")
	f.StringVar(&serveTLSDomain, "tls-domain", "", "Serve HTTPS with a Let's Encrypt certificate for this domain")
	f.StringVar(&serveTLSEmail, "tls-email", "", "Contact email for the ACME account")
	f.StringVar(&serveTLSCacheDir, "tls-cache-dir", defaultTLSCacheDir(), "Directory for cached ACME certificates")
	rootCmd.AddCommand(serveCmd)
}

func serveOptions() proxy.Options {
	opts := proxy.DefaultOptions()
	opts.ListenAddr = net.JoinHostPort(serveHost, strconv.Itoa(servePort))
	opts.RequestTimeout = serveRequestTimeout
	opts.AdminAddr = serveAdminAddr
	opts.TLS = proxy.TLSOptions{
		Domain:   serveTLSDomain,
		Email:    serveTLSEmail,
		CacheDir: serveTLSCacheDir,
	}
	return opts
}

func defaultTLSCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "rewriteproxy", "acme")
	}
	return "acme-cache"
}
