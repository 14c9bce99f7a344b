package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"weatherdash/pkg/channel"
	"weatherdash/pkg/config"
	"weatherdash/pkg/logging"
	"weatherdash/pkg/resolve"
)

var version = "0.1.0"

const (
	dnsTimeout  = 2 * time.Second
	dnsCacheTTL = time.Minute
)

type rootOptions struct {
	configPath string
	flags      *pflag.FlagSet
}

// load reads the client config with the persistent flags layered on top.
func (o *rootOptions) load() (config.ClientConfig, error) {
	return config.LoadClient(o.configPath, config.Flags{
		"server_url":  o.flags.Lookup("server"),
		"token":       o.flags.Lookup("token"),
		"dns_servers": o.flags.Lookup("dns"),
		"log.level":   o.flags.Lookup("log-level"),
	})
}

// watchPath is the file the monitor reloads from.
func (o *rootOptions) watchPath() string {
	if o.configPath != "" {
		if p, err := config.ExpandPath(o.configPath); err == nil {
			return p
		}
		return o.configPath
	}
	return config.DefaultClientPath
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "weatherdash",
		Short:        "Weather station dashboard monitor",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(cmd.Context(), opts)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "config file (default config/client.json)")
	pf.String("server", "", "telemetry server url (env WEATHERDASH_SERVER_URL)")
	pf.String("token", "", "auth token (env WEATHERDASH_TOKEN)")
	pf.StringSlice("dns", nil, "dns servers used to resolve the server host")
	pf.String("log-level", "", "log level: debug|info|warn|error")
	opts.flags = pf

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Connect and log live readings and alerts (default)",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMonitor(cmd.Context(), opts)
			},
		},
		newHistoryCmd(opts),
		newServiceCmd(opts),
	)
	return root
}

// newChannel builds a channel client for cfg. Configured DNS servers are
// used to resolve the server host.
func newChannel(cfg config.ClientConfig, log *logrus.Logger) *channel.Client {
	d := &channel.WebSocketDialer{HandshakeTimeout: cfg.HandshakeTimeout}
	if len(cfg.DNSServers) > 0 {
		r := resolve.New(cfg.DNSServers, dnsTimeout, dnsCacheTTL, logging.Component(log, "resolve"))
		d.NetDialContext = r.DialContext
	}
	return channel.New(cfg.ChannelConfig(),
		channel.WithDialer(d),
		channel.WithLogger(logging.Component(log, "channel")),
	)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
