package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danmuck/serialsync/internal/config"
	"github.com/danmuck/serialsync/internal/logging"
	"github.com/danmuck/serialsync/internal/observability"
	"github.com/danmuck/serialsync/internal/service"
)

type cliFlags struct {
	config    string
	node      string
	remote    string
	db        int
	baud      int
	redisAddr string
	watch     string
	backend   string
	admin     string
	debug     bool
}

func newRootCmd() *cobra.Command {
	var flags cliFlags
	cmd := &cobra.Command{
		Use:   "serialsync [flags] DEVICE",
		Short: "Relay redis keys to a peer node over a serial link",
		Long: `serialsync watches tx:<remote>:<key> in the local redis database, sends
each change over the serial device, and writes what the peer sends into
rx:<remote>:<key>.`,
		Example:       "  serialsync --remote node1 --db 0 /dev/ttyUSB0",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, flags, args)
			if err != nil {
				return err
			}
			logging.ConfigureRuntime()
			observability.InitLogger(cfg.LocalNode, flags.debug)
			return service.NewService(cfg).Run()
		},
	}

	f := cmd.Flags()
	f.StringVarP(&flags.config, "config", "c", "", "TOML config file")
	f.StringVar(&flags.node, "node", "", "local node id (labels logs and metrics)")
	f.StringVarP(&flags.remote, "remote", "r", "", "peer node id on the other end of the link")
	f.IntVar(&flags.db, "db", 0, "redis database index")
	f.IntVarP(&flags.baud, "baud", "b", service.DefaultBaud, "serial baud rate")
	f.StringVar(&flags.redisAddr, "redis", "", "redis address host:port")
	f.StringVar(&flags.watch, "watch", "", "change detection: poll or keyspace")
	f.StringVar(&flags.backend, "backend", "", "store backend: redis or memory")
	f.StringVar(&flags.admin, "admin", "", "admin HTTP listen address (empty disables)")
	f.BoolVar(&flags.debug, "debug", false, "debug request logging")

	cmd.AddCommand(newConfigCmd())
	return cmd
}

// resolveConfig layers defaults, the optional file, explicit flags and the
// device argument, in that order.
func resolveConfig(cmd *cobra.Command, flags cliFlags, args []string) (service.ServiceConfig, error) {
	cfg := service.DefaultServiceConfig()
	if path := strings.TrimSpace(flags.config); path != "" {
		loaded, err := config.Load(path, cfg)
		if err != nil {
			return service.ServiceConfig{}, err
		}
		cfg = loaded
	}

	changed := cmd.Flags().Changed
	if changed("node") {
		cfg.LocalNode = strings.TrimSpace(flags.node)
	}
	if changed("remote") {
		cfg.Peer = strings.TrimSpace(flags.remote)
	}
	if changed("db") {
		cfg.Redis.DB = flags.db
	}
	if changed("baud") {
		cfg.Baud = flags.baud
	}
	if changed("redis") {
		cfg.Redis.Addr = strings.TrimSpace(flags.redisAddr)
	}
	if changed("watch") {
		cfg.WatchMode = service.WatchMode(strings.TrimSpace(flags.watch))
	}
	if changed("backend") {
		cfg.Backend = service.Backend(strings.TrimSpace(flags.backend))
	}
	if changed("admin") {
		cfg.AdminListenAddr = strings.TrimSpace(flags.admin)
	}
	if len(args) == 1 {
		cfg.Device = strings.TrimSpace(args[0])
	}

	if err := cfg.Validate(); err != nil {
		return service.ServiceConfig{}, err
	}
	return cfg, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "serialsync: %v\n", err)
		os.Exit(1)
	}
}
