package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/credmux/credmux/pkg/config"
	"github.com/credmux/credmux/pkg/gateway"
	"github.com/credmux/credmux/pkg/logutil"
)

var (
	serveConfigPath           string
	serveListenAddrOverride   string
	serveAllowLocalhostNoAuth bool
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrCreateServerConfig(serveConfigPath)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			if cmd.Flags().Changed("listen-addr") {
				cfg.ListenAddr = serveListenAddrOverride
			}
			if cmd.Flags().Changed("allow-localhost-no-auth") {
				cfg.AllowLocalhostNoAuth = serveAllowLocalhostNoAuth
			}
			if err := logutil.Configure(cfg.LogLevel); err != nil {
				return err
			}

			srv, err := gateway.NewServer(config.NewServerConfigStore(serveConfigPath, cfg))
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:8080)")
	serveCmd.Flags().BoolVar(&serveAllowLocalhostNoAuth, "allow-localhost-no-auth", false, "Override allow_localhost_no_auth in config")
	rootCmd.AddCommand(serveCmd)
}
