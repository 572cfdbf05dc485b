package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/xrlink/internal/app"
	"github.com/petervdpas/xrlink/internal/config"

	"github.com/spf13/cobra"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "xrlink",
		Short:        "Signaling and presence relay for paired XR headsets and desktop consoles",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newCheckCmd(), newVersionCmd())
	return root
}

// loadConfig reads path, or defaults plus XRLINK_* overrides when path is
// empty. With create set a missing file is written with defaults first.
func loadConfig(path string, create bool) (config.Config, string, error) {
	if path == "" {
		cfg, err := config.Load("")
		return cfg, "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return config.Config{}, "", fmt.Errorf("invalid config path: %w", err)
	}
	if create {
		cfg, created, err := config.Ensure(abs)
		if created {
			fmt.Fprintf(os.Stderr, "Created default config at %s\n", abs)
		}
		return cfg, abs, err
	}
	cfg, err := config.Load(abs)
	return cfg, abs, err
}

func newServeCmd() *cobra.Command {
	var (
		cfgPath string
		initCfg bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, abs, err := loadConfig(cfgPath, initCfg)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			go func() {
				select {
				case <-sigCh:
					fmt.Fprintln(os.Stderr, "\nShutting down gracefully...")
					cancel()
				case <-ctx.Done():
				}
			}()

			return app.Run(ctx, app.Options{CfgPath: abs, Cfg: cfg, Version: appVersion})
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to the JSON config file")
	cmd.Flags().BoolVar(&initCfg, "init", false, "write a default config file when it does not exist")
	return cmd
}

func newCheckCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, _, err := loadConfig(cfgPath, false); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "config ok")
			return err
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to the JSON config file")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "xrlink v%s\n", appVersion)
			return err
		},
	}
}
