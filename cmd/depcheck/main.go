package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mesh-maas/pkg/config"
	"mesh-maas/pkg/depcheck"
	"mesh-maas/pkg/logging"
	"mesh-maas/pkg/signer"
	"mesh-maas/pkg/store"
	"mesh-maas/pkg/version"
)

var (
	controller string
	extraURLs  []string
	timeout    time.Duration
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "depcheck",
		Short:   "Check the dependencies of a mesh-maas deployment",
		Version: version.Build,
		// a failing report is not a usage error
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "per-check timeout")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "log every check")

	rootCmd.AddCommand(remoteCmd())
	rootCmd.AddCommand(localCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func remoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Probe a running controller over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newChecker()
			if err != nil {
				return err
			}
			base := strings.TrimRight(controller, "/")
			client := &http.Client{Timeout: timeout}
			c.Add("controller", true, depcheck.HTTPCheck(client, base+"/healthz"))
			c.Add("controller-deps", true, depcheck.HTTPCheck(client, base+"/healthz/deps"))
			c.Add("metrics", false, depcheck.HTTPCheck(client, base+"/metrics"))
			for _, u := range extraURLs {
				c.Add(u, false, depcheck.HTTPCheck(client, u))
			}
			return report(cmd, c)
		},
	}
	cmd.Flags().StringVar(&controller, "controller", "http://127.0.0.1:8080", "controller base URL")
	cmd.Flags().StringSliceVar(&extraURLs, "url", nil, "additional URLs expected to answer 2xx (non-critical)")
	return cmd
}

func localCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "local",
		Short: "Check the store and signer configured for this host",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			c, err := newChecker()
			if err != nil {
				return err
			}
			sig, err := signer.New(cfg.Signing.Algorithm, cfg.Signing.Secret)
			if err != nil {
				return err
			}
			c.Add("signer", true, depcheck.SignerCheck(sig))
			if cfg.Store.Type == config.StoreSQLite {
				s, err := store.OpenSQLite(cmd.Context(), cfg.Store.SQLitePath)
				if err != nil {
					return err
				}
				defer s.Close()
				c.Add("store:sqlite", true, depcheck.StoreCheck(s))
			}
			return report(cmd, c)
		},
	}
	cmd.Flags().StringVar(&cfgFile, "config", os.Getenv("MAAS_CONFIG"), "YAML config file (optional)")
	return cmd
}

func newChecker() (*depcheck.Checker, error) {
	level := "warn"
	if verbose {
		level = "debug"
	}
	logger, err := logging.New(level, true)
	if err != nil {
		return nil, err
	}
	return depcheck.New(timeout, logger.Named("depcheck")), nil
}

func report(cmd *cobra.Command, c *depcheck.Checker) error {
	rep := c.Run(cmd.Context())
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return err
	}
	if rep.Status == depcheck.Unhealthy {
		return fmt.Errorf("deployment is %s", rep.Status)
	}
	return nil
}
