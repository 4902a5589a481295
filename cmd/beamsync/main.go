package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	logAdapter "github.com/nsls2-tools/beamsync/internal/adapters/log"
	"github.com/nsls2-tools/beamsync/internal/app"
	"github.com/nsls2-tools/beamsync/internal/cliconfig"
	"github.com/nsls2-tools/beamsync/plugins/configwatcher"
)

const helpDescription = `
Keep beamline experiment metadata synchronized with the shared store and
forward acquisition documents to the facility message bus.

Highlights:
  - Write-through metadata cache: nothing looks "set" unless the store accepted it.
  - At-least-once document delivery with bounded retries and a dead-letter record.
  - All-or-nothing experiment switches with compensating rollback.
  - Configure via file, env (BEAMSYNC_*), or flags.
`

var exampleUsage = strings.TrimSpace(`
  beamsync --beamline csx --store-url https://info.csx.example.org --broker-url https://broker.example.org
  beamsync sync --beamline csx --proposal 123456 --username jdoe
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// loadConfig layers file, env, and flags into cfg. Flags win over env,
// env wins over file.
func loadConfig(cmd *cobra.Command, cfg *cliconfig.Config, cfgPath string) error {
	changed := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	cfgFile := cfgPath
	if cfgFile == "" {
		cfgFile = cliconfig.DefaultConfigPath()
	}
	if cfgFile != "" && cliconfig.FileExists(cfgFile) {
		fc, err := cliconfig.LoadFileConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cliconfig.ApplyFileConfig(cfg, fc, changed); err != nil {
			return err
		}
	}
	if err := cliconfig.ApplyEnvConfig(cfg, changed); err != nil {
		return err
	}
	return cfg.Validate()
}

func main() {
	cfg := cliconfig.DefaultConfig()
	var cfgPath string

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	root := &cobra.Command{
		Use:     "beamsync",
		Short:   "Synchronize beamline experiment metadata and publish acquisition documents",
		Long:    strings.TrimSpace(helpDescription),
		Example: exampleUsage,
		Version: fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd, &cfg, cfgPath); err != nil {
				return err
			}

			// Log configuration (masking the auth key)
			logCfg := cfg
			if len(logCfg.AuthKey) > 0 {
				logCfg.AuthKey = "*****"
			}
			log.Info().Interface("config", logCfg).Msg("configuration")

			logger := logAdapter.NewZerologAdapterWithLogger(log)
			agent, err := app.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("create agent: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			watcher := configwatcher.New(configwatcher.DefaultConfig())
			watchPath := cfgPath
			if watchPath == "" {
				watchPath = cliconfig.DefaultConfigPath()
			}
			if err := watcher.Initialize(ctx, watchPath, agent.Publisher(), logger); err != nil {
				return fmt.Errorf("start config watcher: %w", err)
			}
			defer watcher.Shutdown(context.Background())

			if err := agent.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			log.Info().Msg("stopped")
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&cfg.Beamline, "beamline", "b", cfg.Beamline, "beamline acronym, e.g. csx")
	flags.StringVar(&cfg.Endstation, "endstation", cfg.Endstation, "endstation prefix for the namespace")
	flags.StringVar(&cfg.StoreURL, "store-url", cfg.StoreURL, "base URL of the remote key-value service")
	flags.StringVar(&cfg.BrokerURL, "broker-url", cfg.BrokerURL, "base URL of the message bus")
	flags.StringVar(&cfg.FacilityURL, "facility-url", cfg.FacilityURL, "base URL of the facility proposal API")
	flags.StringVar(&cfg.AuthKey, "auth-key", cfg.AuthKey, "bearer token for the store and broker")
	flags.IntVar(&cfg.QueueCapacity, "queue-capacity", cfg.QueueCapacity, "pending-delivery buffer size")
	flags.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "delivery attempts per document")
	flags.DurationVar(&cfg.BaseDelay, "base-delay", cfg.BaseDelay, "initial retry backoff")
	flags.DurationVar(&cfg.MaxDelay, "max-delay", cfg.MaxDelay, "maximum retry backoff")
	flags.DurationVar(&cfg.HTTPTimeout, "http-timeout", cfg.HTTPTimeout, "per-call timeout for remote services")
	flags.DurationVar(&cfg.StopFlushTimeout, "stop-flush-timeout", cfg.StopFlushTimeout, "queue drain timeout on run stop")
	flags.StringVar(&cfgPath, "config", "", "path to config file (default $HOME/.beamsync/config.toml)")

	root.AddCommand(newSyncCmd(&cfg, &cfgPath, log))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newSyncCmd builds the `beamsync sync` subcommand: start or switch the
// beamline experiment and record it in the shared store.
func newSyncCmd(cfg *cliconfig.Config, cfgPath *string, log zerolog.Logger) *cobra.Command {
	var (
		proposal string
		username string
		verbose  bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Start or switch the beamline experiment and record it in the shared store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd, cfg, *cfgPath); err != nil {
				return err
			}
			if proposal == "" {
				return fmt.Errorf("proposal is required")
			}
			if username == "" {
				return fmt.Errorf("username is required")
			}

			logger := logAdapter.NewZerologAdapterWithLogger(log)
			agent, err := app.New(*cfg, logger)
			if err != nil {
				return fmt.Errorf("create agent: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			identity, err := agent.Switcher().Switch(ctx, proposal, username)
			if err != nil {
				return err
			}

			fmt.Printf("Started experiment %s by %s.\n", identity.DataSession, identity.Username)
			if verbose {
				for _, f := range identity.Fields() {
					fmt.Printf("  %s = %s\n", f.Name, f.Value)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&proposal, "proposal", "p", "", "proposal number, e.g. 123456")
	cmd.Flags().StringVarP(&username, "username", "u", "", "login name of the user assigned to the proposal")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print the resulting identity fields")

	return cmd
}
