// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scamhunter/internal/config"
	"github.com/xkilldash9x/scamhunter/internal/observability"
	"github.com/xkilldash9x/scamhunter/internal/service"
)

type contextKey string

const configKey contextKey = "config"

var (
	cfgFile string

	// componentFactory builds the wired component set. Tests swap it out.
	componentFactory = service.NewComponentFactory()
)

// NewRootCommand builds a fresh command tree. A new tree per invocation keeps
// flag state from leaking between executions.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "scamhunter",
		Short:         "ScamHunter hunts, scans and correlates phishing and scam infrastructure.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(v); err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "scamhunter"})
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "scamhunter"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			observability.InitializeLogger(cfg.Logger())
			observability.GetLogger().Debug("Starting scamhunter", zap.String("version", Version), zap.String("command", cmd.CommandPath()))

			// Subcommands read the validated config from the context.
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s version %s\n" .Name .Version}}`)

	rootCmd.AddCommand(
		newWorkerCmd(),
		newServeCmd(),
		newScanCmd(),
		newSpiderCmd(),
		newHuntCmd(),
		newAutomationCmd(),
		newJobsCmd(),
		newIOCsCmd(),
		newSettingsCmd(),
		newMigrateCmd(),
		newAPICmd(),
		newLogsCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the command tree with a signal-aware context. Errors are logged
// here; the caller only maps them to an exit code.
func Execute(ctx context.Context) error {
	rootCmd := NewRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			observability.GetLogger().Info("Command interrupted")
			return err
		}
		observability.GetLogger().Error("Command execution failed", zap.Error(err))
		return err
	}
	return nil
}

// initializeConfig reads in the config file and ENV variables if set.
func initializeConfig(v *viper.Viper) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("SCAMHUNTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; proceed with defaults/env vars
	}
	return nil
}

// getConfig returns the config stored by PersistentPreRunE.
func getConfig(cmd *cobra.Command) (config.Interface, error) {
	cfg, ok := cmd.Context().Value(configKey).(config.Interface)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not initialized")
	}
	return cfg, nil
}

// withComponents builds the full component set, runs fn and tears everything down.
func withComponents(cmd *cobra.Command, fn func(ctx context.Context, c *service.Components) error) error {
	cfg, err := getConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	components, err := componentFactory.Create(ctx, cfg, observability.GetLogger())
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Shutdown()
	return fn(ctx, components)
}
