package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/23skdu/plantvit/internal/config"
	"github.com/23skdu/plantvit/internal/logger"
)

var version = "dev"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Log.Info("Interrupt received, shutting down")
		cancel()
	}()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		logger.Log.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// settings is filled in by the root command's PersistentPreRunE: environment
// first, then any flag the user set explicitly.
var settings config.Settings

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "plantvit",
		Short:         "MobilePlantViT plant disease classifier",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			settings = config.LoadSettings()
			flags := cmd.Flags()
			if flags.Changed("model") {
				settings.ModelPath, _ = flags.GetString("model")
			}
			if flags.Changed("metadata") {
				settings.MetadataPath, _ = flags.GetString("metadata")
			}
			if flags.Changed("log-level") {
				settings.LogLevel, _ = flags.GetString("log-level")
			}
			if flags.Changed("log-format") {
				settings.LogFormat, _ = flags.GetString("log-format")
			}
			if err := settings.Validate(); err != nil {
				return err
			}
			logger.Setup(settings.LogLevel, settings.LogFormat)
			return nil
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.String("model", config.DefaultModelFile, "Path to a .pth or .safetensors checkpoint (env PLANTVIT_MODEL_PATH)")
	pf.String("metadata", config.DefaultMetadataFile, "Path to deployment metadata JSON with class names (env PLANTVIT_METADATA_PATH)")
	pf.String("log-level", "info", "Log level: trace, debug, info, warn, error")
	pf.String("log-format", "console", "Log format: console or json")

	rootCmd.AddCommand(
		newPredictCmd(),
		newInspectCmd(),
		newParamsCmd(),
		newConvertCmd(),
		newServeCmd(),
	)
	return rootCmd
}
