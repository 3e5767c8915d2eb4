package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/23skdu/plantvit/internal/arrow_client"
	"github.com/23skdu/plantvit/internal/engine"
	"github.com/23skdu/plantvit/internal/logger"
	"github.com/23skdu/plantvit/internal/monitoring"
	"github.com/23skdu/plantvit/internal/preprocess"
)

func newPredictCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "predict IMAGE [IMAGE...]",
		Short: "Classify leaf images",
		Args:  cobra.MinimumNArgs(1),
		RunE:  predictHandler,
	}
	cmd.Flags().IntP("top-k", "k", 0, "Number of ranked classes per image (default PLANTVIT_TOP_K)")
	cmd.Flags().Int("workers", 0, "Images decoded and classified concurrently (default PLANTVIT_WORKERS)")
	cmd.Flags().Bool("json", false, "Print results as JSON")
	cmd.Flags().Bool("validate", false, "Apply upload checks (size, extension, format) before inference")
	cmd.Flags().Int64("max-upload-size", 0, "Upload size limit in bytes when --validate is set")
	cmd.Flags().String("flight", "", "Arrow Flight address to export predictions to (env PLANTVIT_FLIGHT_ADDR)")
	cmd.Flags().Bool("export-features", false, "Attach pooled features to exported records")
	cmd.Flags().String("metrics", "", "Address to serve health and Prometheus metrics while running (env PLANTVIT_METRICS_ADDR)")
	return cmd
}

func predictHandler(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	flags := cmd.Flags()
	if flags.Changed("top-k") {
		settings.TopK, _ = flags.GetInt("top-k")
	}
	if flags.Changed("workers") {
		settings.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("max-upload-size") {
		settings.MaxUploadSize, _ = flags.GetInt64("max-upload-size")
	}
	if flags.Changed("flight") {
		settings.FlightAddr, _ = flags.GetString("flight")
	}
	if flags.Changed("metrics") {
		settings.MetricsAddr, _ = flags.GetString("metrics")
	}
	if err := settings.Validate(); err != nil {
		return err
	}

	paths := args
	if validate, _ := flags.GetBool("validate"); validate {
		paths = validateUploads(args, preprocess.NewValidator(settings.MaxUploadSize))
		if len(paths) == 0 {
			return errors.New("no image passed validation")
		}
	}

	var sink engine.Sink
	if settings.FlightAddr != "" {
		fc := arrow_client.NewFlightClientAddr(settings.FlightAddr)
		if err := fc.Connect(ctx); err != nil {
			return fmt.Errorf("connect flight %s: %w", settings.FlightAddr, err)
		}
		defer fc.Close()
		sink = fc
	}

	var monitor *monitoring.HealthMonitor
	features, _ := flags.GetBool("export-features")
	e := engine.New(engine.Options{
		ModelPath:      settings.ResolvedModelPath(),
		MetadataPath:   settings.ResolvedMetadataPath(),
		TopK:           settings.TopK,
		Workers:        settings.Workers,
		Sink:           sink,
		ExportFeatures: features,
		OnInference: func(images int, d time.Duration, err error) {
			if monitor != nil {
				monitor.RecordInference(images, d, err)
			}
		},
	})
	if settings.MetricsAddr != "" {
		monitor = monitoring.NewHealthMonitor(version, e.Status)
		go func() {
			if err := monitor.Start(settings.MetricsAddr); err != nil {
				logger.Log.Error("Metrics server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = monitor.Stop(shutdownCtx)
		}()
	}

	start := time.Now()
	results, err := e.PredictFiles(ctx, paths, settings.TopK)
	if err != nil {
		return err
	}
	logger.Log.Info("Inference complete", "images", len(results), "duration", time.Since(start))

	if asJSON, _ := flags.GetBool("json"); asJSON {
		return writeJSON(cmd.OutOrStdout(), results)
	}
	printResults(cmd.OutOrStdout(), results)
	return nil
}

// validateUploads returns the paths that pass v, logging the rest.
func validateUploads(paths []string, v *preprocess.Validator) []string {
	ok := make([]string, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			logger.Log.Warn("Skipping unreadable image", "path", p, "error", err)
			continue
		}
		if err := v.Validate(filepath.Base(p), data); err != nil {
			logger.Log.Warn("Skipping rejected image", "path", p, "error", err)
			continue
		}
		ok = append(ok, p)
	}
	return ok
}

func printResults(w io.Writer, results []engine.Result) {
	for _, r := range results {
		fmt.Fprintf(w, "%s\n", r.Source)
		for _, p := range r.Predictions {
			fmt.Fprintf(w, "  %d. %-45s %8s\n", p.Rank, p.Class, p.ConfidencePercent)
		}
		if r.Audit.Invalid {
			fmt.Fprintf(w, "  warning: output contains non-finite values\n")
		} else if r.Audit.IsFlat {
			fmt.Fprintf(w, "  warning: near-uniform output (normalized entropy %.3f)\n", r.Audit.NormalizedEntropy)
		}
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
