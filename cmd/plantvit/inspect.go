package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/23skdu/plantvit/internal/engine"
	"github.com/23skdu/plantvit/internal/logger"
	"github.com/23skdu/plantvit/internal/model"
	"github.com/23skdu/plantvit/internal/preprocess"
)

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Load a checkpoint and report its configuration and parameters",
		Args:  cobra.NoArgs,
		RunE:  inspectHandler,
	}
	cmd.Flags().Bool("json", false, "Print engine info as JSON")
	cmd.Flags().String("activations", "", "Trace per-stage activation statistics for this image")
	cmd.Flags().String("activations-out", "", "Write the activation trace to this JSON file instead of stdout")
	return cmd
}

func inspectHandler(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e := engine.NewFromSettings(settings, nil)
	if err := e.Load(ctx); err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	asJSON, _ := cmd.Flags().GetBool("json")
	if asJSON {
		if err := writeJSON(out, e.Info()); err != nil {
			return err
		}
	} else {
		printInfo(out, e.Info(), e.Model())
	}

	imgPath, _ := cmd.Flags().GetString("activations")
	if imgPath == "" {
		return nil
	}
	img, err := preprocess.LoadFile(imgPath)
	if err != nil {
		return err
	}
	trace, err := e.TraceActivations(ctx, img, imgPath)
	if err != nil {
		return err
	}
	if dst, _ := cmd.Flags().GetString("activations-out"); dst != "" {
		if err := trace.Save(dst); err != nil {
			return err
		}
		logger.Log.Info("Activation trace written", "path", dst, "stages", len(trace.Stages))
		return nil
	}
	if asJSON {
		return writeJSON(out, trace)
	}
	fmt.Fprintln(out, "\nActivations:")
	for _, s := range trace.Stages {
		fmt.Fprintf(out, "  %-32s %-18v max=%-10.4g min=%-10.4g mean=%-10.4g rms=%-10.4g", s.Name, s.Shape, s.Max, s.Min, s.Mean, s.RMS)
		if s.NaNCount > 0 || s.InfCount > 0 {
			fmt.Fprintf(out, " nan=%d inf=%d", s.NaNCount, s.InfCount)
		}
		fmt.Fprintln(out)
	}
	return nil
}

func printInfo(w io.Writer, info engine.Info, m *model.MobilePlantViT) {
	fmt.Fprintln(w, m)
	fmt.Fprintf(w, "checkpoint:    %s\n", info.ModelPath)
	fmt.Fprintf(w, "config source: %s\n", info.ConfigSource)
	if info.Legacy {
		fmt.Fprintln(w, "legacy keys:   remapped")
	}
	fmt.Fprintf(w, "classes:       %d\n", info.NumClasses)
	if len(info.Missing) > 0 {
		fmt.Fprintf(w, "missing keys:  %d %v\n", len(info.Missing), info.Missing)
	}
	if len(info.Unexpected) > 0 {
		fmt.Fprintf(w, "unexpected:    %d %v\n", len(info.Unexpected), info.Unexpected)
	}
	if len(info.Extra) > 0 {
		keys := make([]string, 0, len(info.Extra))
		for k := range info.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "%-14s %s\n", k+":", info.Extra[k])
		}
	}
	fmt.Fprintln(w, "\nParameters:")
	printBreakdown(w, m.ParameterBreakdown())
}

func printBreakdown(w io.Writer, b model.Breakdown) {
	for _, c := range b {
		fmt.Fprintf(w, "  %-22s %12d\n", c.Name, c.Params)
	}
}
