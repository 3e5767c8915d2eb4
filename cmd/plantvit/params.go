package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/23skdu/plantvit/internal/config"
	"github.com/23skdu/plantvit/internal/model"
)

func newParamsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "params [PRESET...]",
		Short: "Print parameter breakdowns for size presets",
		Long: "Builds each preset (tiny, small, base, large by default) with random weights and\n" +
			"prints its per-component parameter counts. --set overrides config fields, e.g.\n" +
			"--set ablation_no_lda=true --set num_transformer_blocks=2.",
		RunE: paramsHandler,
	}
	cmd.Flags().Int("num-classes", 38, "Number of output classes")
	cmd.Flags().StringArray("set", nil, "Config override as key=value (repeatable)")
	cmd.Flags().Bool("json", false, "Print breakdowns as JSON")
	return cmd
}

func paramsHandler(cmd *cobra.Command, args []string) error {
	names := args
	if len(names) == 0 {
		names = config.PresetNames()
	}
	numClasses, _ := cmd.Flags().GetInt("num-classes")
	overrides, _ := cmd.Flags().GetStringArray("set")
	opts, err := parseOverrides(overrides)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	asJSON, _ := cmd.Flags().GetBool("json")
	all := make(map[string]map[string]int, len(names))
	for _, name := range names {
		m, err := model.NewPreset(name, numClasses, opts)
		if err != nil {
			return err
		}
		if asJSON {
			all[name] = m.ParameterBreakdown().Map()
			continue
		}
		fmt.Fprintf(out, "%s: %s\n", name, m)
		printBreakdown(out, m.ParameterBreakdown())
		fmt.Fprintln(out)
	}
	if asJSON {
		return writeJSON(out, all)
	}
	return nil
}

func parseOverrides(kvs []string) ([]config.Option, error) {
	opts := make([]config.Option, 0, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --set %q: want key=value", kv)
		}
		opts = append(opts, config.With(strings.TrimSpace(k), strings.TrimSpace(v)))
	}
	return opts, nil
}
