package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/23skdu/plantvit/internal/checkpoint"
	"github.com/23skdu/plantvit/internal/logger"
)

func newConvertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert OUTPUT",
		Short: "Rewrite the checkpoint as safetensors with its config embedded",
		Long: "Loads --model (PyTorch or safetensors, legacy key layouts included), rebuilds the\n" +
			"model and writes its state dict to OUTPUT. The resolved config is stored in the\n" +
			"header so later loads never fall back to shape inference.",
		Args: cobra.ExactArgs(1),
		RunE: convertHandler,
	}
	cmd.Flags().String("dtype", "F32", "Element type to store: F32, F16 or BF16")
	cmd.Flags().Int("num-classes", 0, "Class count when the checkpoint does not fix one")
	return cmd
}

func convertHandler(cmd *cobra.Command, args []string) error {
	dtypeFlag, _ := cmd.Flags().GetString("dtype")
	dtype := checkpoint.DType(strings.ToUpper(dtypeFlag))
	switch dtype {
	case checkpoint.DTypeF32, checkpoint.DTypeF16, checkpoint.DTypeBF16:
	default:
		return fmt.Errorf("unsupported dtype %q", dtypeFlag)
	}
	numClasses, _ := cmd.Flags().GetInt("num-classes")

	src := settings.ResolvedModelPath()
	l, err := checkpoint.Load(src, checkpoint.LoadOptions{NumClasses: numClasses})
	if err != nil {
		return err
	}
	if len(l.Result.Missing) > 0 {
		return fmt.Errorf("refusing to convert partial checkpoint: %d missing keys", len(l.Result.Missing))
	}

	extra := map[string]string{
		"source":        src,
		"config_source": string(l.ConfigSource),
	}
	for k, v := range l.Checkpoint.Extra {
		extra[k] = fmt.Sprint(v)
	}
	if err := checkpoint.Save(args[0], l.Model, dtype, extra); err != nil {
		return err
	}
	logger.Log.Info("Checkpoint converted", "src", src, "dst", args[0], "dtype", dtype, "params", l.Model.CountParameters())
	return nil
}
