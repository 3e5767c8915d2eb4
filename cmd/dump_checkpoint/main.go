package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/23skdu/plantvit/internal/checkpoint"
	"github.com/23skdu/plantvit/internal/tensor"
)

var (
	modelPath = flag.String("model", "", "Path to a .pth or .safetensors checkpoint")
	filter    = flag.String("filter", "", "Only list tensors whose name contains this substring")
	showStats = flag.Bool("stats", false, "Print min/max/mean/std per tensor")
)

func main() {
	flag.Parse()
	if *modelPath == "" {
		fmt.Println("Error: --model flag is required")
		flag.Usage()
		os.Exit(1)
	}

	ck, err := checkpoint.Open(*modelPath)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Checkpoint: %s (%s, config from %s, %d tensors)\n", ck.Path, ck.Format, ck.ConfigSource, len(ck.StateDict))

	dtypes := map[string]checkpoint.DType{}
	if strings.EqualFold(filepath.Ext(*modelPath), ".safetensors") {
		if f, err := checkpoint.OpenSafetensors(*modelPath); err == nil {
			for _, t := range f.Tensors {
				dtypes[t.Name] = t.DType
			}
			f.Close()
		}
	}

	renamed := map[string]string{}
	if checkpoint.IsLegacy(ck.StateDict) {
		converted, n := checkpoint.ConvertLegacy(ck.StateDict)
		fmt.Printf("Legacy layout: %d keys renamed\n", n)
		for newName, t := range converted {
			for oldName, old := range ck.StateDict {
				if old == t && oldName != newName {
					renamed[oldName] = newName
				}
			}
		}
	}

	keys := ck.Keys()
	sort.Strings(keys)
	for _, k := range keys {
		if *filter != "" && !strings.Contains(k, *filter) {
			continue
		}
		t := ck.StateDict[k]
		line := fmt.Sprintf("%-60s %-18v", k, t.Shape())
		if dt, ok := dtypes[k]; ok {
			line += fmt.Sprintf(" %-5s", dt)
		}
		if to, ok := renamed[k]; ok {
			line += " -> " + to
		}
		if *showStats {
			line += " " + summary(t)
		}
		fmt.Println(line)
	}

	if len(ck.Config) > 0 {
		fmt.Println("\nConfig:")
		cfgKeys := make([]string, 0, len(ck.Config))
		for k := range ck.Config {
			cfgKeys = append(cfgKeys, k)
		}
		sort.Strings(cfgKeys)
		for _, k := range cfgKeys {
			fmt.Printf("  %-28s %v\n", k, ck.Config[k])
		}
	}
}

func summary(t *tensor.Tensor) string {
	data := t.Data()
	if len(data) == 0 {
		return "(empty)"
	}
	xs := make([]float64, len(data))
	for i, v := range data {
		xs[i] = float64(v)
	}
	mean, std := stat.MeanStdDev(xs, nil)
	if len(xs) == 1 {
		std = 0
	}
	return fmt.Sprintf("min=%.4g max=%.4g mean=%.4g std=%.4g", floats.Min(xs), floats.Max(xs), mean, std)
}
