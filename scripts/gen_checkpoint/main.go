// gen_checkpoint writes a randomly initialized checkpoint and matching
// deployment metadata, for exercising the CLI without trained weights.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/23skdu/plantvit/internal/checkpoint"
	"github.com/23skdu/plantvit/internal/model"
)

var (
	outDir     = flag.String("out", "models", "Output directory")
	preset     = flag.String("preset", "tiny", "Size preset")
	numClasses = flag.Int("classes", 38, "Number of classes")
	seed       = flag.Uint64("seed", 1, "Weight init seed")
	dtype      = flag.String("dtype", "F32", "Stored element type")
)

func main() {
	flag.Parse()

	m, err := model.NewPreset(*preset, *numClasses, nil, model.WithSeed(*seed))
	if err != nil {
		log.Fatalf("build model: %v", err)
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatal(err)
	}

	ckPath := filepath.Join(*outDir, "mobileplant_vit_"+*preset+".safetensors")
	extra := map[string]string{"preset": *preset, "seed": fmt.Sprint(*seed)}
	if err := checkpoint.Save(ckPath, m, checkpoint.DType(*dtype), extra); err != nil {
		log.Fatalf("save checkpoint: %v", err)
	}

	names := make([]string, *numClasses)
	for i := range names {
		names[i] = fmt.Sprintf("Class_%d", i)
	}
	meta := map[string]any{
		"model_info": map[string]any{
			"name":         "MobilePlantViT",
			"preset":       *preset,
			"total_params": m.CountParameters(),
			"input_size":   []int{3, m.Config().ImgSize, m.Config().ImgSize},
		},
		"postprocessing": map[string]any{"class_names": names},
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		log.Fatal(err)
	}
	metaPath := filepath.Join(*outDir, "deployment_metadata.json")
	if err := os.WriteFile(metaPath, raw, 0o644); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s (%d params) and %s", ckPath, m.CountParameters(), metaPath)
}
