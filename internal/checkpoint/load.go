package checkpoint

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/23skdu/plantvit/internal/config"
	"github.com/23skdu/plantvit/internal/logger"
	"github.com/23skdu/plantvit/internal/metrics"
	"github.com/23skdu/plantvit/internal/model"
	"github.com/23skdu/plantvit/internal/tensor"
)

// LoadOptions controls how a checkpoint becomes a model.
type LoadOptions struct {
	// NumClasses is used when neither the config nor the classifier weight
	// fixes the class count. Zero means unknown.
	NumClasses int
	Seed       uint64
}

// Loaded is a model built from a checkpoint together with load diagnostics.
type Loaded struct {
	Model        *model.MobilePlantViT
	Checkpoint   *Checkpoint
	Config       config.Config
	ConfigSource ConfigSource
	Result       LoadResult
	Legacy       bool
	Remapped     int
}

// Load opens path and builds a model from it.
func Load(path string, opts LoadOptions) (*Loaded, error) {
	ck, err := Open(path)
	if err != nil {
		return nil, err
	}
	return Build(ck, opts)
}

// Build constructs a model for ck and copies its weights in. Keys missing
// from either side are logged and reported in Result; a shape mismatch fails
// the whole load.
func Build(ck *Checkpoint, opts LoadOptions) (*Loaded, error) {
	start := time.Now()
	l := &Loaded{Checkpoint: ck, ConfigSource: ck.ConfigSource}

	sd := ck.StateDict
	if IsLegacy(sd) {
		sd, l.Remapped = ConvertLegacy(sd)
		l.Legacy = true
		logger.Log.Info("Converted legacy checkpoint layout", "path", ck.Path, "remapped", l.Remapped)
	}

	cfg, err := resolveConfig(ck, sd, opts.NumClasses)
	if err != nil {
		return nil, err
	}
	if opts.NumClasses > 0 && opts.NumClasses != cfg.NumClasses {
		logger.Log.Warn("Label count does not match classifier",
			"labels", opts.NumClasses, "num_classes", cfg.NumClasses)
	}
	l.Config = cfg

	var mopts []model.Option
	if opts.Seed != 0 {
		mopts = append(mopts, model.WithSeed(opts.Seed))
	}
	m, err := model.New(cfg, mopts...)
	if err != nil {
		return nil, fmt.Errorf("build model: %w", err)
	}
	res, err := m.LoadStateDict(sd)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ck.Path, err)
	}
	if len(res.Missing) > 0 {
		logger.Log.Warn("Missing keys in checkpoint", "count", len(res.Missing), "keys", res.Missing)
	}
	if len(res.Unexpected) > 0 {
		logger.Log.Warn("Unexpected keys in checkpoint", "count", len(res.Unexpected), "keys", res.Unexpected)
	}
	l.Model = m
	l.Result = res

	metrics.RecordCheckpointLoad(res.Loaded, len(res.Missing), len(res.Unexpected), l.Remapped)
	metrics.RecordModelLoad(m.CountParameters(), time.Since(start))
	logger.Log.Info("Model loaded",
		"path", ck.Path,
		"format", string(ck.Format),
		"config_source", string(l.ConfigSource),
		"ablation", cfg.AblationID(),
		"params", m.CountParameters(),
	)
	return l, nil
}

func resolveConfig(ck *Checkpoint, sd map[string]*tensor.Tensor, numClasses int) (config.Config, error) {
	if ck.Config == nil {
		cfg, err := InferConfig(sd, numClasses)
		if err != nil {
			return config.Config{}, err
		}
		logger.Log.Warn("No config in checkpoint, inferred from shapes",
			"embed_dim", cfg.EmbedDim, "ghost_out_channels", cfg.GhostOutChannels, "num_heads", cfg.NumHeads)
		return cfg, nil
	}

	known := make(map[string]bool)
	for _, k := range config.Keys() {
		known[k] = true
	}

	cm := make(map[string]any, len(ck.Config))
	var ignored []string
	for k, v := range ck.Config {
		if !known[k] {
			ignored = append(ignored, k)
			continue
		}
		cm[k] = v
	}
	if len(ignored) > 0 {
		sort.Strings(ignored)
		logger.Log.Warn("Ignoring unknown config keys", "keys", ignored)
	}
	cfg, err := config.FromMap(cm)
	if err != nil {
		return config.Config{}, fmt.Errorf("%s config: %w", ck.ConfigSource, err)
	}
	return cfg, nil
}

// Save writes m as a safetensors file with its config embedded in the
// header metadata, so Load can rebuild it without inference.
func Save(path string, m *model.MobilePlantViT, dtype DType, extra map[string]string) error {
	raw, err := json.Marshal(m.Config().ToMap())
	if err != nil {
		return err
	}
	meta := make(map[string]string, len(extra)+1)
	for k, v := range extra {
		meta[k] = v
	}
	meta[configMetadataKey] = string(raw)
	return SaveSafetensors(path, m.StateDict(), dtype, meta)
}
