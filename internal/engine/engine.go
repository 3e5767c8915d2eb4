package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/23skdu/plantvit/internal/arrow_client"
	"github.com/23skdu/plantvit/internal/checkpoint"
	"github.com/23skdu/plantvit/internal/config"
	"github.com/23skdu/plantvit/internal/labels"
	"github.com/23skdu/plantvit/internal/logger"
	"github.com/23skdu/plantvit/internal/metrics"
	"github.com/23skdu/plantvit/internal/model"
	"github.com/23skdu/plantvit/internal/monitoring"
	"github.com/23skdu/plantvit/internal/preprocess"
)

var ErrNotLoaded = errors.New("model not loaded")

// Sink receives every batch of predictions after inference.
type Sink interface {
	Export(ctx context.Context, recs []arrow_client.PredictionRecord) error
}

// Options configures an Engine. Either ModelPath or Model must be set.
type Options struct {
	ModelPath    string
	MetadataPath string
	// Model and Labels bypass checkpoint and metadata loading.
	Model  *model.MobilePlantViT
	Labels *labels.Labels

	TopK    int
	Workers int
	Seed    uint64
	Sink    Sink
	// ExportFeatures attaches pooled features to exported records.
	ExportFeatures bool
	// OnInference is called after every forward pass.
	OnInference func(images int, d time.Duration, err error)
}

// Engine serves predictions from a single model. Loading happens once; after
// the ready channel closes the model is read-only and Predict may be called
// from any number of goroutines.
type Engine struct {
	opts Options
	log  *logger.Logger

	startOnce sync.Once
	ready     chan struct{}
	loadErr   error
	loadTime  time.Duration

	model  *model.MobilePlantViT
	labels *labels.Labels
	meta   *checkpoint.Loaded
	prep   preprocess.Options
}

func New(opts Options) *Engine {
	if opts.TopK <= 0 {
		opts.TopK = config.DefaultTopK
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Engine{
		opts:  opts,
		log:   logger.Log.With("component", "engine"),
		ready: make(chan struct{}),
	}
}

// NewFromSettings builds an engine from service settings.
func NewFromSettings(s config.Settings, sink Sink) *Engine {
	return New(Options{
		ModelPath:    s.ResolvedModelPath(),
		MetadataPath: s.ResolvedMetadataPath(),
		TopK:         s.TopK,
		Workers:      s.Workers,
		Sink:         sink,
	})
}

// Load starts loading if it has not started and waits for it to finish.
func (e *Engine) Load(ctx context.Context) error {
	e.startOnce.Do(func() { go e.load() })
	select {
	case <-e.ready:
		if e.loadErr != nil {
			return fmt.Errorf("%w: %w", ErrNotLoaded, e.loadErr)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Loaded reports whether the model is ready without blocking.
func (e *Engine) Loaded() bool {
	select {
	case <-e.ready:
		return e.loadErr == nil
	default:
		return false
	}
}

func (e *Engine) load() {
	defer close(e.ready)
	start := time.Now()
	e.loadErr = e.loadModel()
	e.loadTime = time.Since(start)
	if e.loadErr != nil {
		e.log.Error("Failed to load model", "error", e.loadErr, "path", e.opts.ModelPath)
		return
	}
	cfg := e.model.Config()
	e.prep = preprocess.DefaultOptions(cfg.ImgSize)
	for i, b := range e.model.Blocks {
		if b.LDA != nil {
			metrics.RecordLDAAlpha(i, b.LDA.AlphaValue())
		}
	}
	e.log.Info("Engine ready",
		"classes", e.numClasses(),
		"labels", e.labels.Len(),
		"ablation", cfg.AblationID(),
		"load_ms", e.loadTime.Milliseconds(),
	)
}

func (e *Engine) loadModel() error {
	e.labels = e.opts.Labels
	if e.labels == nil && e.opts.MetadataPath != "" {
		l, err := labels.Load(e.opts.MetadataPath)
		switch {
		case errors.Is(err, labels.ErrNotFound):
			e.log.Warn("Metadata file not found", "path", e.opts.MetadataPath)
		case err != nil:
			return err
		default:
			e.labels = l
			e.log.Info("Loaded metadata", "classes", l.Len())
		}
	}
	if e.labels == nil {
		e.labels = labels.New(nil)
	}

	if e.opts.Model != nil {
		e.model = e.opts.Model
		return nil
	}
	if e.opts.ModelPath == "" {
		return errors.New("no model path configured")
	}
	l, err := checkpoint.Load(e.opts.ModelPath, checkpoint.LoadOptions{
		NumClasses: e.labels.Len(),
		Seed:       e.opts.Seed,
	})
	if err != nil {
		return err
	}
	e.model = l.Model
	e.meta = l
	return nil
}

func (e *Engine) numClasses() int {
	return e.model.Config().NumClasses
}

// Model returns the loaded model, or nil before the engine is ready.
func (e *Engine) Model() *model.MobilePlantViT {
	if !e.Loaded() {
		return nil
	}
	return e.model
}

// Labels returns the class names in use, or nil before the engine is ready.
func (e *Engine) Labels() *labels.Labels {
	if !e.Loaded() {
		return nil
	}
	return e.labels
}

// Info summarizes the engine state.
type Info struct {
	Loaded       bool              `json:"loaded"`
	ModelPath    string            `json:"model_path,omitempty"`
	NumClasses   int               `json:"num_classes"`
	ClassNames   []string          `json:"class_names"`
	NumParams    int               `json:"num_params"`
	AblationID   string            `json:"ablation_id,omitempty"`
	ImgSize      int               `json:"img_size,omitempty"`
	ConfigSource string            `json:"config_source,omitempty"`
	Legacy       bool              `json:"legacy_checkpoint"`
	Missing      []string          `json:"missing_keys,omitempty"`
	Unexpected   []string          `json:"unexpected_keys,omitempty"`
	Metadata     map[string]any    `json:"metadata,omitempty"`
	Config       map[string]any    `json:"config,omitempty"`
	Breakdown    map[string]int    `json:"parameter_breakdown,omitempty"`
	Extra        map[string]string `json:"checkpoint_extra,omitempty"`
}

func (e *Engine) Info() Info {
	info := Info{ModelPath: e.opts.ModelPath}
	if !e.Loaded() {
		return info
	}
	cfg := e.model.Config()
	info.Loaded = true
	info.NumClasses = cfg.NumClasses
	info.ClassNames = append([]string{}, e.labels.Names...)
	info.NumParams = e.model.CountParameters()
	info.AblationID = cfg.AblationID()
	info.ImgSize = cfg.ImgSize
	info.Metadata = e.labels.Metadata
	info.Config = cfg.ToMap()
	info.Breakdown = e.model.ParameterBreakdown().Map()
	if e.meta != nil {
		info.ConfigSource = string(e.meta.ConfigSource)
		info.Legacy = e.meta.Legacy
		info.Missing = e.meta.Result.Missing
		info.Unexpected = e.meta.Result.Unexpected
		info.Extra = map[string]string{}
		for k, v := range e.meta.Checkpoint.Extra {
			info.Extra[k] = fmt.Sprint(v)
		}
	}
	return info
}

// Status adapts Info for the health monitor.
func (e *Engine) Status() monitoring.EngineInfo {
	info := e.Info()
	variant := ""
	if info.Loaded {
		variant = fmt.Sprintf("embed=%d blocks=%d", e.model.Config().EmbedDim, len(e.model.Blocks))
	}
	return monitoring.EngineInfo{
		ModelLoaded: info.Loaded,
		ModelPath:   info.ModelPath,
		Variant:     variant,
		AblationID:  info.AblationID,
		NumClasses:  info.NumClasses,
		NumParams:   info.NumParams,
		ImgSize:     info.ImgSize,
	}
}
