package config

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid model config")

// Config is the complete architecture description. It is a value type and is
// never mutated after New or FromMap return it.
type Config struct {
	ImgSize    int
	InChannels int
	NumClasses int

	GhostOutChannels int
	GhostRatio       int
	GhostDWSize      int

	FusedIROutChannels int
	FusedIRStride      int
	FusedIRExpandRatio int

	CoordAttReduction int

	EmbedDim  int
	PatchSize int
	MaxSeqLen int

	NumTransformerBlocks int
	NumHeads             int
	LDADropout           float64
	LDAInit              float64

	FFNBottleneckRatio float64
	FFNDropout         float64
	ClassifierDropout  float64

	AblationNoCoordAtt      bool
	AblationNoLDA           bool
	AblationNoGhostConv     bool
	AblationNoTransformer   bool
	AblationNoBottleneckFFN bool
}

func Default() Config {
	return Config{
		ImgSize:              224,
		InChannels:           3,
		NumClasses:           38,
		GhostOutChannels:     64,
		GhostRatio:           2,
		GhostDWSize:          3,
		FusedIROutChannels:   64,
		FusedIRStride:        4,
		FusedIRExpandRatio:   4,
		CoordAttReduction:    32,
		EmbedDim:             256,
		PatchSize:            4,
		MaxSeqLen:            5000,
		NumTransformerBlocks: 1,
		NumHeads:             8,
		LDADropout:           0.1,
		LDAInit:              0.8,
		FFNBottleneckRatio:   0.25,
		FFNDropout:           0.1,
		ClassifierDropout:    0.0,
	}
}

// Option overrides a single field before validation.
type Option func(*Config) error

// New applies opts to Default and validates the result.
func New(opts ...Option) (Config, error) {
	return Apply(Default(), opts...)
}

// Apply applies opts to base and validates the result.
func Apply(base Config, opts ...Option) (Config, error) {
	c := base
	for _, opt := range opts {
		if err := opt(&c); err != nil {
			return Config{}, err
		}
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// With sets the field named by its serialized key, e.g. With("embed_dim", 128).
func With(key string, value any) Option {
	return func(c *Config) error {
		return c.set(key, value)
	}
}

func WithNumClasses(n int) Option {
	return func(c *Config) error {
		c.NumClasses = n
		return nil
	}
}

func (c *Config) Validate() error {
	positive := []struct {
		name string
		v    int
	}{
		{"img_size", c.ImgSize},
		{"in_channels", c.InChannels},
		{"num_classes", c.NumClasses},
		{"ghost_out_channels", c.GhostOutChannels},
		{"ghost_dw_size", c.GhostDWSize},
		{"fused_ir_out_channels", c.FusedIROutChannels},
		{"fused_ir_stride", c.FusedIRStride},
		{"fused_ir_expand_ratio", c.FusedIRExpandRatio},
		{"coord_att_reduction", c.CoordAttReduction},
		{"embed_dim", c.EmbedDim},
		{"patch_size", c.PatchSize},
		{"max_seq_len", c.MaxSeqLen},
		{"num_transformer_blocks", c.NumTransformerBlocks},
		{"num_heads", c.NumHeads},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return fmt.Errorf("%w: invalid %s: %d (must be positive)", ErrInvalidConfig, p.name, p.v)
		}
	}
	if c.GhostRatio < 2 {
		return fmt.Errorf("%w: invalid ghost_ratio: %d (must be >= 2)", ErrInvalidConfig, c.GhostRatio)
	}
	if c.EmbedDim%c.NumHeads != 0 {
		return fmt.Errorf("%w: embed_dim (%d) must be divisible by num_heads (%d)", ErrInvalidConfig, c.EmbedDim, c.NumHeads)
	}
	rates := []struct {
		name string
		v    float64
	}{
		{"lda_dropout", c.LDADropout},
		{"ffn_dropout", c.FFNDropout},
		{"classifier_dropout", c.ClassifierDropout},
	}
	for _, r := range rates {
		if r.v < 0 || r.v >= 1 {
			return fmt.Errorf("%w: invalid %s: %g (must be in [0, 1))", ErrInvalidConfig, r.name, r.v)
		}
	}
	if c.FFNBottleneckRatio <= 0 || c.FFNBottleneckRatio > 2 {
		return fmt.Errorf("%w: invalid ffn_bottleneck_ratio: %g (must be in (0, 2])", ErrInvalidConfig, c.FFNBottleneckRatio)
	}
	return nil
}

// AblationID names the first active ablation in priority order.
func (c Config) AblationID() string {
	switch {
	case c.AblationNoCoordAtt:
		return "no_coordatt"
	case c.AblationNoLDA:
		return "no_lda"
	case c.AblationNoGhostConv:
		return "no_ghost"
	case c.AblationNoTransformer:
		return "cnn_only"
	case c.AblationNoBottleneckFFN:
		return "no_bottleneck"
	default:
		return "full"
	}
}

// FeatureMapSize is the spatial size after the CNN stage.
func (c Config) FeatureMapSize() int {
	return c.ImgSize / c.FusedIRStride
}

// NumPatches is the token count entering the transformer stage.
func (c Config) NumPatches() int {
	side := c.FeatureMapSize() / c.PatchSize
	return side * side
}

func (c Config) HeadDim() int {
	return c.EmbedDim / c.NumHeads
}
