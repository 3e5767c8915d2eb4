package config

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// AblationIDKey is emitted by ToMap and accepted, but not trusted, by FromMap:
// the identifier is always derived from the flags.
const AblationIDKey = "ablation_id"

type field struct {
	key string
	ptr func(c *Config) any
}

var fields = []field{
	{"img_size", func(c *Config) any { return &c.ImgSize }},
	{"in_channels", func(c *Config) any { return &c.InChannels }},
	{"num_classes", func(c *Config) any { return &c.NumClasses }},
	{"ghost_out_channels", func(c *Config) any { return &c.GhostOutChannels }},
	{"ghost_ratio", func(c *Config) any { return &c.GhostRatio }},
	{"ghost_dw_size", func(c *Config) any { return &c.GhostDWSize }},
	{"fused_ir_out_channels", func(c *Config) any { return &c.FusedIROutChannels }},
	{"fused_ir_stride", func(c *Config) any { return &c.FusedIRStride }},
	{"fused_ir_expand_ratio", func(c *Config) any { return &c.FusedIRExpandRatio }},
	{"coord_att_reduction", func(c *Config) any { return &c.CoordAttReduction }},
	{"embed_dim", func(c *Config) any { return &c.EmbedDim }},
	{"patch_size", func(c *Config) any { return &c.PatchSize }},
	{"max_seq_len", func(c *Config) any { return &c.MaxSeqLen }},
	{"num_transformer_blocks", func(c *Config) any { return &c.NumTransformerBlocks }},
	{"num_heads", func(c *Config) any { return &c.NumHeads }},
	{"lda_dropout", func(c *Config) any { return &c.LDADropout }},
	{"lda_init", func(c *Config) any { return &c.LDAInit }},
	{"ffn_bottleneck_ratio", func(c *Config) any { return &c.FFNBottleneckRatio }},
	{"ffn_dropout", func(c *Config) any { return &c.FFNDropout }},
	{"classifier_dropout", func(c *Config) any { return &c.ClassifierDropout }},
	{"ablation_no_coord_att", func(c *Config) any { return &c.AblationNoCoordAtt }},
	{"ablation_no_lda", func(c *Config) any { return &c.AblationNoLDA }},
	{"ablation_no_ghost_conv", func(c *Config) any { return &c.AblationNoGhostConv }},
	{"ablation_no_transformer", func(c *Config) any { return &c.AblationNoTransformer }},
	{"ablation_no_bottleneck_ffn", func(c *Config) any { return &c.AblationNoBottleneckFFN }},
}

// Keys lists every serialized key in declaration order, ablation_id last.
func Keys() []string {
	keys := make([]string, 0, len(fields)+1)
	for _, f := range fields {
		keys = append(keys, f.key)
	}
	return append(keys, AblationIDKey)
}

// ToMap serializes c using snake_case keys.
func (c Config) ToMap() map[string]any {
	m := make(map[string]any, len(fields)+1)
	for _, f := range fields {
		switch p := f.ptr(&c).(type) {
		case *int:
			m[f.key] = *p
		case *float64:
			m[f.key] = *p
		case *bool:
			m[f.key] = *p
		}
	}
	m[AblationIDKey] = c.AblationID()
	return m
}

// FromMap overlays m onto Default and validates. Values may be Go ints,
// floats, bools, json.Number or numeric strings. Unknown keys are rejected.
func FromMap(m map[string]any) (Config, error) {
	c := Default()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := c.set(k, m[k]); err != nil {
			return Config{}, err
		}
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) set(key string, v any) error {
	if key == AblationIDKey {
		if _, ok := v.(string); !ok && v != nil {
			return fmt.Errorf("%w: %s must be a string, got %T", ErrInvalidConfig, key, v)
		}
		return nil
	}
	for _, f := range fields {
		if f.key != key {
			continue
		}
		var err error
		switch p := f.ptr(c).(type) {
		case *int:
			*p, err = toInt(v)
		case *float64:
			*p, err = toFloat(v)
		case *bool:
			*p, err = toBool(v)
		}
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown key %q", ErrInvalidConfig, key)
}

func toInt(v any) (int, error) {
	switch x := v.(type) {
	case int:
		return x, nil
	case int32:
		return int(x), nil
	case int64:
		return int(x), nil
	case uint8:
		return int(x), nil
	case float32:
		return toInt(float64(x))
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("%v is not an integer", x)
		}
		return int(x), nil
	case json.Number:
		n, err := x.Int64()
		return int(n), err
	case string:
		return strconv.Atoi(strings.TrimSpace(x))
	}
	return 0, fmt.Errorf("cannot use %T as integer", v)
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(x), 64)
	}
	return 0, fmt.Errorf("cannot use %T as float", v)
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case int:
		return x != 0, nil
	case int64:
		return x != 0, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(x))
	}
	return false, fmt.Errorf("cannot use %T as bool", v)
}
