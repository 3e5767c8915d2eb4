package checkpoint

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/23skdu/plantvit/internal/config"
	"github.com/23skdu/plantvit/internal/tensor"
)

const (
	fallbackEmbedDim = 384
	fallbackChannels = 96
	fallbackClasses  = 38
)

var blockIndex = regexp.MustCompile(`^transformer_blocks\.(\d+)\.`)

// headsFor picks the head count the size presets pair with embedDim.
func headsFor(embedDim int) int {
	switch embedDim {
	case 128:
		return 4
	case 192:
		return 6
	case 384:
		return 12
	}
	if embedDim%8 == 0 {
		return 8
	}
	for h := 4; h > 1; h-- {
		if embedDim%h == 0 {
			return h
		}
	}
	return 1
}

// InferConfig reconstructs an architecture from state-dict shapes when a
// checkpoint carries no config. numClasses is used only when the classifier
// weight is absent; zero means the 38-class default.
func InferConfig(sd map[string]*tensor.Tensor, numClasses int) (config.Config, error) {
	cfg := config.Default()
	cfg.EmbedDim = fallbackEmbedDim
	cfg.GhostOutChannels = fallbackChannels
	cfg.FusedIROutChannels = fallbackChannels
	cfg.NumClasses = fallbackClasses
	if numClasses > 0 {
		cfg.NumClasses = numClasses
	}

	dim := func(key string, axis int) (int, bool) {
		t, ok := sd[key]
		if !ok || t.Rank() <= axis {
			return 0, false
		}
		return t.Dim(axis), true
	}
	has := func(key string) bool {
		_, ok := sd[key]
		return ok
	}

	if d, ok := dim("pos_enc.pe", 2); ok {
		cfg.EmbedDim = d
	} else if d, ok := dim("patch_embed.proj.weight", 0); ok {
		cfg.EmbedDim = d
	}
	if n, ok := dim("pos_enc.pe", 1); ok {
		cfg.MaxSeqLen = n
	}

	// The stem width is the fused block's input; the ghost primary conv
	// only holds ceil(oup/ratio) of those channels.
	if c, ok := dim("fused_ir.block.0.weight", 1); ok {
		cfg.GhostOutChannels = c
	} else if c, ok := dim("ghost_conv.0.weight", 0); ok {
		cfg.GhostOutChannels = c
	}
	if has("ghost_conv.0.weight") {
		cfg.AblationNoGhostConv = true
		if c, ok := dim("ghost_conv.0.weight", 1); ok {
			cfg.InChannels = c
		}
	} else {
		primary, okP := dim("ghost_conv.primary_conv.0.weight", 0)
		cheap, okC := dim("ghost_conv.cheap_operation.0.weight", 0)
		if okP && okC && primary > 0 {
			cfg.GhostRatio = cheap/primary + 1
		}
		if k, ok := dim("ghost_conv.cheap_operation.0.weight", 2); ok {
			cfg.GhostDWSize = k
		}
		if c, ok := dim("ghost_conv.primary_conv.0.weight", 1); ok {
			cfg.InChannels = c
		}
	}

	if c, ok := dim("patch_embed.proj.weight", 1); ok {
		cfg.FusedIROutChannels = c
	} else {
		cfg.FusedIROutChannels = cfg.GhostOutChannels
	}
	if p, ok := dim("patch_embed.proj.weight", 2); ok {
		cfg.PatchSize = p
	}
	// A projection conv at block.3 means the expansion conv is followed by
	// BN, ReLU and a 1x1; otherwise the block is a single 3x3 conv.
	cfg.FusedIRExpandRatio = 1
	if hidden, ok := dim("fused_ir.block.0.weight", 0); ok && has("fused_ir.block.3.weight") && cfg.GhostOutChannels > 0 {
		cfg.FusedIRExpandRatio = hidden / cfg.GhostOutChannels
	}
	// The hidden width is clamped at 8, so the default reduction is kept
	// whenever it reproduces the stored shape.
	if mip, ok := dim("coord_att.conv1.weight", 0); ok && mip > 0 {
		if max(8, cfg.FusedIROutChannels/cfg.CoordAttReduction) != mip {
			cfg.CoordAttReduction = max(1, cfg.FusedIROutChannels/mip)
		}
	} else {
		cfg.AblationNoCoordAtt = true
	}

	blocks := -1
	for k := range sd {
		if m := blockIndex.FindStringSubmatch(k); m != nil {
			if i, err := strconv.Atoi(m[1]); err == nil && i > blocks {
				blocks = i
			}
		}
	}
	if blocks < 0 {
		cfg.AblationNoTransformer = true
	} else {
		cfg.NumTransformerBlocks = blocks + 1
		cfg.AblationNoLDA = has("transformer_blocks.0.attention.in_proj_weight")
		cfg.AblationNoBottleneckFFN = has("transformer_blocks.0.ffn.0.weight")
		if b, ok := dim("transformer_blocks.0.ffn.fc1.weight", 0); ok && cfg.EmbedDim > 0 {
			cfg.FFNBottleneckRatio = float64(b) / float64(cfg.EmbedDim)
		}
	}
	cfg.NumHeads = headsFor(cfg.EmbedDim)

	if n, ok := dim("classifier.fc.weight", 0); ok {
		cfg.NumClasses = n
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("inferred config: %w", err)
	}
	return cfg, nil
}
