// Package model composes the network blocks into MobilePlantViT:
// CNN stage, transition stage, transformer blocks and classifier.
package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/23skdu/plantvit/internal/config"
	"github.com/23skdu/plantvit/internal/metrics"
	"github.com/23skdu/plantvit/internal/nn"
	"github.com/23skdu/plantvit/internal/tensor"
)

// StemKind selects the first CNN block.
type StemKind int

const (
	StemGhost StemKind = iota // GhostConv
	StemConv                  // 3x3 conv, BN, ReLU
)

// MobilePlantViT is immutable after New and LoadStateDict; Forward may be
// called from multiple goroutines.
type MobilePlantViT struct {
	cfg        config.Config
	numPatches int

	StemKind   StemKind
	Stem       nn.Block
	FusedIR    *nn.FusedInvertedResidual
	CoordAtt   *nn.CoordAtt // nil when coordinate attention is disabled
	PatchEmbed *nn.PatchEmbedding
	PosEnc     *nn.PositionalEncoding
	Blocks     []*TransformerBlock // nil when the transformer stage is disabled
	GAP        *nn.GlobalAveragePooling
	Classifier *nn.ClassifierHead
}

type options struct {
	seed       uint64
	numClasses int
	debug      bool
}

type Option func(*options)

// WithSeed fixes the weight initialization seed.
func WithSeed(seed uint64) Option {
	return func(o *options) { o.seed = seed }
}

// WithNumClasses overrides the config's class count.
func WithNumClasses(n int) Option {
	return func(o *options) { o.numClasses = n }
}

// WithDebug enables per-block shape tracing at debug level.
func WithDebug(on bool) Option {
	return func(o *options) { o.debug = on }
}

// New validates cfg and builds a freshly initialized model.
func New(cfg config.Config, opts ...Option) (*MobilePlantViT, error) {
	o := options{seed: nn.DefaultSeed}
	for _, opt := range opts {
		opt(&o)
	}
	var err error
	if o.numClasses != 0 {
		cfg, err = config.Apply(cfg, config.WithNumClasses(o.numClasses))
	} else {
		err = cfg.Validate()
	}
	if err != nil {
		return nil, err
	}

	init := nn.NewInitializer(o.seed)
	m := &MobilePlantViT{
		cfg:        cfg,
		numPatches: cfg.NumPatches(),
		GAP:        nn.NewGlobalAveragePooling(),
	}
	if err := m.buildCNN(init); err != nil {
		return nil, fmt.Errorf("cnn stage: %w", err)
	}
	if err := m.buildTransition(init); err != nil {
		return nil, fmt.Errorf("transition stage: %w", err)
	}
	if !cfg.AblationNoTransformer {
		for i := 0; i < cfg.NumTransformerBlocks; i++ {
			b, err := newTransformerBlock(init, cfg)
			if err != nil {
				return nil, fmt.Errorf("transformer block %d: %w", i, err)
			}
			m.Blocks = append(m.Blocks, b)
		}
	}
	if m.Classifier, err = nn.NewClassifierHead(init, cfg.EmbedDim, cfg.NumClasses, cfg.ClassifierDropout); err != nil {
		return nil, fmt.Errorf("classifier stage: %w", err)
	}

	nn.InitWeights(m.Params(""), init)
	if o.debug {
		m.SetDebug(true)
	}
	return m, nil
}

// FromConfigMap builds a model from a serialized config.
func FromConfigMap(cm map[string]any, opts ...Option) (*MobilePlantViT, error) {
	cfg, err := config.FromMap(cm)
	if err != nil {
		return nil, err
	}
	return New(cfg, opts...)
}

func (m *MobilePlantViT) buildCNN(init *nn.Initializer) error {
	cfg := m.cfg
	var err error
	if cfg.AblationNoGhostConv {
		m.StemKind = StemConv
		m.Stem, err = nn.NewConvBNReLU(init, cfg.InChannels, cfg.GhostOutChannels)
	} else {
		m.StemKind = StemGhost
		m.Stem, err = nn.NewGhostConv(init, nn.GhostConvOptions{
			Inp:        cfg.InChannels,
			Oup:        cfg.GhostOutChannels,
			KernelSize: 1,
			Ratio:      cfg.GhostRatio,
			DWSize:     cfg.GhostDWSize,
			Stride:     1,
			ReLU:       true,
		})
	}
	if err != nil {
		return err
	}

	m.FusedIR, err = nn.NewFusedInvertedResidual(init, nn.FusedIROptions{
		Inp:         cfg.GhostOutChannels,
		Oup:         cfg.FusedIROutChannels,
		Stride:      cfg.FusedIRStride,
		ExpandRatio: float64(cfg.FusedIRExpandRatio),
	})
	if err != nil {
		return err
	}

	if !cfg.AblationNoCoordAtt {
		m.CoordAtt, err = nn.NewCoordAtt(init, cfg.FusedIROutChannels, cfg.FusedIROutChannels, cfg.CoordAttReduction)
	}
	return err
}

func (m *MobilePlantViT) buildTransition(init *nn.Initializer) error {
	var err error
	if m.PatchEmbed, err = nn.NewPatchEmbedding(init, m.cfg.FusedIROutChannels, m.cfg.EmbedDim, m.cfg.PatchSize); err != nil {
		return err
	}
	m.PosEnc, err = nn.NewPositionalEncoding(m.cfg.EmbedDim, m.cfg.MaxSeqLen)
	return err
}

// Config returns a copy of the model configuration.
func (m *MobilePlantViT) Config() config.Config { return m.cfg }

// NumPatches is the token count for a config-sized input.
func (m *MobilePlantViT) NumPatches() int { return m.numPatches }

// SetDebug toggles shape tracing on every block. Call it before sharing the
// model across goroutines.
func (m *MobilePlantViT) SetDebug(on bool) {
	if d, ok := m.Stem.(interface{ SetDebug(bool) }); ok {
		d.SetDebug(on)
	}
	m.FusedIR.SetDebug(on)
	if m.CoordAtt != nil {
		m.CoordAtt.SetDebug(on)
	}
	m.PatchEmbed.SetDebug(on)
	m.PosEnc.SetDebug(on)
	m.GAP.SetDebug(on)
	m.Classifier.SetDebug(on)
	for _, b := range m.Blocks {
		b.setDebug(on)
	}
}

// Forward maps (B, C, H, W) images to (B, num_classes) probabilities.
func (m *MobilePlantViT) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	features, err := m.ForwardFeatures(x)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	probs, err := m.Classifier.Forward(features)
	metrics.RecordStageDuration("classifier", time.Since(start))
	return probs, err
}

// Logits returns the pre-softmax class scores.
func (m *MobilePlantViT) Logits(x *tensor.Tensor) (*tensor.Tensor, error) {
	features, err := m.ForwardFeatures(x)
	if err != nil {
		return nil, err
	}
	return m.Classifier.Logits(features)
}

// ForwardFeatures returns the pooled (B, embed_dim) representation.
func (m *MobilePlantViT) ForwardFeatures(x *tensor.Tensor) (*tensor.Tensor, error) {
	tokens, err := m.tokens(x, nil)
	if err != nil {
		return nil, err
	}
	return m.GAP.Forward(tokens)
}

// tokens runs every stage up to pooling.
func (m *MobilePlantViT) tokens(x *tensor.Tensor, record func(string, *tensor.Tensor)) (*tensor.Tensor, error) {
	if err := tensor.ExpectRank("mobileplant_vit", x, 4); err != nil {
		return nil, err
	}
	if err := tensor.ExpectDim("mobileplant_vit", x, 1, m.cfg.InChannels); err != nil {
		return nil, err
	}
	if record == nil {
		record = func(string, *tensor.Tensor) {}
	}
	record("input", x)

	start := time.Now()
	x, err := m.Stem.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("stem: %w", err)
	}
	record("after_ghost_conv", x)
	if x, err = m.FusedIR.Forward(x); err != nil {
		return nil, fmt.Errorf("fused_ir: %w", err)
	}
	record("after_fused_ir", x)
	if m.CoordAtt != nil {
		if x, err = m.CoordAtt.Forward(x); err != nil {
			return nil, fmt.Errorf("coord_att: %w", err)
		}
	}
	record("after_coord_att", x)
	metrics.RecordStageDuration("cnn", time.Since(start))

	start = time.Now()
	if x, err = m.PatchEmbed.Forward(x); err != nil {
		return nil, fmt.Errorf("patch_embed: %w", err)
	}
	record("after_patch_embed", x)
	if x, err = m.PosEnc.Forward(x); err != nil {
		return nil, fmt.Errorf("pos_enc: %w", err)
	}
	record("after_pos_enc", x)
	metrics.RecordStageDuration("transition", time.Since(start))

	if m.Blocks == nil {
		return x, nil
	}
	start = time.Now()
	for i, b := range m.Blocks {
		if x, err = b.run(x, i+1, record); err != nil {
			return nil, fmt.Errorf("transformer block %d: %w", i, err)
		}
	}
	metrics.RecordStageDuration("transformer", time.Since(start))
	return x, nil
}

// Intermediate is one named activation captured during a forward pass.
type Intermediate struct {
	Name   string
	Tensor *tensor.Tensor
}

// Intermediates is ordered by execution.
type Intermediates []Intermediate

// Get returns the activation recorded under name.
func (is Intermediates) Get(name string) (*tensor.Tensor, bool) {
	for _, it := range is {
		if it.Name == name {
			return it.Tensor, true
		}
	}
	return nil, false
}

func (is Intermediates) Names() []string {
	names := make([]string, len(is))
	for i, it := range is {
		names[i] = it.Name
	}
	return names
}

// IntermediateOutputs runs a forward pass and captures every stage output:
// input, after_ghost_conv, after_fused_ir, after_coord_att, after_patch_embed,
// after_pos_enc, then after_lda_i, after_res_ln_i, after_ffn_i and
// after_res_ln2_i per block (1-based), after_gap and output.
func (m *MobilePlantViT) IntermediateOutputs(x *tensor.Tensor) (Intermediates, error) {
	var out Intermediates
	record := func(name string, t *tensor.Tensor) {
		out = append(out, Intermediate{Name: name, Tensor: t})
	}
	tokens, err := m.tokens(x, record)
	if err != nil {
		return nil, err
	}
	pooled, err := m.GAP.Forward(tokens)
	if err != nil {
		return nil, err
	}
	record("after_gap", pooled)
	probs, err := m.Classifier.Forward(pooled)
	if err != nil {
		return nil, err
	}
	record("output", probs)
	return out, nil
}

// Params lists every named tensor in state-dict order.
func (m *MobilePlantViT) Params(prefix string) []nn.Param {
	var ps []nn.Param
	ps = append(ps, m.Stem.Params(join(prefix, "ghost_conv"))...)
	ps = append(ps, m.FusedIR.Params(join(prefix, "fused_ir"))...)
	if m.CoordAtt != nil {
		ps = append(ps, m.CoordAtt.Params(join(prefix, "coord_att"))...)
	}
	ps = append(ps, m.PatchEmbed.Params(join(prefix, "patch_embed"))...)
	ps = append(ps, m.PosEnc.Params(join(prefix, "pos_enc"))...)
	for i, b := range m.Blocks {
		ps = append(ps, b.Params(join(prefix, "transformer_blocks."+strconv.Itoa(i)))...)
	}
	ps = append(ps, m.Classifier.Params(join(prefix, "classifier"))...)
	return ps
}

// CountParameters sums trainable parameters. Buffers (BN running statistics,
// the positional table) are not parameters and are never counted.
func (m *MobilePlantViT) CountParameters() int {
	return nn.CountParams(m).Total
}

// ComponentCount is one row of a parameter breakdown.
type ComponentCount struct {
	Name   string
	Params int
}

// Breakdown is ordered by stage.
type Breakdown []ComponentCount

func (b Breakdown) Get(name string) int {
	for _, c := range b {
		if c.Name == name {
			return c.Params
		}
	}
	return 0
}

func (b Breakdown) Map() map[string]int {
	out := make(map[string]int, len(b))
	for _, c := range b {
		out[c.Name] = c.Params
	}
	return out
}

// ParameterBreakdown reports per-component trainable parameter counts and
// stage subtotals.
func (m *MobilePlantViT) ParameterBreakdown() Breakdown {
	count := func(mod nn.Module) int {
		if mod == nil {
			return 0
		}
		return nn.CountParams(mod).Total
	}
	var b Breakdown
	add := func(name string, n int) int {
		b = append(b, ComponentCount{Name: name, Params: n})
		return n
	}

	ghost := add("ghost_conv", count(m.Stem))
	fused := add("fused_ir", count(m.FusedIR))
	coord := 0
	if m.CoordAtt != nil {
		coord = count(m.CoordAtt)
	}
	add("coord_att", coord)
	add("cnn_total", ghost+fused+coord)

	patch := add("patch_embed", count(m.PatchEmbed))
	pos := add("pos_enc", count(m.PosEnc))
	add("transition_total", patch+pos)

	transformer := 0
	for i, blk := range m.Blocks {
		transformer += add("transformer_block_"+strconv.Itoa(i), count(blk))
	}
	add("transformer_total", transformer)

	gap := add("gap", count(m.GAP))
	cls := add("classifier", count(m.Classifier))
	add("classifier_total", gap+cls)

	add("total", m.CountParameters())
	return b
}

func (m *MobilePlantViT) String() string {
	return fmt.Sprintf("MobilePlantViT(img_size=%d, num_classes=%d, embed_dim=%d, num_patches=%d, params=%s, ablation=%s)",
		m.cfg.ImgSize, m.cfg.NumClasses, m.cfg.EmbedDim, m.numPatches, groupDigits(m.CountParameters()), m.cfg.AblationID())
}

func groupDigits(n int) string {
	s := strconv.Itoa(n)
	if len(s) <= 3 {
		return s
	}
	var sb strings.Builder
	pre := len(s) % 3
	if pre > 0 {
		sb.WriteString(s[:pre])
	}
	for i := pre; i < len(s); i += 3 {
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(s[i : i+3])
	}
	return sb.String()
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

func stageName(base string, idx int) string {
	return base + strconv.Itoa(idx)
}
