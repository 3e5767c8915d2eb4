package checkpoint

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nlpodyssey/gopickle/pytorch"

	"github.com/23skdu/plantvit/internal/config"
	"github.com/23skdu/plantvit/internal/model"
	"github.com/23skdu/plantvit/internal/tensor"
)

func smallModel(t *testing.T, opts ...config.Option) *model.MobilePlantViT {
	t.Helper()
	base := []config.Option{
		config.With("img_size", 32),
		config.With("ghost_out_channels", 16),
		config.With("fused_ir_out_channels", 16),
		config.With("embed_dim", 32),
		config.With("num_heads", 4),
		config.With("max_seq_len", 64),
		config.WithNumClasses(5),
	}
	cfg, err := config.New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	m, err := model.New(cfg, model.WithSeed(7))
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	return m
}

// closeEnough compares with a tolerance relative to magnitudes above one.
func closeEnough(t *testing.T, name string, want, got *tensor.Tensor, tol float64) {
	t.Helper()
	if !tensor.SameShape(want, got) {
		t.Fatalf("%s: shape %v, want %v", name, got.Shape(), want.Shape())
	}
	for i, w := range want.Data() {
		g := got.Data()[i]
		if d := math.Abs(float64(w - g)); d > tol*math.Max(1, math.Abs(float64(w))) {
			t.Fatalf("%s[%d] = %g, want %g", name, i, g, w)
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	tests := []struct {
		dtype DType
		tol   float64
	}{
		{DTypeF32, 0},
		{DTypeF16, 1e-3},
		{DTypeBF16, 8e-3},
	}
	for _, tt := range tests {
		t.Run(string(tt.dtype), func(t *testing.T) {
			src := smallModel(t)
			path := filepath.Join(t.TempDir(), "model.safetensors")
			if err := Save(path, src, tt.dtype, map[string]string{"epoch": "12"}); err != nil {
				t.Fatalf("Save: %v", err)
			}

			l, err := Load(path, LoadOptions{NumClasses: 5})
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if l.ConfigSource != ConfigFromModelConfig {
				t.Errorf("ConfigSource = %s, want %s", l.ConfigSource, ConfigFromModelConfig)
			}
			if diff := cmp.Diff(src.Config(), l.Config); diff != "" {
				t.Errorf("config mismatch (-want +got):\n%s", diff)
			}
			if !l.Result.Complete() {
				t.Errorf("incomplete load: missing=%v unexpected=%v", l.Result.Missing, l.Result.Unexpected)
			}
			if l.Legacy {
				t.Error("fresh checkpoint reported as legacy")
			}
			if got := l.Checkpoint.Extra["epoch"]; got != "12" {
				t.Errorf("Extra[epoch] = %v, want 12", got)
			}

			want := src.StateDict()
			got := l.Model.StateDict()
			for k, w := range want {
				closeEnough(t, k, w, got[k], tt.tol)
			}
		})
	}
}

func TestWriteSafetensorsAlignment(t *testing.T) {
	sd := map[string]*tensor.Tensor{
		"b":      tensor.MustFromSlice([]float32{1, 2, 3}, 3),
		"a":      tensor.MustFromSlice([]float32{4}, 1),
		"scalar": tensor.New(),
	}
	var buf bytes.Buffer
	if err := WriteSafetensors(&buf, sd, DTypeF32, nil); err != nil {
		t.Fatalf("WriteSafetensors: %v", err)
	}
	data := buf.Bytes()
	n := binary.LittleEndian.Uint64(data)
	if n%8 != 0 {
		t.Errorf("header length %d not 8-byte aligned", n)
	}
	if strings.Contains(string(data[8:8+n]), "null") {
		t.Errorf("header contains null: %s", data[8:8+n])
	}

	st, err := parseSafetensors(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var names []string
	for _, ti := range st.Tensors {
		names = append(names, ti.Name)
	}
	if diff := cmp.Diff([]string{"a", "b", "scalar"}, names); diff != "" {
		t.Errorf("tensor order (-want +got):\n%s", diff)
	}
	b, err := st.Tensor("b")
	if err != nil {
		t.Fatalf("Tensor(b): %v", err)
	}
	if diff := cmp.Diff([]float32{1, 2, 3}, b.Data()); diff != "" {
		t.Errorf("b (-want +got):\n%s", diff)
	}
	if _, err := st.Tensor("missing"); !errors.Is(err, ErrMissingTensor) {
		t.Errorf("Tensor(missing) err = %v, want ErrMissingTensor", err)
	}
}

func rawSafetensors(header string, body []byte) []byte {
	out := make([]byte, 8, 8+len(header)+len(body))
	binary.LittleEndian.PutUint64(out, uint64(len(header)))
	out = append(out, header...)
	return append(out, body...)
}

func TestParseSafetensorsErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"short", []byte{1, 2, 3}},
		{"header past end", append(binary.LittleEndian.AppendUint64(nil, 64), '{', '}')},
		{"bad json", rawSafetensors("{not json", nil)},
		{"offsets outside data", rawSafetensors(`{"w":{"dtype":"F32","shape":[2],"data_offsets":[0,8]}}`, make([]byte, 4))},
		{"size disagrees with shape", rawSafetensors(`{"w":{"dtype":"F32","shape":[3],"data_offsets":[0,8]}}`, make([]byte, 8))},
		{"bad metadata", rawSafetensors(`{"__metadata__":{"k":1}}`, nil)},
		{"negative dims", rawSafetensors(`{"w":{"dtype":"F32","shape":[-1,-2],"data_offsets":[0,8]}}`, make([]byte, 8))},
		{"element count overflows", rawSafetensors(`{"w":{"dtype":"F32","shape":[4294967296,4294967296,16],"data_offsets":[0,0]}}`, nil)},
		{"shape larger than data", rawSafetensors(`{"w":{"dtype":"F32","shape":[1024,1024],"data_offsets":[0,0]}}`, nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseSafetensors(tt.data)
			if !errors.Is(err, ErrUnsupportedFormat) {
				t.Fatalf("err = %v, want ErrUnsupportedFormat", err)
			}
			var hdr ErrInvalidHeader
			if !errors.As(err, &hdr) {
				t.Errorf("err %T is not ErrInvalidHeader", err)
			}
		})
	}
}

func TestDecodeUnsupportedDType(t *testing.T) {
	st, err := parseSafetensors(rawSafetensors(`{"w":{"dtype":"U8","shape":[2],"data_offsets":[0,2]}}`, []byte{1, 2}))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	_, err = st.StateDict()
	var dt ErrUnsupportedDType
	if !errors.As(err, &dt) || dt.DType != "U8" {
		t.Fatalf("err = %v, want ErrUnsupportedDType U8", err)
	}
}

func TestOpenNotFound(t *testing.T) {
	for _, name := range []string{"missing.pth", "missing.safetensors"} {
		_, err := Open(filepath.Join(t.TempDir(), name))
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Open(%s) err = %v, want ErrNotFound", name, err)
		}
	}
}

func TestOpenCorruptPyTorch(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"garbage", []byte{0xff, 0xfe, 0xfd, 0xfc}},
		{"truncated zip", []byte("PK\x03\x04\x14\x00")},
		{"bare protocol byte", []byte{0x80}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "model.pth")
			if err := os.WriteFile(path, tt.data, 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Open(path); !errors.Is(err, ErrUnsupportedFormat) {
				t.Fatalf("err = %v, want ErrUnsupportedFormat", err)
			}
		})
	}
}

func TestConvertLegacy(t *testing.T) {
	w := tensor.MustFromSlice([]float32{1, 2}, 2)
	b := tensor.MustFromSlice([]float32{3, 4}, 2)
	sd := map[string]*tensor.Tensor{
		"lda.q_proj.weight":    w,
		"lda.alpha":            tensor.MustFromSlice([]float32{0.8}, 1),
		"res_ln.norm.weight":   w,
		"res_ln.norm.bias":     b,
		"ffn.fc1.weight":       w,
		"classifier.fc.weight": w,
	}
	if !IsLegacy(sd) {
		t.Fatal("IsLegacy = false")
	}

	got, renamed := ConvertLegacy(sd)
	if renamed != 5 {
		t.Errorf("renamed = %d, want 5", renamed)
	}
	var keys []string
	for k := range got {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	want := []string{
		"classifier.fc.weight",
		"transformer_blocks.0.attention.alpha",
		"transformer_blocks.0.attention.q_proj.weight",
		"transformer_blocks.0.ffn.fc1.weight",
		"transformer_blocks.0.norm1.bias",
		"transformer_blocks.0.norm1.weight",
		"transformer_blocks.0.norm2.bias",
		"transformer_blocks.0.norm2.weight",
	}
	if diff := cmp.Diff(want, keys); diff != "" {
		t.Errorf("keys (-want +got):\n%s", diff)
	}

	n2 := got["transformer_blocks.0.norm2.weight"]
	if diff := cmp.Diff(w.Data(), n2.Data()); diff != "" {
		t.Errorf("norm2.weight (-want +got):\n%s", diff)
	}
	n2.Data()[0] = 99
	if w.Data()[0] != 1 {
		t.Error("norm2 clone aliases norm1")
	}
	if _, ok := sd["transformer_blocks.0.norm1.weight"]; ok {
		t.Error("ConvertLegacy modified its input")
	}
	if IsLegacy(got) {
		t.Error("converted dict still legacy")
	}
}

func TestConvertLegacyKeepsExistingNorm2(t *testing.T) {
	n1 := tensor.MustFromSlice([]float32{1}, 1)
	n2 := tensor.MustFromSlice([]float32{2}, 1)
	got, _ := ConvertLegacy(map[string]*tensor.Tensor{
		"res_ln.norm.weight":                n1,
		"transformer_blocks.0.norm2.weight": n2,
	})
	if got["transformer_blocks.0.norm2.weight"] != n2 {
		t.Error("existing norm2 overwritten")
	}
}

func TestBuildLegacyCheckpoint(t *testing.T) {
	src := smallModel(t)
	sd := make(map[string]*tensor.Tensor)
	for k, v := range src.StateDict() {
		switch {
		case strings.HasPrefix(k, "transformer_blocks.0.attention."):
			sd["lda."+strings.TrimPrefix(k, "transformer_blocks.0.attention.")] = v
		case strings.HasPrefix(k, "transformer_blocks.0.norm1."):
			sd["res_ln.norm."+strings.TrimPrefix(k, "transformer_blocks.0.norm1.")] = v
		case strings.HasPrefix(k, "transformer_blocks.0.ffn."):
			sd["ffn."+strings.TrimPrefix(k, "transformer_blocks.0.ffn.")] = v
		case strings.HasPrefix(k, "transformer_blocks.0.norm2."):
		default:
			sd[k] = v
		}
	}
	sd["fused_ir.block.1.num_batches_tracked"] = tensor.New()

	ck := &Checkpoint{
		StateDict:    sd,
		Config:       src.Config().ToMap(),
		ConfigSource: ConfigFromModelConfig,
	}
	ck.Config["model_name"] = "mobile_plant_vit"
	l, err := Build(ck, LoadOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !l.Legacy || l.Remapped == 0 {
		t.Errorf("Legacy = %v, Remapped = %d", l.Legacy, l.Remapped)
	}
	if !l.Result.Complete() {
		t.Errorf("missing=%v unexpected=%v", l.Result.Missing, l.Result.Unexpected)
	}
	got := l.Model.StateDict()
	closeEnough(t, "norm2.weight",
		src.StateDict()["transformer_blocks.0.norm1.weight"], got["transformer_blocks.0.norm2.weight"], 0)
}

func TestBuildPartialAndMismatch(t *testing.T) {
	src := smallModel(t)
	sd := src.StateDict()
	delete(sd, "classifier.fc.bias")
	sd["extra.weight"] = tensor.New(3)

	l, err := Build(&Checkpoint{StateDict: sd, Config: src.Config().ToMap()}, LoadOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if diff := cmp.Diff([]string{"classifier.fc.bias"}, l.Result.Missing); diff != "" {
		t.Errorf("Missing (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"extra.weight"}, l.Result.Unexpected); diff != "" {
		t.Errorf("Unexpected (-want +got):\n%s", diff)
	}

	sd = src.StateDict()
	sd["classifier.fc.weight"] = tensor.New(9, 32)
	_, err = Build(&Checkpoint{StateDict: sd, Config: src.Config().ToMap()}, LoadOptions{})
	if !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("err = %v, want ErrShapeMismatch", err)
	}
}

func TestInferConfig(t *testing.T) {
	tests := []struct {
		name  string
		build func() (*model.MobilePlantViT, error)
	}{
		{"tiny", func() (*model.MobilePlantViT, error) { return model.Tiny(10) }},
		{"small", func() (*model.MobilePlantViT, error) { return model.Small(38) }},
		{"no_lda", func() (*model.MobilePlantViT, error) {
			return model.Tiny(4, config.With("ablation_no_lda", true))
		}},
		{"no_ghost_conv", func() (*model.MobilePlantViT, error) {
			return model.Tiny(4, config.With("ablation_no_ghost_conv", true))
		}},
		{"no_coord_att", func() (*model.MobilePlantViT, error) {
			return model.Tiny(4, config.With("ablation_no_coord_att", true))
		}},
		{"no_bottleneck_ffn", func() (*model.MobilePlantViT, error) {
			return model.Tiny(4, config.With("ablation_no_bottleneck_ffn", true))
		}},
		{"two_blocks", func() (*model.MobilePlantViT, error) {
			return model.Tiny(4, config.With("num_transformer_blocks", 2))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := tt.build()
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			got, err := InferConfig(m.StateDict(), 0)
			if err != nil {
				t.Fatalf("InferConfig: %v", err)
			}
			if diff := cmp.Diff(m.Config(), got); diff != "" {
				t.Errorf("inferred config (-want +got):\n%s", diff)
			}
		})
	}
}

func TestInferConfigNoTransformer(t *testing.T) {
	m, err := model.Tiny(4, config.With("ablation_no_transformer", true))
	if err != nil {
		t.Fatal(err)
	}
	got, err := InferConfig(m.StateDict(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if !got.AblationNoTransformer || got.AblationID() != m.Config().AblationID() {
		t.Errorf("ablation = %s, want %s", got.AblationID(), m.Config().AblationID())
	}
}

func TestInferConfigDefaults(t *testing.T) {
	got, err := InferConfig(map[string]*tensor.Tensor{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got.EmbedDim != 384 || got.NumHeads != 12 || got.GhostOutChannels != 96 || got.NumClasses != 38 {
		t.Errorf("defaults = embed %d heads %d channels %d classes %d",
			got.EmbedDim, got.NumHeads, got.GhostOutChannels, got.NumClasses)
	}

	got, err = InferConfig(map[string]*tensor.Tensor{}, 7)
	if err != nil {
		t.Fatal(err)
	}
	if got.NumClasses != 7 {
		t.Errorf("NumClasses = %d, want 7", got.NumClasses)
	}
}

func TestHeadsFor(t *testing.T) {
	for embed, want := range map[int]int{128: 4, 192: 6, 256: 8, 384: 12, 512: 8, 36: 4, 30: 3, 7: 1} {
		if got := headsFor(embed); got != want {
			t.Errorf("headsFor(%d) = %d, want %d", embed, got, want)
		}
	}
}

func TestFromTopLevel(t *testing.T) {
	w := tensor.New(2)
	tests := []struct {
		name       string
		top        map[string]any
		source     ConfigSource
		wantKeys   int
		wantConfig bool
	}{
		{
			name: "model_state_dict with model_config",
			top: map[string]any{
				"model_state_dict": map[string]any{"a": w, "b": w},
				"model_config":     map[string]any{"embed_dim": 128},
				"config":           map[string]any{"embed_dim": 64},
				"epoch":            3,
			},
			source:     ConfigFromModelConfig,
			wantKeys:   2,
			wantConfig: true,
		},
		{
			name: "state_dict with config",
			top: map[string]any{
				"state_dict": map[string]any{"a": w},
				"config":     map[string]any{"embed_dim": 64},
			},
			source:     ConfigFromConfig,
			wantKeys:   1,
			wantConfig: true,
		},
		{
			name: "raw state dict with model_config",
			top: map[string]any{
				"a":            w,
				"model_config": map[string]any{"embed_dim": 128},
			},
			source:     ConfigFromModelConfig,
			wantKeys:   1,
			wantConfig: true,
		},
		{
			name:     "raw state dict",
			top:      map[string]any{"a": w, "b": w, "note": "ignored"},
			source:   ConfigInferred,
			wantKeys: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ck, err := fromTopLevel(tt.top)
			if err != nil {
				t.Fatalf("fromTopLevel: %v", err)
			}
			if ck.ConfigSource != tt.source {
				t.Errorf("ConfigSource = %s, want %s", ck.ConfigSource, tt.source)
			}
			if len(ck.StateDict) != tt.wantKeys {
				t.Errorf("keys = %v, want %d", ck.Keys(), tt.wantKeys)
			}
			if (ck.Config != nil) != tt.wantConfig {
				t.Errorf("Config = %v", ck.Config)
			}
		})
	}

	if _, err := fromTopLevel(map[string]any{"epoch": 1}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("empty state dict err = %v", err)
	}
	if _, err := fromTopLevel(map[string]any{"state_dict": []any{w}}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("list state dict err = %v", err)
	}
}

func TestFromTorchTensorStrided(t *testing.T) {
	// Storage 0..6 viewed as the transpose of a 2x3 matrix, offset by one.
	src := &pytorch.Tensor{
		Source:        &pytorch.FloatStorage{Data: []float32{-1, 0, 1, 2, 3, 4, 5}},
		StorageOffset: 1,
		Size:          []int{3, 2},
		Stride:        []int{1, 3},
	}
	got, err := fromTorchTensor(src)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{3, 2}, got.Shape()); diff != "" {
		t.Errorf("shape (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{0, 3, 1, 4, 2, 5}, got.Data()); diff != "" {
		t.Errorf("data (-want +got):\n%s", diff)
	}

	long := &pytorch.Tensor{
		Source: &pytorch.LongStorage{Data: []int64{7, 8}},
		Size:   []int{2},
		Stride: []int{1},
	}
	got, err = fromTorchTensor(long)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{7, 8}, got.Data()); diff != "" {
		t.Errorf("long data (-want +got):\n%s", diff)
	}
}
