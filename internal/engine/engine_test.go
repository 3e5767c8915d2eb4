package engine

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/23skdu/plantvit/internal/arrow_client"
	"github.com/23skdu/plantvit/internal/checkpoint"
	"github.com/23skdu/plantvit/internal/config"
	"github.com/23skdu/plantvit/internal/labels"
	"github.com/23skdu/plantvit/internal/metrics"
	"github.com/23skdu/plantvit/internal/model"
	"github.com/23skdu/plantvit/internal/monitoring"
	"github.com/23skdu/plantvit/internal/tensor"
)

func smallModel(t *testing.T) *model.MobilePlantViT {
	t.Helper()
	cfg, err := config.New(
		config.With("img_size", 32),
		config.With("ghost_out_channels", 16),
		config.With("fused_ir_out_channels", 16),
		config.With("embed_dim", 32),
		config.With("num_heads", 4),
		config.With("max_seq_len", 64),
		config.WithNumClasses(5),
	)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	m, err := model.New(cfg, model.WithSeed(3))
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	return m
}

func gradient(w, h int, tint uint8) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: tint, A: 255})
		}
	}
	return img
}

func TestTopK(t *testing.T) {
	probs := []float32{0.1, 0.4, 0.05, 0.4, 0.05}
	named := labels.New([]string{"a", "b", "c"})

	tests := []struct {
		name    string
		k       int
		labels  *labels.Labels
		want    []int
		classes []string
	}{
		{"ties keep index order", 3, nil, []int{1, 3, 0}, []string{"Class_1", "Class_3", "Class_0"}},
		{"k above classes", 9, nil, []int{1, 3, 0, 2, 4}, nil},
		{"k clipped to labels", 5, named, []int{1, 3, 0}, []string{"b", "Class_3", "a"}},
		{"zero", 0, nil, []int{}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TopK(probs, tt.k, tt.labels)
			idx := make([]int, len(got))
			names := make([]string, len(got))
			for i, p := range got {
				idx[i] = p.ClassIndex
				names[i] = p.Class
				if p.Rank != i+1 {
					t.Errorf("rank %d at position %d", p.Rank, i)
				}
			}
			if diff := cmp.Diff(tt.want, idx); diff != "" {
				t.Errorf("indices (-want +got):\n%s", diff)
			}
			if tt.classes != nil {
				if diff := cmp.Diff(tt.classes, names); diff != "" {
					t.Errorf("classes (-want +got):\n%s", diff)
				}
			}
		})
	}

	if got := TopK([]float32{0.123456}, 1, nil)[0].ConfidencePercent; got != "12.35%" {
		t.Errorf("ConfidencePercent = %q, want 12.35%%", got)
	}
}

func TestAuditProbabilities(t *testing.T) {
	nan := float32(math.NaN())
	tests := []struct {
		name    string
		probs   []float32
		invalid bool
		flat    bool
	}{
		{"peaked", []float32{0.9, 0.05, 0.05}, false, false},
		{"uniform", []float32{0.25, 0.25, 0.25, 0.25}, false, true},
		{"sum off", []float32{0.5, 0.2}, true, false},
		{"nan", []float32{nan, 1}, true, false},
		{"negative", []float32{1.1, -0.1}, true, false},
		{"empty", nil, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := AuditProbabilities(tt.probs)
			if a.Invalid != tt.invalid || a.IsFlat != tt.flat {
				t.Errorf("Invalid=%v IsFlat=%v, want %v %v", a.Invalid, a.IsFlat, tt.invalid, tt.flat)
			}
		})
	}
	if a := AuditProbabilities([]float32{0.5, 0.5}); math.Abs(a.NormalizedEntropy-1) > 1e-9 || a.Top != 0.5 {
		t.Errorf("audit = %+v", a)
	}
}

func TestPredictBatch(t *testing.T) {
	var calls int
	e := New(Options{
		Model:       smallModel(t),
		Labels:      labels.New([]string{"healthy", "rust", "scab", "blight", "mildew"}),
		TopK:        3,
		OnInference: func(images int, _ time.Duration, err error) { calls += images },
	})
	ctx := context.Background()

	res, err := e.PredictBatch(ctx, []image.Image{gradient(40, 30, 0), gradient(20, 20, 200)}, 0)
	if err != nil {
		t.Fatalf("PredictBatch: %v", err)
	}
	if len(res) != 2 || calls != 2 {
		t.Fatalf("results=%d calls=%d", len(res), calls)
	}
	for _, r := range res {
		if len(r.Predictions) != 3 {
			t.Fatalf("predictions = %d, want 3", len(r.Predictions))
		}
		for i := 1; i < len(r.Predictions); i++ {
			if r.Predictions[i].Confidence > r.Predictions[i-1].Confidence {
				t.Errorf("not sorted: %+v", r.Predictions)
			}
		}
		if r.TopPrediction == nil || *r.TopPrediction != r.Predictions[0] {
			t.Errorf("TopPrediction = %v", r.TopPrediction)
		}
		if r.Audit.Invalid {
			t.Errorf("audit flagged valid output: %+v", r.Audit)
		}
		if r.TotalClasses != 5 || r.ID == "" {
			t.Errorf("TotalClasses=%d ID=%q", r.TotalClasses, r.ID)
		}
	}
	if res[0].ID == res[1].ID {
		t.Error("duplicate ids")
	}

	one, err := e.Predict(ctx, gradient(40, 30, 0), 5)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(res[0].Probabilities, one.Probabilities, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Errorf("batched vs single (-batch +single):\n%s", diff)
	}
}

func TestConcurrentPredict(t *testing.T) {
	e := New(Options{Model: smallModel(t)})
	img := gradient(32, 32, 90)
	const n = 8
	out := make([][]float32, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := e.Predict(context.Background(), img, 1)
			out[i], errs[i] = r.Probabilities, err
		}()
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("goroutine %d: %v", i, errs[i])
		}
		if diff := cmp.Diff(out[0], out[i]); diff != "" {
			t.Errorf("goroutine %d differs:\n%s", i, diff)
		}
	}
}

func TestInferenceCountedOnceWithMonitor(t *testing.T) {
	var monitor *monitoring.HealthMonitor
	e := New(Options{
		Model: smallModel(t),
		OnInference: func(images int, d time.Duration, err error) {
			monitor.RecordInference(images, d, err)
		},
	})
	monitor = monitoring.NewHealthMonitor("test", e.Status)

	before := testutil.ToFloat64(metrics.InferenceImagesTotal)
	res, err := e.PredictTensor(context.Background(), tensor.New(2, 3, 32, 32), nil, 1)
	if err != nil {
		t.Fatalf("PredictTensor: %v", err)
	}
	if len(res) != 2 {
		t.Fatalf("results = %d, want 2", len(res))
	}
	if got := testutil.ToFloat64(metrics.InferenceImagesTotal) - before; got != 2 {
		t.Errorf("images counter delta = %v, want 2", got)
	}
	if monitor.Status().Performance.LastInference.IsZero() {
		t.Error("monitor did not see the forward pass")
	}
}

func TestPredictTensorNilInput(t *testing.T) {
	var calls int
	e := New(Options{
		Model:       smallModel(t),
		OnInference: func(int, time.Duration, error) { calls++ },
	})
	if _, err := e.PredictTensor(context.Background(), nil, nil, 1); !errors.Is(err, tensor.ErrShape) {
		t.Fatalf("err = %v, want tensor.ErrShape", err)
	}
	if calls != 0 {
		t.Errorf("OnInference called %d times for rejected input", calls)
	}
}

func TestLoadFailure(t *testing.T) {
	e := New(Options{ModelPath: filepath.Join(t.TempDir(), "missing.pth")})
	_, err := e.Predict(context.Background(), gradient(8, 8, 0), 1)
	if !errors.Is(err, ErrNotLoaded) || !errors.Is(err, checkpoint.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotLoaded wrapping ErrNotFound", err)
	}
	if e.Loaded() || e.Info().Loaded || e.Model() != nil {
		t.Error("engine reports loaded after failure")
	}
}

func TestLoadFromFiles(t *testing.T) {
	dir := t.TempDir()
	src := smallModel(t)
	modelPath := filepath.Join(dir, "model.safetensors")
	if err := checkpoint.Save(modelPath, src, checkpoint.DTypeF32, nil); err != nil {
		t.Fatal(err)
	}
	metaPath := filepath.Join(dir, "deployment_metadata.json")
	meta := `{"postprocessing":{"class_names":["a","b","c","d","e"]}}`
	if err := os.WriteFile(metaPath, []byte(meta), 0o644); err != nil {
		t.Fatal(err)
	}

	e := New(Options{ModelPath: modelPath, MetadataPath: metaPath})
	if err := e.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	info := e.Info()
	if !info.Loaded || info.NumClasses != 5 || len(info.ClassNames) != 5 {
		t.Errorf("info = %+v", info)
	}
	if info.ConfigSource != string(checkpoint.ConfigFromModelConfig) || info.NumParams != src.CountParameters() {
		t.Errorf("config_source=%s params=%d", info.ConfigSource, info.NumParams)
	}
	st := e.Status()
	if !st.ModelLoaded || st.ImgSize != 32 || st.AblationID != "full" {
		t.Errorf("status = %+v", st)
	}

	x := gradient(32, 32, 10)
	got, err := e.Predict(context.Background(), x, 5)
	if err != nil {
		t.Fatal(err)
	}
	want, err := New(Options{Model: src}).Predict(context.Background(), x, 5)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want.Probabilities, got.Probabilities, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Errorf("loaded model output differs:\n%s", diff)
	}
}

func TestMissingMetadataFallsBack(t *testing.T) {
	e := New(Options{Model: smallModel(t), MetadataPath: filepath.Join(t.TempDir(), "none.json")})
	r, err := e.Predict(context.Background(), gradient(16, 16, 0), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Predictions) != 2 || r.Predictions[0].Class[:6] != "Class_" {
		t.Errorf("predictions = %+v", r.Predictions)
	}
}

func encodePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestPredictFiles(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i, tint := range []uint8{0, 80, 160, 240} {
		p := filepath.Join(dir, string(rune('a'+i))+".png")
		encodePNG(t, p, gradient(24, 24, tint))
		paths = append(paths, p)
	}
	e := New(Options{Model: smallModel(t), Workers: 2})

	res, err := e.PredictFiles(context.Background(), paths, 2)
	if err != nil {
		t.Fatalf("PredictFiles: %v", err)
	}
	for i, r := range res {
		if r.Source != paths[i] {
			t.Errorf("result %d source = %s, want %s", i, r.Source, paths[i])
		}
	}

	_, err = e.PredictFiles(context.Background(), append(paths, filepath.Join(dir, "missing.png")), 2)
	if err == nil {
		t.Error("missing file accepted")
	}
}

func TestSinkExport(t *testing.T) {
	sink := arrow_client.NewMockFlightClient()
	if err := sink.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	e := New(Options{Model: smallModel(t), Sink: sink, ExportFeatures: true})
	res, err := e.PredictBatch(context.Background(), []image.Image{gradient(32, 32, 1), gradient(32, 32, 2)}, 1)
	if err != nil {
		t.Fatal(err)
	}
	batches := sink.Batches()
	if len(batches) != 1 || len(batches[0]) != 2 {
		t.Fatalf("batches = %d", len(batches))
	}
	for i, rec := range batches[0] {
		if rec.ID != res[i].ID || rec.ClassIndex != res[i].TopPrediction.ClassIndex {
			t.Errorf("record %d = %+v", i, rec)
		}
		if len(rec.Features) != 32 || len(rec.Probabilities) != 5 || rec.Ablation != "full" {
			t.Errorf("record %d features=%d probs=%d ablation=%s", i, len(rec.Features), len(rec.Probabilities), rec.Ablation)
		}
	}

	sink.FailWith(errors.New("down"))
	if _, err := e.PredictBatch(context.Background(), []image.Image{gradient(32, 32, 3)}, 1); err != nil {
		t.Errorf("export failure surfaced: %v", err)
	}
}

func TestTraceActivations(t *testing.T) {
	m := smallModel(t)
	e := New(Options{Model: m})
	log, err := e.TraceActivations(context.Background(), gradient(32, 32, 5), "leaf.png")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"input", "after_ghost_conv", "after_fused_ir", "after_coord_att",
		"after_patch_embed", "after_pos_enc",
		"after_lda_1", "after_res_ln_1", "after_ffn_1", "after_res_ln2_1",
		"after_gap", "output",
	}
	var got []string
	for _, s := range log.Stages {
		got = append(got, s.Name)
		if s.NaNCount != 0 || s.InfCount != 0 || len(s.Sample) == 0 {
			t.Errorf("stage %s: %+v", s.Name, s)
		}
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("stages (-want +got):\n%s", diff)
	}
	if err := log.Save(filepath.Join(t.TempDir(), "act.json")); err != nil {
		t.Fatal(err)
	}
}
