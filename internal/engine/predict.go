package engine

import (
	"context"
	"fmt"
	"image"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/plantvit/internal/arrow_client"
	"github.com/23skdu/plantvit/internal/labels"
	"github.com/23skdu/plantvit/internal/metrics"
	"github.com/23skdu/plantvit/internal/preprocess"
	"github.com/23skdu/plantvit/internal/tensor"
)

// Prediction is one ranked class.
type Prediction struct {
	Rank              int     `json:"rank"`
	ClassIndex        int     `json:"class_index"`
	Class             string  `json:"class"`
	Confidence        float32 `json:"confidence"`
	ConfidencePercent string  `json:"confidence_percent"`
}

// Result is the outcome for a single image.
type Result struct {
	ID            string       `json:"id"`
	Source        string       `json:"source,omitempty"`
	Predictions   []Prediction `json:"predictions"`
	TopPrediction *Prediction  `json:"top_prediction"`
	TotalClasses  int          `json:"total_classes"`
	Audit         OutputAudit  `json:"audit"`
	Probabilities []float32    `json:"-"`
}

// TopK ranks probs and returns at most k entries. k is clipped to the
// number of labels when labels are known, otherwise to len(probs). Ties keep
// the lower class index first.
func TopK(probs []float32, k int, l *labels.Labels) []Prediction {
	if n := l.Len(); n > 0 && k > n {
		k = n
	}
	if k > len(probs) {
		k = len(probs)
	}
	if k <= 0 {
		return []Prediction{}
	}
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		switch {
		case probs[a] > probs[b]:
			return -1
		case probs[a] < probs[b]:
			return 1
		}
		return 0
	})

	out := make([]Prediction, k)
	for r := 0; r < k; r++ {
		i := idx[r]
		out[r] = Prediction{
			Rank:              r + 1,
			ClassIndex:        i,
			Class:             l.Name(i),
			Confidence:        probs[i],
			ConfidencePercent: fmt.Sprintf("%.2f%%", probs[i]*100),
		}
	}
	return out
}

// Predict classifies one image.
func (e *Engine) Predict(ctx context.Context, img image.Image, k int) (Result, error) {
	res, err := e.PredictBatch(ctx, []image.Image{img}, k)
	if err != nil {
		return Result{}, err
	}
	return res[0], nil
}

// PredictBatch classifies imgs in one forward pass.
func (e *Engine) PredictBatch(ctx context.Context, imgs []image.Image, k int) ([]Result, error) {
	return e.predictImages(ctx, imgs, nil, k)
}

func (e *Engine) predictImages(ctx context.Context, imgs []image.Image, sources []string, k int) ([]Result, error) {
	if err := e.Load(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	x, err := preprocess.ToTensor(imgs, e.prep)
	metrics.RecordStageDuration("preprocess", time.Since(start))
	if err != nil {
		metrics.RecordValidationError("preprocess", "shape")
		return nil, err
	}
	return e.PredictTensor(ctx, x, sources, k)
}

// PredictTensor classifies a preprocessed (B, C, H, W) batch. sources, when
// non-nil, labels each row in results and exported records.
func (e *Engine) PredictTensor(ctx context.Context, x *tensor.Tensor, sources []string, k int) (res []Result, err error) {
	if err := e.Load(ctx); err != nil {
		return nil, err
	}
	if x == nil {
		return nil, fmt.Errorf("%w: nil input batch", tensor.ErrShape)
	}
	if k <= 0 {
		k = e.opts.TopK
	}
	start := time.Now()
	defer func() {
		if e.opts.OnInference != nil {
			n := 0
			if x != nil && x.Rank() > 0 {
				n = x.Dim(0)
			}
			e.opts.OnInference(n, time.Since(start), err)
		}
	}()

	features, err := e.model.ForwardFeatures(x)
	if err != nil {
		metrics.RecordValidationError("forward", "shape")
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	probs, err := e.model.Classifier.Forward(features)
	if err != nil {
		return nil, err
	}

	batch := probs.Dim(0)
	classes := probs.Dim(1)
	metrics.RecordInference(batch, time.Since(start))

	res = make([]Result, batch)
	for b := 0; b < batch; b++ {
		row := append([]float32(nil), probs.Data()[b*classes:(b+1)*classes]...)
		audit := e.audit(row)
		preds := TopK(row, k, e.labels)
		r := Result{
			ID:            uuid.NewString(),
			Predictions:   preds,
			TotalClasses:  e.labels.Len(),
			Audit:         audit,
			Probabilities: row,
		}
		if b < len(sources) {
			r.Source = sources[b]
		}
		if len(preds) > 0 {
			r.TopPrediction = &r.Predictions[0]
			metrics.RecordPrediction(preds[0].Class)
			e.log.Info("Prediction made",
				"class", preds[0].Class,
				"confidence", preds[0].ConfidencePercent,
				"id", r.ID,
			)
		}
		res[b] = r
	}

	if e.opts.Sink != nil {
		e.export(ctx, res, features)
	}
	return res, nil
}

// export hands results to the sink. Failures are logged, not returned.
func (e *Engine) export(ctx context.Context, res []Result, features *tensor.Tensor) {
	now := time.Now().UTC()
	dim := features.Dim(1)
	ablation := e.model.Config().AblationID()
	recs := make([]arrow_client.PredictionRecord, 0, len(res))
	for i, r := range res {
		rec := arrow_client.PredictionRecord{
			ID:            r.ID,
			Source:        r.Source,
			Time:          now,
			Ablation:      ablation,
			Probabilities: r.Probabilities,
		}
		if r.TopPrediction != nil {
			rec.ClassIndex = r.TopPrediction.ClassIndex
			rec.Class = r.TopPrediction.Class
			rec.Confidence = r.TopPrediction.Confidence
		}
		if e.opts.ExportFeatures {
			rec.Features = append([]float32(nil), features.Data()[i*dim:(i+1)*dim]...)
		}
		recs = append(recs, rec)
	}
	if err := e.opts.Sink.Export(ctx, recs); err != nil {
		e.log.Warn("Prediction export failed", "error", err, "rows", len(recs))
	}
}

// PredictFiles decodes and classifies each path with at most Workers files
// in flight. Results are returned in input order; the first error cancels
// the rest.
func (e *Engine) PredictFiles(ctx context.Context, paths []string, k int) ([]Result, error) {
	if err := e.Load(ctx); err != nil {
		return nil, err
	}
	res := make([]Result, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for i, p := range paths {
		g.Go(func() error {
			img, err := preprocess.LoadFile(p)
			if err != nil {
				metrics.RecordValidationError("decode", "image")
				return err
			}
			out, err := e.predictImages(gctx, []image.Image{img}, []string{p}, k)
			if err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
			res[i] = out[0]
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}
