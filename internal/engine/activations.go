package engine

import (
	"context"
	"encoding/json"
	"image"
	"math"
	"os"

	"github.com/23skdu/plantvit/internal/metrics"
	"github.com/23skdu/plantvit/internal/preprocess"
)

const activationSample = 10

// ActivationLog records per-stage statistics for one image.
type ActivationLog struct {
	Source string      `json:"source,omitempty"`
	Stages []StageStat `json:"stages"`
}

// StageStat summarizes a single intermediate tensor.
type StageStat struct {
	Name     string    `json:"name"`
	Shape    []int     `json:"shape"`
	Max      float32   `json:"max"`
	Min      float32   `json:"min"`
	Mean     float32   `json:"mean"`
	RMS      float32   `json:"rms"`
	NaNCount int       `json:"nan_count"`
	InfCount int       `json:"inf_count"`
	Sample   []float32 `json:"sample"` // first values
}

// TraceActivations runs img through the model and summarizes every stage.
// Non-finite values are counted and reported to metrics by stage name.
func (e *Engine) TraceActivations(ctx context.Context, img image.Image, source string) (*ActivationLog, error) {
	if err := e.Load(ctx); err != nil {
		return nil, err
	}
	x, err := preprocess.ToTensor([]image.Image{img}, e.prep)
	if err != nil {
		return nil, err
	}
	stages, err := e.model.IntermediateOutputs(x)
	if err != nil {
		return nil, err
	}

	log := &ActivationLog{Source: source}
	for _, st := range stages {
		s := summarize(st.Tensor.Data())
		s.Name = st.Name
		s.Shape = st.Tensor.Shape()
		if s.NaNCount > 0 || s.InfCount > 0 {
			metrics.RecordNumericalInstability(st.Name, s.NaNCount, s.InfCount)
			e.log.Warn("Non-finite activations", "stage", st.Name, "nans", s.NaNCount, "infs", s.InfCount)
		}
		log.Stages = append(log.Stages, s)
	}
	return log, nil
}

func summarize(data []float32) StageStat {
	s := StageStat{Max: -math.MaxFloat32, Min: math.MaxFloat32}
	var sum, sumSq float64
	finite := 0
	for _, v := range data {
		f := float64(v)
		switch {
		case math.IsNaN(f):
			s.NaNCount++
			continue
		case math.IsInf(f, 0):
			s.InfCount++
			continue
		}
		s.Max = max(s.Max, v)
		s.Min = min(s.Min, v)
		sum += f
		sumSq += f * f
		finite++
	}
	if finite > 0 {
		s.Mean = float32(sum / float64(finite))
		s.RMS = float32(math.Sqrt(sumSq / float64(finite)))
	} else {
		s.Max, s.Min = 0, 0
	}
	// JSON has no NaN or Inf; those are counted above and zeroed here.
	n := min(activationSample, len(data))
	s.Sample = make([]float32, n)
	for i, v := range data[:n] {
		if !math.IsNaN(float64(v)) && !math.IsInf(float64(v), 0) {
			s.Sample[i] = v
		}
	}
	return s
}

// Save writes the log as indented JSON.
func (l *ActivationLog) Save(path string) error {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
