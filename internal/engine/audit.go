package engine

import (
	"math"

	"github.com/23skdu/plantvit/internal/metrics"
)

// RowSumTolerance bounds |sum(p) - 1| for a valid distribution.
const RowSumTolerance = 1e-3

// OutputAudit describes one probability row.
type OutputAudit struct {
	Top     float32 `json:"top"`
	Min     float32 `json:"min"`
	RowSum  float32 `json:"row_sum"`
	Entropy float64 `json:"entropy"`
	// NormalizedEntropy is Entropy / ln(classes), 1 for a uniform row.
	NormalizedEntropy float64 `json:"normalized_entropy"`
	NumNaNs           int     `json:"num_nans,omitempty"`
	NumInfs           int     `json:"num_infs,omitempty"`
	IsFlat            bool    `json:"is_flat"`
	Invalid           bool    `json:"invalid"`
}

// AuditProbabilities inspects a softmax row for non-finite values, a row sum
// away from one and a near-uniform distribution.
func AuditProbabilities(probs []float32) OutputAudit {
	audit := OutputAudit{}
	if len(probs) == 0 {
		audit.Invalid = true
		return audit
	}

	var sum, entropy float64
	audit.Min = math.MaxFloat32
	for _, v := range probs {
		f := float64(v)
		if math.IsNaN(f) {
			audit.NumNaNs++
			continue
		}
		if math.IsInf(f, 0) {
			audit.NumInfs++
			continue
		}
		if v > audit.Top {
			audit.Top = v
		}
		if v < audit.Min {
			audit.Min = v
		}
		sum += f
		if f > 0 {
			entropy -= f * math.Log(f)
		}
	}
	audit.RowSum = float32(sum)
	audit.Entropy = entropy
	if len(probs) > 1 {
		audit.NormalizedEntropy = entropy / math.Log(float64(len(probs)))
	}

	audit.Invalid = audit.NumNaNs > 0 || audit.NumInfs > 0 ||
		math.Abs(sum-1) > RowSumTolerance || audit.Min < 0
	// An untrained or collapsed head spreads mass evenly.
	audit.IsFlat = len(probs) > 1 && audit.NormalizedEntropy > 0.99
	return audit
}

func (e *Engine) audit(row []float32) OutputAudit {
	a := AuditProbabilities(row)
	metrics.RecordPredictionAudit(float64(a.Top), a.Entropy, a.IsFlat, a.Invalid)
	if a.NumNaNs > 0 || a.NumInfs > 0 {
		metrics.RecordNumericalInstability("probabilities", a.NumNaNs, a.NumInfs)
	}
	if a.Invalid {
		e.log.Warn("Invalid probability row",
			"row_sum", a.RowSum, "nans", a.NumNaNs, "infs", a.NumInfs)
	}
	return a
}
