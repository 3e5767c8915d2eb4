package arrow_client

import (
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// PredictionRecord is one classified image.
type PredictionRecord struct {
	ID            string
	Source        string
	Time          time.Time
	ClassIndex    int
	Class         string
	Confidence    float32
	Ablation      string
	Probabilities []float32
	Features      []float32
}

var predictionSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.BinaryTypes.String},
	{Name: "source", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "time", Type: arrow.FixedWidthTypes.Timestamp_ms},
	{Name: "class_index", Type: arrow.PrimitiveTypes.Int32},
	{Name: "class", Type: arrow.BinaryTypes.String},
	{Name: "confidence", Type: arrow.PrimitiveTypes.Float32},
	{Name: "ablation", Type: arrow.BinaryTypes.String},
	{Name: "probabilities", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
	{Name: "features", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32), Nullable: true},
}, nil)

// Schema returns the Arrow schema of exported predictions.
func Schema() *arrow.Schema { return predictionSchema }

// BuildRecord encodes recs as a single record batch. The caller releases it.
func BuildRecord(mem memory.Allocator, recs []PredictionRecord) (arrow.Record, error) {
	if len(recs) == 0 {
		return nil, fmt.Errorf("no predictions provided")
	}
	b := array.NewRecordBuilder(mem, predictionSchema)
	defer b.Release()

	ids := b.Field(0).(*array.StringBuilder)
	sources := b.Field(1).(*array.StringBuilder)
	times := b.Field(2).(*array.TimestampBuilder)
	indices := b.Field(3).(*array.Int32Builder)
	classes := b.Field(4).(*array.StringBuilder)
	confs := b.Field(5).(*array.Float32Builder)
	ablations := b.Field(6).(*array.StringBuilder)
	probs := b.Field(7).(*array.ListBuilder)
	probVals := probs.ValueBuilder().(*array.Float32Builder)
	feats := b.Field(8).(*array.ListBuilder)
	featVals := feats.ValueBuilder().(*array.Float32Builder)

	for _, r := range recs {
		ids.Append(r.ID)
		if r.Source == "" {
			sources.AppendNull()
		} else {
			sources.Append(r.Source)
		}
		times.Append(arrow.Timestamp(r.Time.UnixMilli()))
		indices.Append(int32(r.ClassIndex))
		classes.Append(r.Class)
		confs.Append(r.Confidence)
		ablations.Append(r.Ablation)
		probs.Append(true)
		probVals.AppendValues(r.Probabilities, nil)
		if r.Features == nil {
			feats.AppendNull()
		} else {
			feats.Append(true)
			featVals.AppendValues(r.Features, nil)
		}
	}
	return b.NewRecord(), nil
}

// ReadRecord decodes a batch produced by BuildRecord.
func ReadRecord(rec arrow.Record) ([]PredictionRecord, error) {
	if !rec.Schema().Equal(predictionSchema) {
		return nil, fmt.Errorf("unexpected schema: %s", rec.Schema())
	}
	ids := rec.Column(0).(*array.String)
	sources := rec.Column(1).(*array.String)
	times := rec.Column(2).(*array.Timestamp)
	indices := rec.Column(3).(*array.Int32)
	classes := rec.Column(4).(*array.String)
	confs := rec.Column(5).(*array.Float32)
	ablations := rec.Column(6).(*array.String)
	probs := rec.Column(7).(*array.List)
	feats := rec.Column(8).(*array.List)

	list := func(l *array.List, i int) []float32 {
		if l.IsNull(i) {
			return nil
		}
		vals := l.ListValues().(*array.Float32).Float32Values()
		start, end := l.ValueOffsets(i)
		return append([]float32{}, vals[start:end]...)
	}

	out := make([]PredictionRecord, rec.NumRows())
	for i := range out {
		out[i] = PredictionRecord{
			ID:            ids.Value(i),
			Time:          time.UnixMilli(int64(times.Value(i))).UTC(),
			ClassIndex:    int(indices.Value(i)),
			Class:         classes.Value(i),
			Confidence:    confs.Value(i),
			Ablation:      ablations.Value(i),
			Probabilities: list(probs, i),
			Features:      list(feats, i),
		}
		if !sources.IsNull(i) {
			out[i].Source = sources.Value(i)
		}
	}
	return out, nil
}
