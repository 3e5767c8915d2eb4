package metrics

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalImages atomic.Int64

var (
	InferenceImagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inference_images_total",
		Help: "The total number of images classified",
	})

	InferenceDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "inference_duration_seconds",
		Help: "Duration of full forward passes",
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "model_stage_duration_seconds",
		Help:    "Histogram of per-stage forward times",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	BatchSizeHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "inference_batch_size",
		Help:    "Distribution of batch sizes processed",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
	})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})

	// Output audit

	TopProbability = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "prediction_top_probability",
		Help:    "Probability assigned to the top-ranked class",
		Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 0.99},
	})

	PredictionEntropy = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "prediction_entropy_nats",
		Help:    "Entropy of the output class distribution",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 1.5, 2, 2.5, 3, 4},
	})

	PredictionFlatDistribution = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prediction_flat_distribution_total",
		Help: "Outputs whose distribution is close to uniform",
	})

	PredictionInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prediction_invalid_total",
		Help: "Outputs containing NaN/Inf or not summing to one",
	})

	PredictionsByClass = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predictions_by_class_total",
		Help: "Top-1 predictions per class label",
	}, []string{"class"})

	// Model lifecycle

	ModelParameters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "model_parameters",
		Help: "Trainable parameter count of the loaded model",
	})

	ModelLoadDuration = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "model_load_duration_seconds",
		Help: "Time spent building the model and loading its weights",
	})

	ModelLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "model_loaded",
		Help: "1 once the model is ready to serve predictions",
	})

	CheckpointKeys = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkpoint_keys_total",
		Help: "State dict keys by load outcome",
	}, []string{"outcome"})

	LDAAlpha = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lda_alpha",
		Help: "Differential attention mixing coefficient per transformer block",
	}, []string{"block"})

	UploadsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uploads_rejected_total",
		Help: "Images rejected before inference",
	}, []string{"reason"})

	FlightExports = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flight_exports_total",
		Help: "Prediction batches exported over Arrow Flight",
	}, []string{"status"})
)

func RecordInference(images int, duration time.Duration) {
	InferenceImagesTotal.Add(float64(images))
	totalImages.Add(int64(images))
	InferenceDuration.Observe(duration.Seconds())
	BatchSizeHistogram.Observe(float64(images))
}

// TotalImages is the process-local count behind InferenceImagesTotal.
func TotalImages() int64 {
	return totalImages.Load()
}

func RecordStageDuration(stage string, duration time.Duration) {
	StageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

func RecordNumericalInstability(name string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(name, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(name, "inf").Add(float64(infCount))
	}
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordPredictionAudit records output distribution audit results
func RecordPredictionAudit(top, entropy float64, isFlat, invalid bool) {
	if invalid {
		PredictionInvalid.Inc()
		return
	}
	TopProbability.Observe(top)
	PredictionEntropy.Observe(entropy)
	if isFlat {
		PredictionFlatDistribution.Inc()
	}
}

func RecordPrediction(class string) {
	PredictionsByClass.WithLabelValues(class).Inc()
}

func RecordModelLoad(params int, duration time.Duration) {
	ModelParameters.Set(float64(params))
	ModelLoadDuration.Set(duration.Seconds())
	ModelLoaded.Set(1)
}

// RecordCheckpointLoad records how many state dict keys were applied, missing,
// unexpected and rewritten from the legacy layout.
func RecordCheckpointLoad(loaded, missing, unexpected, remapped int) {
	add := func(outcome string, n int) {
		if n > 0 {
			CheckpointKeys.WithLabelValues(outcome).Add(float64(n))
		}
	}
	add("loaded", loaded)
	add("missing", missing)
	add("unexpected", unexpected)
	add("remapped", remapped)
}

func RecordLDAAlpha(block int, alpha float32) {
	LDAAlpha.WithLabelValues(strconv.Itoa(block)).Set(float64(alpha))
}

func RecordUploadRejected(reason string) {
	UploadsRejected.WithLabelValues(reason).Inc()
}

func RecordFlightExport(err error) {
	if err != nil {
		FlightExports.WithLabelValues("error").Inc()
		return
	}
	FlightExports.WithLabelValues("ok").Inc()
}
