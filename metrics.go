package main

import (
	"time"

	"github.com/Tutortoise/object-detection-service/models"

	"github.com/prometheus/client_golang/prometheus"
)

type serverMetrics struct {
	requests      *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
	detections    prometheus.Histogram
}

func newServerMetrics(reg prometheus.Registerer, pool *WorkerPool) *serverMetrics {
	m := &serverMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detection_requests_total",
			Help: "Prediction requests by model and response code.",
		}, []string{"model", "code"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "detection_phase_duration_seconds",
			Help:    "Time spent in each request phase.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"phase"}),
		detections: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "detection_boxes_per_image",
			Help:    "Number of boxes returned per image.",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100, 300},
		}),
	}

	reg.MustRegister(m.requests, m.phaseDuration, m.detections)
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "detection_workers_in_use",
			Help: "Workers currently serving a request.",
		}, func() float64 { return float64(pool.GetMetrics().InUse) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "detection_workers_live",
			Help: "Initialized workers in the pool.",
		}, func() float64 { return float64(pool.GetMetrics().Live) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "detection_worker_acquire_failures_total",
			Help: "Requests that timed out waiting for a worker.",
		}, func() float64 { return float64(pool.GetMetrics().AcquireFailures) }),
	)
	return m
}

func (m *serverMetrics) observe(t *models.ProcessingTimings, boxes int) {
	for phase, d := range map[string]time.Duration{
		"decode":      t.ImageDecode,
		"resize":      t.Resize,
		"preprocess":  t.Preprocess,
		"inference":   t.Inference,
		"postprocess": t.Postprocess,
		"nms":         t.NMS,
		"total":       t.Total,
	} {
		m.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
	}
	m.detections.Observe(float64(boxes))
}
