// Package metrics exposes Prometheus counters for the identity cache.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the persona service and the bot report to.
type Recorder interface {
	RecordAssertion(kind string)
	RecordGenderUpdate(source string, applied bool)
	RecordPlatformLookup(outcome string)
	RecordAnnotation(users int)
	RecordSweep(removed int)
	RecordFlush(err error, duration time.Duration)
	SetRecords(n int)
}

// Collector is the Prometheus Recorder.
type Collector struct {
	assertions      *prometheus.CounterVec
	genderUpdates   *prometheus.CounterVec
	platformLookups *prometheus.CounterVec
	annotations     prometheus.Counter
	annotatedUsers  prometheus.Histogram
	sweptRecords    prometheus.Counter
	flushes         *prometheus.CounterVec
	flushLatency    prometheus.Histogram
	records         prometheus.Gauge
}

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		assertions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "namecard_assertions_total",
			Help: "Nickname assertions extracted from messages, by kind.",
		}, []string{"kind"}),
		genderUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "namecard_gender_updates_total",
			Help: "Gender observations by source and whether they changed the record.",
		}, []string{"source", "applied"}),
		platformLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "namecard_platform_lookups_total",
			Help: "Platform gender lookups by outcome.",
		}, []string{"outcome"}),
		annotations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "namecard_annotations_total",
			Help: "Annotations built for outbound model requests.",
		}),
		annotatedUsers: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "namecard_annotation_users",
			Help:    "Users described per annotation.",
			Buckets: []float64{1, 2, 3, 5, 8, 13},
		}),
		sweptRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "namecard_swept_records_total",
			Help: "Identity records removed by the expiry sweep.",
		}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "namecard_flushes_total",
			Help: "Snapshot writes by result.",
		}, []string{"result"}),
		flushLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "namecard_flush_latency_seconds",
			Help:    "Snapshot write latency.",
			Buckets: prometheus.DefBuckets,
		}),
		records: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "namecard_records",
			Help: "Identity records currently cached.",
		}),
	}

	reg.MustRegister(
		c.assertions,
		c.genderUpdates,
		c.platformLookups,
		c.annotations,
		c.annotatedUsers,
		c.sweptRecords,
		c.flushes,
		c.flushLatency,
		c.records,
	)

	return c
}

func (c *Collector) RecordAssertion(kind string) {
	c.assertions.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordGenderUpdate(source string, applied bool) {
	c.genderUpdates.WithLabelValues(source, strconv.FormatBool(applied)).Inc()
}

func (c *Collector) RecordPlatformLookup(outcome string) {
	c.platformLookups.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordAnnotation(users int) {
	c.annotations.Inc()
	c.annotatedUsers.Observe(float64(users))
}

func (c *Collector) RecordSweep(removed int) {
	c.sweptRecords.Add(float64(removed))
}

func (c *Collector) RecordFlush(err error, duration time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.flushes.WithLabelValues(result).Inc()
	c.flushLatency.Observe(duration.Seconds())
}

func (c *Collector) SetRecords(n int) {
	c.records.Set(float64(n))
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordAssertion(string) {}
func (Nop) RecordGenderUpdate(string, bool) {}
func (Nop) RecordPlatformLookup(string) {}
func (Nop) RecordAnnotation(int) {}
func (Nop) RecordSweep(int) {}
func (Nop) RecordFlush(error, time.Duration) {}
func (Nop) SetRecords(int) {}

// Handler serves the registry in the Prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}
