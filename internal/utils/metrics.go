package utils

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricsNamespace = "eo_pipeline"

// Metrics groups the collectors updated by the managers and workers
type Metrics struct {
	Registry *prometheus.Registry

	Admissions        *prometheus.CounterVec
	Transfers         *prometheus.CounterVec
	TransferredBytes  prometheus.Counter
	TransfersInFlight prometheus.Gauge
	Tasks             *prometheus.CounterVec
	Jobs              *prometheus.CounterVec
	JobsRunning       prometheus.Gauge
	ScheduleTriggers  *prometheus.CounterVec
	QuotaRejections   *prometheus.CounterVec
}

// NewMetrics registers all collectors on a fresh registry, along with Go runtime and process collectors
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		Admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "product_admissions_total",
			Help:      "Product download admissions by decision.",
		}, []string{"decision"}),
		Transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transfers_total",
			Help:      "Product transfers by mode and result.",
		}, []string{"mode", "result"}),
		TransferredBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transferred_bytes_total",
			Help:      "Bytes written by downloads.",
		}),
		TransfersInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "transfers_in_flight",
			Help:      "Transfers currently running.",
		}),
		Tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tasks_finished_total",
			Help:      "Execution tasks reaching a terminal status.",
		}, []string{"status"}),
		Jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_finished_total",
			Help:      "Execution jobs reaching a terminal status.",
		}, []string{"status"}),
		JobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_running",
			Help:      "Jobs currently tracked by the orchestrator.",
		}),
		ScheduleTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "schedule_triggers_total",
			Help:      "Schedule firings by outcome.",
		}, []string{"outcome"}),
		QuotaRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "quota_rejections_total",
			Help:      "Requests rejected because a quota was exhausted.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Admissions,
		m.Transfers,
		m.TransferredBytes,
		m.TransfersInFlight,
		m.Tasks,
		m.Jobs,
		m.JobsRunning,
		m.ScheduleTriggers,
		m.QuotaRejections,
	)

	return m
}
