package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gallery_queue_depth",
		Help: "Number of tasks waiting in the upload queue.",
	})
	metricTasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gallery_queue_tasks_finished_total",
		Help: "Tasks that reached a terminal state, by kind and status.",
	}, []string{"kind", "status"})
	metricKeyRotations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gallery_queue_key_rotations_total",
		Help: "Credential rotations performed by the vision client.",
	})
	metricBackoffSleeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gallery_queue_backoff_sleeps_total",
		Help: "Full-pool exhaustion back-off sleeps in the vision client.",
	})
	metricHTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gallery_queue_http_requests_total",
		Help: "HTTP requests served, by method and status.",
	}, []string{"method", "status"})
)
