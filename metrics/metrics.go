// Package metrics provides Prometheus collectors for the capture controller.
// Labels never carry session ids or filenames.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesWritten counts frames written to disk, by output format.
	FramesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "astrocap_frames_written_total",
		Help: "Total number of frames written, by output format.",
	}, []string{"format"})

	// FramesDropped counts frames delivered but not written, by reason.
	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "astrocap_frames_dropped_total",
		Help: "Total number of frames dropped, by reason (queue_full, write_error).",
	}, []string{"reason"})

	// Runs counts finished capture runs, by outcome.
	Runs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "astrocap_runs_total",
		Help: "Total number of capture runs, by outcome (limit, stopped, error, refused).",
	}, []string{"outcome"})

	// HardwareTimeouts counts bounded hardware calls that ran out of time.
	HardwareTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "astrocap_hardware_timeouts_total",
		Help: "Total number of hardware operations that timed out, by device and operation.",
	}, []string{"device", "op"})

	// FilterChanges counts filter wheel moves made by autorun.
	FilterChanges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "astrocap_filter_changes_total",
		Help: "Total number of filter changes made between autorun runs.",
	})

	// SessionState is 1 for the state the current session is in, 0 otherwise.
	SessionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "astrocap_session_state",
		Help: "Current capture session state (1 for the active state).",
	}, []string{"state"})

	// WriteQueueDepth is the number of frames waiting for the writer.
	WriteQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "astrocap_write_queue_depth",
		Help: "Number of frames queued for the output writer.",
	})
)

// States lists the label values SessionState is published under.
var States = []string{"idle", "running", "paused", "stopping", "stopped"}

// SetState marks state as the only active SessionState.
func SetState(state string) {
	for _, s := range States {
		v := 0.
		if s == state {
			v = 1
		}
		SessionState.WithLabelValues(s).Set(v)
	}
}
