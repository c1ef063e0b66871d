// Package metrics registers the Prometheus instrumentation for a DICe
// node: group-monitor evictions, trickle broadcast/suppress/reset counts,
// merge outcomes, and invariant verdicts.
//
// Grounded on internal/escrow/metrics.go's promauto-based registration
// style from the teacher repo; adapted to hold its own *prometheus.Registry
// per instance (rather than registering against the global default
// registry the way escrow.Metrics does) because cmd/dicesim runs many
// engines — one Metrics per simulated node — in a single process, and
// promauto.NewCounterVec against prometheus.DefaultRegisterer would panic
// on the second node's identical metric names.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus instrument one DICe engine reports.
type Metrics struct {
	Registry *prometheus.Registry

	GroupEvictions   *prometheus.CounterVec
	GroupMembers     prometheus.Gauge
	TrickleBroadcast prometheus.Counter
	TrickleSuppress  prometheus.Counter
	TrickleReset     *prometheus.CounterVec
	TrickleTau       prometheus.Gauge
	MergeOutcomes    *prometheus.CounterVec
	EvaluationResult *prometheus.CounterVec
	HistoryDepth     prometheus.Gauge
}

// New constructs a fresh registry and registers every DICe instrument
// against it, labelled with node so multiple engines sharing a process
// (cmd/dicesim) remain distinguishable in /metrics output.
func New(node string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	constLabels := prometheus.Labels{"node": node}

	return &Metrics{
		Registry: reg,

		GroupEvictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "dice_group_evictions_total",
				Help:        "Total number of peers evicted by the group monitor.",
				ConstLabels: constLabels,
			},
			[]string{"peer"},
		),
		GroupMembers: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "dice_group_members",
			Help:        "Current number of live peers per the group monitor.",
			ConstLabels: constLabels,
		}),
		TrickleBroadcast: factory.NewCounter(prometheus.CounterOpts{
			Name:        "dice_trickle_broadcasts_total",
			Help:        "Total number of trickle broadcasts transmitted.",
			ConstLabels: constLabels,
		}),
		TrickleSuppress: factory.NewCounter(prometheus.CounterOpts{
			Name:        "dice_trickle_suppressed_total",
			Help:        "Total number of trickle intervals suppressed by redundancy.",
			ConstLabels: constLabels,
		}),
		TrickleReset: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "dice_trickle_resets_total",
				Help:        "Total number of trickle resets, by cause.",
				ConstLabels: constLabels,
			},
			[]string{"cause"}, // local_change, merge, clock_wrap
		),
		TrickleTau: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "dice_trickle_tau_seconds",
			Help:        "Current trickle interval length.",
			ConstLabels: constLabels,
		}),
		MergeOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "dice_merge_outcomes_total",
				Help:        "Total number of inbound merges, by outcome.",
				ConstLabels: constLabels,
			},
			[]string{"kind", "outcome"}, // kind: view, t1; outcome: changed, unchanged
		),
		EvaluationResult: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "dice_evaluation_results_total",
				Help:        "Total number of invariant evaluations, by result.",
				ConstLabels: constLabels,
			},
			[]string{"result"}, // satisfied, violated, undecided
		),
		HistoryDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "dice_history_depth",
			Help:        "Current number of records held in the history buffer.",
			ConstLabels: constLabels,
		}),
	}
}
