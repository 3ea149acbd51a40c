package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RoundsFinalized counts rounds settled exactly once per (session, round).
	RoundsFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vaxgame_rounds_finalized_total",
		Help: "Number of rounds finalized.",
	})

	// RoundsAdvanced counts successful ready-quorum advances.
	RoundsAdvanced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vaxgame_rounds_advanced_total",
		Help: "Number of rounds advanced after a ready quorum.",
	})

	// FinalizeConflicts counts finalize/advance attempts that lost the race
	// to a concurrent caller and were treated as no-ops.
	FinalizeConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vaxgame_coordination_conflicts_total",
		Help: "Number of finalize/advance attempts resolved as concurrent no-ops.",
	})

	// PresenceRejections counts joins rejected because another client holds
	// the participant code.
	PresenceRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vaxgame_presence_rejections_total",
		Help: "Number of joins rejected by the duplicate-login guard.",
	})
)
