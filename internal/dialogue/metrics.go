package dialogue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intake_turns_total",
		Help: "Dialogue turns processed, labeled by the state that handled them.",
	}, []string{"state"})

	extractionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intake_extraction_failures_total",
		Help: "Field extraction failures by reason.",
	}, []string{"reason"})

	reportsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intake_reports_submitted_total",
		Help: "Report submission attempts by outcome.",
	}, []string{"status"})

	clusterValidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intake_cluster_validations_total",
		Help: "Cluster validation outcomes.",
	}, []string{"validated"})
)
