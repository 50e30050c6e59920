package sync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	passesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rosterd_sync_passes_total",
		Help: "Reconciliation passes started.",
	})
	passErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rosterd_sync_pass_errors_total",
		Help: "Reconciliation passes that finished with at least one error.",
	})
	copiedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rosterd_sync_records_copied_total",
		Help: "Records inserted or overwritten by the reconciliation engine.",
	}, []string{"direction"})
)
