package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// paymentsTotal counts lifecycle transitions by resulting status.
	paymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kitegate",
			Name:      "payments_total",
			Help:      "Total payment lifecycle transitions by status.",
		},
		[]string{"status"},
	)

	// budgetOverrunsTotal counts settlements that proceeded past an
	// advisory budget ceiling.
	budgetOverrunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kitegate",
			Name:      "budget_overruns_total",
			Help:      "Settlements that exceeded an agent's advisory budget.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		paymentsTotal,
		budgetOverrunsTotal,
	)
}

// ObserveBudgetOverrun records an advisory budget overrun.
func ObserveBudgetOverrun() {
	budgetOverrunsTotal.Inc()
}
