package resilience

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// BreakerState is 0 closed, 1 open, 2 half-open.
	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "breaker_state",
		Help: "Breaker position per target: 0 closed, 1 open, 2 half-open.",
	}, []string{"target"})
	BreakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "breaker_transition_total",
		Help: "Breaker state changes per target.",
	}, []string{"target", "from", "to"})
	BreakerOpenedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "breaker_open_total",
		Help: "Times a breaker opened.",
	}, []string{"target"})
	// BreakerRejectedTotal counts calls refused without reaching the dependency.
	BreakerRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "breaker_rejected_total",
		Help: "Calls short-circuited by an open breaker.",
	}, []string{"target"})
)

func init() {
	for _, c := range []prometheus.Collector{BreakerState, BreakerTransitions, BreakerOpenedTotal, BreakerRejectedTotal} {
		var are prometheus.AlreadyRegisteredError
		if err := prometheus.Register(c); err != nil && !errors.As(err, &are) {
			panic(err)
		}
	}
}
