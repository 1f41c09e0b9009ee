package supervisor

import "github.com/prometheus/client_golang/prometheus"

var (
	svState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "qrguard",
		Subsystem: "supervisor",
		Name:      "state",
		Help:      "Current inference service state (1 for the active state).",
	}, []string{"state"})

	svStartAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "qrguard",
		Subsystem: "supervisor",
		Name:      "start_attempts_total",
		Help:      "Total start transitions of the inference service.",
	})

	svSpawns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qrguard",
		Subsystem: "supervisor",
		Name:      "spawns_total",
		Help:      "Child process launches by result.",
	}, []string{"result"}) // "ok", "error", "reused"

	svProbes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qrguard",
		Subsystem: "supervisor",
		Name:      "probes_total",
		Help:      "Health probes against the inference service by result.",
	}, []string{"result"}) // "ok", "fail"
)

func init() {
	prometheus.MustRegister(svState, svStartAttempts, svSpawns, svProbes)
}

func observeState(s State) {
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		svState.WithLabelValues(st.String()).Set(v)
	}
}
