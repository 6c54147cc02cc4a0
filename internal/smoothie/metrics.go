package smoothie

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts controller traffic.
type Metrics struct {
	Commands    *prometheus.CounterVec
	Retries     prometheus.Counter
	ParseErrors prometheus.Counter
	Faults      *prometheus.CounterVec
}

// NewMetrics creates the driver counters and registers them with reg. A nil
// reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deckbot",
			Subsystem: "smoothie",
			Name:      "commands_total",
			Help:      "Commands acknowledged by the motion controller.",
		}, []string{"gcode"}),
		Retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "deckbot",
			Subsystem: "smoothie",
			Name:      "retries_total",
			Help:      "Command attempts that got no response and were retried.",
		}),
		ParseErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "deckbot",
			Subsystem: "smoothie",
			Name:      "parse_errors_total",
			Help:      "Telemetry replies that could not be parsed.",
		}),
		Faults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deckbot",
			Subsystem: "smoothie",
			Name:      "faults_total",
			Help:      "Alarms reported by the controller, by axis.",
		}, []string{"axis"}),
	}
}
