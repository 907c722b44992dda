package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "gridtrader"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()

	newCounter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(c)
		return c
	}

	ordersPlaced := newCounter("orders_placed_total", "Total number of orders placed.")
	ordersFailed := newCounter("orders_failed_total", "Total number of order placement failures.")
	ordersCancelled := newCounter("orders_cancelled_total", "Total number of orders cancelled.")
	fillsRecorded := newCounter("fills_recorded_total", "Total number of fills recorded.")
	mirrorsPlaced := newCounter("mirrors_placed_total", "Total number of mirror orders placed after fills.")
	conflicts := newCounter("reconciliation_conflicts_total", "Total number of reconciliation conflicts resolved.")
	cyclesRun := newCounter("reconcile_cycles_total", "Total number of reconciliation cycles run.")
	gridsPaused := newCounter("grids_paused_total", "Total number of automatic grid pauses.")

	m := &Metrics{
		OrdersPlaced:    promCounter{ordersPlaced},
		OrdersFailed:    promCounter{ordersFailed},
		OrdersCancelled: promCounter{ordersCancelled},
		FillsRecorded:   promCounter{fillsRecorded},
		MirrorsPlaced:   promCounter{mirrorsPlaced},
		Conflicts:       promCounter{conflicts},
		CyclesRun:       promCounter{cyclesRun},
		GridsPaused:     promCounter{gridsPaused},
	}

	return &Prometheus{
		Metrics:  m,
		registry: registry,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
