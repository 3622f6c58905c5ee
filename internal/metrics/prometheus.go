package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "mock_exchange_replay"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

func (p promCounter) Add(v float64) {
	p.counter.Add(v)
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
	counters map[string]prometheus.Counter
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	counters := map[string]prometheus.Counter{
		"cycles_total":           newCounter("cycles_total", "Total number of completed pipeline cycles."),
		"cycle_failures_total":   newCounter("cycle_failures_total", "Total number of pipeline cycles that failed after retries."),
		"signals_opened_total":   newCounter("signals_opened_total", "Total number of OPEN signals appended to history."),
		"signals_closed_total":   newCounter("signals_closed_total", "Total number of CLOSE signals appended to history."),
		"orders_injected_total":  newCounter("orders_injected_total", "Total number of orders accepted by the mock exchange."),
		"income_injected_total":  newCounter("income_injected_total", "Total number of funding income records accepted by the mock exchange."),
		"sink_failures_total":    newCounter("sink_failures_total", "Total number of mock exchange injections that failed."),
		"alignment_misses_total": newCounter("alignment_misses_total", "Total number of ticks without a counterpart within tolerance."),
		"rule_switches_total":    newCounter("rule_switches_total", "Total number of active scenario rule changes."),
	}
	for _, c := range counters {
		registry.MustRegister(c)
	}

	m := &Metrics{
		Cycles:          promCounter{counters["cycles_total"]},
		CycleFailures:   promCounter{counters["cycle_failures_total"]},
		SignalsOpened:   promCounter{counters["signals_opened_total"]},
		SignalsClosed:   promCounter{counters["signals_closed_total"]},
		OrdersInjected:  promCounter{counters["orders_injected_total"]},
		IncomeInjected:  promCounter{counters["income_injected_total"]},
		SinkFailures:    promCounter{counters["sink_failures_total"]},
		AlignmentMisses: promCounter{counters["alignment_misses_total"]},
		RuleSwitches:    promCounter{counters["rule_switches_total"]},
	}

	return &Prometheus{
		Metrics:  m,
		registry: registry,
		counters: counters,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
