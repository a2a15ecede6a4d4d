package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "flashsale"

// Pipeline groups the collectors shared by the api and worker processes.
type Pipeline struct {
	Admissions      *prometheus.CounterVec   // outcome
	Compensations   *prometheus.CounterVec   // stage
	DeadLetters     *prometheus.CounterVec   // topic
	Cancellations   *prometheus.CounterVec   // result
	Settlements     *prometheus.CounterVec   // outcome
	HandlerDuration *prometheus.HistogramVec // handler
}

// New registers the pipeline collectors on reg. A nil reg leaves them unregistered,
// which is what tests want.
func New(reg prometheus.Registerer) *Pipeline {
	p := &Pipeline{
		Admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Admission decisions by outcome.",
		}, []string{"outcome"}),
		Compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensations_total",
			Help:      "Ledger restorations issued after a downstream failure.",
		}, []string{"stage"}),
		DeadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Messages routed to a dead-letter topic.",
		}, []string{"topic"}),
		Cancellations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancellations_total",
			Help:      "Watchdog results per delivered cancellation message.",
		}, []string{"result"}),
		Settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Payment settlement attempts by outcome.",
		}, []string{"outcome"}),
		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Duration of pipeline handlers in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"handler"}),
	}
	if reg != nil {
		reg.MustRegister(p.Admissions, p.Compensations, p.DeadLetters, p.Cancellations, p.Settlements, p.HandlerDuration)
	}
	return p
}

// Nop returns unregistered collectors.
func Nop() *Pipeline { return New(nil) }
