package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReservationsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reservations_created_total",
		Help: "Total number of reservations created",
	})

	ReservationsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservations_rejected_total",
		Help: "Total number of rejected reservation attempts",
	}, []string{"reason"})

	ReservationTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservation_transitions_total",
		Help: "Total number of reservation state transitions",
	}, []string{"status"})

	ReservedVolumeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reserved_volume_total",
		Help: "Cumulative volume reserved per sku",
	}, []string{"sku"})

	ReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reservation_reserve_latency_seconds",
		Help:    "Latency of reserve operations",
		Buckets: prometheus.DefBuckets,
	})

	StockDesyncTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_ledger_desync_total",
		Help: "Consumptions rejected because the ledger held less than the reservation",
	})

	StorageRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storage_retries_total",
		Help: "Storage operations retried after a transient failure",
	}, []string{"op"})

	SweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "expiry_sweep_runs_total",
		Help: "Expiry sweeper runs by outcome",
	}, []string{"outcome"})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "expiry_sweep_duration_seconds",
		Help:    "Duration of expiry sweeper runs",
		Buckets: prometheus.DefBuckets,
	})

	EventsPublishFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "events_publish_failed_total",
		Help: "Reservation events that could not be published",
	}, []string{"event_type"})

	ProposalEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proposal_events_total",
		Help: "Consumed proposal events by type and outcome",
	}, []string{"event_type", "outcome"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
