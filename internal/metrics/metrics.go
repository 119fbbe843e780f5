// Package metrics holds the Prometheus collectors of the indexer.
// All methods are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bridge_kpi"

// Metrics holds Prometheus metrics for ingestion, jobs, price and the API
type Metrics struct {
	blocksProcessed prometheus.Counter
	txProcessed     prometheus.Counter
	eventsStored    *prometheus.CounterVec
	ingestErrors    *prometheus.CounterVec
	cursor          prometheus.Gauge
	approxSenders   prometheus.Gauge
	breakerState    prometheus.Gauge

	jobDuration *prometheus.HistogramVec
	jobSkips    *prometheus.CounterVec

	price      prometheus.Gauge
	priceStale prometheus.Gauge
	kpi        *prometheus.GaugeVec

	requestCounter  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		blocksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_processed_total",
			Help:      "Total number of blocks scanned",
		}),
		txProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_processed_total",
			Help:      "Total number of transactions classified",
		}),
		eventsStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_stored_total",
			Help:      "Total number of events persisted",
		}, []string{"type"}),
		ingestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_errors_total",
			Help:      "Total number of ingestion failures",
		}, []string{"scope"}),
		cursor: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingestion_cursor",
			Help:      "Last processed block height",
		}),
		approxSenders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scan_distinct_senders",
			Help:      "Approximate distinct senders seen by the last scan",
		}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "RPC circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Scheduled job duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"job", "status"}),
		jobSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_skips_total",
			Help:      "Job fires skipped because the previous run was still active",
		}, []string{"job"}),
		price: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "price_usd",
			Help:      "Native asset price used for USD conversions",
		}),
		priceStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "price_stale",
			Help:      "1 when the price is stale or the fallback default",
		}),
		kpi: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "kpi_value",
			Help:      "Latest computed KPI value",
		}, []string{"kind"}),
		requestCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of API requests processed",
		}, []string{"route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.blocksProcessed,
		m.txProcessed,
		m.eventsStored,
		m.ingestErrors,
		m.cursor,
		m.approxSenders,
		m.breakerState,
		m.jobDuration,
		m.jobSkips,
		m.price,
		m.priceStale,
		m.kpi,
		m.requestCounter,
		m.requestDuration,
	)
	return m
}

// BlockProcessed records a scanned block and its transaction count
func (m *Metrics) BlockProcessed(txs int) {
	if m == nil {
		return
	}
	m.blocksProcessed.Inc()
	m.txProcessed.Add(float64(txs))
}

// EventsStored records persisted events of one type (activity, deposit, withdrawal)
func (m *Metrics) EventsStored(eventType string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsStored.WithLabelValues(eventType).Add(float64(n))
}

// IngestError records a failure; scope is tx, block, dropped, deposit_backfill or compact
func (m *Metrics) IngestError(scope string) {
	if m == nil {
		return
	}
	m.ingestErrors.WithLabelValues(scope).Inc()
}

// SetCursor records the last processed block
func (m *Metrics) SetCursor(height uint64) {
	if m == nil {
		return
	}
	m.cursor.Set(float64(height))
}

// SetApproxSenders records the distinct sender estimate of a scan
func (m *Metrics) SetApproxSenders(n uint64) {
	if m == nil {
		return
	}
	m.approxSenders.Set(float64(n))
}

// SetBreakerState records the circuit breaker state
func (m *Metrics) SetBreakerState(state int) {
	if m == nil {
		return
	}
	m.breakerState.Set(float64(state))
}

// ObserveJob records a finished job run
func (m *Metrics) ObserveJob(job string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.jobDuration.WithLabelValues(job, status).Observe(d.Seconds())
}

// JobSkipped records a fire skipped by the overlap guard
func (m *Metrics) JobSkipped(job string) {
	if m == nil {
		return
	}
	m.jobSkips.WithLabelValues(job).Inc()
}

// SetPrice records the price in use and whether it is stale
func (m *Metrics) SetPrice(price float64, stale bool) {
	if m == nil {
		return
	}
	m.price.Set(price)
	if stale {
		m.priceStale.Set(1)
	} else {
		m.priceStale.Set(0)
	}
}

// SetKPI records the latest value of a KPI
func (m *Metrics) SetKPI(kind string, value float64) {
	if m == nil {
		return
	}
	m.kpi.WithLabelValues(kind).Set(value)
}

// ObserveRequest records a served API request
func (m *Metrics) ObserveRequest(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestCounter.WithLabelValues(route, statusClass(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(d.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
