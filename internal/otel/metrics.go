package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the agent's instruments.
type Metrics struct {
	RequestDuration   metric.Float64Histogram
	CacheHits         metric.Int64Counter
	CacheMisses       metric.Int64Counter
	NetworkFailures   metric.Int64Counter
	SyntheticReplies  metric.Int64Counter
	InstallDuration   metric.Float64Histogram
	InstallFailures   metric.Int64Counter
	StoresDeleted     metric.Int64Counter
	DeferredEnqueued  metric.Int64Counter
	DeferredReplayed  metric.Int64Counter
	DeferredFailures  metric.Int64Counter
	NotificationsSent metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("offlined.request.duration",
		metric.WithDescription("Intercepted request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.CacheHits, "offlined.cache.hits", "Responses served from a cache store"},
		{&m.CacheMisses, "offlined.cache.misses", "Cache lookups that found no entry"},
		{&m.NetworkFailures, "offlined.network.failures", "Origin fetches that failed or timed out"},
		{&m.SyntheticReplies, "offlined.synthetic.responses", "Synthetic 503 responses returned"},
		{&m.InstallFailures, "offlined.install.failures", "Install batches that failed"},
		{&m.StoresDeleted, "offlined.cache.stores_deleted", "Cache stores deleted by activation or clear"},
		{&m.DeferredEnqueued, "offlined.deferred.enqueued", "Offline writes queued for replay"},
		{&m.DeferredReplayed, "offlined.deferred.replayed", "Deferred actions replayed successfully"},
		{&m.DeferredFailures, "offlined.deferred.failures", "Deferred replays that failed"},
		{&m.NotificationsSent, "offlined.notifications.shown", "Notifications displayed"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}

	m.InstallDuration, err = meter.Float64Histogram("offlined.install.duration",
		metric.WithDescription("Install batch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments that record nothing. Components fall back
// to it when constructed without metrics.
func NoopMetrics() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	if err != nil {
		panic(err)
	}
	return m
}
