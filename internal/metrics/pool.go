package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// poolStats is the subset of pgxpool.Stat exported on each scrape.
type poolStats struct {
	Acquired        int32
	Idle            int32
	Total           int32
	Max             int32
	Acquires        int64
	EmptyAcquires   int64
	CanceledAcquire int64
	AcquireSeconds  float64
}

func statsFromPool(pool *pgxpool.Pool) func() poolStats {
	return func() poolStats {
		stat := pool.Stat()
		return poolStats{
			Acquired:        stat.AcquiredConns(),
			Idle:            stat.IdleConns(),
			Total:           stat.TotalConns(),
			Max:             stat.MaxConns(),
			Acquires:        stat.AcquireCount(),
			EmptyAcquires:   stat.EmptyAcquireCount(),
			CanceledAcquire: stat.CanceledAcquireCount(),
			AcquireSeconds:  stat.AcquireDuration().Seconds(),
		}
	}
}

type poolMetric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	value     func(poolStats) float64
}

// poolCollector reads pool statistics lazily so the Postgres ruleset source
// pays nothing between scrapes.
type poolCollector struct {
	stats   func() poolStats
	metrics []poolMetric
}

// RegisterPoolMetrics registers collectors that report live pgxpool
// connection statistics of the Postgres ruleset source on every scrape.
func RegisterPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool) {
	reg.MustRegister(newPoolCollector(statsFromPool(pool)))
}

func newPoolCollector(stats func() poolStats) *poolCollector {
	gauge := func(name, help string, value func(poolStats) float64) poolMetric {
		return poolMetric{prometheus.NewDesc(name, help, nil, nil), prometheus.GaugeValue, value}
	}
	counter := func(name, help string, value func(poolStats) float64) poolMetric {
		return poolMetric{prometheus.NewDesc(name, help, nil, nil), prometheus.CounterValue, value}
	}

	return &poolCollector{
		stats: stats,
		metrics: []poolMetric{
			gauge("flagwatch_db_pool_acquired", "Number of currently acquired database connections.",
				func(s poolStats) float64 { return float64(s.Acquired) }),
			gauge("flagwatch_db_pool_idle", "Number of idle database connections in the pool.",
				func(s poolStats) float64 { return float64(s.Idle) }),
			gauge("flagwatch_db_pool_total", "Total number of database connections in the pool.",
				func(s poolStats) float64 { return float64(s.Total) }),
			gauge("flagwatch_db_pool_max", "Maximum number of database connections allowed in the pool.",
				func(s poolStats) float64 { return float64(s.Max) }),
			counter("flagwatch_db_pool_acquires_total", "Connections acquired from the pool.",
				func(s poolStats) float64 { return float64(s.Acquires) }),
			counter("flagwatch_db_pool_empty_acquires_total", "Acquires that waited because the pool had no idle connection.",
				func(s poolStats) float64 { return float64(s.EmptyAcquires) }),
			counter("flagwatch_db_pool_canceled_acquires_total", "Acquires abandoned because their context was cancelled.",
				func(s poolStats) float64 { return float64(s.CanceledAcquire) }),
			counter("flagwatch_db_pool_acquire_seconds_total", "Time spent acquiring connections.",
				func(s poolStats) float64 { return s.AcquireSeconds }),
		},
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.stats()
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.valueType, m.value(stats))
	}
}
