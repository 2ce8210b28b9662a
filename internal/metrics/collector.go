package metrics

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes point-in-time gauges scraped from the database pool and
// store on each /metrics request.
type Collector struct {
	pool *pgxpool.Pool

	poolTotal    *prometheus.Desc
	poolIdle     *prometheus.Desc
	struckOut    *prometheus.Desc
	unreadNotifs *prometheus.Desc

	strikeThreshold int
}

func NewCollector(pool *pgxpool.Pool, strikeThreshold int) *Collector {
	return &Collector{
		pool:            pool,
		strikeThreshold: strikeThreshold,
		poolTotal: prometheus.NewDesc(
			namespace+"_db_pool_total_conns", "Total connections in the pool.", nil, nil),
		poolIdle: prometheus.NewDesc(
			namespace+"_db_pool_idle_conns", "Idle connections in the pool.", nil, nil),
		struckOut: prometheus.NewDesc(
			namespace+"_struck_out_streams", "Streams at or past the strike threshold.", nil, nil),
		unreadNotifs: prometheus.NewDesc(
			namespace+"_unread_notifications", "Unread notifications.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.poolTotal
	ch <- c.poolIdle
	ch <- c.struckOut
	ch <- c.unreadNotifs
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stat := c.pool.Stat()
	ch <- prometheus.MustNewConstMetric(c.poolTotal, prometheus.GaugeValue, float64(stat.TotalConns()))
	ch <- prometheus.MustNewConstMetric(c.poolIdle, prometheus.GaugeValue, float64(stat.IdleConns()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var struck int
	if c.strikeThreshold > 0 {
		_ = c.pool.QueryRow(ctx,
			`SELECT count(*) FROM stream_stats WHERE consecutive_failures >= $1 AND dismissed_at IS NULL`,
			c.strikeThreshold).Scan(&struck)
	}
	ch <- prometheus.MustNewConstMetric(c.struckOut, prometheus.GaugeValue, float64(struck))

	var unread int
	_ = c.pool.QueryRow(ctx, `SELECT count(*) FROM notifications WHERE NOT read`).Scan(&unread)
	ch <- prometheus.MustNewConstMetric(c.unreadNotifs, prometheus.GaugeValue, float64(unread))
}
