// Package metrics exposes cache and fetch counters through a private
// Prometheus registry. Collector satisfies resource.Observer so the resolver
// can report events without knowing about Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/any-hub/datahub/internal/cache"
)

const namespace = "datahub"

// Collector 汇总解析流程的事件计数。
type Collector struct {
	registry *prometheus.Registry

	hits         prometheus.Counter
	fetches      prometheus.Counter
	fetchedBytes prometheus.Counter
	failures     *prometheus.CounterVec
	purges       prometheus.Counter
	purgedBytes  prometheus.Counter
	evicted      prometheus.Counter
	cacheBytes   prometheus.Gauge
}

// New 创建独立 registry；withRuntime 为 true 时同时注册 Go 运行时与进程指标。
func New(withRuntime bool) *Collector {
	registry := prometheus.NewRegistry()
	if withRuntime {
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	c := &Collector{
		registry: registry,
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Resources served from an existing cache entry.",
		}),
		fetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Resources fetched from upstream and committed to the cache.",
		}),
		fetchedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetched_bytes_total",
			Help:      "Bytes written to the cache by upstream fetches.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieve_failures_total",
			Help:      "Failed retrievals by error code.",
		}, []string{"code"}),
		purges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_purges_total",
			Help:      "Purge passes run after the cache exceeded its budget.",
		}),
		purgedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_purged_bytes_total",
			Help:      "Bytes freed by purge passes.",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evicted_entries_total",
			Help:      "Entries removed by purge passes.",
		}),
		cacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_size_bytes",
			Help:      "Last known total size of the cache directory.",
		}),
	}
	registry.MustRegister(c.hits, c.fetches, c.fetchedBytes, c.failures, c.purges, c.purgedBytes, c.evicted, c.cacheBytes)
	return c
}

func (c *Collector) CacheHit() {
	c.hits.Inc()
}

func (c *Collector) Fetched(bytes int64) {
	c.fetches.Inc()
	if bytes > 0 {
		c.fetchedBytes.Add(float64(bytes))
	}
}

func (c *Collector) Failed(code string) {
	if code == "" {
		code = "internal"
	}
	c.failures.WithLabelValues(code).Inc()
}

func (c *Collector) Purged(result cache.PurgeResult) {
	c.purges.Inc()
	if result.Freed > 0 {
		c.purgedBytes.Add(float64(result.Freed))
	}
	if result.Removed > 0 {
		c.evicted.Add(float64(result.Removed))
	}
}

func (c *Collector) CacheSize(total int64) {
	c.cacheBytes.Set(float64(total))
}

// Registry 返回底层 registry，便于测试或额外注册。
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler 返回以文本格式输出指标的 http.Handler。
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
