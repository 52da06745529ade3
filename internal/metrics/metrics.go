// Package metrics регистрирует Prometheus-метрики менеджера миров.
//
// Метрики:
//   - worldhost_lifecycle_operation_seconds{op,result} - histogram
//   - worldhost_world_transitions_total{state} - counter
//   - worldhost_world_crashes_total - counter
//   - worldhost_ports_in_use, worldhost_ports_capacity - gauge
//   - worldhost_proxy_syncs_total{result}, worldhost_proxy_sync_seconds,
//     worldhost_proxy_routes
//   - worldhost_world_cpu_percent{world}, worldhost_world_rss_bytes{world},
//     worldhost_host_cpu_percent - см. ProcessCollector
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "worldhost"

// PortSource - источник занятости диапазона портов.
type PortSource interface {
	InUse() int
	Capacity() int
}

// Collectors - метрики жизненного цикла. Все методы безопасны для nil.
type Collectors struct {
	operations  *prometheus.HistogramVec
	transitions *prometheus.CounterVec
	crashes     prometheus.Counter
	proxySyncs  *prometheus.CounterVec
	proxySync   prometheus.Histogram
	proxyRoutes prometheus.Gauge
	reg         prometheus.Registerer
}

// New создаёт метрики и регистрирует их в reg (nil - глобальный регистр).
func New(reg prometheus.Registerer) *Collectors {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collectors{
		reg: reg,
		operations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lifecycle_operation_seconds",
			Help:      "Длительность операций над мирами.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"op", "result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "world_transitions_total",
			Help:      "Переходы миров в состояние.",
		}, []string{"state"}),
		crashes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "world_crashes_total",
			Help:      "Неожиданные завершения процессов серверов.",
		}),
		proxySyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_syncs_total",
			Help:      "Синхронизации конфигурации прокси.",
		}, []string{"result"}),
		proxySync: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proxy_sync_seconds",
			Help:      "Длительность синхронизации прокси.",
			Buckets:   prometheus.DefBuckets,
		}),
		proxyRoutes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "proxy_routes",
			Help:      "Маршрутов в последней отправленной таблице.",
		}),
	}
	reg.MustRegister(c.operations, c.transitions, c.crashes, c.proxySyncs, c.proxySync, c.proxyRoutes)
	return c
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveOperation записывает длительность операции op, начатой в start.
func (c *Collectors) ObserveOperation(op string, start time.Time, err error) {
	if c == nil {
		return
	}
	c.operations.WithLabelValues(op, result(err)).Observe(time.Since(start).Seconds())
}

// Transition учитывает переход мира в состояние state.
func (c *Collectors) Transition(state string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(state).Inc()
}

// Crash учитывает аварийное завершение.
func (c *Collectors) Crash() {
	if c == nil {
		return
	}
	c.crashes.Inc()
}

// ProxySync совместим с proxy.SyncObserver.
func (c *Collectors) ProxySync(routes int, d time.Duration, err error) {
	if c == nil {
		return
	}
	c.proxySyncs.WithLabelValues(result(err)).Inc()
	c.proxySync.Observe(d.Seconds())
	if err == nil {
		c.proxyRoutes.Set(float64(routes))
	}
}

// WatchPorts регистрирует gauge занятости портов.
func (c *Collectors) WatchPorts(src PortSource) {
	if c == nil || src == nil {
		return
	}
	c.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ports_in_use",
			Help:      "Зарезервированные порты.",
		}, func() float64 { return float64(src.InUse()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ports_capacity",
			Help:      "Размер диапазона портов без порта прокси.",
		}, func() float64 { return float64(src.Capacity()) }),
	)
}
