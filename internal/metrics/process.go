package metrics

import (
	"context"
	"time"

	"github.com/annel0/worldhost/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// Process - запущенный процесс мира.
type Process struct {
	WorldID string
	PID     int
}

// ProcessSource перечисляет работающие процессы миров.
type ProcessSource interface {
	Processes() []Process
}

// ProcessCollector снимает CPU и RSS процессов миров через gopsutil при
// каждом scrape.
type ProcessCollector struct {
	src     ProcessSource
	timeout time.Duration

	cpuDesc  *prometheus.Desc
	rssDesc  *prometheus.Desc
	hostDesc *prometheus.Desc
}

// NewProcessCollector создаёт коллектор; регистрировать через Register.
func NewProcessCollector(src ProcessSource) *ProcessCollector {
	return &ProcessCollector{
		src:     src,
		timeout: 2 * time.Second,
		cpuDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "world", "cpu_percent"),
			"Загрузка CPU процессом сервера, %.",
			[]string{"world"}, nil,
		),
		rssDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "world", "rss_bytes"),
			"Резидентная память процесса сервера.",
			[]string{"world"}, nil,
		),
		hostDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "host", "cpu_percent"),
			"Общая загрузка CPU хоста, %.",
			nil, nil,
		),
	}
}

func (c *ProcessCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpuDesc
	ch <- c.rssDesc
	ch <- c.hostDesc
}

func (c *ProcessCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	for _, p := range c.src.Processes() {
		proc, err := process.NewProcessWithContext(ctx, int32(p.PID))
		if err != nil {
			// Процесс мог завершиться между перечислением и сбором.
			continue
		}
		if pct, err := proc.CPUPercentWithContext(ctx); err == nil {
			ch <- prometheus.MustNewConstMetric(c.cpuDesc, prometheus.GaugeValue, pct, p.WorldID)
		}
		if mem, err := proc.MemoryInfoWithContext(ctx); err == nil {
			ch <- prometheus.MustNewConstMetric(c.rssDesc, prometheus.GaugeValue, float64(mem.RSS), p.WorldID)
		}
	}

	// Интервал 0 - загрузка с момента предыдущего вызова, без ожидания.
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		ch <- prometheus.MustNewConstMetric(c.hostDesc, prometheus.GaugeValue, pcts[0])
	} else if err != nil {
		logging.Debug("host cpu: %v", err)
	}
}
