package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zhangkaiitugithub/yabridge/internal/domain"
)

type PrometheusMetrics struct {
	loadRequests    *prometheus.CounterVec
	activeInstances prometheus.Gauge
	instanceExits   *prometheus.CounterVec
	capturedLines   *prometheus.CounterVec
	idleShutdowns   prometheus.Counter
}

func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &PrometheusMetrics{
		loadRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yabridge_group_load_requests_total",
				Help: "Total number of plugin load requests received on the group socket",
			},
			[]string{"result"},
		),
		activeInstances: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "yabridge_group_active_instances",
				Help: "Current number of plugin instances hosted by this group",
			},
		),
		instanceExits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yabridge_group_instance_exits_total",
				Help: "Total number of hosted plugin instances that exited",
			},
			[]string{"status"},
		),
		capturedLines: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yabridge_group_captured_lines_total",
				Help: "Total number of captured output lines relayed to the log",
			},
			[]string{"stream"},
		),
		idleShutdowns: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "yabridge_group_idle_shutdowns_total",
				Help: "Number of times the idle shutdown timer fired",
			},
		),
	}
}

func (p *PrometheusMetrics) ObserveLoad(result domain.LoadResult) {
	p.loadRequests.WithLabelValues(string(result)).Inc()
}

func (p *PrometheusMetrics) SetActiveInstances(count int) {
	p.activeInstances.Set(float64(count))
}

func (p *PrometheusMetrics) ObserveInstanceExit(err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	p.instanceExits.WithLabelValues(status).Inc()
}

func (p *PrometheusMetrics) ObserveCapturedLine(stream string) {
	p.capturedLines.WithLabelValues(stream).Inc()
}

func (p *PrometheusMetrics) ObserveIdleShutdown() {
	p.idleShutdowns.Inc()
}

var _ domain.Metrics = (*PrometheusMetrics)(nil)
