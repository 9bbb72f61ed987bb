package telemetry

import "github.com/zhangkaiitugithub/yabridge/internal/domain"

type NoopMetrics struct{}

func NewNoopMetrics() *NoopMetrics {
	return &NoopMetrics{}
}

func (n *NoopMetrics) ObserveLoad(_ domain.LoadResult) {}

func (n *NoopMetrics) SetActiveInstances(_ int) {}

func (n *NoopMetrics) ObserveInstanceExit(_ error) {}

func (n *NoopMetrics) ObserveCapturedLine(_ string) {}

func (n *NoopMetrics) ObserveIdleShutdown() {}

var _ domain.Metrics = (*NoopMetrics)(nil)
