package telemetry

import (
	"go.uber.org/zap"

	"github.com/zhangkaiitugithub/yabridge/internal/domain"
)

// ZapSink writes captured output lines to a zap logger.
type ZapSink struct {
	logger *zap.Logger
}

func NewZapSink(logger *zap.Logger) *ZapSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapSink{
		logger: logger.With(zap.String(FieldLogSource, LogSourcePlugin)),
	}
}

func (s *ZapSink) Log(prefix, line string) {
	s.logger.Info(prefix+": "+line, zap.String(FieldLogStream, prefix))
}

var _ domain.LogSink = (*ZapSink)(nil)
