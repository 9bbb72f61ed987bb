package telemetry

import (
	"time"

	"go.uber.org/zap"

	"github.com/zhangkaiitugithub/yabridge/internal/domain"
)

const (
	FieldEvent      = "event"
	FieldInstanceID = "instanceID"
	FieldPlugin     = "plugin"
	FieldSocket     = "socket"
	FieldState      = "state"
	FieldDurationMs = "duration_ms"
	FieldLogSource  = "log_source"
	FieldLogStream  = "stream"
)

const (
	EventLoadRequest   = "load_request"
	EventLoadSuccess   = "load_success"
	EventLoadFailure   = "load_failure"
	EventInstanceExit  = "instance_exit"
	EventIdleArmed     = "idle_armed"
	EventIdleCancelled = "idle_cancelled"
	EventIdleShutdown  = "idle_shutdown"
	EventStateChange   = "state_change"
	EventAddressInUse  = "address_in_use"
	EventStaleSocket   = "stale_socket"
	EventRelayStopped  = "relay_stopped"
	EventHostExited    = "host_exited"
)

const (
	LogSourceCore   = "core"
	LogSourcePlugin = "plugin"
)

func EventField(event string) zap.Field {
	return zap.String(FieldEvent, event)
}

func InstanceIDField(instanceID string) zap.Field {
	return zap.String(FieldInstanceID, instanceID)
}

func RequestFields(req domain.GroupRequest) []zap.Field {
	return []zap.Field{
		zap.String(FieldPlugin, req.PluginPath),
		zap.String(FieldSocket, req.SocketPath),
	}
}

func StateField(state string) zap.Field {
	return zap.String(FieldState, state)
}

func DurationField(duration time.Duration) zap.Field {
	return zap.Int64(FieldDurationMs, duration.Milliseconds())
}
