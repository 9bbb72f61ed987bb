package domain

const (
	DefaultIdleTimeoutSeconds         = 4
	DefaultMessageLoopHz              = 60
	DefaultInitTimeoutSeconds         = 0
	DefaultShutdownTimeoutSeconds     = 5
	DefaultPluginReadyTimeoutSeconds  = 30
	DefaultObservabilityListenAddress = ""
	DefaultHealthSocket               = ""
	DefaultLogLevel                   = "info"
	DefaultCaptureStdio               = true
	DefaultPluginBackend              = PluginBackendExec
	DefaultGroupName                  = "default"
	DefaultArchitecture               = "x64"
	MaxFrameSize                      = 64 * 1024
)

const (
	EnvPluginPath   = "YABRIDGE_PLUGIN_PATH"
	EnvPluginSocket = "YABRIDGE_PLUGIN_SOCKET"
	EnvConfigPrefix = "YABRIDGE_GROUP"
)

// PluginBackendExec hosts every plugin in a helper process started from the
// configured host command.
const PluginBackendExec = "exec"
