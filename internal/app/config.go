package app

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/zhangkaiitugithub/yabridge/internal/domain"
	"github.com/zhangkaiitugithub/yabridge/internal/infra/sockpath"
)

// Config is the resolved group host configuration.
type Config struct {
	GroupName           string
	Prefix              string
	Architecture        string
	GroupSocket         string
	IdleTimeout         time.Duration
	MessageLoopInterval time.Duration
	// InitTimeout bounds a single plugin initialization. Zero means unbounded.
	InitTimeout      time.Duration
	ShutdownTimeout  time.Duration
	LogFile          string
	LogLevel         string
	CaptureStdio     bool
	RealtimePriority int
	Observability    ObservabilityConfig
	HealthSocket     string
	Plugin           PluginConfig
}

type ObservabilityConfig struct {
	ListenAddress string
}

type PluginConfig struct {
	Backend      string
	HostCommand  []string
	Env          map[string]string
	ReadyTimeout time.Duration
}

// ConfigSource says where configuration comes from. Precedence is flags,
// then YABRIDGE_GROUP_* environment variables, then the file, then defaults.
type ConfigSource struct {
	Path string
	// Flags maps config keys to command-line flags.
	Flags map[string]*pflag.Flag
}

type rawConfig struct {
	GroupName              string                 `mapstructure:"groupName"`
	Prefix                 string                 `mapstructure:"prefix"`
	Architecture           string                 `mapstructure:"architecture"`
	GroupSocket            string                 `mapstructure:"groupSocket"`
	IdleTimeoutSeconds     int                    `mapstructure:"idleTimeoutSeconds"`
	MessageLoopHz          int                    `mapstructure:"messageLoopHz"`
	InitTimeoutSeconds     int                    `mapstructure:"initTimeoutSeconds"`
	ShutdownTimeoutSeconds int                    `mapstructure:"shutdownTimeoutSeconds"`
	LogFile                string                 `mapstructure:"logFile"`
	LogLevel               string                 `mapstructure:"logLevel"`
	CaptureStdio           bool                   `mapstructure:"captureStdio"`
	RealtimePriority       int                    `mapstructure:"realtimePriority"`
	HealthSocket           string                 `mapstructure:"healthSocket"`
	Observability          rawObservabilityConfig `mapstructure:"observability"`
	Plugin                 rawPluginConfig        `mapstructure:"plugin"`
}

type rawObservabilityConfig struct {
	ListenAddress string `mapstructure:"listenAddress"`
}

type rawPluginConfig struct {
	Backend             string            `mapstructure:"backend"`
	HostCommand         []string          `mapstructure:"hostCommand"`
	Env                 map[string]string `mapstructure:"env"`
	ReadyTimeoutSeconds int               `mapstructure:"readyTimeoutSeconds"`
}

func newConfigViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(domain.EnvConfigPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setConfigDefaults(v)
	return v
}

func setConfigDefaults(v *viper.Viper) {
	v.SetDefault("groupName", domain.DefaultGroupName)
	v.SetDefault("prefix", defaultPrefix())
	v.SetDefault("architecture", domain.DefaultArchitecture)
	v.SetDefault("groupSocket", "")
	v.SetDefault("idleTimeoutSeconds", domain.DefaultIdleTimeoutSeconds)
	v.SetDefault("messageLoopHz", domain.DefaultMessageLoopHz)
	v.SetDefault("initTimeoutSeconds", domain.DefaultInitTimeoutSeconds)
	v.SetDefault("shutdownTimeoutSeconds", domain.DefaultShutdownTimeoutSeconds)
	v.SetDefault("logFile", "")
	v.SetDefault("logLevel", domain.DefaultLogLevel)
	v.SetDefault("captureStdio", domain.DefaultCaptureStdio)
	v.SetDefault("realtimePriority", 0)
	v.SetDefault("healthSocket", domain.DefaultHealthSocket)
	v.SetDefault("observability.listenAddress", domain.DefaultObservabilityListenAddress)
	v.SetDefault("plugin.backend", domain.DefaultPluginBackend)
	v.SetDefault("plugin.hostCommand", []string{})
	v.SetDefault("plugin.readyTimeoutSeconds", domain.DefaultPluginReadyTimeoutSeconds)
}

func defaultPrefix() string {
	if prefix := strings.TrimSpace(os.Getenv("WINEPREFIX")); prefix != "" {
		return prefix
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.wine"
}

// LoadConfig resolves the configuration. Missing ${VAR} references in the
// file are logged and expand to empty strings.
func LoadConfig(ctx context.Context, src ConfigSource, logger *zap.Logger) (Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := newConfigViper()

	if path := strings.TrimSpace(src.Path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		expanded, missing, err := expandConfigEnv(data)
		if err != nil {
			return Config{}, err
		}
		if len(missing) > 0 {
			logger.Warn("missing environment variables in config", zap.String("path", path), zap.Strings("missing", missing))
		}
		if err := v.ReadConfig(bytes.NewBufferString(expanded)); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	for key, flag := range src.Flags {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return Config{}, fmt.Errorf("bind flag %s: %w", flag.Name, err)
		}
	}

	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Config{}, err
	}

	if errs := validateRawConfig(raw); len(errs) > 0 {
		return Config{}, domain.E(domain.CodeInvalidArgument, "load config", strings.Join(errs, "; "), nil)
	}
	return normalizeConfig(raw), nil
}

func validateRawConfig(raw rawConfig) []string {
	var errs []string
	if raw.IdleTimeoutSeconds < 1 {
		errs = append(errs, "idleTimeoutSeconds must be >= 1")
	}
	if raw.MessageLoopHz < 1 || raw.MessageLoopHz > 1000 {
		errs = append(errs, "messageLoopHz must be between 1 and 1000")
	}
	if raw.InitTimeoutSeconds < 0 {
		errs = append(errs, "initTimeoutSeconds must be >= 0")
	}
	if raw.ShutdownTimeoutSeconds < 1 {
		errs = append(errs, "shutdownTimeoutSeconds must be >= 1")
	}
	if raw.RealtimePriority < 0 || raw.RealtimePriority > 99 {
		errs = append(errs, "realtimePriority must be between 0 and 99")
	}
	if _, err := zapcore.ParseLevel(strings.TrimSpace(raw.LogLevel)); err != nil {
		errs = append(errs, fmt.Sprintf("logLevel %q is not a valid level", raw.LogLevel))
	}
	switch strings.ToLower(strings.TrimSpace(raw.Plugin.Backend)) {
	case domain.PluginBackendExec:
		if raw.Plugin.ReadyTimeoutSeconds < 1 {
			errs = append(errs, "plugin.readyTimeoutSeconds must be >= 1")
		}
	default:
		errs = append(errs, fmt.Sprintf("plugin.backend %q is not supported", raw.Plugin.Backend))
	}
	if strings.TrimSpace(raw.GroupSocket) == "" && strings.TrimSpace(raw.GroupName) == "" {
		errs = append(errs, "groupSocket or groupName is required")
	}
	return errs
}

func normalizeConfig(raw rawConfig) Config {
	groupName := strings.TrimSpace(raw.GroupName)
	if groupName == "" {
		groupName = domain.DefaultGroupName
	}
	socket := strings.TrimSpace(raw.GroupSocket)
	if socket == "" {
		socket = sockpath.Group(groupName, raw.Prefix, raw.Architecture)
	}
	// Viper lowercases map keys; environment variable names are uppercase.
	var env map[string]string
	if len(raw.Plugin.Env) > 0 {
		env = make(map[string]string, len(raw.Plugin.Env))
		for key, value := range raw.Plugin.Env {
			env[strings.ToUpper(key)] = value
		}
	}
	command := make([]string, 0, len(raw.Plugin.HostCommand))
	for _, arg := range raw.Plugin.HostCommand {
		if arg = strings.TrimSpace(arg); arg != "" {
			command = append(command, arg)
		}
	}

	return Config{
		GroupName:           groupName,
		Prefix:              strings.TrimSpace(raw.Prefix),
		Architecture:        strings.TrimSpace(raw.Architecture),
		GroupSocket:         socket,
		IdleTimeout:         time.Duration(raw.IdleTimeoutSeconds) * time.Second,
		MessageLoopInterval: time.Second / time.Duration(raw.MessageLoopHz),
		InitTimeout:         time.Duration(raw.InitTimeoutSeconds) * time.Second,
		ShutdownTimeout:     time.Duration(raw.ShutdownTimeoutSeconds) * time.Second,
		LogFile:             strings.TrimSpace(raw.LogFile),
		LogLevel:            strings.TrimSpace(raw.LogLevel),
		CaptureStdio:        raw.CaptureStdio,
		RealtimePriority:    raw.RealtimePriority,
		Observability:       ObservabilityConfig{ListenAddress: strings.TrimSpace(raw.Observability.ListenAddress)},
		HealthSocket:        strings.TrimSpace(raw.HealthSocket),
		Plugin: PluginConfig{
			Backend:      strings.ToLower(strings.TrimSpace(raw.Plugin.Backend)),
			HostCommand:  command,
			Env:          env,
			ReadyTimeout: time.Duration(raw.Plugin.ReadyTimeoutSeconds) * time.Second,
		},
	}
}

// RequireHostCommand reports an error when the exec backend has nothing to
// run. Only serving needs it, so LoadConfig does not enforce it.
func (c Config) RequireHostCommand() error {
	if c.Plugin.Backend == domain.PluginBackendExec && len(c.Plugin.HostCommand) == 0 {
		return domain.E(domain.CodeInvalidArgument, "load config", "plugin.hostCommand is required for the exec backend", nil)
	}
	return nil
}
