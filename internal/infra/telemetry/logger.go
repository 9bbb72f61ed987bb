package telemetry

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"
)

type LoggerOptions struct {
	// Level is a zap level name, e.g. "debug" or "info".
	Level string
	// File receives the log when set. Otherwise the logger writes to a
	// duplicate of the process stderr taken before any capture, so it keeps
	// reaching the terminal after fd 2 is redirected.
	File string
	// Prefix is prepended to every logger name, usually the group name.
	Prefix string
}

// Logging bundles the process logger with its adjustable level.
type Logging struct {
	Logger *zap.Logger
	Level  zap.AtomicLevel
	out    *os.File
}

// NewLogging builds the process logger.
func NewLogging(opts LoggerOptions) (*Logging, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	out, err := openLogOutput(opts.File)
	if err != nil {
		return nil, err
	}

	atomic := zap.NewAtomicLevelAt(level)
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.Lock(out), atomic)

	logger := zap.New(core, zap.ErrorOutput(zapcore.Lock(out)))
	if name := strings.TrimSpace(opts.Prefix); name != "" {
		logger = logger.Named(name)
	}
	return &Logging{Logger: logger, Level: atomic, out: out}, nil
}

// SetLevel changes the level of every logger derived from this bundle.
func (l *Logging) SetLevel(raw string) error {
	level, err := ParseLevel(raw)
	if err != nil {
		return err
	}
	l.Level.SetLevel(level)
	return nil
}

// Close flushes the logger and closes its output.
func (l *Logging) Close() {
	_ = l.Logger.Sync()
	_ = l.out.Close()
}

// ParseLevel parses a level name; empty means info.
func ParseLevel(raw string) (zapcore.Level, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return zapcore.InfoLevel, nil
	}
	level, err := zapcore.ParseLevel(raw)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("parse log level: %w", err)
	}
	return level, nil
}

func openLogOutput(path string) (*os.File, error) {
	if path = strings.TrimSpace(path); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		return f, nil
	}
	fd, err := unix.FcntlInt(uintptr(unix.Stderr), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("duplicate stderr: %w", err)
	}
	return os.NewFile(uintptr(fd), "stderr"), nil
}
