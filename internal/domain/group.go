package domain

import (
	"context"
	"fmt"
)

// GroupRequest identifies one request to host a plugin inside a group
// process. It is comparable and used as the instance registry key.
type GroupRequest struct {
	// PluginPath is the path to the plugin binary that should be loaded.
	PluginPath string
	// SocketPath is the per-instance socket the launcher and the new
	// instance use for the actual interface bridging.
	SocketPath string
}

func (r GroupRequest) String() string {
	return fmt.Sprintf("%s (%s)", r.PluginPath, r.SocketPath)
}

// Validate reports whether the request carries both paths.
func (r GroupRequest) Validate() error {
	if r.PluginPath == "" {
		return E(CodeInvalidArgument, "group request", "plugin path is empty", ErrInvalidRequest)
	}
	if r.SocketPath == "" {
		return E(CodeInvalidArgument, "group request", "socket path is empty", ErrInvalidRequest)
	}
	return nil
}

// PluginInstance is an initialized plugin hosted by the group. Its dispatch
// internals are owned by the bridging layer; the group only drives its
// lifecycle.
type PluginInstance interface {
	// Serve handles bridged calls until the plugin exits or ctx is done.
	Serve(ctx context.Context) error
	// PumpEvents runs one iteration of the GUI event loop. It is always
	// called on the designated GUI thread.
	PumpEvents()
	// Close releases the instance. It is always called on the designated
	// GUI thread.
	Close() error
}

// LoadOptions carries the group-wide collaborators handed to a loader.
type LoadOptions struct {
	Gate MessageLoopGate
}

// PluginLoader creates plugin instances. Load is always called on the
// designated GUI thread. ctx bounds initialization only; the returned
// instance must outlive it.
type PluginLoader interface {
	Load(ctx context.Context, req GroupRequest, opts LoadOptions) (PluginInstance, error)
}

// PluginLoaderFunc adapts a function to PluginLoader.
type PluginLoaderFunc func(ctx context.Context, req GroupRequest, opts LoadOptions) (PluginInstance, error)

func (f PluginLoaderFunc) Load(ctx context.Context, req GroupRequest, opts LoadOptions) (PluginInstance, error) {
	return f(ctx, req, opts)
}

// MessageLoopGate lets an instance defer the shared event loop while it is
// between opening its editor and reporting the editor geometry.
type MessageLoopGate interface {
	Hold() (release func())
	ShouldPostpone() bool
}

// LogSink receives captured output lines.
type LogSink interface {
	Log(prefix, line string)
}

// LogSinkFunc adapts a function to LogSink.
type LogSinkFunc func(prefix, line string)

func (f LogSinkFunc) Log(prefix, line string) {
	f(prefix, line)
}
