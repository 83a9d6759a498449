// Package adapter defines the interface every backend must implement and the
// registry mapping adapter names to implementations. Adapters own the
// translation between their native wire format and the unified schema; the
// broker never inspects backend JSON directly.
package adapter

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gorilla/websocket"

	"github.com/beamcode/beamcode/internal/supervisor"
	"github.com/beamcode/beamcode/internal/unified"
)

// ErrSessionClosed is returned by Send and SendRaw after Close.
var ErrSessionClosed = errors.New("backend session closed")

// ErrRawUnsupported is returned by SendRaw on backends without a
// pre-serialized native form.
var ErrRawUnsupported = errors.New("raw send not supported")

// Capabilities describes what a backend supports.
type Capabilities struct {
	Streaming     bool   `json:"streaming"`
	Permissions   bool   `json:"permissions"`
	SlashCommands bool   `json:"slashCommands"`
	Availability  string `json:"availability"` // "local" | "remote"
	Teams         bool   `json:"teams"`
}

// ConnectOptions parameterize a backend connection.
type ConnectOptions struct {
	SessionID string
	Cwd       string
	// Resume is the backend's own session/thread id from a previous run,
	// or "" for a fresh conversation.
	Resume  string
	Options map[string]any
}

// Adapter is a factory for backend sessions.
type Adapter interface {
	// Name is the registry key ("claude", "codex", ...).
	Name() string

	// Capabilities reports what this backend supports.
	Capabilities() Capabilities

	// Connect establishes a session with the backend.
	Connect(ctx context.Context, opts ConnectOptions) (BackendSession, error)
}

// BackendSession is a bidirectional stream of unified messages.
type BackendSession interface {
	// Send enqueues a message toward the backend. Non-blocking; returns
	// ErrSessionClosed after Close. The translator decides the wire form
	// and may drop the message entirely.
	Send(msg unified.Message) error

	// SendRaw enqueues a pre-serialized native frame. Backends without a
	// native text form return ErrRawUnsupported.
	SendRaw(text string) error

	// Messages is the single-subscriber inbound stream. The channel closes
	// when the backend ends; only a reconnect produces a fresh stream.
	Messages() <-chan unified.Message

	// Close terminates the stream and releases resources. Idempotent.
	Close() error
}

// PassthroughCapable is implemented by sessions that echo user messages,
// letting the broker intercept the echo of a forwarded slash command. The
// handler returns true when it consumed the message.
type PassthroughCapable interface {
	SetPassthroughHandler(fn func(msg unified.Message) bool)
}

// CapabilityReport is the backend's advertised command/model/account set.
type CapabilityReport struct {
	Commands json.RawMessage `json:"commands,omitempty"`
	Models   json.RawMessage `json:"models,omitempty"`
	Account  json.RawMessage `json:"account,omitempty"`
	Skills   json.RawMessage `json:"skills,omitempty"`
}

// CapabilityRequester is implemented by sessions that can ask the backend
// for its capabilities after init.
type CapabilityRequester interface {
	RequestCapabilities(ctx context.Context) (*CapabilityReport, error)
}

// NativeHandleProvider exposes the backend's own session id (Claude's
// session UUID, Codex's thread id) so sessions survive broker restarts.
type NativeHandleProvider interface {
	NativeHandle() string
}

// Launchable is implemented by adapters whose backend process the launcher
// forward-spawns. BuildSpawnArgs is pure: it never touches process state.
// resume is the backend-native session id to continue, or "".
type Launchable interface {
	BuildSpawnArgs(sessionID, cwd, resume string) supervisor.SpawnSpec
}

// InvertedConnection is implemented by adapters whose CLI dials in to the
// broker. DeliverSocket hands over an accepted WebSocket; a false return
// tells the server to close it.
type InvertedConnection interface {
	DeliverSocket(sessionID string, conn *websocket.Conn) bool
}
