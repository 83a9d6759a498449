// Package broker is the hub between WebSocket consumers and backend
// sessions. It owns the session registry, consumer admission, fan-out,
// permission bookkeeping, and the slash command surface.
package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/beamcode/beamcode/internal/adapter"
	"github.com/beamcode/beamcode/internal/unified"
)

// Identity is an authenticated consumer.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"` // "participant" | "observer"
}

// CanWrite reports whether the identity may mutate the session.
func (id Identity) CanWrite() bool { return id.Role == RoleParticipant }

// Consumer roles.
const (
	RoleParticipant = "participant"
	RoleObserver    = "observer"
)

// Socket is the transport-facing side of a consumer connection. The server
// package implements it over gorilla/websocket; tests implement it in
// memory.
type Socket interface {
	// Send writes one text frame. Serialized by the implementation.
	Send(data []byte) error
	// Close closes with a status code and reason.
	Close(code int, reason string) error
}

// Session statuses surfaced to consumers.
const (
	StatusIdle       = "idle"
	StatusRunning    = "running"
	StatusCompacting = "compacting"
)

// SessionState is the consumer-visible description of a session, sent in
// session_init frames and mutated as backend messages arrive.
type SessionState struct {
	SessionID      string   `json:"session_id"`
	Adapter        string   `json:"adapter,omitempty"`
	Model          string   `json:"model,omitempty"`
	Cwd            string   `json:"cwd,omitempty"`
	Tools          []string `json:"tools,omitempty"`
	PermissionMode string   `json:"permissionMode,omitempty"`
	MCPServers     any      `json:"mcp_servers,omitempty"`
	SlashCommands  []string `json:"slash_commands,omitempty"`
	Skills         []string `json:"skills,omitempty"`

	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`

	Status         string `json:"status"`
	Connected      bool   `json:"connected"`
	Consumers      int    `json:"consumers"`
	CircuitBreaker any    `json:"circuitBreaker,omitempty"`
}

// pendingPassthrough tracks a slash command forwarded verbatim to the
// backend whose echo should come back as a slash_command_result.
type pendingPassthrough struct {
	Command string
	Sent    time.Time
}

// Session is the live state of one brokered conversation.
type Session struct {
	ID          string
	AdapterName string
	Cwd         string
	CreatedAt   time.Time

	mu sync.Mutex

	backend  adapter.BackendSession
	backends int // generation counter, bumps on every connect

	consumers map[Socket]Identity
	buckets   map[Socket]*tokenBucket
	anonSeq   int

	history             []unified.Message
	pendingMessages     []unified.Message
	pendingPermissions  map[string]unified.Message
	pendingPassthroughs []pendingPassthrough
	queuedMessage       *unified.Message // pre-connect UX slot, cleared on backend connect

	capabilities *adapter.CapabilityReport
	state        SessionState
	lastActivity time.Time
	firstTurn    bool // a result has been observed since launch
}

func newSession(id, adapterName, cwd string) *Session {
	return &Session{
		ID:                 id,
		AdapterName:        adapterName,
		Cwd:                cwd,
		CreatedAt:          time.Now(),
		consumers:          make(map[Socket]Identity),
		buckets:            make(map[Socket]*tokenBucket),
		pendingPermissions: make(map[string]unified.Message),
		state: SessionState{
			SessionID: id,
			Adapter:   adapterName,
			Cwd:       cwd,
			Status:    StatusIdle,
		},
		lastActivity: time.Now(),
	}
}

// Backend returns the connected backend session, or nil.
func (s *Session) Backend() adapter.BackendSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend
}

// Consumers returns a snapshot of the attached consumers.
func (s *Session) Consumers() map[Socket]Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Socket]Identity, len(s.consumers))
	for sock, id := range s.consumers {
		out[sock] = id
	}
	return out
}

// ConsumerCount returns the number of attached consumers.
func (s *Session) ConsumerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.consumers)
}

// Touch records activity for the idle reaper.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the last recorded activity.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Status returns the session status string.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Status
}

func (s *Session) setStatus(status string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Status == status {
		return false
	}
	s.state.Status = status
	return true
}

// State returns a copy of the consumer-visible session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SeedState replaces the session state wholesale. Used when restoring a
// persisted session at startup.
func (s *Session) SeedState(state SessionState) {
	s.mu.Lock()
	state.SessionID = orDefault(state.SessionID, s.ID)
	state.Adapter = orDefault(state.Adapter, s.AdapterName)
	state.Status = orDefault(state.Status, StatusIdle)
	s.state = state
	s.mu.Unlock()
}

// SetModel eagerly updates the advertised model. A later backend echo may
// overwrite it.
func (s *Session) SetModel(model string) {
	s.mu.Lock()
	s.state.Model = model
	s.mu.Unlock()
}

// PendingMessages returns a copy of the messages queued for the backend.
func (s *Session) PendingMessages() []unified.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]unified.Message, len(s.pendingMessages))
	copy(out, s.pendingMessages)
	return out
}

// SeedPendingMessages replaces the pending queue wholesale.
func (s *Session) SeedPendingMessages(msgs []unified.Message) {
	s.mu.Lock()
	s.pendingMessages = append([]unified.Message(nil), msgs...)
	s.mu.Unlock()
}

// PendingPermissions returns a copy of the unanswered permission requests.
func (s *Session) PendingPermissions() map[string]unified.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]unified.Message, len(s.pendingPermissions))
	for id, msg := range s.pendingPermissions {
		out[id] = msg
	}
	return out
}

// SeedPendingPermissions replaces the pending permission map wholesale.
func (s *Session) SeedPendingPermissions(reqs map[string]unified.Message) {
	s.mu.Lock()
	s.pendingPermissions = make(map[string]unified.Message, len(reqs))
	for id, msg := range reqs {
		s.pendingPermissions[id] = msg
	}
	s.mu.Unlock()
}

// applyInit merges a backend session_init snapshot into the state.
func (s *Session) applyInit(msg unified.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v := msg.MetaString("session_id"); v != "" {
		s.state.SessionID = v
	}
	if v := msg.MetaString("model"); v != "" {
		s.state.Model = v
	}
	if v := msg.MetaString("cwd"); v != "" {
		s.state.Cwd = v
	}
	if v := msg.MetaString("permissionMode"); v != "" {
		s.state.PermissionMode = v
	}
	if tools := stringList(msg.Metadata["tools"]); tools != nil {
		s.state.Tools = tools
	}
	if cmds := stringList(msg.Metadata["slash_commands"]); cmds != nil {
		s.state.SlashCommands = cmds
	}
	if skills := stringList(msg.Metadata["skills"]); skills != nil {
		s.state.Skills = skills
	}
	if servers, ok := msg.Metadata["mcp_servers"]; ok {
		s.state.MCPServers = servers
	}
}

// applyResult rolls a turn's cost and token usage into the state.
func (s *Session) applyResult(msg unified.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cost, ok := msg.MetaFloat("total_cost_usd"); ok {
		s.state.TotalCostUSD += cost
	}
	if n, ok := msg.MetaInt("num_turns"); ok {
		s.state.NumTurns = n
	} else {
		s.state.NumTurns++
	}
	if usage, ok := msg.Metadata["usage"].(map[string]any); ok {
		if v, ok := usage["input_tokens"].(float64); ok {
			s.state.InputTokens += int(v)
		}
		if v, ok := usage["output_tokens"].(float64); ok {
			s.state.OutputTokens += int(v)
		}
	}
}

// applyStatusChange records backend-reported status and permission mode.
func (s *Session) applyStatusChange(msg unified.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v := msg.MetaString("status"); v != "" {
		s.state.Status = v
	}
	mode := msg.MetaString("permission_mode")
	if mode == "" {
		mode = msg.MetaString("mode")
	}
	if mode != "" {
		s.state.PermissionMode = mode
	}
}

// stringList coerces a metadata value into a list of names. Entries may be
// plain strings or objects carrying a "name" field.
func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		if direct, ok := v.([]string); ok {
			return direct
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		switch e := item.(type) {
		case string:
			out = append(out, e)
		case map[string]any:
			if name, _ := e["name"].(string); name != "" {
				out = append(out, name)
			}
		}
	}
	return out
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// History returns a copy of the consumer-visible message history.
func (s *Session) History() []unified.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]unified.Message, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) appendHistory(msg unified.Message) {
	s.mu.Lock()
	s.history = append(s.history, msg)
	s.mu.Unlock()
}

// SeedHistory replaces the history wholesale. Used when restoring a
// persisted session at startup.
func (s *Session) SeedHistory(msgs []unified.Message) {
	s.mu.Lock()
	s.history = append([]unified.Message(nil), msgs...)
	s.mu.Unlock()
}

// ClearHistory drops the visible history. Used by /clear.
func (s *Session) ClearHistory() {
	s.mu.Lock()
	s.history = nil
	s.mu.Unlock()
}

// Capabilities returns the last capability report, or nil.
func (s *Session) Capabilities() *adapter.CapabilityReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capabilities
}

// SessionStore is the broker's session registry.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionStore creates an empty registry.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*Session)}
}

// Create registers a new session. Fails on duplicate id.
func (st *SessionStore) Create(id, adapterName, cwd string) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, exists := st.sessions[id]; exists {
		return nil, fmt.Errorf("session already exists: %s", id)
	}
	s := newSession(id, adapterName, cwd)
	st.sessions[id] = s
	return s, nil
}

// Get returns the session, or nil.
func (st *SessionStore) Get(id string) *Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.sessions[id]
}

// Remove deletes the session from the registry.
func (st *SessionStore) Remove(id string) {
	st.mu.Lock()
	delete(st.sessions, id)
	st.mu.Unlock()
}

// All returns a snapshot of every session.
func (st *SessionStore) All() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of registered sessions.
func (st *SessionStore) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
