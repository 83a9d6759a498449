package broker

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/beamcode/beamcode/internal/unified"
	"github.com/beamcode/beamcode/pkg/protocol"
)

// Command handling strategies.
type commandKind int

const (
	// cmdLocal is answered by the broker without touching the backend.
	cmdLocal commandKind = iota
	// cmdRelay is answered from broker-side session state or mapped onto
	// an adapter-agnostic operation.
	cmdRelay
	// cmdPassthrough is forwarded verbatim; the backend's echo becomes the
	// result.
	cmdPassthrough
)

type commandSpec struct {
	Name        string
	Description string
	Kind        commandKind
}

// CommandRegistry holds two layers: an immutable built-in set and a dynamic
// per-session set reseeded from each backend's advertised commands. Built-ins
// always win on name collision.
type CommandRegistry struct {
	mu      sync.RWMutex
	builtin map[string]commandSpec
	dynamic map[string]map[string]commandSpec
}

// NewCommandRegistry creates the registry with the built-in layer seeded.
func NewCommandRegistry() *CommandRegistry {
	builtin := map[string]commandSpec{
		"help":    {Name: "help", Description: "List available commands", Kind: cmdLocal},
		"clear":   {Name: "clear", Description: "Clear the visible message history", Kind: cmdLocal},
		"model":   {Name: "model", Description: "Show or switch the model", Kind: cmdRelay},
		"status":  {Name: "status", Description: "Show session status", Kind: cmdRelay},
		"config":  {Name: "config", Description: "Show session configuration", Kind: cmdRelay},
		"cost":    {Name: "cost", Description: "Show accumulated cost", Kind: cmdRelay},
		"context": {Name: "context", Description: "Show context window usage", Kind: cmdRelay},
	}
	return &CommandRegistry{
		builtin: builtin,
		dynamic: make(map[string]map[string]commandSpec),
	}
}

// Resolve looks a command up for a session.
func (r *CommandRegistry) Resolve(sessionID, name string) (commandSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if spec, ok := r.builtin[name]; ok {
		return spec, true
	}
	if cmds, ok := r.dynamic[sessionID]; ok {
		if spec, ok := cmds[name]; ok {
			return spec, true
		}
	}
	return commandSpec{}, false
}

// List returns every command visible to a session, built-ins first.
func (r *CommandRegistry) List(sessionID string) []commandSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]commandSpec, 0, len(r.builtin)+len(r.dynamic[sessionID]))
	for _, spec := range r.builtin {
		out = append(out, spec)
	}
	for name, spec := range r.dynamic[sessionID] {
		if _, shadowed := r.builtin[name]; !shadowed {
			out = append(out, spec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ReseedFromInit replaces the session's dynamic layer from a backend init:
// built-ins are preserved, every advertised command and skill comes in as a
// passthrough.
func (r *CommandRegistry) ReseedFromInit(sessionID string, commands, skills []string) {
	cmds := make(map[string]commandSpec, len(commands)+len(skills))
	for _, name := range commands {
		name = strings.TrimPrefix(name, "/")
		if name == "" {
			continue
		}
		cmds[name] = commandSpec{Name: name, Kind: cmdPassthrough}
	}
	for _, name := range skills {
		name = strings.TrimPrefix(name, "/")
		if name == "" {
			continue
		}
		if _, ok := cmds[name]; !ok {
			cmds[name] = commandSpec{Name: name, Kind: cmdPassthrough}
		}
	}

	r.mu.Lock()
	r.dynamic[sessionID] = cmds
	r.mu.Unlock()
}

// Enrich folds a backend capability report into the dynamic layer in place:
// known commands gain descriptions, unknown ones are added as passthroughs.
// The expected shape is a JSON array of {name, description}.
func (r *CommandRegistry) Enrich(sessionID string, raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	var advertised []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(raw, &advertised); err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cmds := r.dynamic[sessionID]
	if cmds == nil {
		cmds = make(map[string]commandSpec, len(advertised))
		r.dynamic[sessionID] = cmds
	}
	for _, c := range advertised {
		name := strings.TrimPrefix(c.Name, "/")
		if name == "" {
			continue
		}
		spec, ok := cmds[name]
		if !ok {
			spec = commandSpec{Name: name, Kind: cmdPassthrough}
		}
		spec.Description = c.Description
		cmds[name] = spec
	}
}

// Drop forgets the session's dynamic layer.
func (r *CommandRegistry) Drop(sessionID string) {
	r.mu.Lock()
	delete(r.dynamic, sessionID)
	r.mu.Unlock()
}

// handleSlashCommand dispatches one slash command from a consumer.
func (b *Broker) handleSlashCommand(s *Session, sock Socket, identity Identity, command string) {
	name, args := splitCommand(command)
	spec, ok := b.commands.Resolve(s.ID, name)
	if !ok {
		// Not ours to answer: the backend knows its own commands and will
		// report an unknown one itself.
		b.logger.Debug("forwarding unrecognized command", "session_id", s.ID, "command", name)
		b.forwardToBackend(s, unified.UserText(command), true)
		return
	}

	b.logger.Info("slash command", "session_id", s.ID,
		"command", name, "user_id", identity.UserID)

	switch spec.Kind {
	case cmdLocal:
		b.runLocalCommand(s, sock, name)
	case cmdRelay:
		b.runRelayCommand(s, sock, name, args)
	case cmdPassthrough:
		b.runPassthroughCommand(s, sock, command)
	}
}

// runLocalCommand answers without involving the backend. Results go to the
// requesting socket only; /clear additionally resets everyone's history.
func (b *Broker) runLocalCommand(s *Session, sock Socket, name string) {
	switch name {
	case "help":
		var sb strings.Builder
		for _, spec := range b.commands.List(s.ID) {
			fmt.Fprintf(&sb, "/%s", spec.Name)
			if spec.Description != "" {
				fmt.Fprintf(&sb, " - %s", spec.Description)
			}
			sb.WriteByte('\n')
		}
		b.commandResult(sock, name, strings.TrimRight(sb.String(), "\n"))

	case "clear":
		s.ClearHistory()
		b.persistSession(s)
		b.broadcast(s, protocol.Outbound{Type: protocol.TypeMessageHistory, Messages: []unified.Message{}})
		b.commandResult(sock, name, "history cleared")
	}
}

// runRelayCommand answers from broker-side state or maps onto an
// adapter-agnostic operation.
func (b *Broker) runRelayCommand(s *Session, sock Socket, name, args string) {
	switch name {
	case "model":
		if args != "" {
			b.forwardToBackend(s, unified.Message{
				Type:     unified.TypeConfigurationChange,
				Metadata: map[string]any{"subtype": "set_model", "model": args},
			}, false)
			b.commandResult(sock, name, fmt.Sprintf("model set to %s", args))
			return
		}
		if caps := s.Capabilities(); caps != nil && len(caps.Models) > 0 {
			b.commandResult(sock, name, string(caps.Models))
			return
		}
		b.commandResult(sock, name, "no model information available")

	case "status":
		snapshot, _ := json.MarshalIndent(b.sessionSnapshot(s), "", "  ")
		b.commandResult(sock, name, string(snapshot))

	case "config":
		cfg := map[string]any{
			"adapter": s.AdapterName,
			"cwd":     s.Cwd,
		}
		if a, err := b.registry.Get(s.AdapterName); err == nil {
			cfg["capabilities"] = a.Capabilities()
		}
		data, _ := json.MarshalIndent(cfg, "", "  ")
		b.commandResult(sock, name, string(data))

	case "cost":
		var total float64
		for _, msg := range s.History() {
			if msg.Type != unified.TypeResult {
				continue
			}
			if cost, ok := msg.MetaFloat("total_cost_usd"); ok {
				total += cost
			}
		}
		b.commandResult(sock, name, fmt.Sprintf("total cost: $%.4f", total))

	case "context":
		history := s.History()
		for i := len(history) - 1; i >= 0; i-- {
			if history[i].Type != unified.TypeResult {
				continue
			}
			if usage, ok := history[i].Metadata["usage"]; ok {
				data, _ := json.MarshalIndent(usage, "", "  ")
				b.commandResult(sock, name, string(data))
				return
			}
		}
		b.commandResult(sock, name, "no usage information available")
	}
}

// runPassthroughCommand forwards the command text verbatim and arms the
// one-shot echo interceptor.
func (b *Broker) runPassthroughCommand(s *Session, sock Socket, command string) {
	s.mu.Lock()
	backend := s.backend
	if backend != nil {
		s.pendingPassthroughs = append(s.pendingPassthroughs, pendingPassthrough{
			Command: command,
			Sent:    time.Now(),
		})
	}
	s.mu.Unlock()

	if backend == nil {
		b.sendTo(sock, protocol.Outbound{
			Type:    protocol.TypeSlashCommandError,
			Command: command,
			CmdErr:  "backend not connected",
		})
		return
	}

	if err := backend.Send(unified.UserText(command)); err != nil {
		s.mu.Lock()
		if n := len(s.pendingPassthroughs); n > 0 {
			s.pendingPassthroughs = s.pendingPassthroughs[:n-1]
		}
		s.mu.Unlock()
		b.sendTo(sock, protocol.Outbound{
			Type:    protocol.TypeSlashCommandError,
			Command: command,
			CmdErr:  err.Error(),
		})
	}
}

func (b *Broker) commandResult(sock Socket, command, content string) {
	b.sendTo(sock, protocol.Outbound{
		Type:    protocol.TypeSlashCommandResult,
		Command: "/" + command,
		Content: content,
		Source:  "emulated",
	})
}

// splitCommand splits "/model opus" into ("model", "opus").
func splitCommand(command string) (name, args string) {
	command = strings.TrimPrefix(strings.TrimSpace(command), "/")
	if i := strings.IndexByte(command, ' '); i >= 0 {
		return command[:i], strings.TrimSpace(command[i+1:])
	}
	return command, ""
}
