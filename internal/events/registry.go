// ABOUTME: Process-wide table of connected agents and their event channels
// ABOUTME: Supports targeted push, broadcast fallback and a per-agent connection cap

package events

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
)

const (
	// DefaultMaxConnectionsPerAgent caps concurrent event streams per agent.
	DefaultMaxConnectionsPerAgent = 5

	// DefaultBufferSize is the channel buffer for each handle.
	DefaultBufferSize = 64
)

// ErrTooManyConnections is returned by Register when the agent is at its cap.
var ErrTooManyConnections = errors.New("too many connections")

// ErrClosed is returned by Register after CloseAll.
var ErrClosed = errors.New("event registry closed")

// Event is one message written to an agent's stream. Data must be JSON-encodable;
// the registry never looks inside it.
type Event struct {
	Type string
	Data any
}

// Handle is one registered connection. Its channel is closed when the
// handle is unregistered or the registry shuts down.
type Handle struct {
	id      string
	agentID string
	ch      chan Event
}

// ID returns the connection ID.
func (h *Handle) ID() string { return h.id }

// AgentID returns the agent the handle is registered for.
func (h *Handle) AgentID() string { return h.agentID }

// Events returns the channel events arrive on.
func (h *Handle) Events() <-chan Event { return h.ch }

// Registry maps agent IDs to their live handles.
type Registry struct {
	mu          sync.RWMutex
	handles     map[string]map[string]*Handle // agentID -> handleID -> handle
	maxPerAgent int
	bufferSize  int
	closed      bool
	logger      *slog.Logger
}

// NewRegistry creates a registry. Non-positive limits use the defaults.
// Pass nil logger for default.
func NewRegistry(maxPerAgent, bufferSize int, logger *slog.Logger) *Registry {
	if maxPerAgent <= 0 {
		maxPerAgent = DefaultMaxConnectionsPerAgent
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handles:     make(map[string]map[string]*Handle),
		maxPerAgent: maxPerAgent,
		bufferSize:  bufferSize,
		logger:      logger.With("component", "registry"),
	}
}

// Register adds a handle for agentID. Connections beyond the cap are
// rejected with ErrTooManyConnections, not queued.
func (r *Registry) Register(agentID string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	set, ok := r.handles[agentID]
	if !ok {
		set = make(map[string]*Handle)
		r.handles[agentID] = set
	}
	if len(set) >= r.maxPerAgent {
		return nil, ErrTooManyConnections
	}

	h := &Handle{
		id:      uuid.New().String(),
		agentID: agentID,
		ch:      make(chan Event, r.bufferSize),
	}
	set[h.id] = h

	r.logger.Debug("handle registered", "agent_id", agentID, "handle_id", h.id, "connections", len(set))
	return h, nil
}

// Unregister removes the handle and closes its channel. The agent entry is
// dropped when its last handle goes. Unknown or already removed handles are ignored.
func (r *Registry) Unregister(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.handles[h.agentID]
	if !ok {
		return
	}
	if _, exists := set[h.id]; !exists {
		return
	}

	delete(set, h.id)
	close(h.ch)
	if len(set) == 0 {
		delete(r.handles, h.agentID)
	}

	r.logger.Debug("handle unregistered", "agent_id", h.agentID, "handle_id", h.id)
}

// Push writes ev to every handle of agentID. It returns false, doing
// nothing, when the agent has no handles. A handle with a full buffer
// misses the event.
func (r *Registry) Push(agentID string, ev Event) bool {
	// Sends happen under the read lock so Unregister cannot close a channel mid-send.
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.handles[agentID]
	if len(set) == 0 {
		return false
	}
	for _, h := range set {
		r.offer(h, ev)
	}
	return true
}

// Broadcast writes ev to every handle of every agent and returns how many
// handles accepted it.
func (r *Registry) Broadcast(ev Event) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, set := range r.handles {
		for _, h := range set {
			if r.offer(h, ev) {
				n++
			}
		}
	}
	return n
}

func (r *Registry) offer(h *Handle, ev Event) bool {
	select {
	case h.ch <- ev:
		return true
	default:
		r.logger.Debug("dropped event for slow handle",
			"agent_id", h.agentID,
			"handle_id", h.id,
			"event", ev.Type)
		return false
	}
}

// ConnectionCount returns the number of live handles for agentID.
func (r *Registry) ConnectionCount(agentID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles[agentID])
}

// TotalConnections returns the number of live handles across all agents.
func (r *Registry) TotalConnections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, set := range r.handles {
		n += len(set)
	}
	return n
}

// Agents returns the IDs of agents with at least one handle, sorted.
func (r *Registry) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CloseAll closes every handle, clears the table and rejects further registrations.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for agentID, set := range r.handles {
		for id, h := range set {
			close(h.ch)
			delete(set, id)
		}
		delete(r.handles, agentID)
	}
	r.closed = true

	r.logger.Debug("registry closed")
}
