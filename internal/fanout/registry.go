package fanout

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/tickstock/patternrelay/internal/platform/logging"
	"github.com/tickstock/patternrelay/internal/platform/metrics"
)

// Registry is C6: register/unregister connections, emit to a user's
// connections, or broadcast to everyone. Guarded by a single mutex with
// short critical sections — reads (emit/broadcast) dominate writes
// (register/unregister).
type Registry struct {
	mu       sync.RWMutex
	byUser   map[string]map[string]*Connection
	byConnID map[string]*Connection

	logger *logging.Logger
	metr   *metrics.Metrics
}

// New constructs an empty registry.
func New(logger *logging.Logger, metr *metrics.Metrics) *Registry {
	return &Registry{
		byUser:   make(map[string]map[string]*Connection),
		byConnID: make(map[string]*Connection),
		logger:   logger,
		metr:     metr,
	}
}

// Register adds a connection under a user and starts its writer loop.
func (r *Registry) Register(conn *Connection) {
	r.mu.Lock()
	conns, ok := r.byUser[conn.UserID]
	if !ok {
		conns = make(map[string]*Connection)
		r.byUser[conn.UserID] = conns
	}
	conns[conn.ID] = conn
	r.byConnID[conn.ID] = conn
	r.mu.Unlock()

	go conn.StartWriter()
	r.metr.SetActiveConnections(r.activeCount())
}

// Unregister removes and closes a connection by id.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	conn, ok := r.byConnID[connID]
	if ok {
		delete(r.byConnID, connID)
		if conns, exists := r.byUser[conn.UserID]; exists {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(r.byUser, conn.UserID)
			}
		}
	}
	r.mu.Unlock()

	if ok {
		_ = conn.Close()
	}
	r.metr.SetActiveConnections(r.activeCount())
}

func (r *Registry) activeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConnID)
}

// EmitToUser writes payload to every connection the user currently has
// open. Returns false iff the user had zero connections — the caller
// (C4/C7) uses that to decide whether to enqueue offline instead.
func (r *Registry) EmitToUser(ctx context.Context, userID, topic string, payload interface{}) (bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}

	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.byUser[userID]))
	for _, c := range r.byUser[userID] {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	if len(conns) == 0 {
		return false, nil
	}

	for _, c := range conns {
		if !c.enqueue(data) {
			r.metr.RecordSlowConsumer()
			r.logger.Warn(ctx, "dropped message to slow consumer", map[string]interface{}{
				"connection_id": c.ID, "user_id": userID, "topic": topic,
			})
			r.metr.RecordDelivery("fanout", "dropped_slow")
			continue
		}
		r.metr.RecordDelivery("fanout", "ok")
	}
	return true, nil
}

// Broadcast writes payload to every currently-registered connection.
func (r *Registry) Broadcast(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.byConnID))
	for _, c := range r.byConnID {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		if !c.enqueue(data) {
			r.metr.RecordSlowConsumer()
			r.metr.RecordDelivery("fanout", "dropped_slow")
			continue
		}
		r.metr.RecordDelivery("fanout", "ok")
	}
	return nil
}

// HasConnections reports whether the user currently has at least one
// registered connection.
func (r *Registry) HasConnections(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}
