package chat

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// sendBufferSize bounds each connection's outbound queue. A peer that can't
// drain this many frames is treated as dead.
const sendBufferSize = 256

// Connection is one live socket, bound to a single (user, conversation)
// pair for its lifetime. The registry owns it; the presence store only
// mirrors it.
type Connection struct {
	ID             string
	UserID         uuid.UUID
	Username       string
	ConversationID uuid.UUID

	send      chan []byte
	closeOnce sync.Once
}

// enqueue hands a payload to the write pump without blocking. A full or
// closed channel reports failure.
func (c *Connection) enqueue(payload []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Connection) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

// Outbound is consumed by the connection's write pump.
func (c *Connection) Outbound() <-chan []byte {
	return c.send
}

// Registry is the in-process map of conversation -> live connections; the
// only place socket writes are queued. Connections held by other processes
// are unreachable through it.
type Registry struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]map[string]*Connection
	log   *slog.Logger
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		conns: make(map[uuid.UUID]map[string]*Connection),
		log:   log,
	}
}

// Register adds a connection for an already-authorized user. Membership
// checks happen in the handler before the socket reaches this point.
func (r *Registry) Register(conversationID, userID uuid.UUID, username string) *Connection {
	conn := &Connection{
		ID:             uuid.NewString(),
		UserID:         userID,
		Username:       username,
		ConversationID: conversationID,
		send:           make(chan []byte, sendBufferSize),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[conversationID] == nil {
		r.conns[conversationID] = make(map[string]*Connection)
	}
	r.conns[conversationID][conn.ID] = conn
	return conn
}

func (r *Registry) Unregister(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remove(conn)
}

// remove must be called with the write lock held.
func (r *Registry) remove(conn *Connection) {
	if peers, ok := r.conns[conn.ConversationID]; ok {
		if _, ok := peers[conn.ID]; ok {
			delete(peers, conn.ID)
			conn.closeSend()
		}
		if len(peers) == 0 {
			delete(r.conns, conn.ConversationID)
		}
	}
}

// Broadcast queues a payload on every connection in the conversation except
// the excluded one. Dead peers found mid-iteration are removed in the same
// call, never left dangling; their read pumps will run the full teardown.
func (r *Registry) Broadcast(conversationID uuid.UUID, payload []byte, exclude *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, conn := range r.conns[conversationID] {
		if exclude != nil && conn.ID == exclude.ID {
			continue
		}
		if !conn.enqueue(payload) {
			r.log.Warn("dropping dead connection during broadcast",
				"connection_id", conn.ID, "user_id", conn.UserID)
			r.remove(conn)
		}
	}
}

// SendTo queues a payload on a single connection.
func (r *Registry) SendTo(conn *Connection, payload []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !conn.enqueue(payload) {
		r.remove(conn)
		return false
	}
	return true
}

// SendToUser queues a payload on every connection the user holds in the
// conversation; true if at least one accepted it.
func (r *Registry) SendToUser(conversationID, userID uuid.UUID, payload []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	delivered := false
	for _, conn := range r.conns[conversationID] {
		if conn.UserID != userID {
			continue
		}
		if conn.enqueue(payload) {
			delivered = true
		} else {
			r.remove(conn)
		}
	}
	return delivered
}

// ConnectionIDs lists the live connections for a conversation.
func (r *Registry) ConnectionIDs(conversationID uuid.UUID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.conns[conversationID]))
	for id := range r.conns[conversationID] {
		ids = append(ids, id)
	}
	return ids
}
