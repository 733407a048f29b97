// Package registry holds the broker's in-memory table of live consumer
// connections. The registry is the only owner of client records; all
// mutation goes through its methods under a single lock.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loopback-labs/promptrelay/internal/security"
	"github.com/loopback-labs/promptrelay/pkg/protocol"
)

// Conn is the connection handle a client owns. Implementations must
// serialize writes so envelopes reach the consumer in write order.
type Conn interface {
	// WriteEnvelope sends one envelope, returning the encoded size.
	WriteEnvelope(env *protocol.Envelope) (int, error)
	// Close closes the connection with a human-readable reason.
	Close(code int, reason string) error
	// RemoteAddr returns the peer's network address.
	RemoteAddr() string
}

// Client describes one registered consumer connection. Values returned by
// the registry are snapshots; callers never share the registry's own record.
type Client struct {
	ID            int
	ConnectedAt   time.Time
	LastActive    time.Time
	Workspace     string
	WorkspacePath string
	ActiveFile    string
	MessageCount  int64
	BytesSent     int64
	BytesReceived int64
	Conn          Conn
}

// Registry is the table of live consumer connections. Ids start at 1,
// increase on every successful registration, and are never reused, even
// after disconnects.
type Registry struct {
	logger *zap.Logger

	mu      sync.Mutex
	clients map[int]*Client
	nextID  int
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:  logger.With(zap.String("component", "registry")),
		clients: make(map[int]*Client),
		nextID:  1,
	}
}

// Register admits a new consumer connection and assigns it an id. The
// remote address must pass the loopback check; a rejected connection is
// never entered into the table and the caller must close it with a policy
// violation.
func (r *Registry) Register(conn Conn) (Client, error) {
	addr := conn.RemoteAddr()
	if !security.IsLoopbackAddr(addr) {
		return Client{}, fmt.Errorf("%w: remote address %q", security.ErrNotLoopback, addr)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	client := &Client{
		ID:          r.nextID,
		ConnectedAt: now,
		LastActive:  now,
		Conn:        conn,
	}
	r.nextID++
	r.clients[client.ID] = client

	r.logger.Info("Consumer registered",
		zap.Int("client_id", client.ID),
		zap.String("remote_addr", addr),
		zap.Int("client_count", len(r.clients)))

	return *client, nil
}

// Unregister removes a client, reporting whether it was present. Safe to
// call more than once for the same id.
func (r *Registry) Unregister(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[id]; !ok {
		return false
	}
	delete(r.clients, id)
	r.logger.Info("Consumer unregistered",
		zap.Int("client_id", id),
		zap.Int("client_count", len(r.clients)))
	return true
}

// UpdateInfo merges workspace metadata into a client and refreshes its
// activity timestamp. Empty fields in info leave the existing value alone.
func (r *Registry) UpdateInfo(id int, info protocol.ClientInfoPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.clients[id]
	if !ok {
		return
	}
	if info.Workspace != "" {
		client.Workspace = info.Workspace
	}
	if info.WorkspacePath != "" {
		client.WorkspacePath = info.WorkspacePath
	}
	if info.ActiveFile != "" {
		client.ActiveFile = info.ActiveFile
	}
	client.LastActive = time.Now()
}

// Touch refreshes a client's activity timestamp.
func (r *Registry) Touch(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, ok := r.clients[id]; ok {
		client.LastActive = time.Now()
	}
}

// RecordSend credits a successful dispatch to exactly one client: message
// count, bytes sent, and activity timestamp.
func (r *Registry) RecordSend(id int, bytes int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, ok := r.clients[id]; ok {
		client.MessageCount++
		client.BytesSent += int64(bytes)
		client.LastActive = time.Now()
	}
}

// RecordReceive credits bytes read from a client's connection.
func (r *Registry) RecordReceive(id int, bytes int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, ok := r.clients[id]; ok {
		client.BytesReceived += int64(bytes)
	}
}

// Get returns a snapshot of the client with the given id.
func (r *Registry) Get(id int) (Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.clients[id]
	if !ok {
		return Client{}, false
	}
	return *client, true
}

// ListAll returns snapshots of every registered client in id order.
func (r *Registry) ListAll() []Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Client, 0, len(r.clients))
	for _, client := range r.clients {
		out = append(out, *client)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of registered clients.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// MostRecentlyActive returns the client with the greatest LastActive. Ties
// on identical timestamps go to the lowest id, i.e. the earliest
// registration. Timestamp resolution can coincide under load, so the
// tie-break is deliberate and tested rather than left to map order.
func (r *Registry) MostRecentlyActive() (Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *Client
	for _, client := range r.clients {
		switch {
		case best == nil:
			best = client
		case client.LastActive.After(best.LastActive):
			best = client
		case client.LastActive.Equal(best.LastActive) && client.ID < best.ID:
			best = client
		}
	}
	if best == nil {
		return Client{}, false
	}
	return *best, true
}
