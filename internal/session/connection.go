package session

import (
	"sync"

	"github.com/google/uuid"

	"github.com/HyphaGroup/murmur/internal/logger"
	"github.com/HyphaGroup/murmur/internal/metrics"
)

// Conn is a duplex client connection
type Conn interface {
	Send(payload []byte) error
	Close() error
}

// ConnectionManager tracks live duplex connections and the session id each
// one owns for its lifetime.
type ConnectionManager struct {
	registry *Registry
	conns    map[Conn]string
	mu       sync.RWMutex
}

// NewConnectionManager creates a manager that cancels sessions in registry
// when their connection goes away.
func NewConnectionManager(registry *Registry) *ConnectionManager {
	return &ConnectionManager{
		registry: registry,
		conns:    make(map[Conn]string),
	}
}

// Connect registers c and returns its session id
func (m *ConnectionManager) Connect(c Conn) string {
	id := uuid.NewString()

	m.mu.Lock()
	m.conns[c] = id
	m.mu.Unlock()

	metrics.RecordConnect()
	logger.Info("Connection opened: session %s", id)
	return id
}

// Disconnect removes c, cancels its running instruction and ends its
// session. Safe to call more than once.
func (m *ConnectionManager) Disconnect(c Conn) {
	id, ok := m.drop(c)
	if !ok {
		return
	}
	if err := m.registry.Cancel(id, SourceDisconnect); err != nil {
		logger.Error("Disconnect: %v", err)
	}
	m.registry.End(id)
}

// drop removes c from the live set and closes it
func (m *ConnectionManager) drop(c Conn) (string, bool) {
	m.mu.Lock()
	id, ok := m.conns[c]
	delete(m.conns, c)
	m.mu.Unlock()

	if !ok {
		return "", false
	}
	_ = c.Close()
	metrics.RecordDisconnect()
	logger.Info("Connection closed: session %s", id)
	return id, true
}

// Send delivers payload to c. On failure the connection is dropped and
// its session is cancelled in the background, since Send may be running
// inside that session's guarded emission.
func (m *ConnectionManager) Send(c Conn, payload []byte) error {
	err := c.Send(payload)
	if err == nil {
		return nil
	}

	logger.Error("Send failed, disconnecting: %v", err)
	if id, ok := m.drop(c); ok {
		go func() {
			if cerr := m.registry.Cancel(id, SourceDisconnect); cerr != nil {
				logger.Error("Disconnect: %v", cerr)
			}
			m.registry.End(id)
		}()
	}
	return err
}

// SessionID returns the session id owned by c
func (m *ConnectionManager) SessionID(c Conn) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.conns[c]
	return id, ok
}

// Len returns the number of live connections
func (m *ConnectionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// CloseAll disconnects every connection, for shutdown
func (m *ConnectionManager) CloseAll() {
	m.mu.RLock()
	conns := make([]Conn, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		m.Disconnect(c)
	}
}
