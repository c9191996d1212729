// Package room tracks the set of live connections per file and fans binary
// frames out to room members. Room membership changes are the sole trigger
// for document and awareness lifecycle: the last eviction from a room drops
// the file's replicated state.
package room

import (
	"sync"
	"sync/atomic"

	"github.com/forgeide/collab/backend/internal/collab/document"
	"go.uber.org/zap"
)

// Manager owns every room in the process. Rooms are derived state, rebuilt
// purely from live sockets; nothing here is persisted.
type Manager struct {
	mu       sync.RWMutex
	rooms    map[string]map[uint64]*Connection
	nextID   atomic.Uint64
	registry *document.Registry
	logger   *zap.Logger
}

// NewManager constructs a Manager bound to the document registry whose
// lifecycle it drives.
func NewManager(registry *document.Registry, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		rooms:    make(map[string]map[uint64]*Connection),
		registry: registry,
		logger:   logger,
	}
}

// Admit assigns the connection its id and adds it to its file's room.
func (m *Manager) Admit(conn *Connection) {
	conn.ID = m.nextID.Add(1)
	m.mu.Lock()
	members, ok := m.rooms[conn.FileID]
	if !ok {
		members = make(map[uint64]*Connection)
		m.rooms[conn.FileID] = members
	}
	members[conn.ID] = conn
	occupancy := len(members)
	m.mu.Unlock()

	m.logger.Info("connection admitted",
		zap.String("file_id", conn.FileID),
		zap.String("session_id", conn.SessionID),
		zap.String("user_id", conn.UserID),
		zap.Int("occupancy", occupancy))
}

// Evict removes the connection from its room and closes it. As its final
// step it garbage-collects the file's replicated state when the room emptied.
func (m *Manager) Evict(conn *Connection) {
	m.mu.Lock()
	occupancy := 0
	if members, ok := m.rooms[conn.FileID]; ok {
		delete(members, conn.ID)
		occupancy = len(members)
		if occupancy == 0 {
			delete(m.rooms, conn.FileID)
		}
	}
	m.mu.Unlock()

	conn.Close()
	m.logger.Info("connection evicted",
		zap.String("file_id", conn.FileID),
		zap.String("session_id", conn.SessionID),
		zap.Int("occupancy", occupancy))

	// Re-read live membership under the registry lock rather than passing the
	// snapshot above: a join may have landed since.
	m.registry.DropIfEmpty(conn.FileID, func() int { return m.Occupancy(conn.FileID) })
}

// Broadcast delivers payload to every live connection in the file's room
// except excludeID. A failed or dropped delivery to one peer never affects
// the others.
func (m *Manager) Broadcast(fileID string, payload []byte, excludeID uint64) {
	m.mu.RLock()
	members := m.rooms[fileID]
	peers := make([]*Connection, 0, len(members))
	for id, peer := range members {
		if id == excludeID {
			continue
		}
		peers = append(peers, peer)
	}
	m.mu.RUnlock()

	for _, peer := range peers {
		peer.Send(payload)
	}
}

// Occupancy reports the number of live connections for fileID.
func (m *Manager) Occupancy(fileID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms[fileID])
}

// OccupancyAll reports the member count of every non-empty room.
func (m *Manager) OccupancyAll() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[string]int, len(m.rooms))
	for fileID, members := range m.rooms {
		counts[fileID] = len(members)
	}
	return counts
}
