package room

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/forgeide/collab/backend/internal/collab/document"
)

type fakeSocket struct {
	mu       sync.Mutex
	written  [][]byte
	writeErr error
	closed   bool
}

func (s *fakeSocket) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.written = append(s.written, append([]byte(nil), data...))
	return nil
}

func (s *fakeSocket) WriteControl(_ int, _ []byte, _ time.Time) error {
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSocket) frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames := make([][]byte, len(s.written))
	copy(frames, s.written)
	return frames
}

func newTestConnection(fileID, sessionID string) (*Connection, *fakeSocket) {
	socket := &fakeSocket{}
	conn := NewConnection(ConnectionConfig{
		SessionID: sessionID,
		ProjectID: "project-1",
		FileID:    fileID,
		UserID:    "user-" + sessionID,
		Socket:    socket,
	})
	return conn, socket
}

func waitForFrames(t *testing.T, socket *fakeSocket, want int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if frames := socket.frames(); len(frames) >= want {
			return frames
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d frames before deadline, have %d", want, len(socket.frames()))
	return nil
}

func TestBroadcastExcludesSender(t *testing.T) {
	manager := NewManager(document.NewRegistry(nil), nil)

	sender, senderSocket := newTestConnection("file-1", "s1")
	peer, peerSocket := newTestConnection("file-1", "s2")
	other, otherSocket := newTestConnection("file-2", "s3")

	manager.Admit(sender)
	manager.Admit(peer)
	manager.Admit(other)
	go sender.WritePump()
	go peer.WritePump()
	go other.WritePump()
	defer manager.Evict(sender)
	defer manager.Evict(peer)
	defer manager.Evict(other)

	payload := []byte{0, 1, 0xaa}
	manager.Broadcast("file-1", payload, sender.ID)

	frames := waitForFrames(t, peerSocket, 1)
	if string(frames[0]) != string(payload) {
		t.Fatalf("expected payload %v, got %v", payload, frames[0])
	}

	time.Sleep(50 * time.Millisecond)
	if len(senderSocket.frames()) != 0 {
		t.Fatal("expected no echo to the sender")
	}
	if len(otherSocket.frames()) != 0 {
		t.Fatal("expected no delivery outside the room")
	}
}

func TestBroadcastSurvivesPeerWriteFailure(t *testing.T) {
	manager := NewManager(document.NewRegistry(nil), nil)

	broken, brokenSocket := newTestConnection("file-1", "s1")
	brokenSocket.writeErr = errors.New("peer gone")
	healthy, healthySocket := newTestConnection("file-1", "s2")

	manager.Admit(broken)
	manager.Admit(healthy)
	go broken.WritePump()
	go healthy.WritePump()
	defer manager.Evict(broken)
	defer manager.Evict(healthy)

	manager.Broadcast("file-1", []byte{1, 2, 3}, 0)

	frames := waitForFrames(t, healthySocket, 1)
	if len(frames) != 1 {
		t.Fatalf("expected healthy peer to receive the frame, got %d", len(frames))
	}
}

func TestEvictGarbageCollectsRoomState(t *testing.T) {
	registry := document.NewRegistry(nil)
	manager := NewManager(registry, nil)

	first, _ := newTestConnection("file-1", "s1")
	second, _ := newTestConnection("file-1", "s2")
	manager.Admit(first)
	manager.Admit(second)
	registry.GetOrCreate("file-1")

	manager.Evict(first)
	if registry.Len() != 1 {
		t.Fatal("expected replica to survive while the room is occupied")
	}
	if manager.Occupancy("file-1") != 1 {
		t.Fatalf("expected occupancy 1, got %d", manager.Occupancy("file-1"))
	}

	manager.Evict(second)
	if registry.Len() != 0 {
		t.Fatal("expected replica to be dropped when the room emptied")
	}
	if manager.Occupancy("file-1") != 0 {
		t.Fatalf("expected occupancy 0, got %d", manager.Occupancy("file-1"))
	}
}

func TestOccupancyAll(t *testing.T) {
	manager := NewManager(document.NewRegistry(nil), nil)

	a, _ := newTestConnection("file-a", "s1")
	b, _ := newTestConnection("file-a", "s2")
	c, _ := newTestConnection("file-b", "s3")
	manager.Admit(a)
	manager.Admit(b)
	manager.Admit(c)

	counts := manager.OccupancyAll()
	if counts["file-a"] != 2 || counts["file-b"] != 1 {
		t.Fatalf("unexpected occupancy counts: %v", counts)
	}
}

func TestSendAfterCloseReportsFalse(t *testing.T) {
	conn, _ := newTestConnection("file-1", "s1")
	conn.Close()
	if conn.Send([]byte{1}) {
		t.Fatal("expected send to a closed connection to report false")
	}
}
