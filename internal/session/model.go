package session

import "time"

// Record is the durable, append-only audit row for one collaboration session.
// Rows are never deleted; a session ends by flipping IsActive and stamping
// LeftAt, either on clean disconnect or by the reaper.
type Record struct {
	ID             string     `gorm:"column:id;primaryKey;size:190;not null"`
	ProjectID      string     `gorm:"column:project_id;size:190;not null;index:idx_sessions_project"`
	FileID         string     `gorm:"column:file_id;size:190;not null;index:idx_sessions_file_active,priority:1"`
	UserID         string     `gorm:"column:user_id;size:190;not null"`
	UserWallet     string     `gorm:"column:user_wallet;size:190;not null;default:''"`
	Username       string     `gorm:"column:username;size:190;not null;default:''"`
	JoinedAt       time.Time  `gorm:"column:joined_at;not null"`
	LastActivityAt time.Time  `gorm:"column:last_activity_at;not null"`
	LeftAt         *time.Time `gorm:"column:left_at"`
	IsActive       bool       `gorm:"column:is_active;not null;default:false;index:idx_sessions_file_active,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "collab_sessions"
}

// CreateParams describes the identity admitted onto a file.
type CreateParams struct {
	ProjectID  string
	FileID     string
	UserID     string
	UserWallet string
	Username   string
}

// CursorPosition is a user's cursor location within a file.
type CursorPosition struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// PresenceEntry is the cached, TTL-bounded view of one user's activity on a
// file. It lives only in the presence cache, never in the durable store.
type PresenceEntry struct {
	UserID     string          `json:"userId"`
	Username   string          `json:"username"`
	UserWallet string          `json:"userWallet"`
	Cursor     *CursorPosition `json:"cursor,omitempty"`
	LastSeenMs int64           `json:"lastSeen"`
}

// Lifecycle event types published on the session event bus.
const (
	EventTypeJoined = "joined"
	EventTypeLeft   = "left"
)

// LifecycleEvent is the envelope published when a session starts or ends.
type LifecycleEvent struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	ProjectID  string `json:"projectId"`
	FileID     string `json:"fileId"`
	UserID     string `json:"userId"`
	Username   string `json:"username"`
	UserWallet string `json:"userWallet"`
}
