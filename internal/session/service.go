// Package session ties transient socket connections to durable audit records,
// a fast-path presence cache, and a publish-only lifecycle event bus.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// LivenessWindow bounds how old a presence entry may be and still count as
// live in FilePresence results.
const LivenessWindow = 120 * time.Second

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingSession  = errors.New("session identifier is required")
	noOpLogger         = zap.NewNop()
)

// ErrSessionNotFound indicates an unknown session identifier.
var ErrSessionNotFound = errors.New("session: not found")

const (
	opServiceNew       = "session.service.new"
	opCreate           = "session.create"
	opEnd              = "session.end"
	opUpdateCursor     = "session.update_cursor"
	opFilePresence     = "session.file_presence"
	opListFileSessions = "session.list_file_sessions"
	opStale            = "session.stale"

	fieldSessionID = "session_id"
	fieldFileID    = "file_id"
	fieldUserID    = "user_id"

	reasonMissingDatabase  = "missing_database"
	reasonInsertFailed     = "insert_failed"
	reasonLookupFailed     = "lookup_failed"
	reasonUpdateFailed     = "update_failed"
	reasonQueryFailed      = "query_failed"
	reasonPresenceWrite    = "presence_write_failed"
	reasonPresenceRemove   = "presence_remove_failed"
	reasonPresenceList     = "presence_list_failed"
	reasonPublishFailed    = "event_publish_failed"
	reasonMissingSessionID = "missing_session_id"
)

// ServiceError carries a stable operation.reason code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// PresenceCache is the fast key-value view of who is live on a file.
// Implementations are expected to be lossy: every caller treats failures as
// soft errors.
type PresenceCache interface {
	Write(ctx context.Context, fileID string, entry PresenceEntry) error
	Remove(ctx context.Context, fileID, userID string) error
	List(ctx context.Context, fileID string) ([]PresenceEntry, error)
}

// EventPublisher is the publish-only lifecycle event bus.
type EventPublisher interface {
	Publish(ctx context.Context, event LifecycleEvent) error
}

// ServiceConfig describes the dependencies of the session service.
type ServiceConfig struct {
	Database *gorm.DB
	Presence PresenceCache
	Events   EventPublisher
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service persists session records and maintains the presence and event
// surfaces around them.
type Service struct {
	db       *gorm.DB
	presence PresenceCache
	events   EventPublisher
	clock    func() time.Time
	activity *activityTracker
	logger   *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:       cfg.Database,
		presence: cfg.Presence,
		events:   cfg.Events,
		clock:    clock,
		activity: newActivityTracker(),
		logger:   logger,
	}, nil
}

// Create persists a new active session record, seeds the presence entry, and
// publishes the joined event. A durable-store failure is returned to the
// caller so no partial room membership is left behind; presence and event
// failures are soft.
func (s *Service) Create(ctx context.Context, params CreateParams) (Record, error) {
	now := s.clock().UTC()
	record := Record{
		ID:             uuid.NewString(),
		ProjectID:      params.ProjectID,
		FileID:         params.FileID,
		UserID:         params.UserID,
		UserWallet:     params.UserWallet,
		Username:       params.Username,
		JoinedAt:       now,
		LastActivityAt: now,
		IsActive:       true,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opCreate, reasonInsertFailed, err,
			zap.String(fieldFileID, params.FileID),
			zap.String(fieldUserID, params.UserID))
		return Record{}, newServiceError(opCreate, reasonInsertFailed, err)
	}

	s.activity.touch(record.ID, now)
	s.writePresence(ctx, record, nil)
	s.publish(ctx, opCreate, LifecycleEvent{
		Type:       EventTypeJoined,
		SessionID:  record.ID,
		ProjectID:  record.ProjectID,
		FileID:     record.FileID,
		UserID:     record.UserID,
		Username:   record.Username,
		UserWallet: record.UserWallet,
	})

	return record, nil
}

// End transitions the session to inactive, removes its presence entry, and
// publishes the left event. Ending an already-ended session is a no-op.
func (s *Service) End(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return newServiceError(opEnd, reasonMissingSessionID, errMissingSession)
	}

	var record Record
	err := s.db.WithContext(ctx).Where("id = ?", sessionID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		s.logError(opEnd, reasonLookupFailed, err, zap.String(fieldSessionID, sessionID))
		return newServiceError(opEnd, reasonLookupFailed, err)
	}

	s.activity.forget(sessionID)
	if !record.IsActive {
		return nil
	}

	now := s.clock().UTC()
	updates := map[string]interface{}{
		"is_active":        false,
		"left_at":          now,
		"last_activity_at": s.effectiveActivity(record),
	}
	if err := s.db.WithContext(ctx).Model(&Record{}).Where("id = ?", sessionID).Updates(updates).Error; err != nil {
		s.logError(opEnd, reasonUpdateFailed, err, zap.String(fieldSessionID, sessionID))
		return newServiceError(opEnd, reasonUpdateFailed, err)
	}

	if s.presence != nil {
		if err := s.presence.Remove(ctx, record.FileID, record.UserID); err != nil {
			s.logError(opEnd, reasonPresenceRemove, err,
				zap.String(fieldFileID, record.FileID),
				zap.String(fieldUserID, record.UserID))
		}
	}
	s.publish(ctx, opEnd, LifecycleEvent{
		Type:       EventTypeLeft,
		SessionID:  record.ID,
		ProjectID:  record.ProjectID,
		FileID:     record.FileID,
		UserID:     record.UserID,
		Username:   record.Username,
		UserWallet: record.UserWallet,
	})

	return nil
}

// UpdateCursor refreshes the presence entry for a cursor move. This is the
// per-keystroke path: it bumps the in-memory activity marker and the cache
// only, never the durable record. Failures are soft.
func (s *Service) UpdateCursor(ctx context.Context, sessionID, userID, username, wallet, fileID string, cursor CursorPosition) {
	s.activity.touch(sessionID, s.clock().UTC())
	record := Record{
		ID:         sessionID,
		FileID:     fileID,
		UserID:     userID,
		Username:   username,
		UserWallet: wallet,
	}
	s.writePresence(ctx, record, &cursor)
}

// Touch bumps the session's last-activity marker. Called for every applied
// sync or awareness frame.
func (s *Service) Touch(sessionID string) {
	s.activity.touch(sessionID, s.clock().UTC())
}

// FilePresence returns the live presence entries for a file, filtering out
// anything older than the liveness window. Cache failures degrade to an
// empty list; presence is a convenience view, never a correctness dependency.
func (s *Service) FilePresence(ctx context.Context, fileID string) []PresenceEntry {
	if s.presence == nil {
		return nil
	}
	entries, err := s.presence.List(ctx, fileID)
	if err != nil {
		s.logError(opFilePresence, reasonPresenceList, err, zap.String(fieldFileID, fileID))
		return nil
	}
	cutoff := s.clock().UTC().Add(-LivenessWindow).UnixMilli()
	live := make([]PresenceEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.LastSeenMs > cutoff {
			live = append(live, entry)
		}
	}
	return live
}

// ListFileSessions returns the durable session history for a file.
func (s *Service) ListFileSessions(ctx context.Context, fileID string, activeOnly bool) ([]Record, error) {
	query := s.db.WithContext(ctx).Where("file_id = ?", fileID)
	if activeOnly {
		query = query.Where("is_active = ?", true)
	}
	var records []Record
	if err := query.Order("joined_at DESC").Find(&records).Error; err != nil {
		s.logError(opListFileSessions, reasonQueryFailed, err, zap.String(fieldFileID, fileID))
		return nil, newServiceError(opListFileSessions, reasonQueryFailed, err)
	}
	return records, nil
}

// Stale returns active sessions whose last activity is older than the
// threshold. The in-memory marker wins over the durable column so a
// long-lived session that is still sending frames is never a candidate.
func (s *Service) Stale(ctx context.Context, threshold time.Duration) ([]Record, error) {
	var active []Record
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Find(&active).Error; err != nil {
		s.logError(opStale, reasonQueryFailed, err)
		return nil, newServiceError(opStale, reasonQueryFailed, err)
	}
	cutoff := s.clock().UTC().Add(-threshold)
	stale := make([]Record, 0)
	for _, record := range active {
		if s.effectiveActivity(record).Before(cutoff) {
			stale = append(stale, record)
		}
	}
	return stale, nil
}

func (s *Service) effectiveActivity(record Record) time.Time {
	if at, ok := s.activity.last(record.ID); ok {
		return at
	}
	if !record.LastActivityAt.IsZero() {
		return record.LastActivityAt
	}
	return record.JoinedAt
}

func (s *Service) writePresence(ctx context.Context, record Record, cursor *CursorPosition) {
	if s.presence == nil {
		return
	}
	entry := PresenceEntry{
		UserID:     record.UserID,
		Username:   record.Username,
		UserWallet: record.UserWallet,
		Cursor:     cursor,
		LastSeenMs: s.clock().UTC().UnixMilli(),
	}
	if err := s.presence.Write(ctx, record.FileID, entry); err != nil {
		s.logError(opUpdateCursor, reasonPresenceWrite, err,
			zap.String(fieldFileID, record.FileID),
			zap.String(fieldUserID, record.UserID))
	}
}

func (s *Service) publish(ctx context.Context, operation string, event LifecycleEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logError(operation, reasonPublishFailed, err,
			zap.String(fieldSessionID, event.SessionID),
			zap.String("event_type", event.Type))
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("session service error", attrs...)
}
