package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/relaymesh/relay-voice-engine/internal/domain"
	"gorm.io/gorm"
)

// GormCallSessionRepository implements CallSessionRepository using GORM
type GormCallSessionRepository struct {
	db *gorm.DB
}

// NewGormCallSessionRepository creates a new GORM call session repository
func NewGormCallSessionRepository(db *gorm.DB) *GormCallSessionRepository {
	return &GormCallSessionRepository{db: db}
}

// Create creates a new call session record
func (r *GormCallSessionRepository) Create(ctx context.Context, session *domain.CallSession) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now()
	}
	if session.Status == "" {
		session.Status = domain.CallStatusActive
	}

	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("failed to create call session: %w", err)
	}
	return nil
}

// Update updates an existing call session record
func (r *GormCallSessionRepository) Update(ctx context.Context, session *domain.CallSession) error {
	if err := r.db.WithContext(ctx).Save(session).Error; err != nil {
		return fmt.Errorf("failed to update call session: %w", err)
	}
	return nil
}

// Finalize stamps the end time, duration and counters in one update
func (r *GormCallSessionRepository) Finalize(ctx context.Context, session *domain.CallSession) error {
	now := time.Now()
	if session.EndedAt == nil {
		session.EndedAt = &now
	}
	session.DurationSeconds = int(session.EndedAt.Sub(session.StartedAt).Seconds())
	if session.Status == domain.CallStatusActive {
		session.Status = domain.CallStatusEnded
	}

	updates := map[string]interface{}{
		"status":           session.Status,
		"end_reason":       session.EndReason,
		"stream_sid":       session.StreamSID,
		"ended_at":         session.EndedAt,
		"duration_seconds": session.DurationSeconds,
		"response_count":   session.ResponseCount,
		"frames_sent":      session.FramesSent,
		"bytes_sent":       session.BytesSent,
		"recording_url":    session.RecordingURL,
		"updated_at":       now,
	}
	if err := r.db.WithContext(ctx).Model(&domain.CallSession{}).Where("id = ?", session.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to finalize call session: %w", err)
	}
	return nil
}

// GetByID retrieves a call session by ID
func (r *GormCallSessionRepository) GetByID(ctx context.Context, id string) (*domain.CallSession, error) {
	var session domain.CallSession
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&session).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get call session: %w", err)
	}
	return &session, nil
}

// GetByCallSID retrieves a call session by the telephony provider call id
func (r *GormCallSessionRepository) GetByCallSID(ctx context.Context, callSID string) (*domain.CallSession, error) {
	var session domain.CallSession
	if err := r.db.WithContext(ctx).Where("call_sid = ?", callSID).First(&session).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get call session by call SID: %w", err)
	}
	return &session, nil
}

// ListActive retrieves all call sessions still marked active
func (r *GormCallSessionRepository) ListActive(ctx context.Context) ([]*domain.CallSession, error) {
	var sessions []*domain.CallSession
	if err := r.db.WithContext(ctx).
		Where("status = ?", domain.CallStatusActive).
		Order("started_at DESC").
		Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("failed to list active call sessions: %w", err)
	}
	return sessions, nil
}

// ListByTenantID retrieves recent call sessions for a tenant
func (r *GormCallSessionRepository) ListByTenantID(ctx context.Context, tenantID string, limit int) ([]*domain.CallSession, error) {
	if limit <= 0 {
		limit = 50
	}

	var sessions []*domain.CallSession
	if err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("started_at DESC").
		Limit(limit).
		Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("failed to list call sessions for tenant: %w", err)
	}
	return sessions, nil
}

// GormCallTurnRepository implements CallTurnRepository using GORM
type GormCallTurnRepository struct {
	db *gorm.DB
}

// NewGormCallTurnRepository creates a new GORM call turn repository
func NewGormCallTurnRepository(db *gorm.DB) *GormCallTurnRepository {
	return &GormCallTurnRepository{db: db}
}

// Create creates a single call turn
func (r *GormCallTurnRepository) Create(ctx context.Context, turn *domain.CallTurn) error {
	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	turn.UpdatedAt = time.Now()

	if err := r.db.WithContext(ctx).Create(turn).Error; err != nil {
		return fmt.Errorf("failed to create call turn: %w", err)
	}
	return nil
}

// CreateBatch creates multiple call turns in a batch
func (r *GormCallTurnRepository) CreateBatch(ctx context.Context, turns []*domain.CallTurn) error {
	if len(turns) == 0 {
		return nil
	}

	now := time.Now()
	for _, turn := range turns {
		if turn.ID == "" {
			turn.ID = uuid.New().String()
		}
		if turn.CreatedAt.IsZero() {
			turn.CreatedAt = now
		}
		turn.UpdatedAt = now
	}

	if err := r.db.WithContext(ctx).CreateInBatches(turns, 100).Error; err != nil {
		return fmt.Errorf("failed to create call turns: %w", err)
	}
	return nil
}

// GetByCallSessionID retrieves all turns for a call session in order
func (r *GormCallTurnRepository) GetByCallSessionID(ctx context.Context, callSessionID string) ([]*domain.CallTurn, error) {
	var turns []*domain.CallTurn
	if err := r.db.WithContext(ctx).
		Where("call_session_id = ?", callSessionID).
		Order("created_at ASC").
		Find(&turns).Error; err != nil {
		return nil, fmt.Errorf("failed to get call turns: %w", err)
	}
	return turns, nil
}
