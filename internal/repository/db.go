package repository

import (
	"context"

	"github.com/relaymesh/relay-voice-engine/internal/domain"
	"gorm.io/gorm"
)

// VoiceTenantRepository defines the interface for voice tenant operations
type VoiceTenantRepository interface {
	// Create operations
	Create(ctx context.Context, req *domain.CreateVoiceTenantRequest) (*domain.VoiceTenant, error)

	// Read operations
	GetByID(ctx context.Context, id string) (*domain.VoiceTenant, error)
	GetByTenantID(ctx context.Context, tenantID string) (*domain.VoiceTenant, error)
	GetByPhoneNumber(ctx context.Context, phoneNumber string) (*domain.VoiceTenant, error)
	GetAll(ctx context.Context, includeDisabled bool) ([]*domain.VoiceTenant, error)

	// Update operations
	Update(ctx context.Context, id string, req *domain.UpdateVoiceTenantRequest) (*domain.VoiceTenant, error)

	// Delete operations (soft delete)
	Delete(ctx context.Context, id string) error

	// Utility operations
	Exists(ctx context.Context, id string) (bool, error)
	ExistsByTenantID(ctx context.Context, tenantID string) (bool, error)
}

// CallSessionRepository defines the interface for persisted call sessions
type CallSessionRepository interface {
	Create(ctx context.Context, session *domain.CallSession) error
	Update(ctx context.Context, session *domain.CallSession) error
	// Finalize stamps the end time, duration and counters in one update.
	Finalize(ctx context.Context, session *domain.CallSession) error

	GetByID(ctx context.Context, id string) (*domain.CallSession, error)
	GetByCallSID(ctx context.Context, callSID string) (*domain.CallSession, error)
	ListActive(ctx context.Context) ([]*domain.CallSession, error)
	ListByTenantID(ctx context.Context, tenantID string, limit int) ([]*domain.CallSession, error)
}

// CallTurnRepository defines the interface for call turn transcripts
type CallTurnRepository interface {
	Create(ctx context.Context, turn *domain.CallTurn) error
	CreateBatch(ctx context.Context, turns []*domain.CallTurn) error
	GetByCallSessionID(ctx context.Context, callSessionID string) ([]*domain.CallTurn, error)
}

// RepositoryManager combines all repositories
type RepositoryManager interface {
	VoiceTenant() VoiceTenantRepository
	CallSession() CallSessionRepository
	CallTurn() CallTurnRepository

	// Transaction support
	WithTx(ctx context.Context, fn func(ctx context.Context, repos RepositoryManager) error) error

	// Health check
	Ping(ctx context.Context) error

	// Close connection
	Close() error
}

// GormRepositoryManager implements RepositoryManager using GORM
type GormRepositoryManager struct {
	db              *gorm.DB
	voiceTenantRepo *GormVoiceTenantRepository
	callSessionRepo *GormCallSessionRepository
	callTurnRepo    *GormCallTurnRepository
}

// NewGormRepositoryManager creates a new GORM repository manager
func NewGormRepositoryManager(db *gorm.DB) *GormRepositoryManager {
	return &GormRepositoryManager{
		db:              db,
		voiceTenantRepo: NewGormVoiceTenantRepository(db),
		callSessionRepo: NewGormCallSessionRepository(db),
		callTurnRepo:    NewGormCallTurnRepository(db),
	}
}

// VoiceTenant returns the voice tenant repository
func (m *GormRepositoryManager) VoiceTenant() VoiceTenantRepository {
	return m.voiceTenantRepo
}

// CallSession returns the call session repository
func (m *GormRepositoryManager) CallSession() CallSessionRepository {
	return m.callSessionRepo
}

// CallTurn returns the call turn repository
func (m *GormRepositoryManager) CallTurn() CallTurnRepository {
	return m.callTurnRepo
}

// WithTx executes a function within a database transaction
func (m *GormRepositoryManager) WithTx(ctx context.Context, fn func(ctx context.Context, repos RepositoryManager) error) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		return fn(ctx, NewGormRepositoryManager(tx))
	})
}

// Ping checks the database connection
func (m *GormRepositoryManager) Ping(ctx context.Context) error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection
func (m *GormRepositoryManager) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
