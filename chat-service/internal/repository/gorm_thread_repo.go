package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/weiawesome/incident-chat/chat-service/internal/domain"
	"github.com/weiawesome/incident-chat/pkg/log"
)

// GormThreadRepository implements ThreadRepository using GORM.
type GormThreadRepository struct {
	db *gorm.DB
}

// NewGormThreadRepository creates a new GORM-based thread repository.
func NewGormThreadRepository(db *gorm.DB) *GormThreadRepository {
	return &GormThreadRepository{db: db}
}

// Create creates a new thread. CreatedAt defaults to now.
func (r *GormThreadRepository) Create(ctx context.Context, thread *domain.Thread) error {
	l := log.Ctx(ctx)

	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(thread).Error; err != nil {
		l.Error().Err(err).Str("incident_id", thread.IncidentID).Msg("failed to create thread")
		return err
	}
	l.Debug().Uint(log.FieldThreadID, thread.ID).Msg("thread created in db")
	return nil
}

// GetByID retrieves a thread with its template.
func (r *GormThreadRepository) GetByID(ctx context.Context, id uint) (*domain.Thread, error) {
	var thread domain.Thread
	if err := r.db.WithContext(ctx).Preload("Template").First(&thread, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrThreadNotFound
		}
		l := log.Ctx(ctx)
		l.Error().Err(err).Uint(log.FieldThreadID, id).Msg("failed to get thread by id")
		return nil, err
	}
	return &thread, nil
}

// ListAll returns every thread ordered by id.
func (r *GormThreadRepository) ListAll(ctx context.Context) ([]domain.Thread, error) {
	var threads []domain.Thread
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&threads).Error; err != nil {
		return nil, err
	}
	return threads, nil
}

// ListByTenantSince returns a tenant's threads created at or after since.
func (r *GormThreadRepository) ListByTenantSince(ctx context.Context, tenantID uint, since time.Time) ([]domain.Thread, error) {
	var threads []domain.Thread
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND created_at >= ?", tenantID, since).
		Order("created_at ASC").
		Find(&threads).Error
	if err != nil {
		return nil, err
	}
	return threads, nil
}

// LastMessageAt returns the creation time of the thread's newest message.
func (r *GormThreadRepository) LastMessageAt(ctx context.Context, threadID uint) (*time.Time, error) {
	var msg domain.MessageModel
	err := r.db.WithContext(ctx).
		Select("created_at").
		Where("thread_id = ?", threadID).
		Order("created_at DESC, seq DESC").
		First(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &msg.CreatedAt, nil
}

// CreateTemplate creates a question template.
func (r *GormThreadRepository) CreateTemplate(ctx context.Context, tpl *domain.Template) error {
	return r.db.WithContext(ctx).Create(tpl).Error
}
