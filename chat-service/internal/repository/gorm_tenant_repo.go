package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/weiawesome/incident-chat/chat-service/internal/domain"
	"github.com/weiawesome/incident-chat/pkg/log"
)

// GormTenantRepository implements TenantRepository using GORM.
type GormTenantRepository struct {
	db *gorm.DB
}

// NewGormTenantRepository creates a new GORM-based tenant repository.
func NewGormTenantRepository(db *gorm.DB) *GormTenantRepository {
	return &GormTenantRepository{db: db}
}

// Create inserts the tenant and, when set, its configuration.
func (r *GormTenantRepository) Create(ctx context.Context, tenant *domain.Tenant) error {
	l := log.Ctx(ctx)

	if err := r.db.WithContext(ctx).Create(tenant).Error; err != nil {
		l.Error().Err(err).Str("tenant", tenant.Name).Msg("failed to create tenant")
		return err
	}
	l.Debug().Uint(log.FieldTenantID, tenant.ID).Msg("tenant created in db")
	return nil
}

// GetByID retrieves a tenant with its configuration.
func (r *GormTenantRepository) GetByID(ctx context.Context, id uint) (*domain.Tenant, error) {
	var tenant domain.Tenant
	err := r.db.WithContext(ctx).Preload("Config").First(&tenant, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrTenantNotFound
		}
		l := log.Ctx(ctx)
		l.Error().Err(err).Uint(log.FieldTenantID, id).Msg("failed to get tenant by id")
		return nil, err
	}
	return &tenant, nil
}

// GetConfig returns the tenant's configuration, or nil if none exists.
func (r *GormTenantRepository) GetConfig(ctx context.Context, tenantID uint) (*domain.TenantConfig, error) {
	var cfg domain.TenantConfig
	err := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&cfg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &cfg, nil
}

// SaveConfig upserts a tenant configuration.
func (r *GormTenantRepository) SaveConfig(ctx context.Context, cfg *domain.TenantConfig) error {
	if cfg.ID == 0 {
		existing, err := r.GetConfig(ctx, cfg.TenantID)
		if err != nil {
			return err
		}
		if existing != nil {
			cfg.ID = existing.ID
		}
	}
	return r.db.WithContext(ctx).Save(cfg).Error
}
