package repository

import (
	"context"
	"time"

	"github.com/weiawesome/incident-chat/chat-service/internal/domain"
)

// TenantRepository persists tenants and their configuration.
type TenantRepository interface {
	Create(ctx context.Context, tenant *domain.Tenant) error
	GetByID(ctx context.Context, id uint) (*domain.Tenant, error)
	// GetConfig returns nil, nil when the tenant has no configuration row.
	GetConfig(ctx context.Context, tenantID uint) (*domain.TenantConfig, error)
	SaveConfig(ctx context.Context, cfg *domain.TenantConfig) error
}

// UserRepository persists users and their push devices.
type UserRepository interface {
	Create(ctx context.Context, user *domain.User) error
	GetByID(ctx context.Context, id uint) (*domain.User, error)
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
	// FirstStaff returns the account that authors system messages.
	FirstStaff(ctx context.Context) (*domain.User, error)
	Usernames(ctx context.Context, ids []uint) (map[uint]string, error)
	AddDevice(ctx context.Context, userID uint, token string) error
	DeviceTokens(ctx context.Context, filter DeviceFilter) ([]string, error)
}

// DeviceFilter selects push tokens of a tenant's users.
type DeviceFilter struct {
	TenantID      uint
	ExcludeUserID uint
	StaffOnly     bool
}

// ThreadRepository persists threads and templates.
type ThreadRepository interface {
	Create(ctx context.Context, thread *domain.Thread) error
	GetByID(ctx context.Context, id uint) (*domain.Thread, error)
	ListAll(ctx context.Context) ([]domain.Thread, error)
	ListByTenantSince(ctx context.Context, tenantID uint, since time.Time) ([]domain.Thread, error)
	// LastMessageAt returns nil when the thread has no messages.
	LastMessageAt(ctx context.Context, threadID uint) (*time.Time, error)
	CreateTemplate(ctx context.Context, tpl *domain.Template) error
}
