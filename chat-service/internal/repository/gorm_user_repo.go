package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/weiawesome/incident-chat/chat-service/internal/domain"
	"github.com/weiawesome/incident-chat/pkg/log"
)

// GormUserRepository implements UserRepository using GORM.
type GormUserRepository struct {
	db *gorm.DB
}

// NewGormUserRepository creates a new GORM-based user repository.
func NewGormUserRepository(db *gorm.DB) *GormUserRepository {
	return &GormUserRepository{db: db}
}

// Create creates a new user.
func (r *GormUserRepository) Create(ctx context.Context, user *domain.User) error {
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Str(log.FieldUsername, user.Username).Msg("failed to create user")
		return err
	}
	return nil
}

// GetByID retrieves a user by ID.
func (r *GormUserRepository) GetByID(ctx context.Context, id uint) (*domain.User, error) {
	var user domain.User
	if err := r.db.WithContext(ctx).First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// GetByUsername retrieves a user by username.
func (r *GormUserRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	var user domain.User
	if err := r.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// FirstStaff returns the lowest-id active staff user.
func (r *GormUserRepository) FirstStaff(ctx context.Context) (*domain.User, error) {
	var user domain.User
	err := r.db.WithContext(ctx).
		Where("is_staff = ? AND is_active = ?", true, true).
		Order("id ASC").
		First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// Usernames resolves ids to usernames. Unknown ids are absent from the map.
func (r *GormUserRepository) Usernames(ctx context.Context, ids []uint) (map[uint]string, error) {
	out := make(map[uint]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	var users []domain.User
	if err := r.db.WithContext(ctx).Select("id", "username").Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, err
	}
	for _, u := range users {
		out[u.ID] = u.Username
	}
	return out, nil
}

// AddDevice registers a push token; registering it twice is a no-op.
func (r *GormUserRepository) AddDevice(ctx context.Context, userID uint, token string) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&domain.Device{UserID: userID, Token: token}).Error
}

// DeviceTokens lists push tokens of a tenant's users.
func (r *GormUserRepository) DeviceTokens(ctx context.Context, filter DeviceFilter) ([]string, error) {
	q := r.db.WithContext(ctx).
		Model(&domain.Device{}).
		Joins("JOIN users ON users.id = devices.user_id").
		Where("users.tenant_id = ?", filter.TenantID)
	if filter.ExcludeUserID != 0 {
		q = q.Where("devices.user_id <> ?", filter.ExcludeUserID)
	}
	if filter.StaffOnly {
		q = q.Where("users.is_staff = ?", true)
	}

	var tokens []string
	if err := q.Order("devices.id ASC").Pluck("devices.token", &tokens).Error; err != nil {
		return nil, err
	}
	return tokens, nil
}
