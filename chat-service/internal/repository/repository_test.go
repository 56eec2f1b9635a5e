package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/incident-chat/chat-service/internal/domain"
	"github.com/weiawesome/incident-chat/chat-service/internal/testutil"
)

func TestThreadRepository(t *testing.T) {
	db := testutil.NewDB(t)
	f := testutil.Seed(t, db)
	ctx := context.Background()
	repo := NewGormThreadRepository(db)

	got, err := repo.GetByID(ctx, f.Thread.ID)
	require.NoError(t, err)
	assert.Equal(t, "INC-1", got.IncidentID)
	assert.Nil(t, got.Template)

	_, err = repo.GetByID(ctx, 9999)
	assert.ErrorIs(t, err, domain.ErrThreadNotFound)

	all, err := repo.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	since, err := repo.ListByTenantSince(ctx, f.Tenant1.ID, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, f.Thread.ID, since[0].ID)

	last, err := repo.LastMessageAt(ctx, f.Thread.ID)
	require.NoError(t, err)
	assert.Nil(t, last)

	tpl := &domain.Template{Name: "triage", Text: "Impact {impact}"}
	require.NoError(t, repo.CreateTemplate(ctx, tpl))
	withTpl := &domain.Thread{TenantID: f.Tenant1.ID, IncidentID: "INC-9", TemplateID: &tpl.ID}
	require.NoError(t, repo.Create(ctx, withTpl))

	got, err = repo.GetByID(ctx, withTpl.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Template)
	assert.Equal(t, "triage", got.Template.Name)

	dup := &domain.Thread{TenantID: f.Tenant1.ID, IncidentID: "INC-9"}
	assert.Error(t, repo.Create(ctx, dup))
}

func TestUserRepository(t *testing.T) {
	db := testutil.NewDB(t)
	f := testutil.Seed(t, db)
	ctx := context.Background()
	repo := NewGormUserRepository(db)

	u, err := repo.GetByUsername(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, f.Bob.ID, u.ID)

	_, err = repo.GetByID(ctx, 4242)
	assert.ErrorIs(t, err, domain.ErrUserNotFound)

	staff, err := repo.FirstStaff(ctx)
	require.NoError(t, err)
	assert.Equal(t, "admin", staff.Username)

	names, err := repo.Usernames(ctx, []uint{f.Alice.ID, f.Carol.ID, 777})
	require.NoError(t, err)
	assert.Equal(t, map[uint]string{f.Alice.ID: "alice", f.Carol.ID: "carol"}, names)

	require.NoError(t, repo.AddDevice(ctx, f.Alice.ID, "tok-alice"))
	require.NoError(t, repo.AddDevice(ctx, f.Alice.ID, "tok-alice"))
	require.NoError(t, repo.AddDevice(ctx, f.Bob.ID, "tok-bob"))
	require.NoError(t, repo.AddDevice(ctx, f.Carol.ID, "tok-carol"))

	tokens, err := repo.DeviceTokens(ctx, DeviceFilter{TenantID: f.Tenant1.ID, ExcludeUserID: f.Alice.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{"tok-bob"}, tokens)

	tokens, err = repo.DeviceTokens(ctx, DeviceFilter{TenantID: f.Tenant1.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{"tok-alice", "tok-bob"}, tokens)

	tokens, err = repo.DeviceTokens(ctx, DeviceFilter{TenantID: f.Tenant1.ID, StaffOnly: true})
	require.NoError(t, err)
	assert.Empty(t, tokens)
}

func TestTenantRepository(t *testing.T) {
	db := testutil.NewDB(t)
	f := testutil.Seed(t, db)
	ctx := context.Background()
	repo := NewGormTenantRepository(db)

	tenant, err := repo.GetByID(ctx, f.Tenant1.ID)
	require.NoError(t, err)
	require.NotNil(t, tenant.Config)
	assert.Equal(t, 10, tenant.Config.DefaultSLAHours)

	cfg, err := repo.GetConfig(ctx, f.Tenant2.ID)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	cfg = domain.DefaultTenantConfig(f.Tenant2.ID)
	require.NoError(t, repo.SaveConfig(ctx, cfg))
	cfg2 := domain.DefaultTenantConfig(f.Tenant2.ID)
	cfg2.DefaultSLAHours = 6
	require.NoError(t, repo.SaveConfig(ctx, cfg2))

	got, err := repo.GetConfig(ctx, f.Tenant2.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, got.DefaultSLAHours)

	_, err = repo.GetByID(ctx, 999)
	assert.ErrorIs(t, err, domain.ErrTenantNotFound)
}
