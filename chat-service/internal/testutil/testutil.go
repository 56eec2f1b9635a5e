// Package testutil builds in-memory databases and fixtures for package tests.
package testutil

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/weiawesome/incident-chat/chat-service/internal/domain"
	"github.com/weiawesome/incident-chat/pkg/database"
)

var dbSeq atomic.Int64

// NewDB opens a private in-memory SQLite database with every table migrated.
// A single connection is used, so code under test must issue queries inside
// a transaction through the transaction handle.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.New(&database.Config{
		Driver:       "sqlite",
		FilePath:     fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, dbSeq.Add(1)),
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		LogLevel:     "silent",
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := database.AutoMigrate(db, domain.Models()...); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// Fixture is the standard two-tenant world used across tests.
type Fixture struct {
	Tenant1 *domain.Tenant
	Tenant2 *domain.Tenant
	Alice   *domain.User // tenant 1
	Bob     *domain.User // tenant 1
	Carol   *domain.User // tenant 2
	Staff   *domain.User // no tenant, staff
	Thread  *domain.Thread
	Other   *domain.Thread // tenant 2
}

// Seed inserts the fixture. Tenant 1 has a 10 hour default SLA.
func Seed(t testing.TB, db *gorm.DB) *Fixture {
	t.Helper()

	f := &Fixture{}
	f.Tenant1 = &domain.Tenant{Name: "T1", IsActive: true}
	f.Tenant2 = &domain.Tenant{Name: "T2", IsActive: true}
	mustCreate(t, db, f.Tenant1)
	mustCreate(t, db, f.Tenant2)

	cfg := domain.DefaultTenantConfig(f.Tenant1.ID)
	cfg.DefaultSLAHours = 10
	mustCreate(t, db, cfg)
	f.Tenant1.Config = cfg

	f.Staff = &domain.User{Username: "admin", IsStaff: true, IsActive: true}
	f.Alice = &domain.User{Username: "alice", TenantID: &f.Tenant1.ID, IsActive: true}
	f.Bob = &domain.User{Username: "bob", TenantID: &f.Tenant1.ID, IsActive: true}
	f.Carol = &domain.User{Username: "carol", TenantID: &f.Tenant2.ID, IsActive: true}
	for _, u := range []*domain.User{f.Staff, f.Alice, f.Bob, f.Carol} {
		mustCreate(t, db, u)
	}

	f.Thread = &domain.Thread{TenantID: f.Tenant1.ID, IncidentID: "INC-1", CreatedAt: time.Now().UTC()}
	f.Other = &domain.Thread{TenantID: f.Tenant2.ID, IncidentID: "INC-2", CreatedAt: time.Now().UTC()}
	mustCreate(t, db, f.Thread)
	mustCreate(t, db, f.Other)
	return f
}

func mustCreate(t testing.TB, db *gorm.DB, v interface{}) {
	t.Helper()
	if err := db.Create(v).Error; err != nil {
		t.Fatalf("seed %T: %v", v, err)
	}
}
