package domain

import (
	"time"

	"github.com/weiawesome/incident-chat/pkg/database"
)

// Priority drives which SLA threshold applies to a thread.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Tenant is the isolation boundary.
type Tenant struct {
	ID        uint          `gorm:"primaryKey" json:"id"`
	Name      string        `gorm:"type:varchar(255);not null" json:"name"`
	IsActive  bool          `gorm:"not null" json:"is_active"`
	Config    *TenantConfig `gorm:"foreignKey:TenantID" json:"config,omitempty"`
	CreatedAt time.Time     `gorm:"autoCreateTime" json:"created_at"`
}

func (Tenant) TableName() string { return "tenants" }

// TenantConfig holds per-tenant SLA, escalation and feature settings.
type TenantConfig struct {
	ID       uint `gorm:"primaryKey" json:"-"`
	TenantID uint `gorm:"uniqueIndex;not null" json:"tenant_id"`

	DefaultSLAHours        int `gorm:"not null" json:"default_sla_hours"`
	HighPrioritySLAHours   int `gorm:"not null" json:"high_priority_sla_hours"`
	MediumPrioritySLAHours int `gorm:"not null" json:"medium_priority_sla_hours"`
	LowPrioritySLAHours    int `gorm:"not null" json:"low_priority_sla_hours"`

	EnableAutoEscalation   bool   `json:"enable_auto_escalation"`
	EscalationWarningHours int    `json:"escalation_warning_hours"`
	EscalationEmail        string `gorm:"type:varchar(255)" json:"escalation_email,omitempty"`

	EnableStructuredReplies bool `json:"enable_structured_replies"`
	EnableReadReceipts      bool `json:"enable_read_receipts"`
	EnablePushNotifications bool `json:"enable_push_notifications"`

	MaxMessageLength           int `json:"max_message_length"`
	RateLimitMessagesPerMinute int `json:"rate_limit_messages_per_minute"`
}

func (TenantConfig) TableName() string { return "tenant_configs" }

// DefaultTenantConfig returns the settings a new tenant starts with.
func DefaultTenantConfig(tenantID uint) *TenantConfig {
	return &TenantConfig{
		TenantID:                   tenantID,
		DefaultSLAHours:            24,
		HighPrioritySLAHours:       4,
		MediumPrioritySLAHours:     12,
		LowPrioritySLAHours:        48,
		EnableAutoEscalation:       true,
		EscalationWarningHours:     2,
		EnableStructuredReplies:    true,
		EnableReadReceipts:         true,
		EnablePushNotifications:    true,
		MaxMessageLength:           5000,
		RateLimitMessagesPerMinute: 60,
	}
}

// SLAHoursFor returns the SLA threshold for a thread priority.
func (c *TenantConfig) SLAHoursFor(p Priority) int {
	switch p {
	case PriorityHigh:
		return c.HighPrioritySLAHours
	case PriorityMedium:
		return c.MediumPrioritySLAHours
	case PriorityLow:
		return c.LowPrioritySLAHours
	default:
		return c.DefaultSLAHours
	}
}

// User is an account, normally bound to one tenant. Staff may have none.
type User struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Username    string    `gorm:"type:varchar(150);uniqueIndex;not null" json:"username"`
	Email       string    `gorm:"type:varchar(255)" json:"email,omitempty"`
	TenantID    *uint     `gorm:"index" json:"tenant_id,omitempty"`
	IsStaff     bool      `json:"is_staff"`
	IsSuperuser bool      `json:"is_superuser"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (User) TableName() string { return "users" }

// Device is a push token registered by a user.
type Device struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"not null;uniqueIndex:idx_devices_user_token"`
	Token     string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_devices_user_token"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (Device) TableName() string { return "devices" }

// Thread is a tenant-scoped conversation about one incident.
type Thread struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	TenantID   uint      `gorm:"not null;uniqueIndex:idx_threads_tenant_incident" json:"tenant_id"`
	IncidentID string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_threads_tenant_incident" json:"incident_id"`
	Priority   Priority  `gorm:"type:varchar(16)" json:"priority,omitempty"`
	TemplateID *uint     `json:"template_id,omitempty"`
	Template   *Template `gorm:"foreignKey:TemplateID" json:"template,omitempty"`
	CreatedAt  time.Time `gorm:"not null;index" json:"created_at"`
}

func (Thread) TableName() string { return "threads" }

// MessageModel is the stored form of a Message. Content holds ciphertext
// when encryption at rest is enabled.
type MessageModel struct {
	ID           uint          `gorm:"primaryKey"`
	ThreadID     uint          `gorm:"not null;uniqueIndex:idx_messages_thread_seq;index:idx_messages_thread_created"`
	SenderID     uint          `gorm:"not null;index"`
	Content      string        `gorm:"type:text"`
	Structured   database.JSON `gorm:"type:text"`
	Seq          uint64        `gorm:"not null;uniqueIndex:idx_messages_thread_seq"`
	CreatedAt    time.Time     `gorm:"not null;index:idx_messages_thread_created"`
	PreviousHash string        `gorm:"type:varchar(64)"`
	Hash         string        `gorm:"type:varchar(64);not null"`
}

func (MessageModel) TableName() string { return "messages" }

// Message is one link of a thread's hash chain, with plaintext content.
type Message struct {
	ID           uint          `json:"id"`
	ThreadID     uint          `json:"thread_id"`
	SenderID     uint          `json:"sender_id"`
	Content      string        `json:"content"`
	Structured   database.JSON `json:"structured,omitempty"`
	Seq          uint64        `json:"seq"`
	CreatedAt    time.Time     `json:"created_at"`
	PreviousHash string        `json:"previous_hash"`
	Hash         string        `json:"hash"`
}

// ToDomain converts the stored row using already-opened content.
func (m *MessageModel) ToDomain(content string) *Message {
	return &Message{
		ID:           m.ID,
		ThreadID:     m.ThreadID,
		SenderID:     m.SenderID,
		Content:      content,
		Structured:   m.Structured,
		Seq:          m.Seq,
		CreatedAt:    m.CreatedAt,
		PreviousHash: m.PreviousHash,
		Hash:         m.Hash,
	}
}

// MessageToModel converts a message using already-sealed content.
func MessageToModel(msg *Message, sealed string) *MessageModel {
	return &MessageModel{
		ID:           msg.ID,
		ThreadID:     msg.ThreadID,
		SenderID:     msg.SenderID,
		Content:      sealed,
		Structured:   msg.Structured,
		Seq:          msg.Seq,
		CreatedAt:    msg.CreatedAt,
		PreviousHash: msg.PreviousHash,
		Hash:         msg.Hash,
	}
}

// MessageLogModel is one versioned audit row. Rows are never updated.
type MessageLogModel struct {
	ID         uint          `gorm:"primaryKey"`
	MessageID  uint          `gorm:"not null;uniqueIndex:idx_message_logs_version"`
	ThreadID   uint          `gorm:"not null;index"`
	SenderID   uint          `gorm:"not null"`
	Content    string        `gorm:"type:text"`
	Structured database.JSON `gorm:"type:text"`
	Version    int           `gorm:"not null;uniqueIndex:idx_message_logs_version"`
	Timestamp  time.Time     `gorm:"not null;index"`
}

func (MessageLogModel) TableName() string { return "message_logs" }

// LogEntry is the audit view of a MessageLogModel.
type LogEntry struct {
	ID         uint          `json:"-"`
	MessageID  uint          `json:"message_id"`
	ThreadID   uint          `json:"thread_id"`
	SenderID   uint          `json:"-"`
	Sender     string        `json:"sender"`
	Content    string        `json:"content"`
	Structured database.JSON `json:"structured"`
	Timestamp  time.Time     `json:"timestamp"`
	Version    int           `json:"version"`
}

// ReadReceipt records that a user has read a message.
type ReadReceipt struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	MessageID uint      `gorm:"not null;uniqueIndex:idx_read_receipts_message_user" json:"message_id"`
	UserID    uint      `gorm:"not null;uniqueIndex:idx_read_receipts_message_user" json:"user_id"`
	Timestamp time.Time `gorm:"not null" json:"timestamp"`
}

func (ReadReceipt) TableName() string { return "read_receipts" }

// Models lists every table for auto-migration.
func Models() []interface{} {
	return []interface{}{
		&Tenant{}, &TenantConfig{}, &User{}, &Device{}, &Template{},
		&Thread{}, &MessageModel{}, &MessageLogModel{}, &ReadReceipt{},
	}
}
