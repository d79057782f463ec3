package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Audit actions.
const (
	AuditTaskCreated       = "task.created"
	AuditTaskAction        = "task.action"
	AuditStoreReceived     = "store.received"
	AuditListenerReconfig  = "listener.reconfigured"
	AuditCheckStorageRun   = "checkstorage.run"
	AuditDeviceEcho        = "device.echo"
	AuditDeviceCountsProbe = "device.probe"
)

// AuditLog represents an audit log entry
type AuditLog struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	Action       string    `gorm:"type:varchar(100);not null;index" json:"action"`
	Device       string    `gorm:"type:varchar(100);index" json:"device,omitempty"`
	ResourceType string    `gorm:"type:varchar(50);index" json:"resource_type"`
	ResourceUID  string    `gorm:"type:varchar(255);index" json:"resource_uid"`
	Detail       string    `gorm:"type:text" json:"detail,omitempty"`
	Status       string    `gorm:"type:varchar(20);index" json:"status"` // success, failure
	ErrorMessage string    `gorm:"type:text" json:"error_message,omitempty"`
	Duration     int64     `json:"duration_ms"` // milliseconds
	CreatedAt    time.Time `gorm:"index" json:"timestamp"`
}

// TableName overrides the table name
func (AuditLog) TableName() string {
	return "audit_logs"
}

// BeforeCreate hook
func (a *AuditLog) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// AuditFilter narrows an audit log listing. Zero fields match everything.
type AuditFilter struct {
	Device      string
	Action      string
	ResourceUID string
	Since       time.Time
	Limit       int
	Offset      int
}
