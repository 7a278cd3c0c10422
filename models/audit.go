package models

import "time"

type AuditLevel string

const (
	AuditInfo    AuditLevel = "info"
	AuditWarning AuditLevel = "warning"
	AuditError   AuditLevel = "error"
	AuditSuccess AuditLevel = "success"
)

// AuditEntry is one step-boundary record of a lifecycle workflow.
type AuditEntry struct {
	ID        uint64     `json:"id" gorm:"primaryKey;autoIncrement"`
	ServerID  string     `json:"serverId" gorm:"not null;index"`
	Level     AuditLevel `json:"level" gorm:"not null"`
	Message   string     `json:"message" gorm:"not null"`
	CreatedAt time.Time  `json:"createdAt" gorm:"index"`
}

func (AuditEntry) TableName() string { return "audit_log" }
