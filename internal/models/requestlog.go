package models

import (
	"time"
)

// Represents one dispatched request
type RequestLog struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Timestamp      time.Time `gorm:"index" json:"timestamp"`
	RequestID      string    `gorm:"index" json:"request_id"`
	UserID         string    `gorm:"index" json:"user_id,omitempty"`
	Service        string    `gorm:"index" json:"service"`
	Method         string    `json:"method"`
	Path           string    `gorm:"index" json:"path"`
	StatusCode     int       `gorm:"index" json:"status_code"`
	ResponseTimeMs int       `json:"response_time_ms"`
	IPAddress      string    `json:"ip_address"`
	UserAgent      string    `json:"user_agent"`
	ErrorKind      string    `json:"error_kind,omitempty"`
}

func (RequestLog) TableName() string {
	return "request_logs"
}
