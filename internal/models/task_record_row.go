package models

import "time"

// TaskRecordRow postgres row for a task record. Status and timestamps are
// columns for filtering; Data holds the full encoded record.
type TaskRecordRow struct {
	Fingerprint string    `gorm:"primaryKey;size:66"`
	Status      string    `gorm:"size:32;not null;index"`
	ProofKind   string    `gorm:"size:16;index"`
	Revision    uint64    `gorm:"not null;default:0"`
	Data        string    `gorm:"type:text;not null"`
	CreatedAt   time.Time `gorm:"not null;index;autoCreateTime:false"`
	UpdatedAt   time.Time `gorm:"not null;autoUpdateTime:false"`
}

// TableName 指定表名
func (TaskRecordRow) TableName() string {
	return "task_records"
}
