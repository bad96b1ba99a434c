package catalog

import "time"

// FileRecord maps one ingested file to the container that holds it.
//
// Records are keyed by (task_id, file_path) and are insert-only: once a
// batch is indexed its rows are never updated. BundleID holds the
// container name; JSWorkerID records which worker packed the file.
type FileRecord struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	FilePath   string    `gorm:"not null;uniqueIndex:idx_task_file" json:"file_path"`
	TaskID     string    `gorm:"not null;uniqueIndex:idx_task_file" json:"task_id"`
	BundleID   string    `gorm:"not null;index" json:"bundle_id"`
	JSWorkerID string    `gorm:"size:64" json:"js_worker_id"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for FileRecord.
func (FileRecord) TableName() string {
	return "files"
}

// Worker is the persistent identity row selected by worker_id. Seed
// supplies the blob service credential; Address is informational.
type Worker struct {
	ID        int       `gorm:"primaryKey" json:"id"`
	Address   string    `gorm:"size:255" json:"address"`
	Seed      string    `gorm:"size:255" json:"-"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for Worker.
func (Worker) TableName() string {
	return "workers"
}

// AllModels returns all GORM models for auto-migration.
func AllModels() []any {
	return []any{
		&FileRecord{},
		&Worker{},
	}
}
