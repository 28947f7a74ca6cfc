package history

import "time"

// Run is a single recorded publishing run.
type Run struct {
	ID         uint   `gorm:"primaryKey"`
	RunID      string `gorm:"not null;uniqueIndex"`
	Workspace  string
	Profile    string
	Status     string    `gorm:"index"`
	StartedAt  time.Time `gorm:"index"`
	FinishedAt time.Time
	Uploaded   int
	Failed     int
	Error      string `gorm:"type:text"`
}

// Artifact is one attempted upload of a run.
type Artifact struct {
	ID           uint   `gorm:"primaryKey"`
	RunID        string `gorm:"not null;index"`
	Seq          int
	Rule         int
	Bucket       string
	Key          string
	LocalPath    string
	Size         int64
	ETag         string
	StorageClass string
	Region       string
	Success      bool
	Error        string `gorm:"type:text"`
}
