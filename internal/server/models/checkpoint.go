package models

import "time"

// RotationCheckpoint is the resumable high-water mark of a rotation run
// towards TargetVersion.
type RotationCheckpoint struct {
	TargetVersion uint32
	LastID        string
	Rewritten     int64
	Skipped       int64
	Completed     bool
	UpdatedAt     time.Time
}
