package models

import "time"

// JobStatus is the externally visible stage of an analysis job. Transitions
// are strictly forward; a failed run is re-invoked from pending on the
// original file.
type JobStatus string

const (
	StatusPending               JobStatus = "pending"
	StatusSelectingSheets       JobStatus = "selecting_sheets"
	StatusSerializing           JobStatus = "serializing"
	StatusExtracting            JobStatus = "extracting"
	StatusNormalizingCategories JobStatus = "normalizing_categories"
	StatusDeduplicating         JobStatus = "deduplicating"
	StatusPersisting            JobStatus = "persisting"
	StatusComplete              JobStatus = "complete"
	StatusCompletedWithErrors   JobStatus = "completed_with_errors"
	StatusFailed                JobStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusComplete, StatusCompletedWithErrors, StatusFailed:
		return true
	}
	return false
}

// AnalysisJob is the main record for a price-list analysis job in Firestore.
// It tracks overall status and the counters exposed to pollers.
type AnalysisJob struct {
	JobID                 string    `firestore:"jobId" json:"job_id"`
	SupplierID            int64     `firestore:"supplierId" json:"supplier_id"`
	FilePath              string    `firestore:"filePath" json:"file_path"`
	Status                JobStatus `firestore:"status" json:"status"`
	ProgressPercent       int       `firestore:"progressPercent" json:"progress_percent"`
	TotalRows             int       `firestore:"totalRows" json:"total_rows,omitempty"`
	SuccessfulExtractions int       `firestore:"successfulExtractions" json:"successful_extractions,omitempty"`
	FailedExtractions     int       `firestore:"failedExtractions" json:"failed_extractions,omitempty"`
	DuplicatesRemoved     int       `firestore:"duplicatesRemoved" json:"duplicates_removed,omitempty"`
	CurrentPhase          string    `firestore:"currentPhase" json:"current_phase,omitempty"`
	Message               string    `firestore:"message,omitempty" json:"message,omitempty"`
	CreatedAt             time.Time `firestore:"createdAt" json:"created_at"`
	UpdatedAt             time.Time `firestore:"updatedAt" json:"updated_at"`
}
