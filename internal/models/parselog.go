package models

import "time"

// ErrorKind classifies a row- or chunk-level failure in the parsing log.
type ErrorKind string

const (
	ErrorKindValidation           ErrorKind = "validation"
	ErrorKindTimeout              ErrorKind = "timeout"
	ErrorKindMalformedResponse    ErrorKind = "malformed_response"
	ErrorKindRejectedField        ErrorKind = "rejected_field"
	ErrorKindSheetSelectionFailed ErrorKind = "sheet_selection_failed"
	ErrorKindCategoryConflict     ErrorKind = "category_creation_conflict"
)

// ParsingLogEntry is one append-only audit record for a rejected or failed
// row, a malformed inference response, or a taxonomy write conflict. Entries
// are never deleted.
type ParsingLogEntry struct {
	JobID        string    `firestore:"jobId" json:"job_id"`
	ChunkIndex   int       `firestore:"chunkIndex" json:"chunk_index"`
	RowReference *RowRef   `firestore:"rowReference,omitempty" json:"row_reference,omitempty"`
	ErrorKind    ErrorKind `firestore:"errorKind" json:"error_kind"`
	Message      string    `firestore:"message" json:"message"`
	RawPayload   string    `firestore:"rawPayload,omitempty" json:"raw_payload,omitempty"`
	CreatedAt    time.Time `firestore:"createdAt" json:"created_at"`
}
