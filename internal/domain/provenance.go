package domain

import "time"

// ProvenanceEventType enumerates the mutations tracked in the append-only
// provenance log.
type ProvenanceEventType string

const (
	EventCreated      ProvenanceEventType = "created"
	EventUpdated      ProvenanceEventType = "updated"
	EventConsolidated ProvenanceEventType = "consolidated"
	EventSuperseded   ProvenanceEventType = "superseded"
)

// ProvenanceEvent is one row of the append-only audit trail. ID is a ULID:
// append-only logs are exactly the monotonic-ID use case ULID targets.
type ProvenanceEvent struct {
	ID             string
	MemoryID       string
	EventType      ProvenanceEventType
	Checksum       string
	FileName       string
	SourceMessageID string
	CreatedAt      time.Time
}

// CandidateStatus tracks an STM record's progress through consolidation.
type CandidateStatus string

const (
	CandidatePending   CandidateStatus = "pending"
	CandidateSelected  CandidateStatus = "selected"
	CandidateProcessed CandidateStatus = "processed"
	CandidateFailed    CandidateStatus = "failed"
)

// CandidateState is the consolidation side-table row for one STM memory.
type CandidateState struct {
	MemoryID   string
	Status     CandidateStatus
	RetryCount int
	LastError  string
}

// EmbeddingRow is one stored vector, keyed by (MemoryID, Provider, Model).
type EmbeddingRow struct {
	ID         int64
	MemoryID   string
	Provider   string
	Model      string
	Dimension  int
	Version    int
	VectorBytes []byte
}

// ReindexPhase identifies which stage of a reindex job is in progress.
type ReindexPhase string

const (
	PhaseReindex   ReindexPhase = "reindex"
	PhaseValidation ReindexPhase = "validation"
)

// ReindexProgress is emitted periodically while a reindex job runs.
type ReindexProgress struct {
	Phase         ReindexPhase
	Processed     int
	TotalRecords  int
}

// ReindexResult is the final outcome of a reindex job.
type ReindexResult struct {
	Processed       int
	Failed          int
	FailedRecordIDs []string
	Cancelled       bool
	ValidationRan   bool
	ValidationOK    bool
}

// ConsolidationResult is the outcome of one consolidation run.
type ConsolidationResult struct {
	CandidatesSelected int
	FactsDistilled     int
	Merged             int
	Created            int
	Errors             []string
	Cancelled          bool
}
