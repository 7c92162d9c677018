package postgres

import (
	"time"

	"github.com/google/uuid"
)

// PipelineRun is one pipeline execution tracked by the state machine.
type PipelineRun struct {
	ID                 uuid.UUID         `json:"id"`
	Status             string            `json:"status"`
	CurrentStageNumber int               `json:"current_stage_number"`
	StageStatuses      map[string]string `json:"stage_statuses"`
	FailedStage        *string           `json:"failed_stage,omitempty"`
	ErrorMessage       *string           `json:"error_message,omitempty"`
	AutoAdvance        bool              `json:"auto_advance"`
	StartedAt          *time.Time        `json:"started_at,omitempty"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// ItemBatch is the fixed set of work items owned by one pipeline run.
type ItemBatch struct {
	ID           uuid.UUID `json:"id"`
	RunID        uuid.UUID `json:"run_id"`
	SourcePrefix string    `json:"source_prefix"`
	CreatedAt    time.Time `json:"created_at"`
}

// Item is one unit of ingested work (a document) tracked independently
// through every stage. The per-stage status columns are the authoritative
// record of per-item progress; StageMetadata is an opaque diagnostic blob.
type Item struct {
	ID            uuid.UUID `json:"id"`
	BatchID       uuid.UUID `json:"batch_id"`
	ObjectKey     string    `json:"object_key"`
	Title         string    `json:"title"`
	ContentType   string    `json:"content_type"`
	SizeBytes     int64     `json:"size_bytes"`
	StageStatuses map[string]string `json:"stage_statuses"`
	StageMetadata []byte    `json:"stage_metadata,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// StageLog is one append-only record of a stage run outcome.
type StageLog struct {
	ID             uuid.UUID  `json:"id"`
	RunID          uuid.UUID  `json:"run_id"`
	StageName      string     `json:"stage_name"`
	StageNumber    int        `json:"stage_number"`
	ItemsProcessed int        `json:"items_processed"`
	ItemsFailed    int        `json:"items_failed"`
	Counters       []byte     `json:"counters,omitempty"`
	Success        bool       `json:"success"`
	Advance        bool       `json:"advance"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     time.Time  `json:"finished_at"`
	CreatedAt      time.Time  `json:"created_at"`
}

// LexiconTerm is a term extracted from one item by the lexicon stage.
type LexiconTerm struct {
	ID         uuid.UUID `json:"id"`
	ItemID     uuid.UUID `json:"item_id"`
	Term       string    `json:"term"`
	Definition string    `json:"definition"`
	Salience   float64   `json:"salience"`
	CreatedAt  time.Time `json:"created_at"`
}

// GraphEntity is an entity extracted from one item by the pools stage.
type GraphEntity struct {
	ID        uuid.UUID `json:"id"`
	ItemID    uuid.UUID `json:"item_id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

// GraphRelation is a relation between two named entities extracted from one item.
type GraphRelation struct {
	ID         uuid.UUID `json:"id"`
	ItemID     uuid.UUID `json:"item_id"`
	SourceName string    `json:"source_name"`
	TargetName string    `json:"target_name"`
	Predicate  string    `json:"predicate"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// ItemChunk is an embedded slice of an item's text.
type ItemChunk struct {
	ID         uuid.UUID `json:"id"`
	ItemID     uuid.UUID `json:"item_id"`
	ChunkIndex int       `json:"chunk_index"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// Deliverable is a per-item export manifest assembled by the deliverables stage.
type Deliverable struct {
	ID        uuid.UUID `json:"id"`
	ItemID    uuid.UUID `json:"item_id"`
	Kind      string    `json:"kind"`
	Manifest  []byte    `json:"manifest"`
	CreatedAt time.Time `json:"created_at"`
}
