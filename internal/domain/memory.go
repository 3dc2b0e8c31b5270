package domain

import "time"

// MemoryType classifies the kind of knowledge a record captures. The domain
// may extend this set; unrecognized values are persisted as plain strings
// and round-trip through the codec unchanged.
type MemoryType string

const (
	TypeFact       MemoryType = "fact"
	TypePreference MemoryType = "preference"
	TypeDecision   MemoryType = "decision"
	TypeEpisode    MemoryType = "episode"
	TypeObservation MemoryType = "observation"
	TypeActionItem MemoryType = "action_item"
)

// MemoryLayer is the persisted lifecycle stage of a record. Only these two
// values are ever written to the relational index or the filesystem; other
// layers (e.g. a transient working set) exist solely in memory.
type MemoryLayer string

const (
	LayerSTM MemoryLayer = "stm"
	LayerLTM MemoryLayer = "ltm"
)

// Valid reports whether l is a persistable layer.
func (l MemoryLayer) Valid() bool {
	return l == LayerSTM || l == LayerLTM
}

// SourceType identifies how a memory entered the system.
type SourceType string

const (
	SourceExplicit  SourceType = "explicit"
	SourceImplicit  SourceType = "implicit"
	SourceDistilled SourceType = "distilled"
	SourceImported  SourceType = "imported"
)

// Valid reports whether t is a recognized source type.
func (t SourceType) Valid() bool {
	switch t {
	case SourceExplicit, SourceImplicit, SourceDistilled, SourceImported:
		return true
	default:
		return false
	}
}

// Provenance records where a memory came from.
type Provenance struct {
	SourceType     SourceType `json:"type" yaml:"type"`
	ConversationID string     `json:"conversationId,omitempty" yaml:"conversationId,omitempty"`
	MessageID      string     `json:"messageId,omitempty" yaml:"messageId,omitempty"`
}

// MemoryRecord is the central entity of the substrate: a single piece of
// durable knowledge, dual-written to the relational index and a Markdown
// file.
type MemoryRecord struct {
	ID           string     `json:"id" yaml:"id"`
	Content      string     `json:"content" yaml:"-"`
	Type         MemoryType `json:"type" yaml:"type"`
	Layer        MemoryLayer `json:"layer" yaml:"layer"`
	Importance   float64    `json:"importance" yaml:"importance"`
	Confidence   float64    `json:"confidence" yaml:"confidence"`
	Tags         []string   `json:"tags,omitempty" yaml:"tags,omitempty"`
	Entities     []string   `json:"entities,omitempty" yaml:"entities,omitempty"`
	Source       Provenance `json:"source" yaml:"source"`
	Supersedes   string     `json:"supersedes,omitempty" yaml:"supersedes,omitempty"`
	SupersededBy string     `json:"supersededBy,omitempty" yaml:"supersededBy,omitempty"`
	CreatedAt    time.Time  `json:"createdAt" yaml:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt" yaml:"updatedAt"`
	AccessedAt   time.Time  `json:"accessedAt" yaml:"accessedAt"`
}

// Validate checks the invariants that must hold for every write path.
// It returns the first violation found, wrapped as a DomainError tagged
// ErrInvalidInput.
func (r MemoryRecord) Validate() error {
	switch {
	case trimEmpty(r.Content):
		return NewDomainError("MemoryRecord.Validate", ErrInvalidInput, "content must not be empty")
	case !inUnitRange(r.Importance):
		return NewDomainError("MemoryRecord.Validate", ErrInvalidInput, "importance must be finite and in [0,1]")
	case !inUnitRange(r.Confidence):
		return NewDomainError("MemoryRecord.Validate", ErrInvalidInput, "confidence must be finite and in [0,1]")
	case !r.Layer.Valid():
		return NewDomainError("MemoryRecord.Validate", ErrInvalidInput, "layer must be stm or ltm")
	case !r.Source.SourceType.Valid():
		return NewDomainError("MemoryRecord.Validate", ErrInvalidInput, "source type invalid")
	default:
		return nil
	}
}

func trimEmpty(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}

func inUnitRange(f float64) bool {
	return f == f && f >= 0 && f <= 1 && f != posInf() && f != negInf()
}

func posInf() float64 { var z float64; return 1 / z }
func negInf() float64 { var z float64; return -1 / z }

// ListFilters narrows a list/find query over the repository.
type ListFilters struct {
	Type   MemoryType
	Layer  MemoryLayer
	Source SourceType
	Limit  int
	Offset int
}

// ReconcileReport is the strictly-reporting output of Repository.Reconcile.
type ReconcileReport struct {
	Consistent        bool
	OrphanedFiles      []string
	MissingFiles       []string
	ContentMismatches  []string
}
