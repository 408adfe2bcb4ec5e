// Package record defines the common envelope and the seven record kinds the
// engine persists: Event, Fact, Procedure, Task, Entity, Relation, Pattern.
// Every kind embeds Envelope and adds its own fields; there is no dynamic
// "kind as string + map[string]any" representation anywhere in the engine.
package record

import "time"

// Kind tags which of the seven record kinds a record is. Used by RecordStore
// scope queries and by the Retriever's kind filter.
type Kind string

const (
	KindEvent     Kind = "event"
	KindFact      Kind = "fact"
	KindProcedure Kind = "procedure"
	KindTask      Kind = "task"
	KindEntity    Kind = "entity"
	KindRelation  Kind = "relation"
	KindPattern   Kind = "pattern"
)

// Lifecycle is one node of the record lifecycle DAG.
type Lifecycle string

const (
	LifecycleActive       Lifecycle = "active"
	LifecycleLabile       Lifecycle = "labile"
	LifecycleConsolidated Lifecycle = "consolidated"
	LifecycleArchived     Lifecycle = "archived"
	LifecycleNeedsReview  Lifecycle = "needs_review"
	LifecycleSuperseded   Lifecycle = "superseded"
)

// EvidenceType classifies how a record came to be known; it drives the
// base term of evidence_quality derivation.
type EvidenceType string

const (
	EvidenceObserved    EvidenceType = "observed"
	EvidenceInferred    EvidenceType = "inferred"
	EvidenceDeduced     EvidenceType = "deduced"
	EvidenceHypothetical EvidenceType = "hypothetical"
	EvidenceLearned     EvidenceType = "learned"
	EvidenceExternal    EvidenceType = "external"
)

// Envelope is embedded by every record kind. Fields here are the only ones a
// RecordStore lifecycle/activation/evidence operation ever touches generically.
type Envelope struct {
	ID        string
	ProjectID string

	CreatedAt time.Time
	ValidFrom time.Time
	ValidTo   *time.Time

	Lifecycle Lifecycle
	Confidence float64

	EvidenceType    EvidenceType
	EvidenceQuality float64

	SourceID *string

	ActivationCount  int
	LastActivationAt *time.Time

	// LabileUntil is non-nil only while Lifecycle == LifecycleLabile. Set by
	// RecordStore.Activate, cleared on the labile -> active transition.
	LabileUntil *time.Time

	// Version bumps on every content rewrite outside a reconsolidation
	// window; rewrites made while labile bump it once, when the window closes.
	Version int

	Importance float64
	Tags       []string
}

// Outcome classifies how an Event (or a traversal over Events) concluded.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
	OutcomeOngoing Outcome = "ongoing"
)

// Event is the substrate of episodic experience.
type Event struct {
	Envelope

	SessionID string
	Content   string
	Outcome   Outcome
	Context   map[string]string

	Embedding []float32

	// Code-aware fields, all optional.
	FilePath   string
	SymbolName string
	Language   string
	Diff       string
	TestName   string
	TestPassed *bool
	ErrorType  string
}

// MemoryType classifies a Fact's role in semantic memory.
type MemoryType string

const (
	MemoryTypeFact     MemoryType = "fact"
	MemoryTypePattern  MemoryType = "pattern"
	MemoryTypeDecision MemoryType = "decision"
	MemoryTypeContext  MemoryType = "context"
)

// Fact is semantic memory.
type Fact struct {
	Envelope

	Content    string
	MemoryType MemoryType
	Embedding  []float32
	Usefulness float64
}

// Procedure is a reusable, derived workflow.
type Procedure struct {
	Envelope

	Name           string
	Category       string
	TriggerPattern string
	Steps          []string
	SuccessRate    float64
	UsageCount     int
	AvgDurationMs  float64

	Code           *string
	CodeVersion    int
	CodeConfidence float64
}

// TaskStatus enumerates a Task's lifecycle within itself (distinct from the
// shared Envelope.Lifecycle, which tracks record-level lifecycle DAG state).
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusActive    TaskStatus = "active"
	TaskStatusBlocked   TaskStatus = "blocked"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

type TaskPhase string

const (
	TaskPhasePlanning   TaskPhase = "planning"
	TaskPhasePlanReady  TaskPhase = "plan_ready"
	TaskPhaseExecuting  TaskPhase = "executing"
	TaskPhaseVerifying  TaskPhase = "verifying"
	TaskPhaseCompleted  TaskPhase = "completed"
)

type TaskPriority string

const (
	TaskPriorityLow      TaskPriority = "low"
	TaskPriorityMedium   TaskPriority = "medium"
	TaskPriorityHigh     TaskPriority = "high"
	TaskPriorityCritical TaskPriority = "critical"
)

// PlanStep is one step of a Task's plan: a description plus the ids of the
// plan steps it depends on.
type PlanStep struct {
	Description string
	DependsOn   []string
}

// Task is a trackable unit of agent work.
type Task struct {
	Envelope

	Content        string
	Status         TaskStatus
	Phase          TaskPhase
	Priority       TaskPriority
	Plan           []PlanStep
	DueAt          *time.Time
	Assignee       string
	EffortEstimate string
}

// Entity is a graph node.
type Entity struct {
	Envelope

	Name       string
	EntityType string
	Attributes map[string]string
	Importance float64
}

// Relation is a graph edge between two Entities.
type Relation struct {
	Envelope

	FromEntity   string
	ToEntity     string
	RelationType string
	Strength     float64
	ValidFrom    time.Time
	ValidTo      *time.Time
}

// PatternType classifies a consolidation output.
type PatternType string

const (
	PatternTypeEventSequence    PatternType = "event_sequence"
	PatternTypeOutcomeTransition PatternType = "outcome_transition"
	PatternTypeWorkflow         PatternType = "workflow"
	PatternTypeAntiPattern      PatternType = "anti_pattern"
	PatternTypeBestPractice     PatternType = "best_practice"
)

// Pattern is a Consolidator output summarizing a recurring Event sequence.
// Content is the human-readable pattern text; the validator
// may narrow it but never its SourceEventIDs. Provenance records lifecycle
// notes about sources (e.g. a source Event being archived) without owning
// them.
type Pattern struct {
	Envelope

	PatternType                PatternType
	Content                    string
	SourceEventIDs             []string
	Provenance                 []string
	Support                    int
	ConfidenceBeforeValidation float64
	ConfidenceAfterValidation  float64
}
