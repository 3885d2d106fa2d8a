// Package domain defines the core domain models for the run engine.
package domain

// RunKind selects the agent pipeline executed for a run.
type RunKind string

const (
	RunKindDemo     RunKind = "demo"
	RunKindOutline  RunKind = "outline"
	RunKindChapter  RunKind = "chapter"
	RunKindContinue RunKind = "continue"
)

// Valid reports whether k is a known run kind.
func (k RunKind) Valid() bool {
	switch k {
	case RunKindDemo, RunKindOutline, RunKindChapter, RunKindContinue:
		return true
	}
	return false
}

// RunStatus represents the status of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// EventType represents the type of a trace event.
type EventType string

const (
	EventTypeRunStarted    EventType = "run_started"
	EventTypeRunCompleted  EventType = "run_completed"
	EventTypeRunError      EventType = "run_error"
	EventTypeAgentStarted  EventType = "agent_started"
	EventTypeAgentFinished EventType = "agent_finished"
	EventTypeAgentOutput   EventType = "agent_output"
	EventTypeToolCall      EventType = "tool_call"
	EventTypeToolResult    EventType = "tool_result"
	EventTypeArtifact      EventType = "artifact"
)

// KBMode controls how strictly generated content must be grounded in the
// knowledge base.
type KBMode string

const (
	// KBModeWeak allows the model to invent canon freely.
	KBModeWeak KBMode = "weak"
	// KBModeStrong requires world/fact claims to cite retrieved KB excerpts.
	KBModeStrong KBMode = "strong"
)

// ArtifactType tags artifact event payloads.
type ArtifactType string

const (
	ArtifactTypeOutline         ArtifactType = "outline"
	ArtifactTypeChapterMarkdown ArtifactType = "chapter_markdown"
	ArtifactTypeStoryState      ArtifactType = "story_state"
	ArtifactTypeEvidenceReport  ArtifactType = "evidence_report"
)

// FailurePolicy declares how the controller reacts when a pipeline step
// exhausts its own recovery.
type FailurePolicy int

const (
	// Hard aborts the run.
	Hard FailurePolicy = iota
	// SoftWithDefault logs a warning event and continues with prior state.
	SoftWithDefault
)

func (p FailurePolicy) String() string {
	if p == SoftWithDefault {
		return "soft"
	}
	return "hard"
}
