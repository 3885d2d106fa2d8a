package domain

import (
	"encoding/json"
	"time"
)

// Run represents a single execution of the agent pipeline.
type Run struct {
	RunID          string          `json:"run_id"`
	ProjectID      string          `json:"project_id"`
	Kind           RunKind         `json:"kind"`
	Status         RunStatus       `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	Error          string          `json:"error,omitempty"`
	ConfigSnapshot json.RawMessage `json:"config_snapshot,omitempty"`
}

// RunEvent is one sequence-numbered trace record. Events for a run are
// totally ordered by Seq (1..N, no gaps) and immutable once appended.
type RunEvent struct {
	RunID   string          `json:"run_id"`
	Seq     int64           `json:"seq"`
	Ts      int64           `json:"ts"` // Unix milliseconds
	Type    EventType       `json:"type"`
	Agent   string          `json:"agent,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Project is the minimal project record the run engine needs: stable identity
// plus the settings document that runs snapshot.
type Project struct {
	ProjectID string    `json:"project_id"`
	Title     string    `json:"title"`
	Settings  Settings  `json:"settings"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Chapter is a persisted chapter produced by a run.
type Chapter struct {
	ChapterID    string    `json:"chapter_id"`
	ProjectID    string    `json:"project_id"`
	ChapterIndex int       `json:"chapter_index"`
	Title        string    `json:"title"`
	Markdown     string    `json:"markdown"`
	CreatedAt    time.Time `json:"created_at"`
}

// KBChunk is one knowledge-base excerpt. Writer prompts reference chunks as
// [KB#<id>] and LoreKeeper audits those markers against retrieved ids.
type KBChunk struct {
	ID         int64     `json:"id"`
	ProjectID  string    `json:"project_id"`
	SourceType string    `json:"source_type"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	Tags       string    `json:"tags,omitempty"`
	Score      float64   `json:"score,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ContinueSource is stored manuscript text used by continue-mode runs.
type ContinueSource struct {
	SourceID  string    `json:"source_id"`
	ProjectID string    `json:"project_id"`
	Filename  string    `json:"filename"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// SliceSource returns the requested slice of a continue source's text.
// mode is "head" or "tail"; chars <= 0 means the whole text. chars counts
// runes, not bytes, so multibyte manuscripts are never cut mid-character.
func SliceSource(text, mode string, chars int) string {
	if chars <= 0 || len(text) <= chars {
		return text
	}
	runes := []rune(text)
	if len(runes) <= chars {
		return text
	}
	if mode == "tail" {
		return string(runes[len(runes)-chars:])
	}
	return string(runes[:chars])
}
