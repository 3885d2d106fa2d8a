package domain

// RunRequest is the client request that triggers a run.
type RunRequest struct {
	Kind          RunKind `json:"kind"`
	ChapterIndex  int     `json:"chapter_index,omitempty"`
	ResearchQuery string  `json:"research_query,omitempty"`

	// Continue-mode source: either inline text or a stored source reference.
	SourceText string `json:"source_text,omitempty"`
	SourceID   string `json:"source_id,omitempty"`
	SliceMode  string `json:"slice_mode,omitempty"` // head or tail
	SliceChars int    `json:"slice_chars,omitempty"`
}

// RunStartedPayload is the payload for run_started events.
type RunStartedPayload struct {
	Kind      RunKind `json:"kind"`
	ProjectID string  `json:"project_id"`
}

// RunErrorPayload is the payload for run_error events.
type RunErrorPayload struct {
	Error string `json:"error"`
}

// AgentWarningPayload is the payload recorded when a soft-failing agent is
// skipped and the pipeline continues with prior state.
type AgentWarningPayload struct {
	Warning string `json:"warning"`
}

// ToolCallPayload is the payload for tool_call events.
type ToolCallPayload struct {
	Tool     string `json:"tool"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Query    string `json:"q,omitempty"`
}

// ToolResultPayload is the payload for tool_result events.
type ToolResultPayload struct {
	Tool string `json:"tool"`
	Hits int    `json:"hits"`
}
