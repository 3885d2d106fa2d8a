package domain

// OutlineChapter is one entry of an outline artifact.
type OutlineChapter struct {
	Index   int    `json:"index"`
	Title   string `json:"title"`
	Summary string `json:"summary,omitempty"`
	Goal    string `json:"goal,omitempty"`
}

// Outline is the ordered chapter list produced by the Outliner.
type Outline struct {
	Chapters []OutlineChapter `json:"chapters"`
}

// ChapterForIndex returns the outline entry for a chapter index, if present.
func (o *Outline) ChapterForIndex(index int) *OutlineChapter {
	if o == nil {
		return nil
	}
	for i := range o.Chapters {
		if o.Chapters[i].Index == index {
			return &o.Chapters[i]
		}
	}
	return nil
}

// CharacterState is one character entry of an extracted story state.
type CharacterState struct {
	Name          string `json:"name"`
	CurrentStatus string `json:"current_status,omitempty"`
	Relationships string `json:"relationships,omitempty"`
}

// TimelineEntry is one event of an extracted story timeline.
type TimelineEntry struct {
	Event string `json:"event"`
	When  string `json:"when,omitempty"`
}

// StyleProfile captures the narrative voice of a source manuscript.
type StyleProfile struct {
	POV   string `json:"pov,omitempty"`
	Tense string `json:"tense,omitempty"`
	Tone  string `json:"tone,omitempty"`
}

// StoryState is the structured state the Extractor derives from a manuscript
// excerpt in continue mode.
type StoryState struct {
	SummarySoFar string           `json:"summary_so_far,omitempty"`
	Characters   []CharacterState `json:"characters,omitempty"`
	World        string           `json:"world,omitempty"`
	Timeline     []TimelineEntry  `json:"timeline,omitempty"`
	OpenLoops    []string         `json:"open_loops,omitempty"`
	StyleProfile *StyleProfile    `json:"style_profile,omitempty"`
}

// EvidenceStatus classifies one audited citation claim.
type EvidenceStatus string

const (
	EvidenceStatusConfirmed EvidenceStatus = "confirmed"
	EvidenceStatusToConfirm EvidenceStatus = "to_confirm"
)

// EvidenceItem records the audit outcome for one [KB#id] citation marker.
type EvidenceItem struct {
	Marker  string         `json:"marker"`
	ChunkID int64          `json:"chunk_id,omitempty"`
	Status  EvidenceStatus `json:"status"`
	Context string         `json:"context,omitempty"`
}

// EvidenceReport is the LoreKeeper's claim-by-claim audit of a chapter.
type EvidenceReport struct {
	Items []EvidenceItem `json:"items"`
}

// ToConfirm returns the unresolved items of the report.
func (r *EvidenceReport) ToConfirm() []EvidenceItem {
	var out []EvidenceItem
	for _, item := range r.Items {
		if item.Status == EvidenceStatusToConfirm {
			out = append(out, item)
		}
	}
	return out
}

// OutlineArtifact is the artifact event payload for an outline.
type OutlineArtifact struct {
	ArtifactType ArtifactType `json:"artifact_type"`
	Outline      *Outline     `json:"outline"`
}

// ChapterArtifact is the artifact event payload for a finished chapter.
type ChapterArtifact struct {
	ArtifactType ArtifactType `json:"artifact_type"`
	ChapterIndex int          `json:"chapter_index"`
	Title        string       `json:"title"`
	Markdown     string       `json:"markdown"`
}

// StoryStateArtifact is the artifact event payload for an extracted story state.
type StoryStateArtifact struct {
	ArtifactType ArtifactType `json:"artifact_type"`
	StoryState   *StoryState  `json:"story_state"`
}

// EvidenceArtifact is the artifact event payload for an evidence report.
type EvidenceArtifact struct {
	ArtifactType ArtifactType    `json:"artifact_type"`
	Report       *EvidenceReport `json:"report"`
}
