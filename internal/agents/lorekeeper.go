package agents

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/storyforge/orchestrator/internal/domain"
)

// LoreKeeper audits the chapter in canon-locked mode. Every [KB#<id>] marker
// must resolve to an excerpt actually retrieved during this run; markers that
// do not are rewritten to [[TBD]] and recorded as to-confirm evidence, so
// hallucinated canon never silently enters canon-locked output. It makes no
// model calls.
type LoreKeeper struct{}

func (LoreKeeper) Name() string { return "LoreKeeper" }

const unconfirmedPlaceholder = "[[TBD]]"

var (
	citationRe    = regexp.MustCompile(`\[KB#(\d+)\]`)
	placeholderRe = regexp.MustCompile(`\[\[TBD\]\]`)
)

func (a LoreKeeper) Execute(ctx context.Context, rc *RunContext) error {
	rc.Emitter.Emit(ctx, domain.EventTypeAgentStarted, a.Name(), nil)

	retrieved := rc.RetrievedChunkIDs()
	report := &domain.EvidenceReport{}
	text := rc.ChapterMarkdown

	audited := citationRe.ReplaceAllStringFunc(text, func(marker string) string {
		id, err := strconv.ParseInt(citationRe.FindStringSubmatch(marker)[1], 10, 64)
		if err == nil && retrieved[id] {
			report.Items = append(report.Items, domain.EvidenceItem{
				Marker:  marker,
				ChunkID: id,
				Status:  domain.EvidenceStatusConfirmed,
			})
			return marker
		}
		report.Items = append(report.Items, domain.EvidenceItem{
			Marker:  marker,
			Status:  domain.EvidenceStatusToConfirm,
			Context: markerContext(text, marker),
		})
		return unconfirmedPlaceholder
	})

	// Placeholders the Writer emitted itself are open claims too.
	for range placeholderRe.FindAllString(text, -1) {
		report.Items = append(report.Items, domain.EvidenceItem{
			Marker:  unconfirmedPlaceholder,
			Status:  domain.EvidenceStatusToConfirm,
			Context: markerContext(text, unconfirmedPlaceholder),
		})
	}

	rc.ChapterMarkdown = audited
	rc.Evidence = report

	rc.Emitter.Emit(ctx, domain.EventTypeAgentOutput, a.Name(), map[string]any{
		"citations":  len(report.Items),
		"to_confirm": len(report.ToConfirm()),
	})
	rc.Emitter.Emit(ctx, domain.EventTypeArtifact, a.Name(), domain.EvidenceArtifact{
		ArtifactType: domain.ArtifactTypeEvidenceReport,
		Report:       report,
	})
	rc.Emitter.Emit(ctx, domain.EventTypeAgentFinished, a.Name(), nil)
	return nil
}

// markerContext returns a short window of text around the first occurrence
// of marker, for the evidence report.
func markerContext(text, marker string) string {
	i := strings.Index(text, marker)
	if i < 0 {
		return ""
	}
	start := i - 60
	if start < 0 {
		start = 0
	}
	end := i + len(marker) + 60
	if end > len(text) {
		end = len(text)
	}
	// Snap the window to rune boundaries.
	for start > 0 && !utf8.RuneStart(text[start]) {
		start--
	}
	for end < len(text) && !utf8.RuneStart(text[end]) {
		end++
	}
	return strings.TrimSpace(text[start:end])
}
