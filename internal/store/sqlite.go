package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/storyforge/orchestrator/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			project_id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			settings TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			finished_at DATETIME,
			error TEXT,
			config_snapshot TEXT,
			FOREIGN KEY (project_id) REFERENCES projects(project_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS run_events (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			ts INTEGER NOT NULL,
			type TEXT NOT NULL,
			agent TEXT,
			payload TEXT,
			PRIMARY KEY (run_id, seq),
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE TABLE IF NOT EXISTS chapters (
			chapter_id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			chapter_index INTEGER NOT NULL,
			title TEXT NOT NULL,
			markdown TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (project_id) REFERENCES projects(project_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chapters_project ON chapters(project_id, chapter_index)`,
		`CREATE TABLE IF NOT EXISTS kb_chunks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id TEXT NOT NULL,
			source_type TEXT NOT NULL DEFAULT 'note',
			title TEXT NOT NULL,
			content TEXT NOT NULL,
			tags TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (project_id) REFERENCES projects(project_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_kb_chunks_project ON kb_chunks(project_id)`,
		`CREATE TABLE IF NOT EXISTS continue_sources (
			source_id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			filename TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (project_id) REFERENCES projects(project_id)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateProject creates a new project.
func (s *SQLiteStore) CreateProject(ctx context.Context, project *domain.Project) error {
	settings, err := json.Marshal(project.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO projects (project_id, title, settings, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		project.ProjectID, project.Title, string(settings), project.CreatedAt, project.UpdatedAt)
	return err
}

// GetProject retrieves a project by ID.
func (s *SQLiteStore) GetProject(ctx context.Context, projectID string) (*domain.Project, error) {
	var p domain.Project
	var settings string
	err := s.db.QueryRowContext(ctx,
		`SELECT project_id, title, settings, created_at, updated_at FROM projects WHERE project_id = ?`,
		projectID).Scan(&p.ProjectID, &p.Title, &settings, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(settings), &p.Settings); err != nil {
		p.Settings = domain.Settings{}
	}
	return &p, nil
}

// UpdateProjectSettings replaces a project's settings document.
func (s *SQLiteStore) UpdateProjectSettings(ctx context.Context, projectID string, settings domain.Settings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET settings = ?, updated_at = ? WHERE project_id = ?`,
		string(raw), time.Now().UTC(), projectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateRun creates a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, project_id, kind, status, created_at, config_snapshot) VALUES (?, ?, ?, ?, ?, ?)`,
		run.RunID, run.ProjectID, string(run.Kind), string(run.Status), run.CreatedAt, string(run.ConfigSnapshot))
	return err
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	var r domain.Run
	var finishedAt sql.NullTime
	var errMsg sql.NullString
	var snapshot sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, project_id, kind, status, created_at, finished_at, error, config_snapshot
		 FROM runs WHERE run_id = ?`, runID).
		Scan(&r.RunID, &r.ProjectID, &r.Kind, &r.Status, &r.CreatedAt, &finishedAt, &errMsg, &snapshot)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		r.FinishedAt = &t
	}
	r.Error = errMsg.String
	if snapshot.Valid && snapshot.String != "" {
		r.ConfigSnapshot = json.RawMessage(snapshot.String)
	}
	return &r, nil
}

// ListRuns lists runs for a project, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, projectID string) ([]domain.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, project_id, kind, status, created_at, finished_at, error, config_snapshot
		 FROM runs WHERE project_id = ? ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		var r domain.Run
		var finishedAt sql.NullTime
		var errMsg sql.NullString
		var snapshot sql.NullString
		if err := rows.Scan(&r.RunID, &r.ProjectID, &r.Kind, &r.Status, &r.CreatedAt, &finishedAt, &errMsg, &snapshot); err != nil {
			return nil, err
		}
		if finishedAt.Valid {
			t := finishedAt.Time
			r.FinishedAt = &t
		}
		r.Error = errMsg.String
		if snapshot.Valid && snapshot.String != "" {
			r.ConfigSnapshot = json.RawMessage(snapshot.String)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// FinishRun applies the terminal running -> completed|failed transition.
// The WHERE guard makes the transition exactly-once even under races.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status domain.RunStatus, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}
	if len(errMsg) > 500 {
		errMsg = errMsg[:500]
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ?, error = ? WHERE run_id = ? AND status = ?`,
		string(status), time.Now().UTC(), errMsg, runID, string(domain.RunStatusRunning))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetRun(ctx, runID); err != nil {
			return err
		}
		return ErrRunFinished
	}
	return nil
}

// AppendEvent appends one trace event. Events are immutable once appended;
// (run_id, seq) uniqueness is enforced by the primary key.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *domain.RunEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_events (run_id, seq, ts, type, agent, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, event.Seq, event.Ts, string(event.Type), event.Agent, string(event.Payload))
	return err
}

// ListEventsAfter returns a run's events with seq > afterSeq in seq order.
func (s *SQLiteStore) ListEventsAfter(ctx context.Context, runID string, afterSeq int64) ([]domain.RunEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, seq, ts, type, agent, payload FROM run_events
		 WHERE run_id = ? AND seq > ? ORDER BY seq ASC`, runID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.RunEvent
	for rows.Next() {
		var e domain.RunEvent
		var agent sql.NullString
		var payload sql.NullString
		if err := rows.Scan(&e.RunID, &e.Seq, &e.Ts, &e.Type, &agent, &payload); err != nil {
			return nil, err
		}
		e.Agent = agent.String
		if payload.Valid && payload.String != "" {
			e.Payload = json.RawMessage(payload.String)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CreateChapter persists a chapter produced by a run.
func (s *SQLiteStore) CreateChapter(ctx context.Context, chapter *domain.Chapter) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chapters (chapter_id, project_id, chapter_index, title, markdown, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		chapter.ChapterID, chapter.ProjectID, chapter.ChapterIndex, chapter.Title, chapter.Markdown, chapter.CreatedAt)
	return err
}

// ListChapters lists a project's chapters in reading order.
func (s *SQLiteStore) ListChapters(ctx context.Context, projectID string) ([]domain.Chapter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chapter_id, project_id, chapter_index, title, markdown, created_at
		 FROM chapters WHERE project_id = ? ORDER BY chapter_index ASC, created_at ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chapters []domain.Chapter
	for rows.Next() {
		var c domain.Chapter
		if err := rows.Scan(&c.ChapterID, &c.ProjectID, &c.ChapterIndex, &c.Title, &c.Markdown, &c.CreatedAt); err != nil {
			return nil, err
		}
		chapters = append(chapters, c)
	}
	return chapters, rows.Err()
}

// AddKBChunk inserts a knowledge-base excerpt and fills its assigned id.
func (s *SQLiteStore) AddKBChunk(ctx context.Context, chunk *domain.KBChunk) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO kb_chunks (project_id, source_type, title, content, tags, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		chunk.ProjectID, chunk.SourceType, chunk.Title, chunk.Content, chunk.Tags, chunk.CreatedAt)
	if err != nil {
		return err
	}
	chunk.ID, err = res.LastInsertId()
	return err
}

// SearchKB performs term-frequency ranked retrieval over a project's chunks.
func (s *SQLiteStore) SearchKB(ctx context.Context, projectID, query string, limit int) ([]domain.KBChunk, error) {
	terms := searchTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}

	where := make([]string, 0, len(terms))
	args := []any{projectID}
	for _, term := range terms {
		where = append(where, "(lower(content) LIKE ? OR lower(title) LIKE ?)")
		pattern := "%" + strings.ToLower(term) + "%"
		args = append(args, pattern, pattern)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, source_type, title, content, tags, created_at FROM kb_chunks
		 WHERE project_id = ? AND (`+strings.Join(where, " OR ")+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []domain.KBChunk
	for rows.Next() {
		var c domain.KBChunk
		var tags sql.NullString
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.SourceType, &c.Title, &c.Content, &tags, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Tags = tags.String
		c.Score = scoreChunk(&c, terms)
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].Score > chunks[j].Score })
	if len(chunks) > limit {
		chunks = chunks[:limit]
	}
	return chunks, nil
}

// searchTerms splits a query into lowercase terms, dropping quotes and
// single-character noise.
func searchTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(strings.ReplaceAll(query, `"`, " ")))
	var terms []string
	for _, f := range fields {
		if len(f) > 1 {
			terms = append(terms, f)
		}
	}
	if len(terms) > 8 {
		terms = terms[:8]
	}
	return terms
}

func scoreChunk(c *domain.KBChunk, terms []string) float64 {
	content := strings.ToLower(c.Content)
	title := strings.ToLower(c.Title)
	var score float64
	for _, term := range terms {
		score += float64(strings.Count(content, term))
		score += 2 * float64(strings.Count(title, term))
	}
	return score
}

// CreateContinueSource stores manuscript text for continue-mode runs.
func (s *SQLiteStore) CreateContinueSource(ctx context.Context, src *domain.ContinueSource) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO continue_sources (source_id, project_id, filename, text, created_at) VALUES (?, ?, ?, ?, ?)`,
		src.SourceID, src.ProjectID, src.Filename, src.Text, src.CreatedAt)
	return err
}

// GetContinueSource retrieves a stored continue source.
func (s *SQLiteStore) GetContinueSource(ctx context.Context, projectID, sourceID string) (*domain.ContinueSource, error) {
	var src domain.ContinueSource
	err := s.db.QueryRowContext(ctx,
		`SELECT source_id, project_id, filename, text, created_at FROM continue_sources
		 WHERE project_id = ? AND source_id = ?`, projectID, sourceID).
		Scan(&src.SourceID, &src.ProjectID, &src.Filename, &src.Text, &src.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &src, nil
}
