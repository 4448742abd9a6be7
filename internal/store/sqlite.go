package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/arbiter-ai/arbiter/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single
	// connection serializes all DB access through Go's connection pool,
	// preventing "database is locked" errors from concurrent requests.
	db.SetMaxOpenConns(1)

	// Enable WAL mode so a second process (CLI alongside the daemon) can
	// read while the other writes
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout so concurrent writes wait instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// boolToInt converts a bool to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// NewULID generates a new ULID string.
func NewULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Agents ---

const agentColumns = `id, name, status, status_note, api_key_hash, tags, coherence, attention_score, void_active, total_reviews, successful_reviews, created_at, updated_at`

func (s *SQLiteStore) CreateAgent(ctx context.Context, a *models.Agent) error {
	if a.ID == "" {
		a.ID = NewULID()
	}
	if a.Status == "" {
		a.Status = models.AgentStatusActive
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	tagsJSON, err := json.Marshal(a.Tags)
	if err != nil {
		tagsJSON = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, string(a.Status), a.StatusNote, a.APIKeyHash, string(tagsJSON),
		a.Health.Coherence, a.Health.AttentionScore, boolToInt(a.Health.VoidActive),
		a.Reputation.TotalReviews, a.Reputation.SuccessfulReviews,
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) GetAgentByName(ctx context.Context, name string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE name = ?`, name)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent by name: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *SQLiteStore) UpdateAgent(ctx context.Context, a *models.Agent) error {
	a.UpdatedAt = time.Now().UTC()

	tagsJSON, err := json.Marshal(a.Tags)
	if err != nil {
		tagsJSON = []byte("[]")
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE agents SET name=?, status=?, status_note=?, api_key_hash=?, tags=?, coherence=?, attention_score=?, void_active=?, total_reviews=?, successful_reviews=?, updated_at=?
		WHERE id=?`,
		a.Name, string(a.Status), a.StatusNote, a.APIKeyHash, string(tagsJSON),
		a.Health.Coherence, a.Health.AttentionScore, boolToInt(a.Health.VoidActive),
		a.Reputation.TotalReviews, a.Reputation.SuccessfulReviews,
		a.UpdatedAt, a.ID,
	)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("agent %s: %w", a.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) UpdateAgentStatus(ctx context.Context, id string, status models.AgentStatus, note string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status=?, status_note=?, updated_at=? WHERE id=?`,
		string(status), note, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) RecordReview(ctx context.Context, id string, successful bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE agents SET total_reviews = total_reviews + 1,
			successful_reviews = successful_reviews + ?,
			updated_at = ?
		WHERE id = ?`,
		boolToInt(successful), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("record review: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(sc scanner) (*models.Agent, error) {
	a := &models.Agent{}
	var status, tagsJSON string
	var voidActive int

	err := sc.Scan(&a.ID, &a.Name, &status, &a.StatusNote, &a.APIKeyHash, &tagsJSON,
		&a.Health.Coherence, &a.Health.AttentionScore, &voidActive,
		&a.Reputation.TotalReviews, &a.Reputation.SuccessfulReviews,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}

	a.Status = models.AgentStatus(status)
	a.Health.VoidActive = voidActive != 0
	_ = json.Unmarshal([]byte(tagsJSON), &a.Tags)
	return a, nil
}

// --- Dialectic sessions ---

const sessionColumns = `id, paused_agent_id, reviewer_agent_id, phase, transcript, synthesis_round, max_synthesis_rounds, resolution, paused_agent_state, discovery_id, dispute_type, created_at, last_active_at`

// activePhases is the SQL predicate for non-terminal sessions.
const activePhases = `phase IN ('THESIS', 'ANTITHESIS', 'SYNTHESIS')`

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *models.DialecticSession) error {
	if sess.ID == "" {
		sess.ID = NewULID()
	}
	if sess.Phase == "" {
		sess.Phase = models.PhaseThesis
	}
	if sess.MaxSynthesisRounds == 0 {
		sess.MaxSynthesisRounds = models.DefaultMaxSynthesisRounds
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.LastActiveAt = now

	transcriptJSON, resolutionJSON, stateJSON, err := marshalSessionFields(sess)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dialectic_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.PausedAgentID, sess.ReviewerAgentID, string(sess.Phase),
		transcriptJSON, sess.SynthesisRound, sess.MaxSynthesisRounds,
		resolutionJSON, stateJSON, sess.DiscoveryID, string(sess.DisputeType),
		sess.CreatedAt, sess.LastActiveAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.DialecticSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM dialectic_sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *models.DialecticSession) error {
	sess.LastActiveAt = time.Now().UTC()

	transcriptJSON, resolutionJSON, stateJSON, err := marshalSessionFields(sess)
	if err != nil {
		return err
	}

	// Terminal rows are immutable. The phase guard is enforced in the
	// UPDATE itself so a stale copy, from the reaper or another process
	// sharing the database, cannot overwrite a finalized session.
	result, err := s.db.ExecContext(ctx,
		`UPDATE dialectic_sessions SET phase=?, transcript=?, synthesis_round=?, max_synthesis_rounds=?, resolution=?, paused_agent_state=?, discovery_id=?, dispute_type=?, last_active_at=?
		WHERE id=? AND phase NOT IN (?, ?, ?)`,
		string(sess.Phase), transcriptJSON, sess.SynthesisRound, sess.MaxSynthesisRounds,
		resolutionJSON, stateJSON, sess.DiscoveryID, string(sess.DisputeType),
		sess.LastActiveAt, sess.ID,
		string(models.PhaseResolved), string(models.PhaseFailed), string(models.PhaseEscalated),
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		var exists int
		row := s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM dialectic_sessions WHERE id = ?`, sess.ID)
		if err := row.Scan(&exists); err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("session %s: %w", sess.ID, ErrNotFound)
		}
		return fmt.Errorf("session %s: %w", sess.ID, ErrTerminalSession)
	}
	return nil
}

func (s *SQLiteStore) ListSessionsByAgent(ctx context.Context, agentID string) ([]*models.DialecticSession, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM dialectic_sessions
		WHERE paused_agent_id = ? OR reviewer_agent_id = ?
		ORDER BY created_at DESC`, agentID, agentID)
}

func (s *SQLiteStore) ListActiveSessions(ctx context.Context) ([]*models.DialecticSession, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM dialectic_sessions
		WHERE `+activePhases+` ORDER BY created_at`)
}

func (s *SQLiteStore) HasActiveSession(ctx context.Context, agentID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dialectic_sessions
		WHERE (paused_agent_id = ? OR reviewer_agent_id = ?) AND `+activePhases,
		agentID, agentID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check active session: %w", err)
	}
	return count > 0, nil
}

func (s *SQLiteStore) CountRecentResolvedReviews(ctx context.Context, reviewerID, pausedID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dialectic_sessions
		WHERE reviewer_agent_id = ? AND paused_agent_id = ?
		AND phase = 'RESOLVED' AND last_active_at >= ?`,
		reviewerID, pausedID, since.UTC(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count recent resolved reviews: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) ListStaleSessions(ctx context.Context, cutoff time.Time) ([]*models.DialecticSession, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM dialectic_sessions
		WHERE `+activePhases+` AND last_active_at < ?
		ORDER BY last_active_at`, cutoff.UTC())
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...any) ([]*models.DialecticSession, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.DialecticSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// marshalSessionFields serializes the JSON-typed columns. The resolution
// is returned as any so a missing resolution maps to SQL NULL.
func marshalSessionFields(sess *models.DialecticSession) (transcript string, resolution any, state string, err error) {
	transcriptJSON, err := json.Marshal(sess.Transcript)
	if err != nil {
		return "", nil, "", fmt.Errorf("marshal transcript: %w", err)
	}
	if sess.Transcript == nil {
		transcriptJSON = []byte("[]")
	}

	if sess.Resolution != nil {
		data, err := json.Marshal(sess.Resolution)
		if err != nil {
			return "", nil, "", fmt.Errorf("marshal resolution: %w", err)
		}
		resolution = string(data)
	}

	stateJSON, err := json.Marshal(sess.PausedAgentState)
	if err != nil {
		return "", nil, "", fmt.Errorf("marshal agent state: %w", err)
	}

	return string(transcriptJSON), resolution, string(stateJSON), nil
}

func scanSession(sc scanner) (*models.DialecticSession, error) {
	sess := &models.DialecticSession{}
	var phase, transcriptJSON, stateJSON, disputeType string
	var resolutionJSON sql.NullString

	err := sc.Scan(&sess.ID, &sess.PausedAgentID, &sess.ReviewerAgentID, &phase,
		&transcriptJSON, &sess.SynthesisRound, &sess.MaxSynthesisRounds,
		&resolutionJSON, &stateJSON, &sess.DiscoveryID, &disputeType,
		&sess.CreatedAt, &sess.LastActiveAt)
	if err != nil {
		return nil, err
	}

	sess.Phase = models.Phase(phase)
	sess.DisputeType = models.DisputeType(disputeType)
	if err := json.Unmarshal([]byte(transcriptJSON), &sess.Transcript); err != nil {
		return nil, fmt.Errorf("unmarshal transcript: %w", err)
	}
	if resolutionJSON.Valid {
		sess.Resolution = &models.Resolution{}
		if err := json.Unmarshal([]byte(resolutionJSON.String), sess.Resolution); err != nil {
			return nil, fmt.Errorf("unmarshal resolution: %w", err)
		}
	}
	_ = json.Unmarshal([]byte(stateJSON), &sess.PausedAgentState)
	return sess, nil
}

// --- Findings ---

func (s *SQLiteStore) CreateFinding(ctx context.Context, f *models.Finding) error {
	if f.ID == "" {
		f.ID = NewULID()
	}
	if f.Status == "" {
		f.Status = models.FindingStatusActive
	}
	now := time.Now().UTC()
	f.CreatedAt = now
	f.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO findings (id, agent_id, claim, confidence, status, note, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.AgentID, f.Claim, f.Confidence, string(f.Status), f.Note,
		f.CreatedAt, f.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create finding: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetFinding(ctx context.Context, id string) (*models.Finding, error) {
	f := &models.Finding{}
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, claim, confidence, status, note, created_at, updated_at
		FROM findings WHERE id = ?`, id,
	).Scan(&f.ID, &f.AgentID, &f.Claim, &f.Confidence, &status, &f.Note, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("finding %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get finding: %w", err)
	}
	f.Status = models.FindingStatus(status)
	return f, nil
}

func (s *SQLiteStore) UpdateFindingStatus(ctx context.Context, id string, status models.FindingStatus, note string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE findings SET status=?, note=?, updated_at=? WHERE id=?`,
		string(status), note, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update finding status: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("finding %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Audit decisions ---

func (s *SQLiteStore) CreateDecision(ctx context.Context, d *models.Decision) error {
	if d.ID == "" {
		d.ID = NewULID()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (id, agent_id, summary, confidence, proceed, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, d.AgentID, d.Summary, d.Confidence, boolToInt(d.Proceed), d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create decision: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FindRecentDecision(ctx context.Context, agentID string, window time.Duration) (*models.Decision, error) {
	since := time.Now().UTC().Add(-window)
	d := &models.Decision{}
	var proceed int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, summary, confidence, proceed, created_at
		FROM decisions WHERE agent_id = ? AND created_at >= ?
		ORDER BY created_at DESC LIMIT 1`, agentID, since,
	).Scan(&d.ID, &d.AgentID, &d.Summary, &d.Confidence, &proceed, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("decision for agent %s: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find recent decision: %w", err)
	}
	d.Proceed = proceed != 0
	return d, nil
}
