package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mendlabs/mend/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	gatesMu sync.Mutex // serializes gate-map read-merge-write cycles
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		initiator_id TEXT NOT NULL,
		partner_id TEXT,
		topic TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS stage_progress (
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		stage INTEGER NOT NULL,
		status TEXT NOT NULL,
		gates_json TEXT NOT NULL DEFAULT '{}',
		started_at INTEGER NOT NULL,
		completed_at INTEGER,
		PRIMARY KEY (session_id, user_id, stage)
	);
	CREATE INDEX IF NOT EXISTS idx_stage_active ON stage_progress(session_id, user_id, status);

	CREATE TABLE IF NOT EXISTS empathy_attempts (
		session_id TEXT NOT NULL,
		source_user_id TEXT NOT NULL,
		content TEXT NOT NULL,
		status TEXT NOT NULL,
		shared_at INTEGER,
		revealed_at INTEGER,
		delivery_status TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, source_user_id)
	);

	CREATE TABLE IF NOT EXISTS reconciler_results (
		result_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		guesser_id TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		alignment_score INTEGER NOT NULL,
		gap_severity TEXT NOT NULL,
		recommendation TEXT NOT NULL,
		area_hint TEXT NOT NULL DEFAULT '',
		guidance_type TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		UNIQUE (session_id, guesser_id, subject_id)
	);

	CREATE TABLE IF NOT EXISTS share_offers (
		offer_id TEXT PRIMARY KEY,
		result_id TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL,
		guesser_id TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		status TEXT NOT NULL,
		suggested_content TEXT NOT NULL,
		suggested_reason TEXT NOT NULL DEFAULT '',
		refined_content TEXT,
		shared_content TEXT,
		delivery_status TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		responded_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_offers_open ON share_offers(status, created_at);

	CREATE TABLE IF NOT EXISTS refinement_attempts (
		session_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, direction)
	);

	CREATE TABLE IF NOT EXISTS messages (
		message_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		stage INTEGER NOT NULL,
		kind TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, user_id, created_at);

	CREATE TABLE IF NOT EXISTS witness_themes (
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		themes_json TEXT NOT NULL DEFAULT '[]',
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, user_id)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `SELECT user_id, username, last_seen_at, created_at, updated_at FROM users WHERE user_id = ?`
	row := s.db.QueryRowContext(ctx, query, userID)

	var user domain.User
	var lastSeen, createdAt, updatedAt int64
	err := row.Scan(&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Username,
		user.LastSeenAt.Unix(), user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}
	return nil
}

// CreateSession persists a new session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	query := `
	INSERT INTO sessions (session_id, initiator_id, partner_id, topic, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	var partner interface{}
	if session.PartnerID != "" {
		partner = session.PartnerID
	}

	_, err := s.db.ExecContext(ctx, query,
		session.ID, session.InitiatorID, partner, session.Topic,
		session.CreatedAt.Unix(), session.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `SELECT session_id, initiator_id, partner_id, topic, created_at, updated_at FROM sessions WHERE session_id = ?`
	row := s.db.QueryRowContext(ctx, query, sessionID)

	var sess domain.Session
	var partner sql.NullString
	var createdAt, updatedAt int64
	err := row.Scan(&sess.ID, &sess.InitiatorID, &partner, &sess.Topic, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	sess.PartnerID = partner.String
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)
	return &sess, nil
}

// JoinSession fills the empty partner seat. The guard rejects a second join
// and self-joins in a single conditional write.
func (s *SQLiteStore) JoinSession(ctx context.Context, sessionID, partnerID string) error {
	query := `
	UPDATE sessions SET partner_id = ?, updated_at = ?
	WHERE session_id = ? AND partner_id IS NULL AND initiator_id != ?`

	result, err := s.db.ExecContext(ctx, query, partnerID, time.Now().Unix(), sessionID, partnerID)
	if err != nil {
		return fmt.Errorf("join session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return domain.ErrNotFound
	}
	if sess.PartnerID == partnerID || sess.InitiatorID == partnerID {
		// Re-join by an existing participant converges silently.
		return nil
	}
	return domain.ErrSessionFull
}

func scanStageProgress(row interface{ Scan(...any) error }) (*domain.StageProgress, error) {
	var p domain.StageProgress
	var stage int
	var gatesJSON string
	var startedAt int64
	var completedAt sql.NullInt64

	err := row.Scan(&p.SessionID, &p.UserID, &stage, &p.Status, &gatesJSON, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan stage progress row: %w", err)
	}

	p.Stage = domain.Stage(stage)
	p.StartedAt = time.Unix(startedAt, 0)
	if completedAt.Valid {
		ts := time.Unix(completedAt.Int64, 0)
		p.CompletedAt = &ts
	}
	p.Gates = make(map[domain.GateKey]domain.GateValue)
	if gatesJSON != "" {
		if err := json.Unmarshal([]byte(gatesJSON), &p.Gates); err != nil {
			return nil, fmt.Errorf("decode gate map: %w", err)
		}
	}
	return &p, nil
}

const stageProgressColumns = `session_id, user_id, stage, status, gates_json, started_at, completed_at`

// GetStageProgress retrieves one (session, user, stage) record.
func (s *SQLiteStore) GetStageProgress(ctx context.Context, sessionID, userID string, stage domain.Stage) (*domain.StageProgress, error) {
	query := `SELECT ` + stageProgressColumns + ` FROM stage_progress WHERE session_id = ? AND user_id = ? AND stage = ?`
	return scanStageProgress(s.db.QueryRowContext(ctx, query, sessionID, userID, int(stage)))
}

// GetActiveStage returns the user's highest in_progress/gate_pending stage.
func (s *SQLiteStore) GetActiveStage(ctx context.Context, sessionID, userID string) (*domain.StageProgress, error) {
	query := `
	SELECT ` + stageProgressColumns + ` FROM stage_progress
	WHERE session_id = ? AND user_id = ? AND status IN (?, ?)
	ORDER BY stage DESC LIMIT 1`
	return scanStageProgress(s.db.QueryRowContext(ctx, query,
		sessionID, userID, string(domain.StageInProgress), string(domain.StageGatePending)))
}

// CreateStageProgress inserts a new stage record.
func (s *SQLiteStore) CreateStageProgress(ctx context.Context, p *domain.StageProgress) error {
	gates := p.Gates
	if gates == nil {
		gates = map[domain.GateKey]domain.GateValue{}
	}
	gatesJSON, err := json.Marshal(gates)
	if err != nil {
		return fmt.Errorf("encode gate map: %w", err)
	}

	query := `
	INSERT INTO stage_progress (session_id, user_id, stage, status, gates_json, started_at, completed_at)
	VALUES (?, ?, ?, ?, ?, ?, NULL)`
	if _, err := s.db.ExecContext(ctx, query,
		p.SessionID, p.UserID, int(p.Stage), string(p.Status), string(gatesJSON), p.StartedAt.Unix(),
	); err != nil {
		return fmt.Errorf("insert stage progress: %w", err)
	}
	return nil
}

// CompleteStage marks an active stage completed.
func (s *SQLiteStore) CompleteStage(ctx context.Context, sessionID, userID string, stage domain.Stage, at time.Time) (bool, error) {
	query := `
	UPDATE stage_progress SET status = ?, completed_at = ?
	WHERE session_id = ? AND user_id = ? AND stage = ? AND status IN (?, ?)`
	result, err := s.db.ExecContext(ctx, query,
		string(domain.StageCompleted), at.Unix(),
		sessionID, userID, int(stage),
		string(domain.StageInProgress), string(domain.StageGatePending),
	)
	if err != nil {
		return false, fmt.Errorf("complete stage: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// SetStageStatus transitions a stage's status under a current-status guard.
func (s *SQLiteStore) SetStageStatus(ctx context.Context, sessionID, userID string, stage domain.Stage, from []domain.StageStatus, to domain.StageStatus) (bool, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")
	query := `
	UPDATE stage_progress SET status = ?
	WHERE session_id = ? AND user_id = ? AND stage = ? AND status IN (` + placeholders + `)`

	args := []interface{}{string(to), sessionID, userID, int(stage)}
	for _, st := range from {
		args = append(args, string(st))
	}
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("set stage status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// MergeStageGates merges gate entries without overwriting sibling keys. The
// read-merge-write cycle runs under a process-wide mutex; the gate map is the
// only JSON column mutated in place.
func (s *SQLiteStore) MergeStageGates(ctx context.Context, sessionID, userID string, stage domain.Stage, gates map[domain.GateKey]domain.GateValue) error {
	s.gatesMu.Lock()
	defer s.gatesMu.Unlock()

	current, err := s.GetStageProgress(ctx, sessionID, userID, stage)
	if err != nil {
		return err
	}
	if current == nil {
		return domain.ErrStageNotOwned
	}

	merged := current.Gates
	if merged == nil {
		merged = make(map[domain.GateKey]domain.GateValue)
	}
	for key, value := range gates {
		merged[key] = value
	}

	gatesJSON, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encode gate map: %w", err)
	}

	query := `UPDATE stage_progress SET gates_json = ? WHERE session_id = ? AND user_id = ? AND stage = ?`
	if _, err := s.db.ExecContext(ctx, query, string(gatesJSON), sessionID, userID, int(stage)); err != nil {
		return fmt.Errorf("merge stage gates: %w", err)
	}
	return nil
}

func scanEmpathyAttempt(row interface{ Scan(...any) error }) (*domain.EmpathyAttempt, error) {
	var a domain.EmpathyAttempt
	var sharedAt, revealedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(&a.SessionID, &a.SourceUserID, &a.Content, &a.Status,
		&sharedAt, &revealedAt, &a.DeliveryStatus, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan empathy attempt row: %w", err)
	}

	if sharedAt.Valid {
		ts := time.Unix(sharedAt.Int64, 0)
		a.SharedAt = &ts
	}
	if revealedAt.Valid {
		ts := time.Unix(revealedAt.Int64, 0)
		a.RevealedAt = &ts
	}
	a.CreatedAt = time.Unix(createdAt, 0)
	a.UpdatedAt = time.Unix(updatedAt, 0)
	return &a, nil
}

const attemptColumns = `session_id, source_user_id, content, status, shared_at, revealed_at, delivery_status, created_at, updated_at`

// GetEmpathyAttempt retrieves the attempt for a direction.
func (s *SQLiteStore) GetEmpathyAttempt(ctx context.Context, sessionID, sourceUserID string) (*domain.EmpathyAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM empathy_attempts WHERE session_id = ? AND source_user_id = ?`
	return scanEmpathyAttempt(s.db.QueryRowContext(ctx, query, sessionID, sourceUserID))
}

// UpsertEmpathyAttempt creates or overwrites the attempt row.
func (s *SQLiteStore) UpsertEmpathyAttempt(ctx context.Context, a *domain.EmpathyAttempt) error {
	query := `
	INSERT INTO empathy_attempts (session_id, source_user_id, content, status, shared_at, revealed_at, delivery_status, created_at, updated_at)
	VALUES (?, ?, ?, ?, NULL, NULL, ?, ?, ?)
	ON CONFLICT(session_id, source_user_id) DO UPDATE SET
		content = excluded.content,
		status = excluded.status,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		a.SessionID, a.SourceUserID, a.Content, string(a.Status),
		string(a.DeliveryStatus), a.CreatedAt.Unix(), a.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert empathy attempt: %w", err)
	}
	return nil
}

// UpdateAttemptContent replaces the content under a status guard.
func (s *SQLiteStore) UpdateAttemptContent(ctx context.Context, sessionID, sourceUserID, content string, require domain.AttemptStatus) (bool, error) {
	query := `
	UPDATE empathy_attempts SET content = ?, updated_at = ?
	WHERE session_id = ? AND source_user_id = ? AND status = ?`
	result, err := s.db.ExecContext(ctx, query, content, time.Now().Unix(), sessionID, sourceUserID, string(require))
	if err != nil {
		return false, fmt.Errorf("update attempt content: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// TransitionAttempt advances the attempt lifecycle under a status guard.
func (s *SQLiteStore) TransitionAttempt(ctx context.Context, sessionID, sourceUserID string, from []domain.AttemptStatus, to domain.AttemptStatus, at time.Time) (bool, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")

	var query string
	args := []interface{}{}
	if to == domain.AttemptRevealed {
		query = `
		UPDATE empathy_attempts
		SET status = ?, revealed_at = ?, shared_at = COALESCE(shared_at, ?), delivery_status = ?, updated_at = ?
		WHERE session_id = ? AND source_user_id = ? AND status IN (` + placeholders + `)`
		args = append(args, string(to), at.Unix(), at.Unix(), string(domain.DeliveryDelivered), at.Unix())
	} else {
		query = `
		UPDATE empathy_attempts SET status = ?, updated_at = ?
		WHERE session_id = ? AND source_user_id = ? AND status IN (` + placeholders + `)`
		args = append(args, string(to), at.Unix())
	}
	args = append(args, sessionID, sourceUserID)
	for _, st := range from {
		args = append(args, string(st))
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition attempt: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// MarkAttemptSeen advances delivery from delivered to seen.
func (s *SQLiteStore) MarkAttemptSeen(ctx context.Context, sessionID, sourceUserID string) (bool, error) {
	query := `
	UPDATE empathy_attempts SET delivery_status = ?, updated_at = ?
	WHERE session_id = ? AND source_user_id = ? AND status = ? AND delivery_status = ?`
	result, err := s.db.ExecContext(ctx, query,
		string(domain.DeliverySeen), time.Now().Unix(),
		sessionID, sourceUserID, string(domain.AttemptRevealed), string(domain.DeliveryDelivered),
	)
	if err != nil {
		return false, fmt.Errorf("mark attempt seen: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// CreateReconcilerResult inserts the write-once result row.
func (s *SQLiteStore) CreateReconcilerResult(ctx context.Context, r *domain.ReconcilerResult) error {
	query := `
	INSERT INTO reconciler_results (result_id, session_id, guesser_id, subject_id, alignment_score, gap_severity, recommendation, area_hint, guidance_type, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.SessionID, r.GuesserID, r.SubjectID,
		r.AlignmentScore, string(r.Severity), string(r.Recommendation),
		r.AreaHint, r.GuidanceType, r.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert reconciler result: %w", err)
	}
	return nil
}

// GetReconcilerResult retrieves the cached result for a direction.
func (s *SQLiteStore) GetReconcilerResult(ctx context.Context, sessionID, guesserID, subjectID string) (*domain.ReconcilerResult, error) {
	query := `
	SELECT result_id, session_id, guesser_id, subject_id, alignment_score, gap_severity, recommendation, area_hint, guidance_type, created_at
	FROM reconciler_results WHERE session_id = ? AND guesser_id = ? AND subject_id = ?`
	row := s.db.QueryRowContext(ctx, query, sessionID, guesserID, subjectID)

	var r domain.ReconcilerResult
	var createdAt int64
	err := row.Scan(&r.ID, &r.SessionID, &r.GuesserID, &r.SubjectID,
		&r.AlignmentScore, &r.Severity, &r.Recommendation,
		&r.AreaHint, &r.GuidanceType, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan reconciler result row: %w", err)
	}
	r.CreatedAt = time.Unix(createdAt, 0)
	return &r, nil
}

func scanShareOffer(row interface{ Scan(...any) error }) (*domain.ReconcilerShareOffer, error) {
	var o domain.ReconcilerShareOffer
	var refined, shared sql.NullString
	var createdAt int64
	var respondedAt sql.NullInt64

	err := row.Scan(&o.ID, &o.ResultID, &o.SessionID, &o.GuesserID, &o.SubjectID,
		&o.Status, &o.SuggestedContent, &o.SuggestedReason,
		&refined, &shared, &o.DeliveryStatus, &createdAt, &respondedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan share offer row: %w", err)
	}

	if refined.Valid {
		o.RefinedContent = &refined.String
	}
	if shared.Valid {
		o.SharedContent = &shared.String
	}
	o.CreatedAt = time.Unix(createdAt, 0)
	if respondedAt.Valid {
		ts := time.Unix(respondedAt.Int64, 0)
		o.RespondedAt = &ts
	}
	return &o, nil
}

const offerColumns = `offer_id, result_id, session_id, guesser_id, subject_id, status, suggested_content, suggested_reason, refined_content, shared_content, delivery_status, created_at, responded_at`

// CreateShareOffer inserts a new offer.
func (s *SQLiteStore) CreateShareOffer(ctx context.Context, o *domain.ReconcilerShareOffer) error {
	query := `
	INSERT INTO share_offers (offer_id, result_id, session_id, guesser_id, subject_id, status, suggested_content, suggested_reason, delivery_status, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		o.ID, o.ResultID, o.SessionID, o.GuesserID, o.SubjectID,
		string(o.Status), o.SuggestedContent, o.SuggestedReason,
		string(o.DeliveryStatus), o.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert share offer: %w", err)
	}
	return nil
}

// GetShareOffer retrieves an offer by ID.
func (s *SQLiteStore) GetShareOffer(ctx context.Context, offerID string) (*domain.ReconcilerShareOffer, error) {
	query := `SELECT ` + offerColumns + ` FROM share_offers WHERE offer_id = ?`
	return scanShareOffer(s.db.QueryRowContext(ctx, query, offerID))
}

// GetShareOfferByResult retrieves the offer for a result.
func (s *SQLiteStore) GetShareOfferByResult(ctx context.Context, resultID string) (*domain.ReconcilerShareOffer, error) {
	query := `SELECT ` + offerColumns + ` FROM share_offers WHERE result_id = ?`
	return scanShareOffer(s.db.QueryRowContext(ctx, query, resultID))
}

// GetOpenShareOffer retrieves the subject's open offer in a session.
func (s *SQLiteStore) GetOpenShareOffer(ctx context.Context, sessionID, subjectID string) (*domain.ReconcilerShareOffer, error) {
	query := `
	SELECT ` + offerColumns + ` FROM share_offers
	WHERE session_id = ? AND subject_id = ? AND status IN (?, ?)
	ORDER BY created_at DESC LIMIT 1`
	return scanShareOffer(s.db.QueryRowContext(ctx, query,
		sessionID, subjectID, string(domain.OfferPending), string(domain.OfferOffered)))
}

// MarkOfferOffered advances a pending offer to offered.
func (s *SQLiteStore) MarkOfferOffered(ctx context.Context, offerID string) (bool, error) {
	query := `UPDATE share_offers SET status = ? WHERE offer_id = ? AND status = ?`
	result, err := s.db.ExecContext(ctx, query, string(domain.OfferOffered), offerID, string(domain.OfferPending))
	if err != nil {
		return false, fmt.Errorf("mark offer offered: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// ResolveShareOffer terminates an open offer.
func (s *SQLiteStore) ResolveShareOffer(ctx context.Context, offerID string, status domain.OfferStatus, refined, shared *string, at time.Time) (bool, error) {
	delivery := domain.DeliveryNone
	if status == domain.OfferAccepted {
		delivery = domain.DeliveryDelivered
	}

	var refinedVal, sharedVal interface{}
	if refined != nil {
		refinedVal = *refined
	}
	if shared != nil {
		sharedVal = *shared
	}

	query := `
	UPDATE share_offers
	SET status = ?, refined_content = ?, shared_content = ?, delivery_status = ?, responded_at = ?
	WHERE offer_id = ? AND status IN (?, ?)`
	result, err := s.db.ExecContext(ctx, query,
		string(status), refinedVal, sharedVal, string(delivery), at.Unix(),
		offerID, string(domain.OfferPending), string(domain.OfferOffered),
	)
	if err != nil {
		return false, fmt.Errorf("resolve share offer: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// MarkOfferSeen advances an accepted offer's delivery to seen.
func (s *SQLiteStore) MarkOfferSeen(ctx context.Context, sessionID, guesserID string) (bool, error) {
	query := `
	UPDATE share_offers SET delivery_status = ?
	WHERE session_id = ? AND guesser_id = ? AND status = ? AND delivery_status = ?`
	result, err := s.db.ExecContext(ctx, query,
		string(domain.DeliverySeen),
		sessionID, guesserID, string(domain.OfferAccepted), string(domain.DeliveryDelivered),
	)
	if err != nil {
		return false, fmt.Errorf("mark offer seen: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// ListExpiredOpenOffers returns open offers created before the cutoff.
func (s *SQLiteStore) ListExpiredOpenOffers(ctx context.Context, olderThan time.Time) ([]*domain.ReconcilerShareOffer, error) {
	query := `
	SELECT ` + offerColumns + ` FROM share_offers
	WHERE status IN (?, ?) AND created_at < ?`
	rows, err := s.db.QueryContext(ctx, query,
		string(domain.OfferPending), string(domain.OfferOffered), olderThan.Unix())
	if err != nil {
		return nil, fmt.Errorf("query expired offers: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close expired offers rows", "error", closeErr)
		}
	}()

	var offers []*domain.ReconcilerShareOffer
	for rows.Next() {
		offer, err := scanShareOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, offer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired offers: %w", err)
	}
	return offers, nil
}

// GetRefinementAttempts reads the counter without ever creating it.
func (s *SQLiteStore) GetRefinementAttempts(ctx context.Context, sessionID, direction string) (int, error) {
	query := `SELECT attempts FROM refinement_attempts WHERE session_id = ? AND direction = ?`
	var attempts int
	err := s.db.QueryRowContext(ctx, query, sessionID, direction).Scan(&attempts)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("scan refinement attempts: %w", err)
	}
	return attempts, nil
}

// IncrementRefinementAttempts creates the counter at 1 or adds 1.
func (s *SQLiteStore) IncrementRefinementAttempts(ctx context.Context, sessionID, direction string) (int, error) {
	query := `
	INSERT INTO refinement_attempts (session_id, direction, attempts, updated_at)
	VALUES (?, ?, 1, ?)
	ON CONFLICT(session_id, direction) DO UPDATE SET
		attempts = attempts + 1,
		updated_at = excluded.updated_at
	RETURNING attempts`

	var attempts int
	if err := s.db.QueryRowContext(ctx, query, sessionID, direction, time.Now().Unix()).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("increment refinement attempts: %w", err)
	}
	return attempts, nil
}

// AppendMessage appends one transcript message.
func (s *SQLiteStore) AppendMessage(ctx context.Context, m *domain.Message) error {
	query := `
	INSERT INTO messages (message_id, session_id, user_id, role, stage, kind, content, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		m.ID, m.SessionID, m.UserID, string(m.Role), int(m.Stage), string(m.Kind), m.Content, m.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...interface{}) ([]*domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var msgs []*domain.Message
	for rows.Next() {
		var m domain.Message
		var stage int
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.UserID, &m.Role, &stage, &m.Kind, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Stage = domain.Stage(stage)
		m.CreatedAt = time.Unix(createdAt, 0)
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

const messageColumns = `message_id, session_id, user_id, role, stage, kind, content, created_at`

// ListMessages returns the user's transcript, oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID, userID string, limit int) ([]*domain.Message, error) {
	query := `
	SELECT ` + messageColumns + ` FROM messages
	WHERE session_id = ? AND user_id = ?
	ORDER BY created_at ASC, message_id ASC`
	args := []interface{}{sessionID, userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryMessages(ctx, query, args...)
}

// ListStageUserMessages returns the user's own chat messages for one stage.
func (s *SQLiteStore) ListStageUserMessages(ctx context.Context, sessionID, userID string, stage domain.Stage) ([]*domain.Message, error) {
	query := `
	SELECT ` + messageColumns + ` FROM messages
	WHERE session_id = ? AND user_id = ? AND stage = ? AND role = ? AND kind = ?
	ORDER BY created_at ASC, message_id ASC`
	return s.queryMessages(ctx, query, sessionID, userID, int(stage), string(domain.RoleUser), string(domain.KindChat))
}

// GetWitnessThemes returns stored themes for a participant.
func (s *SQLiteStore) GetWitnessThemes(ctx context.Context, sessionID, userID string) ([]string, error) {
	query := `SELECT themes_json FROM witness_themes WHERE session_id = ? AND user_id = ?`
	var themesJSON string
	err := s.db.QueryRowContext(ctx, query, sessionID, userID).Scan(&themesJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan witness themes: %w", err)
	}

	var themes []string
	if err := json.Unmarshal([]byte(themesJSON), &themes); err != nil {
		return nil, fmt.Errorf("decode witness themes: %w", err)
	}
	return themes, nil
}

// SetWitnessThemes stores themes for a participant.
func (s *SQLiteStore) SetWitnessThemes(ctx context.Context, sessionID, userID string, themes []string) error {
	themesJSON, err := json.Marshal(themes)
	if err != nil {
		return fmt.Errorf("encode witness themes: %w", err)
	}

	query := `
	INSERT INTO witness_themes (session_id, user_id, themes_json, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(session_id, user_id) DO UPDATE SET
		themes_json = excluded.themes_json,
		updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, query, sessionID, userID, string(themesJSON), time.Now().Unix()); err != nil {
		return fmt.Errorf("upsert witness themes: %w", err)
	}
	return nil
}
