// Package store is the SQLite-backed rendezvous store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/warmode/internal/core"
	"github.com/dkeye/warmode/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	host_id      TEXT NOT NULL,
	partner_id   TEXT NOT NULL DEFAULT '',
	duration     INTEGER NOT NULL,
	mode         TEXT NOT NULL,
	match_type   TEXT NOT NULL,
	status       TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	scheduled_at INTEGER NOT NULL DEFAULT 0,
	started_at   INTEGER NOT NULL DEFAULT 0,
	ended_at     INTEGER NOT NULL DEFAULT 0,
	host_goal    TEXT NOT NULL DEFAULT '',
	partner_goal TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS sessions_open_idx
	ON sessions (status, duration, mode, match_type, created_at);`

const selectColumns = `id, host_id, partner_id, duration, mode, match_type, status,
	scheduled_at, started_at, ended_at, host_goal, partner_goal`

// SQLiteStore implements core.SessionStore. Writes are serialised through mu;
// every compare-and-swap is a single conditional UPDATE.
type SQLiteStore struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

var _ core.SessionStore = (*SQLiteStore)(nil)

// Open opens (or creates) the database at path. ":memory:" is accepted for tests.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	log.Info().Str("module", "store").Str("path", path).Msg("sqlite store ready")
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// MatchSession attaches userID to the oldest compatible open session hosted
// by someone else, or creates a fresh open session hosted by userID. A user
// who already hosts a compatible open session gets that session back.
func (s *SQLiteStore) MatchSession(ctx context.Context, userID domain.UserID, prefs domain.Preferences) (domain.SessionID, error) {
	if userID == "" {
		return "", domain.ErrUserIDEmpty
	}
	if err := prefs.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("match: begin: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, `SELECT id FROM sessions
		WHERE status = 'open' AND duration = ? AND mode = ? AND match_type = ? AND host_id <> ?
		ORDER BY created_at, rowid LIMIT 1`,
		prefs.Duration, string(prefs.Mode), string(prefs.MatchType), string(userID)).Scan(&id)
	switch {
	case err == nil:
		res, err := tx.ExecContext(ctx, `UPDATE sessions SET partner_id = ?, status = 'matched'
			WHERE id = ? AND status = 'open'`, string(userID), id)
		if err != nil {
			return "", fmt.Errorf("match: claim %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			if err := tx.Commit(); err != nil {
				return "", fmt.Errorf("match: commit: %w", err)
			}
			log.Info().Str("module", "store").Str("sid", id).Str("user", string(userID)).Msg("joined open session")
			return domain.SessionID(id), nil
		}
	case !errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("match: find open: %w", err)
	}

	err = tx.QueryRowContext(ctx, `SELECT id FROM sessions
		WHERE status = 'open' AND duration = ? AND mode = ? AND match_type = ? AND host_id = ?
		ORDER BY created_at DESC LIMIT 1`,
		prefs.Duration, string(prefs.Mode), string(prefs.MatchType), string(userID)).Scan(&id)
	if err == nil {
		log.Info().Str("module", "store").Str("sid", id).Str("user", string(userID)).Msg("reusing own open session")
		return domain.SessionID(id), tx.Commit()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("match: find own: %w", err)
	}

	id = uuid.NewString()
	now := s.now()
	_, err = tx.ExecContext(ctx, `INSERT INTO sessions
		(id, host_id, duration, mode, match_type, status, created_at, scheduled_at)
		VALUES (?, ?, ?, ?, ?, 'open', ?, ?)`,
		id, string(userID), prefs.Duration, string(prefs.Mode), string(prefs.MatchType),
		now.UnixNano(), toMillis(now))
	if err != nil {
		return "", fmt.Errorf("match: create: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("match: commit: %w", err)
	}
	log.Info().Str("module", "store").Str("sid", id).Str("user", string(userID)).Msg("created open session")
	return domain.SessionID(id), nil
}

// JoinSession binds userID as partner iff the session is still open.
func (s *SQLiteStore) JoinSession(ctx context.Context, sid domain.SessionID, userID domain.UserID) error {
	if userID == "" {
		return domain.ErrUserIDEmpty
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET partner_id = ?, status = 'matched'
		WHERE id = ? AND status = 'open' AND host_id <> ?`, string(userID), string(sid), string(userID))
	if err != nil {
		return fmt.Errorf("join %s: %w", sid, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		log.Info().Str("module", "store").Str("sid", string(sid)).Str("user", string(userID)).Msg("joined session")
		return nil
	}

	cur, err := s.get(ctx, sid)
	if err != nil {
		return err
	}
	if cur.HostID == userID {
		return fmt.Errorf("join %s: cannot join own session: %w", sid, core.ErrSessionUnavailable)
	}
	return fmt.Errorf("join %s (status %s): %w", sid, cur.Status, core.ErrSessionUnavailable)
}

func (s *SQLiteStore) GetSession(ctx context.Context, sid domain.SessionID) (domain.Session, error) {
	return s.get(ctx, sid)
}

func (s *SQLiteStore) get(ctx context.Context, sid domain.SessionID) (domain.Session, error) {
	var out domain.Session
	var id, host, partner, mode, mt, status string
	var scheduled, started, ended int64
	err := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM sessions WHERE id = ?`, string(sid)).
		Scan(&id, &host, &partner, &out.Duration, &mode, &mt, &status,
			&scheduled, &started, &ended, &out.HostGoal, &out.PartnerGoal)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, fmt.Errorf("%s: %w", sid, core.ErrSessionNotFound)
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("get %s: %w", sid, err)
	}
	out.ID = domain.SessionID(id)
	out.HostID = domain.UserID(host)
	out.PartnerID = domain.UserID(partner)
	out.Mode = domain.Mode(mode)
	out.MatchType = domain.MatchType(mt)
	out.Status = domain.Status(status)
	out.ScheduledAt = fromMillis(scheduled)
	out.StartedAt = fromMillis(started)
	out.EndedAt = fromMillis(ended)
	return out, nil
}

// UpdateStatus moves sid to status with a conditional UPDATE over the
// statuses status may be entered from. matched is only reachable by joining.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, sid domain.SessionID, status domain.Status) error {
	_, err := s.TransitionStatus(ctx, sid, status)
	return err
}

// TransitionStatus is UpdateStatus that also reports whether this call
// moved the row. Of several concurrent callers asking for the same status
// exactly one sees changed.
func (s *SQLiteStore) TransitionStatus(ctx context.Context, sid domain.SessionID, status domain.Status) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("%w: %q", domain.ErrInvalidStatus, status)
	}
	if status == domain.StatusMatched || status == domain.StatusOpen {
		cur, err := s.get(ctx, sid)
		if err != nil {
			return false, err
		}
		if cur.Status == status {
			return false, nil
		}
		return false, fmt.Errorf("%s -> %s: %w", cur.Status, status, core.ErrInvalidTransition)
	}

	from := domain.AllowedFrom(status)
	args := []any{string(status)}
	set := "status = ?"
	now := toMillis(s.now())
	switch status {
	case domain.StatusActive:
		set += ", started_at = CASE WHEN started_at = 0 THEN ? ELSE started_at END"
		args = append(args, now)
	case domain.StatusCompleted, domain.StatusCancelled:
		set += ", ended_at = ?"
		args = append(args, now)
	}
	args = append(args, string(sid))
	placeholders := make([]string, len(from))
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	query := `UPDATE sessions SET ` + set + ` WHERE id = ? AND status IN (` + strings.Join(placeholders, ", ") + `)`

	s.mu.Lock()
	res, err := s.db.ExecContext(ctx, query, args...)
	s.mu.Unlock()
	if err != nil {
		return false, fmt.Errorf("update %s to %s: %w", sid, status, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		log.Info().Str("module", "store").Str("sid", string(sid)).Str("status", string(status)).Msg("status updated")
		return true, nil
	}

	cur, err := s.get(ctx, sid)
	if err != nil {
		return false, err
	}
	if cur.Status == status {
		return false, nil
	}
	return false, fmt.Errorf("%s -> %s: %w", cur.Status, status, core.ErrInvalidTransition)
}

// SetGoal records the stated goal of a participant.
func (s *SQLiteStore) SetGoal(ctx context.Context, sid domain.SessionID, userID domain.UserID, goal string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET
		host_goal = CASE WHEN host_id = ? THEN ? ELSE host_goal END,
		partner_goal = CASE WHEN partner_id = ? THEN ? ELSE partner_goal END
		WHERE id = ? AND (host_id = ? OR partner_id = ?)`,
		string(userID), goal, string(userID), goal, string(sid), string(userID), string(userID))
	if err != nil {
		return fmt.Errorf("set goal %s: %w", sid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set goal %s: %w", sid, core.ErrNotParticipant)
	}
	return nil
}
