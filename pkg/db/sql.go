package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SQLStore implements Store on database/sql for Postgres and SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLStore{db: db, dialect: d}
	if err := store.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return store, nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) q(query string) string {
	return s.dialect.rebind(query)
}

const sessionColumns = `id, session_id, document_type, document_id, owner_id, status, config, created_at, last_activity`

func (s *SQLStore) CreateSession(ctx context.Context, in *Session) (*Session, error) {
	sess := *in
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if sess.SessionID == "" {
		sess.SessionID = uuid.New().String()
	}
	if sess.Status == "" {
		sess.Status = StatusPaused
	}
	ts := now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = ts
	}
	if sess.LastActivity.IsZero() {
		sess.LastActivity = ts
	}

	config, err := encodeJSON(sess.Config)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO collab_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sess.ID, sess.SessionID, sess.DocumentType, sess.DocumentID, sess.OwnerID,
		string(sess.Status), config, sess.CreatedAt, sess.LastActivity,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return &sess, nil
}

func (s *SQLStore) GetSessionBySessionID(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+sessionColumns+`
		FROM collab_sessions
		WHERE session_id = ?`), sessionID)

	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

func (s *SQLStore) UpdateSession(ctx context.Context, sessionID string, patch *SessionPatch) error {
	sets := []string{}
	args := []interface{}{}

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.LastActivity != nil {
		sets = append(sets, "last_activity = ?")
		args = append(args, patch.LastActivity.UTC())
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, sessionID)

	query := fmt.Sprintf(`UPDATE collab_sessions SET %s WHERE session_id = ?`, strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	} else if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

const participantColumns = `id, session_id, user_id, is_active, color, joined_at, left_at`

func (s *SQLStore) CreateParticipant(ctx context.Context, in *Participant) (*Participant, error) {
	p := *in
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = now()
	}

	var leftAt sql.NullTime
	if p.LeftAt != nil {
		leftAt = sql.NullTime{Time: p.LeftAt.UTC(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO collab_participants (`+participantColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		p.ID, p.SessionID, p.UserID, p.IsActive, p.Color, p.JoinedAt.UTC(), leftAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create participant: %w", err)
	}
	return &p, nil
}

func (s *SQLStore) UpdateParticipant(ctx context.Context, id string, patch *ParticipantPatch) error {
	sets := []string{}
	args := []interface{}{}

	if patch.IsActive != nil {
		sets = append(sets, "is_active = ?")
		args = append(args, *patch.IsActive)
	}
	if patch.Color != nil {
		sets = append(sets, "color = ?")
		args = append(args, *patch.Color)
	}
	if patch.JoinedAt != nil {
		sets = append(sets, "joined_at = ?")
		args = append(args, patch.JoinedAt.UTC())
	}
	if patch.ClearLeftAt {
		sets = append(sets, "left_at = NULL")
	} else if patch.LeftAt != nil {
		sets = append(sets, "left_at = ?")
		args = append(args, patch.LeftAt.UTC())
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE collab_participants SET %s WHERE id = ?`, strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update participant: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	} else if n == 0 {
		return ErrParticipantNotFound
	}
	return nil
}

func (s *SQLStore) GetActiveParticipant(ctx context.Context, sessionID, userID string) (*Participant, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+participantColumns+`
		FROM collab_participants
		WHERE session_id = ? AND user_id = ? AND is_active = ?`), sessionID, userID, true)
	return s.participant(row)
}

func (s *SQLStore) GetParticipant(ctx context.Context, sessionID, userID string) (*Participant, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+participantColumns+`
		FROM collab_participants
		WHERE session_id = ? AND user_id = ?`), sessionID, userID)
	return s.participant(row)
}

func (s *SQLStore) participant(row *sql.Row) (*Participant, error) {
	p, err := scanParticipant(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrParticipantNotFound
		}
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}
	return p, nil
}

func (s *SQLStore) ListParticipants(ctx context.Context, sessionID string) ([]*Participant, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+participantColumns+`
		FROM collab_participants
		WHERE session_id = ?
		ORDER BY joined_at`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	defer rows.Close()

	var participants []*Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return participants, nil
}

const versionColumns = `id, session_id, document_type, document_id, version, snapshot, user_id, created_at, metadata`

// CreateDocumentVersion bumps the document's counter row and inserts the
// version in one transaction. Concurrent writers queue on the counter row,
// and a failed insert rolls the counter back, so versions never repeat and
// never skip.
func (s *SQLStore) CreateDocumentVersion(ctx context.Context, in *DocumentVersion) (*DocumentVersion, error) {
	v := *in
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now()
	}
	metadata, err := encodeJSON(v.Metadata)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx, s.q(s.dialect.nextVersion), v.DocumentType, v.DocumentID).Scan(&v.Version); err != nil {
		return nil, fmt.Errorf("failed to allocate version: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO document_versions (`+versionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		v.ID, v.SessionID, v.DocumentType, v.DocumentID, v.Version, v.Snapshot, v.UserID, v.CreatedAt.UTC(), metadata,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert document version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit document version: %w", err)
	}
	return &v, nil
}

func (s *SQLStore) GetLatestDocumentVersion(ctx context.Context, documentType, documentID string) (*DocumentVersion, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+versionColumns+`
		FROM document_versions
		WHERE document_type = ? AND document_id = ?
		ORDER BY version DESC
		LIMIT 1`), documentType, documentID)

	v, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrVersionNotFound
		}
		return nil, fmt.Errorf("failed to get latest document version: %w", err)
	}
	return v, nil
}

func (s *SQLStore) ListDocumentVersions(ctx context.Context, filter VersionFilter) ([]*DocumentVersion, error) {
	where := []string{}
	args := []interface{}{}

	if filter.DocumentType != "" {
		where = append(where, "document_type = ?")
		args = append(args, filter.DocumentType)
	}
	if filter.DocumentID != "" {
		where = append(where, "document_id = ?")
		args = append(args, filter.DocumentID)
	}
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}

	query := `SELECT ` + versionColumns + ` FROM document_versions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY version DESC, created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list document versions: %w", err)
	}
	defer rows.Close()

	var versions []*DocumentVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return versions, nil
}

const eventColumns = `id, session_id, user_id, event_type, data, client_id, occurred_at`

func (s *SQLStore) CreateEvent(ctx context.Context, in *Event) (*Event, error) {
	e := *in
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now()
	}
	data, err := encodeJSON(e.Data)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO collab_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.SessionID, e.UserID, e.EventType, data, e.ClientID, e.Timestamp.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create event: %w", err)
	}
	return &e, nil
}

func (s *SQLStore) ListEvents(ctx context.Context, sessionID string, since *time.Time, limit int) ([]*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM collab_events WHERE session_id = ?`
	args := []interface{}{sessionID}
	if since != nil {
		query += ` AND occurred_at > ?`
		args = append(args, since.UTC())
	}
	query += ` ORDER BY seq`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var (
			e    Event
			data string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.UserID, &e.EventType, &data, &e.ClientID, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if e.Data, err = decodeJSON(data); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return events, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (*Session, error) {
	var (
		sess   Session
		status string
		config string
	)
	err := row.Scan(
		&sess.ID,
		&sess.SessionID,
		&sess.DocumentType,
		&sess.DocumentID,
		&sess.OwnerID,
		&status,
		&config,
		&sess.CreatedAt,
		&sess.LastActivity,
	)
	if err != nil {
		return nil, err
	}
	sess.Status = SessionStatus(status)
	if sess.Config, err = decodeJSON(config); err != nil {
		return nil, err
	}
	return &sess, nil
}

func scanParticipant(row scanner) (*Participant, error) {
	var (
		p      Participant
		leftAt sql.NullTime
	)
	err := row.Scan(&p.ID, &p.SessionID, &p.UserID, &p.IsActive, &p.Color, &p.JoinedAt, &leftAt)
	if err != nil {
		return nil, err
	}
	if leftAt.Valid {
		t := leftAt.Time
		p.LeftAt = &t
	}
	return &p, nil
}

func scanVersion(row scanner) (*DocumentVersion, error) {
	var (
		v        DocumentVersion
		metadata string
	)
	err := row.Scan(
		&v.ID,
		&v.SessionID,
		&v.DocumentType,
		&v.DocumentID,
		&v.Version,
		&v.Snapshot,
		&v.UserID,
		&v.CreatedAt,
		&metadata,
	)
	if err != nil {
		return nil, err
	}
	if v.Metadata, err = decodeJSON(metadata); err != nil {
		return nil, err
	}
	return &v, nil
}

func encodeJSON(m map[string]interface{}) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode json column: %w", err)
	}
	return string(raw), nil
}

func decodeJSON(raw string) (map[string]interface{}, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("failed to decode json column: %w", err)
	}
	return m, nil
}

// Compile-time check to ensure SQLStore implements the Store interface
var _ Store = (*SQLStore)(nil)
