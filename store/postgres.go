package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/onnwee/stream-herald/notify"
)

// PostgresStore keeps subjects in a table and each state as a JSONB document.
// Every statement runs in autocommit, so a returned nil means committed.
type PostgresStore struct {
	DB *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{DB: db} }

func (p *PostgresStore) Get(ctx context.Context, key string) (notify.SubjectState, bool, error) {
	var raw []byte
	err := p.DB.QueryRowContext(ctx, `SELECT state FROM subject_states WHERE subject_key = $1`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return notify.SubjectState{}, false, nil
	}
	if err != nil {
		return notify.SubjectState{}, false, fmt.Errorf("get state %s: %w", key, err)
	}
	var st notify.SubjectState
	if err := json.Unmarshal(raw, &st); err != nil {
		return notify.SubjectState{}, false, fmt.Errorf("decode state %s: %w", key, err)
	}
	return st, true, nil
}

func (p *PostgresStore) Put(ctx context.Context, st notify.SubjectState) error {
	if st.SubjectKey == "" {
		return fmt.Errorf("put: subject key empty")
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	_, err = p.DB.ExecContext(ctx, `INSERT INTO subject_states (subject_key, state, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (subject_key) DO UPDATE SET state = EXCLUDED.state, updated_at = NOW()`, st.SubjectKey, raw)
	if err != nil {
		return fmt.Errorf("put state %s: %w", st.SubjectKey, err)
	}
	return nil
}

func (p *PostgresStore) Remove(ctx context.Context, key string) error {
	if _, err := p.DB.ExecContext(ctx, `DELETE FROM subject_states WHERE subject_key = $1`, key); err != nil {
		return fmt.Errorf("remove state %s: %w", key, err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context) ([]notify.SubjectState, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT state FROM subject_states ORDER BY subject_key`)
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	defer rows.Close()
	var out []notify.SubjectState
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var st notify.SubjectState
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, fmt.Errorf("decode state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AddSubject(ctx context.Context, s notify.Subject) error {
	if err := s.Validate(); err != nil {
		return err
	}
	res, err := p.DB.ExecContext(ctx, `INSERT INTO subjects (subject_key, kind, id, display_name, search_term, added_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (subject_key) DO NOTHING`,
		s.Key(), string(s.Kind), s.ID, s.DisplayName, s.SearchTerm, s.AddedAt)
	if err != nil {
		return fmt.Errorf("add subject %s: %w", s.Key(), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSubjectExists
	}
	return nil
}

func (p *PostgresStore) RemoveSubject(ctx context.Context, key string) error {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM subjects WHERE subject_key = $1`, key)
	if err != nil {
		return fmt.Errorf("remove subject %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSubjectNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM subject_states WHERE subject_key = $1`, key); err != nil {
		return fmt.Errorf("remove state %s: %w", key, err)
	}
	return tx.Commit()
}

func (p *PostgresStore) Subjects(ctx context.Context) ([]notify.Subject, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT kind, id, COALESCE(display_name, ''), COALESCE(search_term, ''), COALESCE(added_at, NOW())
		FROM subjects ORDER BY subject_key`)
	if err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	defer rows.Close()
	var out []notify.Subject
	for rows.Next() {
		var s notify.Subject
		var kind string
		if err := rows.Scan(&kind, &s.ID, &s.DisplayName, &s.SearchTerm, &s.AddedAt); err != nil {
			return nil, err
		}
		s.Kind = notify.SourceKind(kind)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) HasSubject(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := p.DB.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM subjects WHERE subject_key = $1)`, key).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("lookup subject %s: %w", key, err)
	}
	return ok, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.DB.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.DB.Close() }
