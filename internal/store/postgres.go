package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// insertChunkSize keeps one bulk insert well below the 65535 bind
// parameter limit (three parameters per row).
const insertChunkSize = 1000

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// WithinSaveTx runs fn in one read-write transaction scoped to ownerID.
// Returning an error from fn rolls back every write made through the
// SaveTx.
func (s *PostgresStore) WithinSaveTx(ctx context.Context, ownerID string, fn func(ctx context.Context, tx SaveTx) error) error {
	return WithTx(ctx, s.db, nil, func(ctx context.Context, tx DBTX) error {
		return fn(ctx, &pgSaveTx{tx: tx, ownerID: ownerID})
	})
}

type pgSaveTx struct {
	tx      DBTX
	ownerID string
}

func (t *pgSaveTx) LockSet(ctx context.Context, name string) (QuestionSet, bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO question_sets (user_id, name, version)
		VALUES ($1, $2, 0)
		ON CONFLICT (user_id) DO NOTHING
	`, t.ownerID, name)
	if err != nil {
		return QuestionSet{}, false, fmt.Errorf("create question set: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return QuestionSet{}, false, fmt.Errorf("create question set: %w", err)
	}

	var set QuestionSet
	var state []byte
	err = t.tx.QueryRowContext(ctx, `
		SELECT id, user_id, name, version, rows_version, state, created_at, updated_at
		FROM question_sets
		WHERE user_id = $1
		FOR UPDATE
	`, t.ownerID).Scan(&set.ID, &set.OwnerID, &set.Name, &set.Version, &set.RowsVersion, &state, &set.CreatedAt, &set.UpdatedAt)
	if err != nil {
		return QuestionSet{}, false, fmt.Errorf("lock question set: %w", err)
	}
	set.State = state
	return set, inserted == 1, nil
}

func (t *pgSaveTx) AdvanceVersion(ctx context.Context, setID, expected int64, name string, state []byte) (int64, error) {
	var next int64
	err := t.tx.QueryRowContext(ctx, `
		UPDATE question_sets
		SET name = $3, state = $4::jsonb, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version
	`, setID, expected, name, string(state)).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrVersionMismatch
	}
	if err != nil {
		return 0, fmt.Errorf("advance set version: %w", err)
	}
	return next, nil
}

func (t *pgSaveTx) ReplaceQuestions(ctx context.Context, setID, rowsVersion int64, questions []json.RawMessage) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM questions WHERE question_set_id = $1`, setID); err != nil {
		return fmt.Errorf("delete questions: %w", err)
	}

	for start := 0; start < len(questions); start += insertChunkSize {
		end := min(start+insertChunkSize, len(questions))
		chunk := questions[start:end]

		var sb strings.Builder
		sb.WriteString(`INSERT INTO questions (question_set_id, position, content) VALUES `)
		args := make([]any, 0, len(chunk)*3)
		for i, content := range chunk {
			if i > 0 {
				sb.WriteByte(',')
			}
			n := len(args)
			fmt.Fprintf(&sb, "($%d, $%d, $%d::jsonb)", n+1, n+2, n+3)
			args = append(args, setID, start+i, string(content))
		}
		if _, err := t.tx.ExecContext(ctx, sb.String(), args...); err != nil {
			return fmt.Errorf("insert questions %d-%d: %w", start, end, err)
		}
	}

	if _, err := t.tx.ExecContext(ctx, `UPDATE question_sets SET rows_version = $2 WHERE id = $1`, setID, rowsVersion); err != nil {
		return fmt.Errorf("stamp rows version: %w", err)
	}
	return nil
}

// AppendSyncLog writes the entry under a savepoint so a failed insert
// leaves the surrounding transaction usable.
func (t *pgSaveTx) AppendSyncLog(ctx context.Context, entry SyncLogEntry) error {
	if _, err := t.tx.ExecContext(ctx, `SAVEPOINT sync_log_entry`); err != nil {
		return fmt.Errorf("savepoint sync log: %w", err)
	}
	if err := insertSyncLog(ctx, t.tx, entry); err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT sync_log_entry`); rbErr != nil {
			return fmt.Errorf("rollback sync log savepoint: %w", rbErr)
		}
		return err
	}
	if _, err := t.tx.ExecContext(ctx, `RELEASE SAVEPOINT sync_log_entry`); err != nil {
		return fmt.Errorf("release sync log savepoint: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSetHead(ctx context.Context, ownerID string) (SetHead, error) {
	var head SetHead
	err := s.db.QueryRowContext(ctx, `
		SELECT id, version, rows_version FROM question_sets WHERE user_id = $1
	`, ownerID).Scan(&head.ID, &head.Version, &head.RowsVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return SetHead{}, ErrNotFound
	}
	if err != nil {
		return SetHead{}, fmt.Errorf("read set head: %w", err)
	}
	return head, nil
}

// LoadSet reads the owner's set and its rows in one repeatable-read
// transaction so the rows always belong to the version returned.
func (s *PostgresStore) LoadSet(ctx context.Context, ownerID string) (LoadedSet, error) {
	var out LoadedSet
	err := WithTx(ctx, s.db, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}, func(ctx context.Context, tx DBTX) error {
		var state []byte
		err := tx.QueryRowContext(ctx, `
			SELECT id, user_id, name, version, rows_version, state, created_at, updated_at
			FROM question_sets
			WHERE user_id = $1
		`, ownerID).Scan(&out.ID, &out.OwnerID, &out.Name, &out.Version, &out.RowsVersion, &state, &out.CreatedAt, &out.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read question set: %w", err)
		}
		out.State = state

		rows, err := tx.QueryContext(ctx, `
			SELECT content FROM questions
			WHERE question_set_id = $1
			ORDER BY position, id
		`, out.ID)
		if err != nil {
			return fmt.Errorf("list questions: %w", err)
		}
		defer rows.Close()

		out.Questions = make([]json.RawMessage, 0)
		for rows.Next() {
			var content []byte
			if err := rows.Scan(&content); err != nil {
				return fmt.Errorf("scan question: %w", err)
			}
			out.Questions = append(out.Questions, json.RawMessage(content))
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate questions: %w", err)
		}
		return nil
	})
	if err != nil {
		return LoadedSet{}, err
	}
	return out, nil
}

func (s *PostgresStore) InsertSyncLog(ctx context.Context, entry SyncLogEntry) error {
	return insertSyncLog(ctx, s.db, entry)
}

func insertSyncLog(ctx context.Context, db DBTX, entry SyncLogEntry) error {
	delta := entry.Delta
	if len(delta) == 0 {
		delta = json.RawMessage(`{}`)
	}
	var errText sql.NullString
	if entry.Error != "" {
		errText = sql.NullString{String: entry.Error, Valid: true}
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_logs (user_id, delta, status, error)
		VALUES ($1, $2::jsonb, $3, $4)
	`, entry.OwnerID, string(delta), entry.Status, errText)
	if err != nil {
		return fmt.Errorf("insert sync log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSyncLogs(ctx context.Context, ownerID string, limit int) ([]SyncLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, delta, status, error, created_at
		FROM sync_logs
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sync logs: %w", err)
	}
	defer rows.Close()

	items := make([]SyncLogEntry, 0)
	for rows.Next() {
		var item SyncLogEntry
		var delta []byte
		var errText sql.NullString
		if err := rows.Scan(&item.ID, &item.OwnerID, &delta, &item.Status, &errText, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan sync log: %w", err)
		}
		item.Delta = json.RawMessage(delta)
		item.Error = errText.String
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync logs: %w", err)
	}
	return items, nil
}

// SearchQuestions matches the owner's current rows by case-insensitive
// substring over subject, chapter and prompt.
func (s *PostgresStore) SearchQuestions(ctx context.Context, ownerID, text string, limit int) ([]QuestionMatch, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(text) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT q.question_set_id, q.position, q.content
		FROM questions q
		JOIN question_sets s ON s.id = q.question_set_id
		WHERE s.user_id = $1
			AND (
				q.content->>'q' ILIKE $2
				OR q.content->>'sub' ILIKE $2
				OR q.content->>'chap' ILIKE $2
			)
		ORDER BY q.position, q.id
		LIMIT $3
	`, ownerID, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search questions: %w", err)
	}
	defer rows.Close()

	matches := make([]QuestionMatch, 0)
	for rows.Next() {
		var m QuestionMatch
		var content []byte
		if err := rows.Scan(&m.SetID, &m.Position, &content); err != nil {
			return nil, fmt.Errorf("scan question match: %w", err)
		}
		m.Content = json.RawMessage(content)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate question matches: %w", err)
	}
	return matches, nil
}

func escapeLike(text string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(text)
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
