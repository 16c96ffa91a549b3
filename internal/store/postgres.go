package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sk28832/carbonpaper-app/internal/reconcile"
)

// PostgresStore keeps documents in the documents table. Messages and the
// tracked change are JSONB columns.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const documentColumns = `id, name, content, is_saved, messages, tracked_changes, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var (
		doc      Document
		messages []byte
		change   []byte
	)
	if err := row.Scan(&doc.ID, &doc.Name, &doc.Content, &doc.IsSaved, &messages, &change, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return Document{}, err
	}
	if err := json.Unmarshal(messages, &doc.Messages); err != nil {
		return Document{}, fmt.Errorf("decode messages of %s: %w", doc.ID, err)
	}
	if doc.Messages == nil {
		doc.Messages = []Message{}
	}
	if len(change) > 0 && string(change) != "null" {
		var tc reconcile.TrackedChange
		if err := json.Unmarshal(change, &tc); err != nil {
			return Document{}, fmt.Errorf("decode tracked change of %s: %w", doc.ID, err)
		}
		doc.TrackedChanges = &tc
	}
	return doc, nil
}

func encodeColumns(doc Document) (messages []byte, change []byte, err error) {
	msgs := doc.Messages
	if msgs == nil {
		msgs = []Message{}
	}
	if messages, err = json.Marshal(msgs); err != nil {
		return nil, nil, fmt.Errorf("encode messages: %w", err)
	}
	if doc.TrackedChanges != nil {
		if change, err = json.Marshal(doc.TrackedChanges); err != nil {
			return nil, nil, fmt.Errorf("encode tracked change: %w", err)
		}
	}
	return messages, change, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Document, error) {
	doc, err := scanDocument(s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) Create(ctx context.Context, doc Document) (Document, error) {
	messages, change, err := encodeColumns(doc)
	if err != nil {
		return Document{}, err
	}
	created, err := scanDocument(s.db.QueryRowContext(ctx, `
		INSERT INTO documents (id, name, content, is_saved, messages, tracked_changes)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+documentColumns,
		doc.ID, doc.Name, doc.Content, doc.IsSaved, messages, change,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Document{}, ErrConflict
		}
		return Document{}, fmt.Errorf("insert document: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) Replace(ctx context.Context, doc Document) (Document, bool, error) {
	messages, change, err := encodeColumns(doc)
	if err != nil {
		return Document{}, false, err
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO documents (id, name, content, is_saved, messages, tracked_changes)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET name=EXCLUDED.name, content=EXCLUDED.content, is_saved=EXCLUDED.is_saved,
			messages=EXCLUDED.messages, tracked_changes=EXCLUDED.tracked_changes, updated_at=NOW()
		RETURNING `+documentColumns+`, (xmax = 0) AS inserted`,
		doc.ID, doc.Name, doc.Content, doc.IsSaved, messages, change,
	)
	var inserted bool
	saved, err := scanDocument(scanWithExtra{row: row, extra: &inserted})
	if err != nil {
		return Document{}, false, fmt.Errorf("replace document: %w", err)
	}
	return saved, inserted, nil
}

// Patch reads the row under FOR UPDATE so concurrent patches of one
// document serialize.
func (s *PostgresStore) Patch(ctx context.Context, id string, p Patch) (Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Document{}, fmt.Errorf("begin patch tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	doc, err := scanDocument(tx.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("lock document: %w", err)
	}
	p.Apply(&doc)

	messages, change, err := encodeColumns(doc)
	if err != nil {
		return Document{}, err
	}
	updated, err := scanDocument(tx.QueryRowContext(ctx, `
		UPDATE documents
		SET name=$2, content=$3, is_saved=$4, messages=$5, tracked_changes=$6, updated_at=NOW()
		WHERE id=$1
		RETURNING `+documentColumns,
		id, doc.Name, doc.Content, doc.IsSaved, messages, change,
	))
	if err != nil {
		return Document{}, fmt.Errorf("patch document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Document{}, fmt.Errorf("commit patch: %w", err)
	}
	return updated, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, id string, m Message) (Document, error) {
	encoded, err := json.Marshal([]Message{m})
	if err != nil {
		return Document{}, fmt.Errorf("encode message: %w", err)
	}
	doc, err := scanDocument(s.db.QueryRowContext(ctx, `
		UPDATE documents
		SET messages = messages || $2::jsonb, updated_at=NOW()
		WHERE id=$1
		RETURNING `+documentColumns,
		id, encoded,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("append message: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// scanWithExtra scans the document columns followed by one extra column.
type scanWithExtra struct {
	row   rowScanner
	extra any
}

func (s scanWithExtra) Scan(dest ...any) error {
	return s.row.Scan(append(dest, s.extra)...)
}
