package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"bakehouse/backend/internal/docstore"
)

const schema = `
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		data JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (collection, id)
	)
`

const maxUpdateAttempts = 3

// Store keeps every collection in a single JSONB table. Change notifications
// are delivered to subscribers of this process only.
type Store struct {
	db  *sql.DB
	hub *docstore.Hub
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, hub: docstore.NewHub()}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) Get(ctx context.Context, collection string, id string) (docstore.Document, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT data
		FROM documents
		WHERE collection = $1 AND id = $2
	`, collection, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, docstore.ErrNotFound
		}
		return nil, err
	}
	return decodeDocument(raw)
}

func (s *Store) Set(ctx context.Context, collection string, id string, doc docstore.Document) error {
	if doc == nil {
		doc = docstore.Document{}
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, data, updated_at)
		VALUES ($1,$2,$3::jsonb,now())
		ON CONFLICT (collection, id)
		DO UPDATE SET data = EXCLUDED.data, updated_at = now()
	`, collection, id, string(payload))
	if err != nil {
		return err
	}

	s.hub.Notify(collection)
	return nil
}

func (s *Store) Create(ctx context.Context, collection string, id string, doc docstore.Document) error {
	if doc == nil {
		doc = docstore.Document{}
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, data, updated_at)
		VALUES ($1,$2,$3::jsonb,now())
		ON CONFLICT (collection, id) DO NOTHING
	`, collection, id, string(payload))
	if err != nil {
		return err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if inserted == 0 {
		return docstore.ErrAlreadyExists
	}

	s.hub.Notify(collection)
	return nil
}

// Update locks the row, merges the patch (including increments) and writes it
// back in one transaction. Serialization failures and deadlocks are retried.
func (s *Store) Update(ctx context.Context, collection string, id string, fields docstore.Document) error {
	var err error
	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		err = s.updateOnce(ctx, collection, id, fields)
		if err == nil {
			s.hub.Notify(collection)
			return nil
		}
		if !isRetryable(err) {
			return err
		}
	}
	return err
}

func (s *Store) updateOnce(ctx context.Context, collection string, id string, fields docstore.Document) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var raw []byte
	err = tx.QueryRowContext(ctx, `
		SELECT data
		FROM documents
		WHERE collection = $1 AND id = $2
		FOR UPDATE
	`, collection, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return docstore.ErrNotFound
		}
		return err
	}

	current, err := decodeDocument(raw)
	if err != nil {
		return err
	}
	next, err := docstore.ApplyPatch(current, fields)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(next)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE documents
		SET data = $3::jsonb, updated_at = now()
		WHERE collection = $1 AND id = $2
	`, collection, id, string(payload)); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) QueryWhere(ctx context.Context, collection string, filter docstore.Filter) ([]docstore.Document, error) {
	clause, args, err := whereClause(filter)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT data
		FROM documents
		WHERE collection = $1 AND `+clause+`
		ORDER BY id
	`, append([]any{collection}, args...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := make([]docstore.Document, 0, 32)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		doc, err := decodeDocument(raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}

func (s *Store) CountWhere(ctx context.Context, collection string, filter docstore.Filter) (int, error) {
	clause, args, err := whereClause(filter)
	if err != nil {
		return 0, err
	}

	var count int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM documents
		WHERE collection = $1 AND `+clause,
		append([]any{collection}, args...)...,
	).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) DecrementIfAtLeast(ctx context.Context, collection string, id string, field string, amount int64) (int64, error) {
	var remaining int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE documents
		SET data = jsonb_set(data, ARRAY[$3::text], to_jsonb((data->>$3::text)::numeric - $4)),
			updated_at = now()
		WHERE collection = $1 AND id = $2
			AND CASE WHEN jsonb_typeof(data->$3::text) = 'number'
				THEN (data->>$3::text)::numeric >= $4
				ELSE false END
		RETURNING (data->>$3::text)::bigint
	`, collection, id, field, amount).Scan(&remaining)
	if err == nil {
		s.hub.Notify(collection)
		return remaining, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `
		SELECT 1 FROM documents WHERE collection = $1 AND id = $2
	`, collection, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, docstore.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return 0, docstore.ErrConditionFailed
}

func (s *Store) Subscribe(ctx context.Context, collection string, filter docstore.Filter, fn docstore.Listener) (docstore.Unsubscribe, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	refresh := func() {
		docs, err := s.QueryWhere(ctx, collection, filter)
		if err != nil {
			return
		}
		fn(docs)
	}
	unsubscribe := s.hub.Subscribe(collection, refresh)
	refresh()
	return unsubscribe, nil
}

// whereClause renders filter against the data column. Parameters start at $2;
// $1 is always the collection.
func whereClause(filter docstore.Filter) (string, []any, error) {
	if err := filter.Validate(); err != nil {
		return "", nil, err
	}
	sqlOp := string(filter.Op)
	switch filter.Op {
	case docstore.OpEq:
		sqlOp = "="
	case docstore.OpNe:
		sqlOp = "<>"
	}
	// Fields whose type does not match the filter value only satisfy !=.
	otherwise := "false"
	if filter.Op == docstore.OpNe {
		otherwise = "true"
	}

	if filter.Value == nil {
		if filter.Op == docstore.OpEq {
			return "(data->>$2::text) IS NULL", []any{filter.Field}, nil
		}
		if filter.Op == docstore.OpNe {
			return "(data->>$2::text) IS NOT NULL", []any{filter.Field}, nil
		}
		return "", nil, fmt.Errorf("%w: nil only supports == and !=", docstore.ErrInvalidFilter)
	}

	if n, ok := docstore.ToFloat(filter.Value); ok {
		return fmt.Sprintf(`CASE WHEN jsonb_typeof(data->$2::text) = 'number'
			THEN (data->>$2::text)::numeric %s $3 ELSE %s END`, sqlOp, otherwise), []any{filter.Field, n}, nil
	}
	switch v := filter.Value.(type) {
	case string:
		return fmt.Sprintf(`CASE WHEN jsonb_typeof(data->$2::text) = 'string'
			THEN (data->>$2::text) COLLATE "C" %s $3 ELSE %s END`, sqlOp, otherwise), []any{filter.Field, v}, nil
	case bool:
		if filter.Op != docstore.OpEq && filter.Op != docstore.OpNe {
			return "", nil, fmt.Errorf("%w: bool only supports == and !=", docstore.ErrInvalidFilter)
		}
		return fmt.Sprintf(`CASE WHEN jsonb_typeof(data->$2::text) = 'boolean'
			THEN (data->>$2::text)::boolean %s $3 ELSE %s END`, sqlOp, otherwise), []any{filter.Field, v}, nil
	}
	return "", nil, fmt.Errorf("%w: unsupported value type %T", docstore.ErrInvalidFilter, filter.Value)
}

func decodeDocument(raw []byte) (docstore.Document, error) {
	var doc docstore.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = docstore.Document{}
	}
	return doc, nil
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
