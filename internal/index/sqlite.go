package index

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteIndex stores documents and their embeddings in SQLite. Vectors are
// packed as little-endian float32 blobs; queries scan and rank in process,
// which holds up fine at personal-mailbox scale.
type SQLiteIndex struct {
	db       *sql.DB
	embedder Embedder
}

const indexSchema = `
CREATE TABLE IF NOT EXISTS index_documents (
	id TEXT PRIMARY KEY,
	thread_id TEXT NOT NULL DEFAULT '',
	sender TEXT NOT NULL DEFAULT '',
	subject TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL,
	date TIMESTAMP,
	embedding BLOB NOT NULL
);
`

// NewSQLiteIndex wraps a database handle, migrating the schema.
func NewSQLiteIndex(db *sql.DB, embedder Embedder) (*SQLiteIndex, error) {
	if _, err := db.Exec(indexSchema); err != nil {
		return nil, fmt.Errorf("migrate index schema: %w", err)
	}
	return &SQLiteIndex{db: db, embedder: embedder}, nil
}

func (s *SQLiteIndex) Upsert(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text()
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed documents: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for i, d := range docs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO index_documents (id, thread_id, sender, subject, body, date, embedding)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				thread_id = excluded.thread_id,
				sender = excluded.sender,
				subject = excluded.subject,
				body = excluded.body,
				date = excluded.date,
				embedding = excluded.embedding`,
			d.ID, d.ThreadID, d.From, d.Subject, d.Body, nullTime(d.Date), packVector(vectors[i]),
		); err != nil {
			return fmt.Errorf("upsert document %s: %w", d.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) Query(ctx context.Context, text string, topK int) ([]Hit, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyQuery
	}
	if topK <= 0 {
		topK = 5
	}
	vectors, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	query := vectors[0]

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, sender, subject, body, date, embedding FROM index_documents`)
	if err != nil {
		return nil, fmt.Errorf("scan index: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var d Document
		var date sql.NullTime
		var blob []byte
		if err := rows.Scan(&d.ID, &d.ThreadID, &d.From, &d.Subject, &d.Body, &date, &blob); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if date.Valid {
			d.Date = date.Time
		}
		hits = append(hits, Hit{Document: d, Score: cosine(query, unpackVector(blob))})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (s *SQLiteIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM index_documents").Scan(&n); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

func packVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func unpackVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
