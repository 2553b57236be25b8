package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AddKnowledge appends an entry. ID and CreatedAt are filled in when empty.
func (s *Store) AddKnowledge(ctx context.Context, entry KnowledgeEntry) (KnowledgeEntry, error) {
	entry.Content = strings.TrimSpace(entry.Content)
	if entry.Content == "" {
		return KnowledgeEntry{}, fmt.Errorf("%w: knowledge content is required", ErrInvalid)
	}
	if !entry.Source.Valid() {
		return KnowledgeEntry{}, fmt.Errorf("%w: unknown knowledge source %q", ErrInvalid, entry.Source)
	}
	if entry.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return KnowledgeEntry{}, fmt.Errorf("generate id: %w", err)
		}
		entry.ID = id.String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO knowledge_base (id, content, source, origin, created_at)
        VALUES (?, ?, ?, ?, ?);`),
		entry.ID, entry.Content, string(entry.Source), entry.Origin, toMillis(entry.CreatedAt))
	if err != nil {
		return KnowledgeEntry{}, fmt.Errorf("insert knowledge: %w", err)
	}
	entry.CreatedAt = fromMillis(toMillis(entry.CreatedAt))
	return entry, nil
}

// ListKnowledge pages through entries newest first.
func (s *Store) ListKnowledge(ctx context.Context, offset, limit int32) ([]KnowledgeEntry, int32, error) {
	offset, limit = normalizePage(offset, limit)

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM knowledge_base`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count knowledge: %w", err)
	}

	entries, err := s.queryKnowledge(ctx, `SELECT id, content, source, origin, created_at FROM knowledge_base
        ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return entries, clampCount(total), nil
}

// FirstKnowledge returns up to n entries in storage order.
func (s *Store) FirstKnowledge(ctx context.Context, n int) ([]KnowledgeEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	return s.queryKnowledge(ctx, `SELECT id, content, source, origin, created_at FROM knowledge_base
        ORDER BY created_at ASC, id ASC LIMIT ?`, n)
}

func (s *Store) DeleteKnowledge(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM knowledge_base WHERE id = ?;`), id)
	if err != nil {
		return false, fmt.Errorf("delete knowledge: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete knowledge: %w", err)
	}
	return rows > 0, nil
}

func (s *Store) queryKnowledge(ctx context.Context, query string, args ...any) ([]KnowledgeEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list knowledge: %w", err)
	}
	defer rows.Close()

	var entries []KnowledgeEntry
	for rows.Next() {
		var entry KnowledgeEntry
		var source string
		var createdAt int64
		if err := rows.Scan(&entry.ID, &entry.Content, &source, &entry.Origin, &createdAt); err != nil {
			return nil, fmt.Errorf("scan knowledge: %w", err)
		}
		entry.Source = KnowledgeSource(source)
		entry.CreatedAt = fromMillis(createdAt)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list knowledge: %w", err)
	}
	return entries, nil
}
