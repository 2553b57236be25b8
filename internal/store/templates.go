package store

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

func (s *Store) CreateTemplate(ctx context.Context, tpl Template) (Template, error) {
	tpl = cleanTemplate(tpl)
	if err := validateTemplate(tpl); err != nil {
		return Template{}, err
	}
	tags, err := encodeTags(tpl.Tags)
	if err != nil {
		return Template{}, err
	}

	tpl.ID = uuid.NewString()
	now := time.Now().UTC()
	tpl.CreatedAt = fromMillis(toMillis(now))
	tpl.UpdatedAt = tpl.CreatedAt

	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO templates (id, name, subject, body, tags, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?);`),
		tpl.ID, tpl.Name, tpl.Subject, tpl.Body, tags, toMillis(tpl.CreatedAt), toMillis(tpl.UpdatedAt))
	if err != nil {
		return Template{}, fmt.Errorf("insert template: %w", err)
	}
	return tpl, nil
}

func (s *Store) GetTemplate(ctx context.Context, id string) (Template, error) {
	return s.getTemplate(ctx, s.db, id)
}

func (s *Store) getTemplate(ctx context.Context, q queryer, id string) (Template, error) {
	row := q.QueryRowContext(ctx, s.rebind(`SELECT id, name, subject, body, tags, created_at, updated_at
        FROM templates WHERE id = ?;`), id)
	tpl, err := scanTemplate(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Template{}, ErrNotFound
		}
		return Template{}, fmt.Errorf("get template: %w", err)
	}
	return tpl, nil
}

// ListTemplates pages through templates by name. A search term matches a
// name substring or an exact tag.
func (s *Store) ListTemplates(ctx context.Context, search string, offset, limit int32) ([]Template, int32, error) {
	offset, limit = normalizePage(offset, limit)

	where := ""
	args := []any{}
	search = strings.TrimSpace(search)
	if search != "" {
		tag, err := json.Marshal(search)
		if err != nil {
			return nil, 0, fmt.Errorf("encode search: %w", err)
		}
		where = " WHERE LOWER(name) LIKE ? OR tags LIKE ?"
		args = append(args, "%"+strings.ToLower(search)+"%", "%"+string(tag)+"%")
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, s.rebind("SELECT COUNT(1) FROM templates"+where), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count templates: %w", err)
	}

	listArgs := append(append([]any{}, args...), limit, offset)
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, name, subject, body, tags, created_at, updated_at
        FROM templates`+where+` ORDER BY name ASC, id ASC LIMIT ? OFFSET ?`), listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var templates []Template
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan template: %w", err)
		}
		templates = append(templates, tpl)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list templates: %w", err)
	}
	return templates, clampCount(total), nil
}

func (s *Store) UpdateTemplate(ctx context.Context, id string, patch TemplatePatch) (Template, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Template{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	tpl, err := s.getTemplate(ctx, tx, id)
	if err != nil {
		return Template{}, err
	}
	if patch.Name != nil {
		tpl.Name = *patch.Name
	}
	if patch.Subject != nil {
		tpl.Subject = *patch.Subject
	}
	if patch.Body != nil {
		tpl.Body = *patch.Body
	}
	if patch.Tags != nil {
		tpl.Tags = *patch.Tags
	}
	tpl = cleanTemplate(tpl)
	if err := validateTemplate(tpl); err != nil {
		return Template{}, err
	}
	tags, err := encodeTags(tpl.Tags)
	if err != nil {
		return Template{}, err
	}
	tpl.UpdatedAt = fromMillis(toMillis(time.Now().UTC()))

	_, err = tx.ExecContext(ctx, s.rebind(`UPDATE templates SET name = ?, subject = ?, body = ?, tags = ?, updated_at = ?
        WHERE id = ?;`),
		tpl.Name, tpl.Subject, tpl.Body, tags, toMillis(tpl.UpdatedAt), tpl.ID)
	if err != nil {
		return Template{}, fmt.Errorf("update template: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Template{}, fmt.Errorf("commit template: %w", err)
	}
	return tpl, nil
}

func (s *Store) DeleteTemplate(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM templates WHERE id = ?;`), id)
	if err != nil {
		return false, fmt.Errorf("delete template: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete template: %w", err)
	}
	return rows > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row rowScanner) (Template, error) {
	var tpl Template
	var tags string
	var createdAt, updatedAt int64
	if err := row.Scan(&tpl.ID, &tpl.Name, &tpl.Subject, &tpl.Body, &tags, &createdAt, &updatedAt); err != nil {
		return Template{}, err
	}
	if err := json.Unmarshal([]byte(tags), &tpl.Tags); err != nil {
		return Template{}, fmt.Errorf("decode tags: %w", err)
	}
	if tpl.Tags == nil {
		tpl.Tags = []string{}
	}
	tpl.CreatedAt = fromMillis(createdAt)
	tpl.UpdatedAt = fromMillis(updatedAt)
	return tpl, nil
}

func cleanTemplate(tpl Template) Template {
	tpl.Name = strings.TrimSpace(tpl.Name)
	tpl.Subject = strings.TrimSpace(tpl.Subject)
	seen := map[string]struct{}{}
	tags := []string{}
	for _, tag := range tpl.Tags {
		trimmed := strings.TrimSpace(tag)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		tags = append(tags, trimmed)
	}
	tpl.Tags = tags
	return tpl
}

func validateTemplate(tpl Template) error {
	if tpl.Name == "" {
		return fmt.Errorf("%w: template name is required", ErrInvalid)
	}
	if strings.TrimSpace(tpl.Body) == "" {
		return fmt.Errorf("%w: template body is required", ErrInvalid)
	}
	return nil
}

func encodeTags(tags []string) (string, error) {
	data, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encode tags: %w", err)
	}
	return string(data), nil
}
