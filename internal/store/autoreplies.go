package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const autoReplyColumns = `message_id, thread_id, status, attempts, last_error, first_seen_at, next_attempt_at, replied_at, reply_message_id`

func (s *Store) GetAutoReply(ctx context.Context, messageID string) (AutoReply, error) {
	return s.getAutoReply(ctx, s.db, messageID)
}

func (s *Store) getAutoReply(ctx context.Context, q queryer, messageID string) (AutoReply, error) {
	row := q.QueryRowContext(ctx, s.rebind(`SELECT `+autoReplyColumns+` FROM auto_replies WHERE message_id = ?;`), messageID)
	record, err := scanAutoReply(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AutoReply{}, ErrNotFound
		}
		return AutoReply{}, fmt.Errorf("get auto reply: %w", err)
	}
	return record, nil
}

// TouchAutoReply returns the record for a message, creating it as seen the
// first time the message is observed.
func (s *Store) TouchAutoReply(ctx context.Context, messageID, threadID string, now time.Time) (AutoReply, error) {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO auto_replies (message_id, thread_id, status, first_seen_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(message_id) DO NOTHING;`),
		messageID, threadID, string(StatusSeen), toMillis(now))
	if err != nil {
		return AutoReply{}, fmt.Errorf("touch auto reply: %w", err)
	}
	return s.GetAutoReply(ctx, messageID)
}

// MarkReplied records that a reply went out. It works whether or not the
// poller has seen the message, so manual replies are covered too.
func (s *Store) MarkReplied(ctx context.Context, messageID, threadID, replyID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO auto_replies
        (message_id, thread_id, status, first_seen_at, replied_at, reply_message_id)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(message_id) DO UPDATE SET
            status = excluded.status,
            replied_at = excluded.replied_at,
            reply_message_id = excluded.reply_message_id,
            next_attempt_at = 0,
            last_error = '';`),
		messageID, threadID, string(StatusReplied), toMillis(now), toMillis(now), replyID)
	if err != nil {
		return fmt.Errorf("mark replied: %w", err)
	}
	return nil
}

// RecordReplyFailure counts a failed attempt. The record is abandoned once
// attempts reach maxAttempts; otherwise it becomes eligible again at next.
func (s *Store) RecordReplyFailure(ctx context.Context, messageID, reason string, maxAttempts int, next time.Time) (AutoReply, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AutoReply{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	record, err := s.getAutoReply(ctx, tx, messageID)
	if err != nil {
		return AutoReply{}, err
	}
	if record.Terminal() {
		return record, nil
	}

	record.Attempts++
	record.LastError = reason
	record.NextAttemptAt = next
	if maxAttempts > 0 && record.Attempts >= maxAttempts {
		record.Status = StatusAbandoned
		record.NextAttemptAt = time.Time{}
	}

	_, err = tx.ExecContext(ctx, s.rebind(`UPDATE auto_replies SET status = ?, attempts = ?, last_error = ?, next_attempt_at = ?
        WHERE message_id = ?;`),
		string(record.Status), record.Attempts, record.LastError, toMillis(record.NextAttemptAt), messageID)
	if err != nil {
		return AutoReply{}, fmt.Errorf("record reply failure: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return AutoReply{}, fmt.Errorf("commit reply failure: %w", err)
	}
	return record, nil
}

// MarkAbandoned stops the poller from trying a message again.
func (s *Store) MarkAbandoned(ctx context.Context, messageID, reason string) error {
	result, err := s.db.ExecContext(ctx, s.rebind(`UPDATE auto_replies SET status = ?, last_error = ?, next_attempt_at = 0
        WHERE message_id = ? AND status = ?;`),
		string(StatusAbandoned), reason, messageID, string(StatusSeen))
	if err != nil {
		return fmt.Errorf("mark abandoned: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark abandoned: %w", err)
	}
	if rows == 0 {
		if _, err := s.GetAutoReply(ctx, messageID); err != nil {
			return err
		}
	}
	return nil
}

// ListAutoReplies pages through records newest first, optionally filtered
// by status.
func (s *Store) ListAutoReplies(ctx context.Context, status ReplyStatus, offset, limit int32) ([]AutoReply, int32, error) {
	offset, limit = normalizePage(offset, limit)

	where := ""
	args := []any{}
	if status != "" {
		where = " WHERE status = ?"
		args = append(args, string(status))
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, s.rebind("SELECT COUNT(1) FROM auto_replies"+where), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count auto replies: %w", err)
	}

	listArgs := append(append([]any{}, args...), limit, offset)
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+autoReplyColumns+` FROM auto_replies`+where+`
        ORDER BY first_seen_at DESC, message_id DESC LIMIT ? OFFSET ?`), listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list auto replies: %w", err)
	}
	defer rows.Close()

	var records []AutoReply
	for rows.Next() {
		record, err := scanAutoReply(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan auto reply: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list auto replies: %w", err)
	}
	return records, clampCount(total), nil
}

func scanAutoReply(row rowScanner) (AutoReply, error) {
	var record AutoReply
	var status string
	var firstSeen, nextAttempt, repliedAt int64
	if err := row.Scan(
		&record.MessageID,
		&record.ThreadID,
		&status,
		&record.Attempts,
		&record.LastError,
		&firstSeen,
		&nextAttempt,
		&repliedAt,
		&record.ReplyMessageID,
	); err != nil {
		return AutoReply{}, err
	}
	record.Status = ReplyStatus(status)
	record.FirstSeenAt = fromMillis(firstSeen)
	record.NextAttemptAt = fromMillis(nextAttempt)
	record.RepliedAt = fromMillis(repliedAt)
	return record, nil
}
