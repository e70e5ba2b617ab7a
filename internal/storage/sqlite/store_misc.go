package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/agoraverse/agora/internal/storage"
)

// PutSubscription registers a subscription.
func (s *Store) PutSubscription(ctx context.Context, sub storage.Subscription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(sub.PrincipalID) == "" || strings.TrimSpace(sub.EventType) == "" {
		return fmt.Errorf("subscription principal id and event type are required")
	}
	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = nowUTC()
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT OR IGNORE INTO subscriptions (principal_id, event_type, created_at)
		 VALUES (?, ?, ?)`,
		sub.PrincipalID, sub.EventType, toMillis(createdAt),
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

// DeleteSubscription removes a subscription.
func (s *Store) DeleteSubscription(ctx context.Context, principalID, eventType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	result, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE principal_id = ? AND event_type = ?`,
		principalID, eventType)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete subscription rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListSubscriptions returns the principal's subscriptions ordered by type.
func (s *Store) ListSubscriptions(ctx context.Context, principalID string) ([]storage.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT principal_id, event_type, created_at FROM subscriptions
		 WHERE principal_id = ? ORDER BY event_type ASC`, principalID)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var out []storage.Subscription
	for rows.Next() {
		var sub storage.Subscription
		var createdAt int64
		if err := rows.Scan(&sub.PrincipalID, &sub.EventType, &createdAt); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		sub.CreatedAt = fromMillis(createdAt)
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return out, nil
}

// AppendTaskSubmission records a task submission.
func (s *Store) AppendTaskSubmission(ctx context.Context, sub storage.TaskSubmission) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(sub.TaskID) == "" {
		return fmt.Errorf("task id is required")
	}
	submittedAt := sub.SubmittedAt
	if submittedAt.IsZero() {
		submittedAt = nowUTC()
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO task_submissions (task_id, principal_id, artifact_id, submitted_at)
		 VALUES (?, ?, ?, ?)`,
		sub.TaskID, sub.PrincipalID, sub.ArtifactID, toMillis(submittedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task submission: %w", err)
	}
	return nil
}

// ListTaskSubmissions returns submissions for a task in submission order.
func (s *Store) ListTaskSubmissions(ctx context.Context, taskID string) ([]storage.TaskSubmission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT task_id, principal_id, artifact_id, submitted_at
		 FROM task_submissions WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query task submissions: %w", err)
	}
	defer rows.Close()

	var out []storage.TaskSubmission
	for rows.Next() {
		var sub storage.TaskSubmission
		var submittedAt int64
		if err := rows.Scan(&sub.TaskID, &sub.PrincipalID, &sub.ArtifactID, &submittedAt); err != nil {
			return nil, fmt.Errorf("scan task submission: %w", err)
		}
		sub.SubmittedAt = fromMillis(submittedAt)
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task submissions: %w", err)
	}
	return out, nil
}

// RecordContentHash remembers a scored content hash for dedup.
func (s *Store) RecordContentHash(ctx context.Context, hash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(hash) == "" {
		return fmt.Errorf("content hash is required")
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT OR IGNORE INTO mint_content_hashes (hash, recorded_at) VALUES (?, ?)`,
		hash, toMillis(nowUTC()),
	)
	if err != nil {
		return fmt.Errorf("insert content hash: %w", err)
	}
	return nil
}

// HasContentHash reports whether a content hash was scored before.
func (s *Store) HasContentHash(ctx context.Context, hash string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}

	var found int
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT 1 FROM mint_content_hashes WHERE hash = ?`, hash)
	if err := row.Scan(&found); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("scan content hash: %w", err)
	}
	return true, nil
}
