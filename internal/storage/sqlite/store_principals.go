package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/agoraverse/agora/internal/domain"
	"github.com/agoraverse/agora/internal/storage"
)

// GetPrincipal returns one principal with its quota records.
func (s *Store) GetPrincipal(ctx context.Context, id string) (domain.Principal, error) {
	if err := ctx.Err(); err != nil {
		return domain.Principal{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Principal{}, fmt.Errorf("storage is not configured")
	}
	return getPrincipal(ctx, s.sqlDB, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getPrincipal(ctx context.Context, db queryer, id string) (domain.Principal, error) {
	row := db.QueryRowContext(ctx,
		`SELECT id, scrip, has_standing, context, created_at FROM principals WHERE id = ?`, id)

	var principal domain.Principal
	var hasStanding int
	var contextJSON string
	var createdAt int64
	if err := row.Scan(&principal.ID, &principal.Scrip, &hasStanding, &contextJSON, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Principal{}, storage.ErrNotFound
		}
		return domain.Principal{}, fmt.Errorf("scan principal: %w", err)
	}
	principal.HasStanding = hasStanding != 0
	principal.CreatedAt = fromMillis(createdAt)
	if contextJSON != "" && contextJSON != "{}" {
		if err := json.Unmarshal([]byte(contextJSON), &principal.Context); err != nil {
			return domain.Principal{}, fmt.Errorf("decode principal context: %w", err)
		}
	}

	rows, err := db.QueryContext(ctx,
		`SELECT resource, limit_amount, used_amount FROM quotas WHERE principal_id = ?`, id)
	if err != nil {
		return domain.Principal{}, fmt.Errorf("query quotas: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var resource string
		var quota domain.Quota
		if err := rows.Scan(&resource, &quota.Limit, &quota.Used); err != nil {
			return domain.Principal{}, fmt.Errorf("scan quota: %w", err)
		}
		if principal.Quotas == nil {
			principal.Quotas = map[string]domain.Quota{}
		}
		principal.Quotas[resource] = quota
	}
	if err := rows.Err(); err != nil {
		return domain.Principal{}, fmt.Errorf("iterate quotas: %w", err)
	}
	return principal, nil
}

// PutPrincipal stores or replaces one principal and its quotas.
func (s *Store) PutPrincipal(ctx context.Context, principal domain.Principal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(principal.ID) == "" {
		return fmt.Errorf("principal id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := putPrincipal(ctx, tx, principal); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit principal: %w", err)
	}
	return nil
}

func putPrincipal(ctx context.Context, db queryer, principal domain.Principal) error {
	contextJSON := "{}"
	if len(principal.Context) > 0 {
		encoded, err := json.Marshal(principal.Context)
		if err != nil {
			return fmt.Errorf("encode principal context: %w", err)
		}
		contextJSON = string(encoded)
	}
	createdAt := principal.CreatedAt
	if createdAt.IsZero() {
		createdAt = nowUTC()
	}
	hasStanding := 0
	if principal.HasStanding {
		hasStanding = 1
	}

	if _, err := db.ExecContext(ctx,
		`INSERT INTO principals (id, scrip, has_standing, context, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   scrip = excluded.scrip,
		   has_standing = excluded.has_standing,
		   context = excluded.context`,
		principal.ID, principal.Scrip, hasStanding, contextJSON, toMillis(createdAt),
	); err != nil {
		return fmt.Errorf("upsert principal: %w", err)
	}

	if _, err := db.ExecContext(ctx,
		`DELETE FROM quotas WHERE principal_id = ?`, principal.ID); err != nil {
		return fmt.Errorf("clear quotas: %w", err)
	}
	resources := make([]string, 0, len(principal.Quotas))
	for resource := range principal.Quotas {
		resources = append(resources, resource)
	}
	sort.Strings(resources)
	for _, resource := range resources {
		quota := principal.Quotas[resource]
		if _, err := db.ExecContext(ctx,
			`INSERT INTO quotas (principal_id, resource, limit_amount, used_amount)
			 VALUES (?, ?, ?, ?)`,
			principal.ID, resource, quota.Limit, quota.Used,
		); err != nil {
			return fmt.Errorf("insert quota %s: %w", resource, err)
		}
	}
	return nil
}

// ListPrincipals returns all principals ordered by id ascending.
func (s *Store) ListPrincipals(ctx context.Context) ([]domain.Principal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `SELECT id FROM principals ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query principals: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan principal id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate principals: %w", err)
	}
	rows.Close()

	out := make([]domain.Principal, 0, len(ids))
	for _, id := range ids {
		principal, err := getPrincipal(ctx, s.sqlDB, id)
		if err != nil {
			return nil, err
		}
		out = append(out, principal)
	}
	return out, nil
}

// UpdatePrincipals applies fn to the named principals inside one transaction.
func (s *Store) UpdatePrincipals(ctx context.Context, ids []string, fn func(principals map[string]*domain.Principal) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if fn == nil {
		return fmt.Errorf("update function is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	working := make(map[string]*domain.Principal, len(ids))
	for _, id := range ids {
		if _, ok := working[id]; ok {
			continue
		}
		principal, err := getPrincipal(ctx, tx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("principal %s: %w", id, storage.ErrNotFound)
			}
			return err
		}
		working[id] = &principal
	}
	if err := fn(working); err != nil {
		return err
	}
	for _, principal := range working {
		if err := putPrincipal(ctx, tx, *principal); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit principal updates: %w", err)
	}
	return nil
}
