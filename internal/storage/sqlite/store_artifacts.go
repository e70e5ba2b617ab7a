package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/agoraverse/agora/internal/domain"
	"github.com/agoraverse/agora/internal/storage"
)

const artifactColumns = `id, type, content, code, executable, creator, controller,
	access_contract_id, metadata, price, kernel_protected, deleted, created_at, updated_at`

// GetArtifact returns one artifact by id, including soft-deleted ones.
func (s *Store) GetArtifact(ctx context.Context, id string) (domain.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return domain.Artifact{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Artifact{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`, id)
	artifact, err := scanArtifact(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Artifact{}, storage.ErrNotFound
		}
		return domain.Artifact{}, err
	}
	return artifact, nil
}

// PutArtifact stores or replaces one artifact.
func (s *Store) PutArtifact(ctx context.Context, artifact domain.Artifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(artifact.ID) == "" {
		return fmt.Errorf("artifact id is required")
	}

	metadataJSON := "{}"
	if len(artifact.Metadata) > 0 {
		encoded, err := json.Marshal(artifact.Metadata)
		if err != nil {
			return fmt.Errorf("encode artifact metadata: %w", err)
		}
		metadataJSON = string(encoded)
	}
	createdAt := artifact.CreatedAt
	if createdAt.IsZero() {
		createdAt = nowUTC()
	}
	updatedAt := artifact.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO artifacts (`+artifactColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   type = excluded.type,
		   content = excluded.content,
		   code = excluded.code,
		   executable = excluded.executable,
		   controller = excluded.controller,
		   access_contract_id = excluded.access_contract_id,
		   metadata = excluded.metadata,
		   price = excluded.price,
		   kernel_protected = excluded.kernel_protected,
		   deleted = excluded.deleted,
		   updated_at = excluded.updated_at`,
		artifact.ID, artifact.Type, artifact.Content, artifact.Code,
		boolToInt(artifact.Executable), artifact.Creator, artifact.Controller,
		artifact.AccessContractID, metadataJSON, artifact.Price,
		boolToInt(artifact.KernelProtected), boolToInt(artifact.Deleted),
		toMillis(createdAt), toMillis(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns non-deleted artifacts ordered by id ascending.
func (s *Store) ListArtifacts(ctx context.Context) ([]domain.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE deleted = 0 ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	var out []domain.Artifact
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, artifact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (domain.Artifact, error) {
	var artifact domain.Artifact
	var executable, kernelProtected, deleted int
	var metadataJSON string
	var createdAt, updatedAt int64
	if err := row.Scan(
		&artifact.ID, &artifact.Type, &artifact.Content, &artifact.Code,
		&executable, &artifact.Creator, &artifact.Controller,
		&artifact.AccessContractID, &metadataJSON, &artifact.Price,
		&kernelProtected, &deleted, &createdAt, &updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Artifact{}, sql.ErrNoRows
		}
		return domain.Artifact{}, fmt.Errorf("scan artifact: %w", err)
	}
	artifact.Executable = executable != 0
	artifact.KernelProtected = kernelProtected != 0
	artifact.Deleted = deleted != 0
	artifact.CreatedAt = fromMillis(createdAt)
	artifact.UpdatedAt = fromMillis(updatedAt)
	if metadataJSON != "" && metadataJSON != "{}" {
		if err := json.Unmarshal([]byte(metadataJSON), &artifact.Metadata); err != nil {
			return domain.Artifact{}, fmt.Errorf("decode artifact metadata: %w", err)
		}
	}
	return artifact, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
