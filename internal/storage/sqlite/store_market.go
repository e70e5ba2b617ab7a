package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/agoraverse/agora/internal/storage"
)

// PutBid stores or replaces the principal's escrowed bid.
func (s *Store) PutBid(ctx context.Context, bid storage.Bid) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(bid.PrincipalID) == "" {
		return fmt.Errorf("bid principal id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO bids (principal_id, artifact_id, amount, submitted_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (principal_id) DO UPDATE SET
		   artifact_id = excluded.artifact_id,
		   amount = excluded.amount,
		   submitted_at = excluded.submitted_at`,
		bid.PrincipalID, bid.ArtifactID, bid.Amount, toMillis(bid.SubmittedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert bid: %w", err)
	}
	return nil
}

// GetBid returns the principal's current bid.
func (s *Store) GetBid(ctx context.Context, principalID string) (storage.Bid, error) {
	if err := ctx.Err(); err != nil {
		return storage.Bid{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Bid{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT principal_id, artifact_id, amount, submitted_at FROM bids WHERE principal_id = ?`,
		principalID)
	var bid storage.Bid
	var submittedAt int64
	if err := row.Scan(&bid.PrincipalID, &bid.ArtifactID, &bid.Amount, &submittedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Bid{}, storage.ErrNotFound
		}
		return storage.Bid{}, fmt.Errorf("scan bid: %w", err)
	}
	bid.SubmittedAt = fromMillis(submittedAt)
	return bid, nil
}

// DeleteBid removes the principal's bid.
func (s *Store) DeleteBid(ctx context.Context, principalID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	result, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM bids WHERE principal_id = ?`, principalID)
	if err != nil {
		return fmt.Errorf("delete bid: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete bid rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListBids returns bids ordered by submission time, then principal id.
func (s *Store) ListBids(ctx context.Context) ([]storage.Bid, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT principal_id, artifact_id, amount, submitted_at
		 FROM bids ORDER BY submitted_at ASC, principal_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query bids: %w", err)
	}
	defer rows.Close()

	var out []storage.Bid
	for rows.Next() {
		var bid storage.Bid
		var submittedAt int64
		if err := rows.Scan(&bid.PrincipalID, &bid.ArtifactID, &bid.Amount, &submittedAt); err != nil {
			return nil, fmt.Errorf("scan bid: %w", err)
		}
		bid.SubmittedAt = fromMillis(submittedAt)
		out = append(out, bid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bids: %w", err)
	}
	return out, nil
}

// ClearBids removes every bid.
func (s *Store) ClearBids(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM bids`); err != nil {
		return fmt.Errorf("clear bids: %w", err)
	}
	return nil
}

// PutListing stores or replaces one escrow listing.
func (s *Store) PutListing(ctx context.Context, listing storage.Listing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(listing.ArtifactID) == "" {
		return fmt.Errorf("listing artifact id is required")
	}
	createdAt := listing.CreatedAt
	if createdAt.IsZero() {
		createdAt = nowUTC()
	}
	updatedAt := listing.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO listings (artifact_id, seller_id, price, restricted_buyer, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (artifact_id) DO UPDATE SET
		   seller_id = excluded.seller_id,
		   price = excluded.price,
		   restricted_buyer = excluded.restricted_buyer,
		   status = excluded.status,
		   updated_at = excluded.updated_at`,
		listing.ArtifactID, listing.SellerID, listing.Price, listing.RestrictedBuyer,
		string(listing.Status), toMillis(createdAt), toMillis(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert listing: %w", err)
	}
	return nil
}

// GetListing returns the listing for an artifact.
func (s *Store) GetListing(ctx context.Context, artifactID string) (storage.Listing, error) {
	if err := ctx.Err(); err != nil {
		return storage.Listing{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Listing{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT artifact_id, seller_id, price, restricted_buyer, status, created_at, updated_at
		 FROM listings WHERE artifact_id = ?`, artifactID)
	listing, err := scanListing(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Listing{}, storage.ErrNotFound
		}
		return storage.Listing{}, err
	}
	return listing, nil
}

// ListListings returns listings ordered by artifact id ascending.
func (s *Store) ListListings(ctx context.Context) ([]storage.Listing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT artifact_id, seller_id, price, restricted_buyer, status, created_at, updated_at
		 FROM listings ORDER BY artifact_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query listings: %w", err)
	}
	defer rows.Close()

	var out []storage.Listing
	for rows.Next() {
		listing, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, listing)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate listings: %w", err)
	}
	return out, nil
}

func scanListing(row rowScanner) (storage.Listing, error) {
	var listing storage.Listing
	var status string
	var createdAt, updatedAt int64
	if err := row.Scan(&listing.ArtifactID, &listing.SellerID, &listing.Price,
		&listing.RestrictedBuyer, &status, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Listing{}, sql.ErrNoRows
		}
		return storage.Listing{}, fmt.Errorf("scan listing: %w", err)
	}
	listing.Status = storage.ListingStatus(status)
	listing.CreatedAt = fromMillis(createdAt)
	listing.UpdatedAt = fromMillis(updatedAt)
	return listing, nil
}
