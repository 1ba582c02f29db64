package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-live/backend/internal/errs"
	"github.com/aura-live/backend/internal/models"
)

// Repository reads viewer profiles and the follow graph.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an auth repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetProfile returns a user's public profile.
func (r *Repository) GetProfile(ctx context.Context, id uuid.UUID) (*models.Profile, error) {
	const q = `SELECT id, display_name, COALESCE(avatar_url,'') FROM users WHERE id = $1`
	var p models.Profile
	err := r.pool.QueryRow(ctx, q, id).Scan(&p.ID, &p.Name, &p.AvatarURL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ListProfiles returns the profiles of the given users. Unknown ids are skipped.
func (r *Repository) ListProfiles(ctx context.Context, ids []uuid.UUID) ([]models.Profile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	const q = `SELECT id, display_name, COALESCE(avatar_url,'') FROM users WHERE id = ANY($1)`
	rows, err := r.pool.Query(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Profile
	for rows.Next() {
		var p models.Profile
		if err := rows.Scan(&p.ID, &p.Name, &p.AvatarURL); err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

// IsFollower reports whether followerID follows hostID.
func (r *Repository) IsFollower(ctx context.Context, followerID, hostID uuid.UUID) (bool, error) {
	const q = `SELECT EXISTS(SELECT 1 FROM follows WHERE follower_id = $1 AND followee_id = $2)`
	var ok bool
	if err := r.pool.QueryRow(ctx, q, followerID, hostID).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}
