package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/iliyamo/house-lottery/internal/model"
)

// UserRepo reads purchaser accounts for eligibility checks.
type UserRepo struct{ DB *sqlx.DB }

func NewUserRepo(db *sqlx.DB) *UserRepo { return &UserRepo{DB: db} }

func getUser(ctx context.Context, q sqlx.QueryerContext, id string) (*model.User, error) {
	var u model.User
	err := sqlx.GetContext(ctx, q, &u,
		"SELECT id,email,is_active,email_verified,identity_verified,created_at,updated_at FROM users WHERE id=? LIMIT 1",
		id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("could not load user %s: %w", id, classify(err))
	}
	return &u, nil
}

// GetByID fetches a user by id.
func (r *UserRepo) GetByID(ctx context.Context, id string) (*model.User, error) {
	return getUser(ctx, r.DB, id)
}

// GetByIDTx fetches a user by id within the provided transaction.
func (r *UserRepo) GetByIDTx(ctx context.Context, tx *sqlx.Tx, id string) (*model.User, error) {
	return getUser(ctx, tx, id)
}
