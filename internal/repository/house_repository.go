package repository

// A House is one sellable batch of numbered lottery tickets.  The
// fulfillment saga only reads houses; administration of houses happens in
// other services.

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/iliyamo/house-lottery/internal/model"
)

// HouseRepo manages read access to houses.
type HouseRepo struct {
	db *sqlx.DB
}

// NewHouseRepo constructs a HouseRepo with the given DB handle.
func NewHouseRepo(db *sqlx.DB) *HouseRepo {
	return &HouseRepo{db: db}
}

const houseColumns = `id, title, total_tickets, ticket_price, lottery_start_date, lottery_end_date,
	status, minimum_participation, max_participants, max_tickets_per_user, requires_identity,
	created_at, updated_at`

func getHouse(ctx context.Context, q sqlx.QueryerContext, id string) (*model.House, error) {
	var h model.House
	err := sqlx.GetContext(ctx, q, &h, `SELECT `+houseColumns+` FROM houses WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHouseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("could not load house %s: %w", id, classify(err))
	}
	return &h, nil
}

// GetByID retrieves a house by its ID.  It returns ErrHouseNotFound if
// there is no matching row.
func (r *HouseRepo) GetByID(ctx context.Context, id string) (*model.House, error) {
	return getHouse(ctx, r.db, id)
}

// GetByIDTx is GetByID within the provided transaction.
func (r *HouseRepo) GetByIDTx(ctx context.Context, tx *sqlx.Tx, id string) (*model.House, error) {
	return getHouse(ctx, tx, id)
}
