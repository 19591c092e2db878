package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/house-lottery/internal/inventory"
	"github.com/iliyamo/house-lottery/internal/obs"
)

// InventoryReader is the read side of the cache-backed house inventory.
type InventoryReader interface {
	Reserved(ctx context.Context, houseID string) (int64, error)
	ParticipantCount(ctx context.Context, houseID string) (int64, error)
	IsParticipant(ctx context.Context, houseID, userID string) (bool, error)
}

// InventoryHandler lets operators compare the cached inventory of a house
// with the database while reconciling failed sagas.
type InventoryHandler struct {
	Inventory InventoryReader
}

func NewInventoryHandler(inv InventoryReader) *InventoryHandler {
	if inv == nil {
		panic("nil dependency passed to NewInventoryHandler")
	}
	return &InventoryHandler{Inventory: inv}
}

type inventoryView struct {
	HouseID      string `json:"house_id"`
	Reserved     int64  `json:"reserved"`
	Participants int64  `json:"participants"`
	UserID       string `json:"user_id,omitempty"`
	Participant  *bool  `json:"participant,omitempty"`
}

// Get handles GET /v1/internal/houses/:id/inventory.  The optional user_id
// query parameter adds whether that user is a registered participant.
func (h *InventoryHandler) Get(c echo.Context) error {
	houseID := c.Param("id")
	if _, err := uuid.Parse(houseID); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid house id"})
	}
	ctx := c.Request().Context()
	view := inventoryView{HouseID: houseID}

	var err error
	if view.Reserved, err = h.Inventory.Reserved(ctx, houseID); err != nil {
		return inventoryError(c, err)
	}
	if view.Participants, err = h.Inventory.ParticipantCount(ctx, houseID); err != nil {
		return inventoryError(c, err)
	}
	if userID := c.QueryParam("user_id"); userID != "" {
		member, err := h.Inventory.IsParticipant(ctx, houseID, userID)
		if err != nil {
			return inventoryError(c, err)
		}
		view.UserID = userID
		view.Participant = &member
	}
	return c.JSON(http.StatusOK, view)
}

func inventoryError(c echo.Context, err error) error {
	obs.FromContext(c.Request().Context()).WithError(err).Error("read inventory")
	if errors.Is(err, inventory.ErrUnavailable) {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "inventory cache unavailable"})
	}
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "inventory error"})
}
