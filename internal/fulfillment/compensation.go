package fulfillment

import "github.com/iliyamo/house-lottery/internal/model"

// Stage names the saga step at which processing stopped.
type Stage string

const (
	StageNone           Stage = "none"
	StageLookup         Stage = "lookup"
	StageExpired        Stage = "expired"
	StageStatusGuard    Stage = "status_guard"
	StageValidation     Stage = "validation"
	StagePaymentMethod  Stage = "payment_method"
	StagePayment        Stage = "payment"
	StageFulfillment    Stage = "fulfillment"
	StageInfrastructure Stage = "infrastructure"
)

// Compensation lists the undo actions owed when the saga stops at a stage.
// Refund only applies once a charge was captured.  MarkAs is the terminal
// status written to the reservation, empty when the row is left alone.
type Compensation struct {
	Refund  bool
	Release bool
	MarkAs  model.ReservationStatus
}

var compensations = map[Stage]Compensation{
	StageLookup:         {},
	StageExpired:        {Release: true, MarkAs: model.ReservationExpired},
	StageStatusGuard:    {},
	StageValidation:     {Release: true, MarkAs: model.ReservationExpired},
	StagePaymentMethod:  {Release: true, MarkAs: model.ReservationFailed},
	StagePayment:        {Release: true, MarkAs: model.ReservationFailed},
	StageFulfillment:    {Refund: true, Release: true, MarkAs: model.ReservationFailed},
	StageInfrastructure: {Refund: true, Release: true, MarkAs: model.ReservationFailed},
}

// CompensationFor returns the compensation owed at stage.
func CompensationFor(stage Stage) Compensation {
	return compensations[stage]
}
