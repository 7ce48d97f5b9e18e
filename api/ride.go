package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/semanticallynull/ridecontrol/internal/money"
	"github.com/semanticallynull/ridecontrol/ride"
)

type rideResponse struct {
	ID                    uuid.UUID        `json:"id"`
	VehicleID             *uuid.UUID       `json:"vehicleId"`
	StartParkingID        *uuid.UUID       `json:"startParkingId"`
	EndParkingID          *uuid.UUID       `json:"endParkingId"`
	StartedAt             time.Time        `json:"startedAt"`
	EndedAt               *time.Time       `json:"endedAt"`
	DurationMinutes       *int32           `json:"durationMinutes"`
	Cost                  money.NullAmount `json:"cost"`
	DistanceKm            float64          `json:"distanceKm"`
	LoyaltyPointsRedeemed int              `json:"loyaltyPointsRedeemed"`
	State                 ride.State       `json:"state"`
	Settlement            ride.Settlement  `json:"settlement"`
}

func nullable(id uuid.NullUUID) *uuid.UUID {
	if !id.Valid {
		return nil
	}
	return &id.UUID
}

func toRideResponse(r ride.Ride) rideResponse {
	resp := rideResponse{
		ID:                    r.ID,
		VehicleID:             nullable(r.VehicleID),
		StartParkingID:        nullable(r.StartParkingID),
		EndParkingID:          nullable(r.EndParkingID),
		StartedAt:             r.StartedAt,
		Cost:                  r.Cost,
		DistanceKm:            r.DistanceKm,
		LoyaltyPointsRedeemed: r.LoyaltyPointsRedeemed,
		State:                 r.State,
		Settlement:            r.Settlement,
	}
	if r.EndedAt.Valid {
		resp.EndedAt = &r.EndedAt.Time
	}
	if r.DurationMinutes.Valid {
		resp.DurationMinutes = &r.DurationMinutes.Int32
	}
	return resp
}

type receiptResponse struct {
	Ride           rideResponse `json:"ride"`
	Charged        money.Amount `json:"charged"`
	Balance        money.Amount `json:"balance"`
	PointsRedeemed int          `json:"pointsRedeemed"`
}

func toReceiptResponse(rec ride.Receipt) receiptResponse {
	return receiptResponse{
		Ride:           toRideResponse(rec.Ride),
		Charged:        rec.Charged,
		Balance:        rec.Balance,
		PointsRedeemed: rec.PointsRedeemed,
	}
}

type startRideRequest struct {
	VehicleID uuid.UUID `json:"vehicleId"`
}

func (a *API) startRideHandler(c *gin.Context) {
	var req startRideRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.VehicleID == uuid.Nil {
		badRequest(c, "vehicleId is required")
		return
	}
	acct, ok := a.currentAccount(c)
	if !ok {
		return
	}

	r, err := a.rides.Start(c.Request.Context(), acct.ID, req.VehicleID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toRideResponse(r))
}

func (a *API) activeRideHandler(c *gin.Context) {
	acct, ok := a.currentAccount(c)
	if !ok {
		return
	}
	r, err := a.rides.GetActiveRide(c.Request.Context(), acct.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toRideResponse(r))
}

func (a *API) rideHandler(c *gin.Context) {
	rideID, ok := pathUUID(c, "rideId")
	if !ok {
		return
	}
	acct, ok := a.currentAccount(c)
	if !ok {
		return
	}
	r, err := a.rides.GetRide(c.Request.Context(), rideID, acct.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toRideResponse(r))
}

type endRideRequest struct {
	ParkingID uuid.UUID `json:"parkingId"`
}

func (a *API) endRideHandler(c *gin.Context) {
	rideID, ok := pathUUID(c, "rideId")
	if !ok {
		return
	}
	var req endRideRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ParkingID == uuid.Nil {
		badRequest(c, "parkingId is required")
		return
	}
	acct, ok := a.currentAccount(c)
	if !ok {
		return
	}

	rec, err := a.rides.End(c.Request.Context(), rideID, acct.ID, req.ParkingID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toReceiptResponse(rec))
}

func (a *API) cancelRideHandler(c *gin.Context) {
	rideID, ok := pathUUID(c, "rideId")
	if !ok {
		return
	}
	acct, ok := a.currentAccount(c)
	if !ok {
		return
	}

	r, err := a.rides.Cancel(c.Request.Context(), rideID, acct.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toRideResponse(r))
}

func (a *API) settleRideHandler(c *gin.Context) {
	rideID, ok := pathUUID(c, "rideId")
	if !ok {
		return
	}
	rec, err := a.rides.Settle(c.Request.Context(), rideID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toReceiptResponse(rec))
}
