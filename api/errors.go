package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/semanticallynull/ridecontrol/internal/fault"
	"github.com/semanticallynull/ridecontrol/internal/middleware"
	"github.com/semanticallynull/ridecontrol/ride"
)

type errorResponse struct {
	Code    string     `json:"code"`
	Message string     `json:"message"`
	RideID  *uuid.UUID `json:"rideId,omitempty"`
}

var statusByKind = map[fault.Kind]struct {
	status int
	code   string
}{
	fault.Validation:          {http.StatusBadRequest, "VALIDATION_ERROR"},
	fault.NotFound:            {http.StatusNotFound, "NOT_FOUND"},
	fault.Conflict:            {http.StatusConflict, "CONFLICT"},
	fault.Authorization:       {http.StatusForbidden, "FORBIDDEN"},
	fault.InsufficientBalance: {http.StatusPaymentRequired, "INSUFFICIENT_BALANCE"},
	fault.OutstandingDebt:     {http.StatusPaymentRequired, "OUTSTANDING_DEBT"},
	fault.VehicleUnavailable:  {http.StatusConflict, "VEHICLE_UNAVAILABLE"},
}

// writeError maps a domain error to its HTTP status. Anything without a kind is a 500 whose
// details stay in the log.
func writeError(c *gin.Context, err error) {
	logger := middleware.GetLogger(c)

	if id, ok := ride.ActiveRideFromError(err); ok {
		c.AbortWithStatusJSON(http.StatusConflict, errorResponse{Code: "RIDE_IN_PROGRESS", Message: err.Error(), RideID: &id})
		return
	}

	m, ok := statusByKind[fault.KindOf(err)]
	if !ok {
		logger.Error("request failed", slog.Any("error", err))
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
		return
	}
	logger.Info("request rejected", slog.String("code", m.code), slog.Any("error", err))
	c.AbortWithStatusJSON(m.status, errorResponse{Code: m.code, Message: err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Code: "VALIDATION_ERROR", Message: msg})
}
