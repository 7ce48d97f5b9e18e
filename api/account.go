package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/semanticallynull/ridecontrol/account"
	"github.com/semanticallynull/ridecontrol/internal/middleware"
	"github.com/semanticallynull/ridecontrol/internal/money"
)

type accountResponse struct {
	ID              uuid.UUID     `json:"id"`
	Balance         money.Amount  `json:"balance"`
	State           account.State `json:"state"`
	SuspensionCount int           `json:"suspensionCount"`
	SuspendedAt     *time.Time    `json:"suspendedAt"`
	LoyaltyPoints   int           `json:"loyaltyPoints"`
}

func toAccountResponse(a account.Account) accountResponse {
	resp := accountResponse{
		ID:              a.ID,
		Balance:         a.Balance,
		State:           a.State,
		SuspensionCount: a.SuspensionCount,
		LoyaltyPoints:   a.LoyaltyPoints,
	}
	if a.SuspendedAt.Valid {
		resp.SuspendedAt = &a.SuspendedAt.Time
	}
	return resp
}

type transactionResponse struct {
	ID            uuid.UUID               `json:"id"`
	RideID        *uuid.UUID              `json:"rideId"`
	Kind          account.TransactionKind `json:"kind"`
	Amount        money.Amount            `json:"amount"`
	BalanceBefore money.Amount            `json:"balanceBefore"`
	BalanceAfter  money.Amount            `json:"balanceAfter"`
	CreatedAt     time.Time               `json:"createdAt"`
}

func toTransactionResponse(t account.Transaction) transactionResponse {
	return transactionResponse{
		ID:            t.ID,
		RideID:        nullable(t.RideID),
		Kind:          t.Kind,
		Amount:        t.Amount,
		BalanceBefore: t.BalanceBefore,
		BalanceAfter:  t.BalanceAfter,
		CreatedAt:     t.CreatedAt,
	}
}

func (a *API) accountHandler(c *gin.Context) {
	acct, ok := a.currentAccount(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toAccountResponse(acct))
}

func (a *API) transactionsHandler(c *gin.Context) {
	acct, ok := a.currentAccount(c)
	if !ok {
		return
	}
	ts, err := a.accounts.ListTransactions(c.Request.Context(), acct.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := make([]transactionResponse, 0, len(ts))
	for _, t := range ts {
		resp = append(resp, toTransactionResponse(t))
	}
	c.JSON(http.StatusOK, resp)
}

type rechargeRequest struct {
	Amount money.Amount `json:"amount"`
}

func (a *API) rechargeHandler(c *gin.Context) {
	var req rechargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "amount must be a decimal with at most two fraction digits")
		return
	}
	acct, ok := a.currentAccount(c)
	if !ok {
		return
	}

	p, err := a.guard.Recharge(c.Request.Context(), acct.ID, req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account":     toAccountResponse(p.Account),
		"transaction": toTransactionResponse(p.Transaction),
	})
}

func (a *API) requestReactivationHandler(c *gin.Context) {
	acct, ok := a.currentAccount(c)
	if !ok {
		return
	}
	updated, err := a.guard.RequestReactivation(c.Request.Context(), acct.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toAccountResponse(updated))
}

func (a *API) approveReactivationHandler(c *gin.Context) {
	target, ok := pathUUID(c, "accountId")
	if !ok {
		return
	}
	admin, ok := a.currentAccount(c)
	if !ok {
		return
	}
	id, _ := middleware.GetIdentity(c)

	updated, err := a.guard.ApproveReactivation(c.Request.Context(),
		account.Actor{AccountID: admin.ID, Admin: id.Has(middleware.PermissionAdmin)}, target)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toAccountResponse(updated))
}
