// Package api exposes the ride lifecycle and account operations over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/semanticallynull/ridecontrol/account"
	"github.com/semanticallynull/ridecontrol/internal/clock"
	"github.com/semanticallynull/ridecontrol/internal/middleware"
	"github.com/semanticallynull/ridecontrol/ride"
)

// Accounts looks up and provisions rider accounts.
type Accounts interface {
	GetAccountByAuth0ID(ctx context.Context, auth0ID string) (account.Account, error)
	CreateAccount(ctx context.Context, a account.Account) (account.Account, error)
	ListTransactions(ctx context.Context, accountID uuid.UUID) ([]account.Transaction, error)
}

type Config struct {
	// Auth authenticates every route except /health and /metrics.
	Auth            gin.HandlersChain
	AllowedOrigins  []string
	MetricsUsername string
	MetricsPassword string
}

type API struct {
	r        *gin.Engine
	rides    *ride.Machine
	guard    *account.Guard
	accounts Accounts
	clock    clock.Clock
}

func New(rides *ride.Machine, guard *account.Guard, accounts Accounts, clk clock.Clock,
	logger *slog.Logger, reg *prometheus.Registry, cfg Config,
) *API {
	a := &API{
		r:        gin.New(),
		rides:    rides,
		guard:    guard,
		accounts: accounts,
		clock:    clk,
	}

	corsCfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Authorization", "Content-Type"},
	}
	if len(cfg.AllowedOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	}

	a.r.Use(
		gin.Recovery(),
		middleware.Tracing(),
		middleware.Logging(logger),
		middleware.Metrics(reg),
		cors.New(corsCfg),
	)

	a.r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	// Without credentials the metrics endpoint stays unregistered.
	if cfg.MetricsUsername != "" {
		a.r.GET("/metrics",
			gin.BasicAuth(gin.Accounts{cfg.MetricsUsername: cfg.MetricsPassword}),
			gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		)
	}

	authed := a.r.Group("/", cfg.Auth...)
	authed.POST("/rides", a.startRideHandler)
	authed.GET("/rides/active", a.activeRideHandler)
	authed.GET("/rides/:rideId", a.rideHandler)
	authed.POST("/rides/:rideId/end", a.endRideHandler)
	authed.POST("/rides/:rideId/cancel", a.cancelRideHandler)

	authed.GET("/account", a.accountHandler)
	authed.GET("/account/transactions", a.transactionsHandler)
	authed.POST("/account/recharge", a.rechargeHandler)
	authed.POST("/account/reactivation", a.requestReactivationHandler)

	admin := authed.Group("/admin", middleware.RequirePermission(middleware.PermissionAdmin))
	admin.POST("/accounts/:accountId/reactivation/approve", a.approveReactivationHandler)
	admin.POST("/rides/:rideId/settle", a.settleRideHandler)

	return a
}

func (a *API) Router() *gin.Engine {
	return a.r
}

// currentAccount resolves the caller's account, creating an empty one on first use.
func (a *API) currentAccount(c *gin.Context) (account.Account, bool) {
	sub, ok := middleware.GetAuth0ID(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "Authentication required"})
		return account.Account{}, false
	}

	acct, err := a.accounts.GetAccountByAuth0ID(c.Request.Context(), sub)
	if err == nil {
		return acct, true
	}
	if !errors.Is(err, account.ErrNotFound) {
		writeError(c, err)
		return account.Account{}, false
	}

	acct, err = a.accounts.CreateAccount(c.Request.Context(), account.Account{
		ID:        uuid.New(),
		Auth0ID:   sub,
		State:     account.Active,
		CreatedAt: a.clock.Now(),
	})
	if err != nil {
		writeError(c, err)
		return account.Account{}, false
	}
	middleware.GetLogger(c).Info("provisioned account", slog.String("account_id", acct.ID.String()))
	return acct, true
}

func pathUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		badRequest(c, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}
