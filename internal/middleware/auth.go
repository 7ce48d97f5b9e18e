package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"time"

	jwtmiddleware "github.com/auth0/go-jwt-middleware/v2"
	"github.com/auth0/go-jwt-middleware/v2/jwks"
	"github.com/auth0/go-jwt-middleware/v2/validator"
	"github.com/gin-gonic/gin"
	adapter "github.com/gwatts/gin-adapter"
)

// PermissionAdmin lets a caller approve reactivations and settle depleted rides.
const PermissionAdmin = "admin:accounts"

const identityKey = "identity"

// Identity is the authenticated caller of a request.
type Identity struct {
	Subject     string
	Permissions []string
}

func (i Identity) Has(permission string) bool {
	return slices.Contains(i.Permissions, permission)
}

// CustomClaims carries the RBAC permissions Auth0 adds to access tokens.
type CustomClaims struct {
	Permissions []string `json:"permissions"`
}

func (c *CustomClaims) Validate(context.Context) error {
	return nil
}

// JWT validates RS256 bearer tokens issued by domain for audience and records the caller's identity.
func JWT(domain, audience string, logger *slog.Logger) (gin.HandlersChain, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("parse issuer url: %w", err)
	}
	provider := jwks.NewCachingProvider(issuerURL, 5*time.Minute)

	jwtValidator, err := validator.New(
		provider.KeyFunc,
		validator.RS256,
		issuerURL.String(),
		[]string{audience},
		validator.WithCustomClaims(func() validator.CustomClaims { return &CustomClaims{} }),
		validator.WithAllowedClockSkew(time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("set up jwt validator: %w", err)
	}

	mw := jwtmiddleware.New(
		jwtValidator.ValidateToken,
		jwtmiddleware.WithErrorHandler(func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Info("rejected token", slog.String("path", r.URL.Path), slog.Any("error", err))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":"UNAUTHORIZED","message":"Authentication required"}`))
		}),
	)

	return gin.HandlersChain{adapter.Wrap(mw.CheckJWT), claimsToIdentity()}, nil
}

func claimsToIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := c.Request.Context().Value(jwtmiddleware.ContextKey{}).(*validator.ValidatedClaims)
		if !ok {
			abortUnauthorized(c)
			return
		}
		id := Identity{Subject: claims.RegisteredClaims.Subject}
		if custom, ok := claims.CustomClaims.(*CustomClaims); ok {
			id.Permissions = custom.Permissions
		}
		SetIdentity(c, id)
		c.Next()
	}
}

func SetIdentity(c *gin.Context, id Identity) {
	c.Set(identityKey, id)
}

func GetIdentity(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok && id.Subject != ""
}

// GetAuth0ID returns the subject of the caller's token.
func GetAuth0ID(c *gin.Context) (string, bool) {
	id, ok := GetIdentity(c)
	return id.Subject, ok
}

// RequirePermission aborts with 403 unless the caller holds permission.
func RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := GetIdentity(c)
		if !ok {
			abortUnauthorized(c)
			return
		}
		if !id.Has(permission) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "FORBIDDEN", "message": "Missing permission " + permission})
			return
		}
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "Authentication required"})
}
