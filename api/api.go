// Package api mounts the HTTP surface of the service on Echo. Callers
// authenticate with a bearer token; the token subject is the owner every
// container and operation request is scoped to.
package api

import (
	"net/http"
	"strings"
	"time"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"

	"hut.evalgo.org/common"
	"hut.evalgo.org/metrics"
	"hut.evalgo.org/orchestrator"
	"hut.evalgo.org/security"
	sm "hut.evalgo.org/statemanager"
)

// ownerKey is the echo context key holding the authenticated owner
const ownerKey = "owner"

type Handlers struct {
	Orchestrator *orchestrator.Orchestrator
	Tracker      *sm.Manager
	JWT          *security.JWTService
	Metrics      *metrics.Metrics

	// TokenExpiration of tokens issued by POST /auth/token
	TokenExpiration time.Duration

	// IssueTokens enables POST /auth/token
	IssueTokens bool

	// Operators may read every operation and are the only callers allowed
	// to post adapter callbacks
	Operators []string
}

func SetupRoutes(e *echo.Echo, h *Handlers) {
	// Public routes
	e.GET("/health", h.Health)
	if h.Metrics != nil {
		e.GET("/metrics", h.Metrics.Handler())
	}
	if h.IssueTokens {
		e.POST("/auth/token", h.GenerateToken)
	}

	// Protected routes
	protected := e.Group("/api")
	protected.Use(echojwt.WithConfig(echojwt.Config{
		ContextKey:  ownerKey,
		TokenLookup: "header:Authorization:Bearer ",
		ParseTokenFunc: func(c echo.Context, auth string) (interface{}, error) {
			return h.JWT.Owner(auth)
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return common.NewError(common.ErrUnauthorized, common.CodeUnauthorized, "missing or invalid token")
		},
	}))

	protected.POST("/container", h.CreateContainer)
	protected.GET("/container", h.GetContainer)
	protected.POST("/container/activate", h.ActivateContainer)

	protected.POST("/deposits", h.RequestDeposit)
	protected.POST("/swaps", h.RequestSwap)

	protected.POST("/operations", h.StartOperation)
	protected.GET("/operations", h.ListOperations)
	protected.GET("/operations/:id", h.GetOperation)
	protected.PATCH("/operations/:id/steps/:index", h.UpdateStep, h.requireOperator)

	h.Tracker.RegisterRoutes(protected, h.requireOperator)
}

type TokenRequest struct {
	Owner string `json:"owner"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GenerateToken issues a token for an owner
func (h *Handlers) GenerateToken(c echo.Context) error {
	var req TokenRequest
	if err := c.Bind(&req); err != nil {
		return common.NewValidationError(common.CodeInvalidRequest, "invalid request body")
	}
	if req.Owner == "" {
		return common.NewValidationError(common.CodeInvalidRequest, "owner is required")
	}

	exp := h.TokenExpiration
	if exp <= 0 {
		exp = security.DefaultExpiration
	}
	token, err := h.JWT.GenerateToken(req.Owner, exp)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, TokenResponse{Token: token, ExpiresAt: time.Now().UTC().Add(exp)})
}

// Health reports component health; a degraded service answers 503.
func (h *Handlers) Health(c echo.Context) error {
	health := h.Orchestrator.Health(c.Request().Context())
	status := http.StatusOK
	if health.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, health)
}

func (h *Handlers) isOperator(owner string) bool {
	for _, op := range h.Operators {
		if strings.EqualFold(op, owner) {
			return true
		}
	}
	return false
}

func (h *Handlers) requireOperator(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !h.isOperator(owner(c)) {
			return common.NewError(common.ErrUnauthorized, common.CodeUnauthorized, "operator access required")
		}
		return next(c)
	}
}

func owner(c echo.Context) string {
	s, _ := c.Get(ownerKey).(string)
	return s
}
