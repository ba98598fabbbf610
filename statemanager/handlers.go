package statemanager

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"hut.evalgo.org/common"
)

// RegisterRoutes adds state endpoints to an Echo group, guarded by the
// given route middleware
func (m *Manager) RegisterRoutes(g *echo.Group, mw ...echo.MiddlewareFunc) {
	g.GET("/state", m.handleListOperations, mw...)
	g.GET("/state/stats", m.handleGetStats, mw...)
	g.GET("/state/:id", m.handleGetOperation, mw...)
}

// handleListOperations returns tracked operations, optionally filtered by
// ?status= and ?kind=
func (m *Manager) handleListOperations(c echo.Context) error {
	ops, err := m.ListOperations(c.Request().Context(), Filter{
		Status: Status(c.QueryParam("status")),
		Kind:   c.QueryParam("kind"),
	})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, ops)
}

// handleGetOperation returns a specific operation by ID
func (m *Manager) handleGetOperation(c echo.Context) error {
	id := c.Param("id")
	view, err := m.Status(c.Request().Context(), id)
	if errors.Is(err, common.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "operation not found",
		})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, view)
}

// handleGetStats returns aggregated statistics
func (m *Manager) handleGetStats(c echo.Context) error {
	stats, err := m.GetStats(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, stats)
}
