package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"hut.evalgo.org/common"
	sm "hut.evalgo.org/statemanager"
)

// StartOperationRequest starts an operation with explicit steps
type StartOperationRequest struct {
	Kind  string        `json:"kind"`
	Steps []sm.StepSpec `json:"steps"`
}

// StepUpdateRequest is an adapter callback for one step
type StepUpdateRequest struct {
	ExpectStatus   *sm.StepStatus `json:"expect_status,omitempty"`
	Status         *sm.StepStatus `json:"status,omitempty"`
	Confirmations  *int           `json:"confirmations,omitempty"`
	ChainReference *string        `json:"chain_reference,omitempty"`
	Error          *string        `json:"error,omitempty"`
}

// StartOperation starts an operation for the caller
func (h *Handlers) StartOperation(c echo.Context) error {
	var req StartOperationRequest
	if err := c.Bind(&req); err != nil {
		return common.NewValidationError(common.CodeInvalidRequest, "invalid request body")
	}

	op, err := h.Orchestrator.StartOperation(c.Request().Context(), owner(c), req.Kind, req.Steps)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, op.View())
}

// ListOperations returns the caller's operations, optionally ?status=
func (h *Handlers) ListOperations(c echo.Context) error {
	ops, err := h.Orchestrator.ListOperations(c.Request().Context(), owner(c), sm.Status(c.QueryParam("status")))
	if err != nil {
		return err
	}

	views := make([]*sm.OperationView, len(ops))
	for i, op := range ops {
		views[i] = op.View()
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"operations": views,
		"count":      len(views),
	})
}

// GetOperation returns one of the caller's operations
func (h *Handlers) GetOperation(c echo.Context) error {
	view, err := h.operation(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

// UpdateStep applies an adapter callback. The route is operator only;
// owners never patch their own steps.
func (h *Handlers) UpdateStep(c echo.Context) error {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		return common.NewValidationError(common.CodeInvalidRequest, "invalid step index %q", c.Param("index"))
	}

	var req StepUpdateRequest
	if err := c.Bind(&req); err != nil {
		return common.NewValidationError(common.CodeInvalidRequest, "invalid request body")
	}

	step, err := h.Orchestrator.UpdateStep(c.Request().Context(), c.Param("id"), index, sm.StepPatch{
		ExpectStatus:   req.ExpectStatus,
		Status:         req.Status,
		Confirmations:  req.Confirmations,
		ChainReference: req.ChainReference,
		Error:          req.Error,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, step)
}

// operation loads the :id operation if the caller owns it or is an
// operator. Foreign operations are reported as not found.
func (h *Handlers) operation(c echo.Context) (*sm.OperationView, error) {
	id := c.Param("id")
	view, err := h.Orchestrator.OperationStatus(c.Request().Context(), id)
	if err != nil {
		return nil, err
	}

	caller := owner(c)
	if view.Owner != caller && !h.isOperator(caller) {
		return nil, common.NewNotFoundError("operation", id)
	}
	return view, nil
}
