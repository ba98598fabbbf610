package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"hut.evalgo.org/common"
	"hut.evalgo.org/lifecycle"
	"hut.evalgo.org/orchestrator"
)

// ContainerResponse is returned by the container endpoints
type ContainerResponse struct {
	Container            *lifecycle.Container `json:"container"`
	Outcome              lifecycle.Outcome    `json:"outcome"`
	TimeRemainingSeconds int64                `json:"time_remaining_seconds,omitempty"`
	Previous             *lifecycle.Container `json:"previous,omitempty"`
}

func newContainerResponse(res *lifecycle.Result) ContainerResponse {
	return ContainerResponse{
		Container:            res.Container,
		Outcome:              res.Outcome,
		TimeRemainingSeconds: int64(res.TimeRemaining / time.Second),
		Previous:             res.Previous,
	}
}

// CreateContainer obtains or creates the caller's container
func (h *Handlers) CreateContainer(c echo.Context) error {
	res, err := h.Orchestrator.CreateOrGetContainer(c.Request().Context(), owner(c))
	if err != nil {
		return err
	}

	status := http.StatusOK
	if res.Outcome == lifecycle.OutcomeCreated {
		status = http.StatusCreated
	}
	return c.JSON(status, newContainerResponse(res))
}

// GetContainer returns the caller's container status
func (h *Handlers) GetContainer(c echo.Context) error {
	view, err := h.Orchestrator.ContainerStatus(c.Request().Context(), owner(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

// AmountRequest carries an asset amount
type AmountRequest struct {
	Asset  string  `json:"asset"`
	Amount float64 `json:"amount"`
}

func bindAmount(c echo.Context) (*AmountRequest, error) {
	var req AmountRequest
	if err := c.Bind(&req); err != nil {
		return nil, common.NewValidationError(common.CodeInvalidRequest, "invalid request body")
	}
	if req.Asset == "" {
		return nil, common.NewValidationError(common.CodeInvalidRequest, "asset is required")
	}
	return &req, nil
}

// ActivateContainer activates the caller's pending container
func (h *Handlers) ActivateContainer(c echo.Context) error {
	req, err := bindAmount(c)
	if err != nil {
		return err
	}

	res, err := h.Orchestrator.ActivateContainer(c.Request().Context(), owner(c), req.Asset, req.Amount)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newContainerResponse(res))
}

// RequestDeposit starts a deposit into the caller's container
func (h *Handlers) RequestDeposit(c echo.Context) error {
	req, err := bindAmount(c)
	if err != nil {
		return err
	}

	res, err := h.Orchestrator.RequestDeposit(c.Request().Context(), owner(c), req.Asset, req.Amount)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, res)
}

// RequestSwap starts a swap from the caller's active container
func (h *Handlers) RequestSwap(c echo.Context) error {
	var req orchestrator.SwapRequest
	if err := c.Bind(&req); err != nil {
		return common.NewValidationError(common.CodeInvalidRequest, "invalid request body")
	}

	op, err := h.Orchestrator.RequestSwap(c.Request().Context(), owner(c), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, op.View())
}
