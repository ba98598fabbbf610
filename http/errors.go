package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"hut.evalgo.org/common"
)

// ErrorResponse is the JSON body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// StatusOf maps an error kind to its HTTP status
func StatusOf(err error) int {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code
	case errors.Is(err, common.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, common.ErrDeadlineExceeded):
		return http.StatusGone
	case errors.Is(err, common.ErrAdapter):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorHandler renders errors as ErrorResponse. Internal errors are logged
// and their message is not exposed.
func ErrorHandler(log *logrus.Entry) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := StatusOf(err)
		resp := ErrorResponse{Error: err.Error(), Code: common.CodeOf(err)}

		var he *echo.HTTPError
		if errors.As(err, &he) {
			resp.Error = http.StatusText(he.Code)
			if msg, ok := he.Message.(string); ok {
				resp.Error = msg
			}
		}
		var ce *common.Error
		if errors.As(err, &ce) {
			resp.Error = ce.Message
		}

		if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
			log.WithError(err).WithField("uri", c.Request().RequestURI).Error("Request failed")
			resp.Error = http.StatusText(status)
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, resp)
		}
		if err != nil {
			log.WithError(err).Warn("Failed to send error response")
		}
	}
}
