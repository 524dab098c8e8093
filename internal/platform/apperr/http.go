package apperr

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type envelope struct {
	Error payload `json:"error"`
}

type payload struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

func statusFor(kind Kind) int {
	switch kind {
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// HTTPErrorHandler renders every error as the standard envelope. Business
// rejections (conflict, not found, validation) log at debug; everything
// else logs at error with the cause and renders no internal detail.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		requestID, _ := c.Get("request_id").(string)

		status := http.StatusInternalServerError
		body := payload{Code: string(KindInternal), Message: "internal error", RequestID: requestID}

		var ae *Error
		var he *echo.HTTPError
		switch {
		case errors.As(err, &ae):
			status = statusFor(ae.Kind)
			body.Code = string(ae.Kind)
			body.Details = ae.Details
			if ae.Kind == KindInternal {
				logger.Error().Err(err).Str("request_id", requestID).Str("path", c.Path()).Msg("request failed")
			} else {
				body.Message = ae.Message
				logger.Debug().Err(err).Str("request_id", requestID).Str("path", c.Path()).Msg("request rejected")
			}
		case errors.As(err, &he):
			status = he.Code
			body.Code = http.StatusText(he.Code)
			if msg, ok := he.Message.(string); ok {
				body.Message = msg
			}
		default:
			logger.Error().Err(err).Str("request_id", requestID).Str("path", c.Path()).Msg("request failed")
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(status)
		} else {
			werr = c.JSON(status, envelope{Error: body})
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("write error response")
		}
	}
}
