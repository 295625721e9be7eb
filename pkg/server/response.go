package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/m-mizutani/parley/pkg/model"
	"github.com/m-mizutani/parley/pkg/utils/logging"
)

const maxBodySize = 1 << 20

// Problem is an RFC 7807 problem details body
type Problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func problemType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "https://datatracker.ietf.org/doc/html/rfc7231#section-6.5.1"
	case http.StatusUnauthorized:
		return "https://datatracker.ietf.org/doc/html/rfc7235#section-3.1"
	case http.StatusNotFound:
		return "https://datatracker.ietf.org/doc/html/rfc7231#section-6.5.4"
	case http.StatusInternalServerError:
		return "https://datatracker.ietf.org/doc/html/rfc7231#section-6.6.1"
	default:
		return "about:blank"
	}
}

func respondError(c *gin.Context, status int, detail string) {
	if status == http.StatusUnauthorized {
		c.Header("WWW-Authenticate", "Bearer")
	}

	payload, err := json.Marshal(Problem{
		Type:   problemType(status),
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	})
	if err != nil {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Data(status, "application/problem+json", payload)
	c.Abort()
}

func respondJSON(c *gin.Context, status int, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to encode response")
		return
	}
	c.Data(status, "application/json", payload)
}

// handleError maps the error taxonomy to a status and a short public reason.
// Internal error text is logged and never written to the response.
func handleError(c *gin.Context, err error) {
	logger := logging.From(c.Request.Context())

	switch {
	case errors.Is(err, model.ErrUnauthenticated):
		logger.Info("request not authenticated", "error", err)
		respondError(c, http.StatusUnauthorized, "Could not validate credentials")

	case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrAccessDenied):
		respondError(c, http.StatusNotFound, "Conversation not found or access denied")

	case errors.Is(err, model.ErrEmailExists):
		respondError(c, http.StatusBadRequest, "Email already registered")

	case errors.Is(err, model.ErrValidation):
		respondError(c, http.StatusBadRequest, validationDetail(err))

	default:
		logger.Error("request failed", "error", err)
		respondError(c, http.StatusInternalServerError, "internal server error")
	}
}

func validationDetail(err error) string {
	if errors.Is(err, model.ErrEmptyUpdate) {
		return "No update data provided"
	}
	if errors.Is(err, model.ErrRejected) {
		return "Message rejected by policy"
	}
	var fields validation.Errors
	if errors.As(err, &fields) {
		return fields.Error()
	}
	return "invalid request"
}

// parseJSON decodes the body into dest. An empty body leaves dest untouched
// when allowEmpty is set.
func parseJSON(c *gin.Context, dest any, allowEmpty bool) bool {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)

	if err := json.NewDecoder(c.Request.Body).Decode(dest); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		respondError(c, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
