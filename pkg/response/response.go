package response

import (
	"errors"
	"net/http"

	"donation-service/internal/domain"

	"github.com/go-chi/render"
)

type APIResponse struct {
	Success   bool              `json:"success"`
	Message   string            `json:"message,omitempty"`
	ErrorKind domain.ErrorKind  `json:"error_kind,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Data      interface{}       `json:"data,omitempty"`
}

func JSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	render.Status(r, status)
	render.JSON(w, r, APIResponse{Success: true, Data: data})
}

func Message(w http.ResponseWriter, r *http.Request, status int, msg string, data interface{}) {
	render.Status(r, status)
	render.JSON(w, r, APIResponse{Success: true, Message: msg, Data: data})
}

// Error writes a plain error with no domain kind.
func Error(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, APIResponse{Success: false, Message: msg})
}

// DomainError maps err to its HTTP status and kind. Internal failures are
// reported without their cause.
func DomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := domain.HTTPStatus(err)
	resp := APIResponse{Success: false, ErrorKind: domain.KindOf(err)}

	var de *domain.Error
	switch {
	case status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable:
		resp.Message = "internal server error"
	case errors.As(err, &de):
		resp.Message = de.Message
		resp.Fields = de.Fields
	default:
		resp.Message = err.Error()
	}

	render.Status(r, status)
	render.JSON(w, r, resp)
}

// DomainErrorWithData attaches the current record to an error response, used when a
// request both changed state and failed (a declined wallet execute).
func DomainErrorWithData(w http.ResponseWriter, r *http.Request, err error, data interface{}) {
	status := domain.HTTPStatus(err)
	resp := APIResponse{Success: false, ErrorKind: domain.KindOf(err), Message: err.Error(), Data: data}
	var de *domain.Error
	if errors.As(err, &de) {
		resp.Message = de.Message
	}
	render.Status(r, status)
	render.JSON(w, r, resp)
}
