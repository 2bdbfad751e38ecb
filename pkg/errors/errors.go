package errors

import (
	"net/http"

	"github.com/tsel-ticketmaster/tm-gate/pkg/status"
)

// AppError is the error shape every layer of the service speaks. Repositories
// and use cases wrap low-level failures into one of these so the HTTP layer can
// render them without inspecting causes.
type AppError struct {
	HTTPStatusCode int
	Status         string
	Message        string
}

func (e *AppError) Error() string {
	return e.Message
}

func New(httpStatusCode int, status string, message string) error {
	return &AppError{
		HTTPStatusCode: httpStatusCode,
		Status:         status,
		Message:        message,
	}
}

// Destruct unwraps err into an AppError, defaulting to an internal server
// error for anything that escaped without being wrapped.
func Destruct(err error) *AppError {
	if ae, ok := err.(*AppError); ok {
		return ae
	}

	return &AppError{
		HTTPStatusCode: http.StatusInternalServerError,
		Status:         status.INTERNAL_SERVER_ERROR,
		Message:        err.Error(),
	}
}
