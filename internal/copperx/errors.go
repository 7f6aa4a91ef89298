package copperx

import (
	"errors"
	"fmt"
	"net/http"
)

// HTTPError es una respuesta no exitosa de la plataforma. El cliente no
// interpreta el significado de negocio mas alla del status; el mapeo a
// texto de usuario es responsabilidad del motor de conversacion.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("copperx http error: status=%d message=%q", e.Status, e.Message)
}

// RateLimited reporta si la plataforma respondio 429.
func (e *HTTPError) RateLimited() bool {
	return e.Status == http.StatusTooManyRequests
}

// NotFound reporta si la plataforma respondio 404.
func (e *HTTPError) NotFound() bool {
	return e.Status == http.StatusNotFound
}

// NetworkError es un fallo de transporte, incluidos timeouts.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("copperx network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// DecodeError es una respuesta con forma inesperada.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("copperx decode error: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// AsHTTPError extrae un HTTPError si el error lo contiene.
func AsHTTPError(err error) (*HTTPError, bool) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr, true
	}
	return nil, false
}
