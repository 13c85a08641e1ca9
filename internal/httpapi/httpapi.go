// Package httpapi holds the JSON response and error mapping helpers shared by
// the ingress gate and the management APIs.
package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"

	errspkg "github.com/drblury/hookflow/internal/runtime/errors"
	"github.com/drblury/hookflow/internal/runtime/jsoncodec"
)

// ErrorBody is the JSON document returned for every failed request.
type ErrorBody struct {
	Message string   `json:"message"`
	Errors  []string `json:"errors,omitempty"`
}

// Status maps an error onto an HTTP status code.
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errspkg.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errspkg.ErrInvalidPayload),
		errors.Is(err, errspkg.ErrInvalidCallbackURL),
		errors.Is(err, errspkg.ErrCorrelationIDRequired):
		return http.StatusBadRequest
	case errors.Is(err, errspkg.ErrUnauthorized),
		errors.Is(err, errspkg.ErrForbiddenPath):
		return http.StatusUnauthorized
	case errors.Is(err, errspkg.ErrEditDisabled):
		return http.StatusForbidden
	case errors.Is(err, errspkg.ErrAlreadyExists),
		errors.Is(err, errspkg.ErrNotReprocessable),
		errors.Is(err, errspkg.ErrConflict),
		errors.Is(err, errspkg.ErrImmutableField),
		errors.Is(err, errspkg.ErrNotificationInProgress):
		return http.StatusConflict
	}
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	payload, err := jsoncodec.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"message":"failed to encode response"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

// WriteError writes the ErrorBody for err. Internal errors never leak their
// cause; the caller is expected to log it.
func WriteError(w http.ResponseWriter, err error) {
	status := Status(err)
	body := ErrorBody{Message: err.Error(), Errors: FieldErrors(err)}
	if status == http.StatusInternalServerError {
		body = ErrorBody{Message: http.StatusText(status)}
	}
	WriteJSON(w, status, body)
}

// WriteMessage writes an ErrorBody with a fixed message.
func WriteMessage(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, ErrorBody{Message: message})
}

// FieldErrors flattens validator errors into "Field: rule" strings.
func FieldErrors(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			out = append(out, fmt.Sprintf("%s: %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
			continue
		}
		out = append(out, fmt.Sprintf("%s: %s", fe.Namespace(), fe.Tag()))
	}
	return out
}

// DecodeJSON reads at most maxBytes from the request body into dst. Decoding
// problems are reported as ErrInvalidPayload.
func DecodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	body, err := ReadBody(w, r, maxBytes)
	if err != nil {
		return err
	}
	if err := jsoncodec.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: %v", errspkg.ErrInvalidPayload, err)
	}
	return nil
}

// ReadBody reads at most maxBytes of the request body.
func ReadBody(w http.ResponseWriter, r *http.Request, maxBytes int64) ([]byte, error) {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", errspkg.ErrInvalidPayload, err)
	}
	return body, nil
}
