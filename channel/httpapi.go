package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
)

// maxBodyBytes bounds webhook bodies.
const maxBodyBytes = 64 << 10

// ValidationError describes a single rejected request field.
type ValidationError struct {
	Field  string `json:"field"`
	Detail string `json:"detail"`
}

// ValidationResponse is returned when a request body fails validation.
type ValidationResponse struct {
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

func write(ctx context.Context, logger slog.Logger, rw http.ResponseWriter, status int, response any) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(response); err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	if _, err := rw.Write(buf.Bytes()); err != nil {
		logger.Debug(ctx, "write response", slog.Error(err))
	}
}

// read decodes and validates a JSON body, writing a 400 on failure.
func (s *Server) read(rw http.ResponseWriter, r *http.Request, value any) bool {
	ctx := r.Context()
	dec := json.NewDecoder(http.MaxBytesReader(rw, r.Body, maxBodyBytes))
	if err := dec.Decode(value); err != nil {
		write(ctx, s.logger, rw, http.StatusBadRequest, Response{
			Message: "Request body must be a JSON message.",
			Detail:  err.Error(),
		})
		return false
	}
	err := s.validate.Struct(value)
	var verrs validator.ValidationErrors
	if xerrors.As(err, &verrs) {
		resp := ValidationResponse{Message: "Validation failed."}
		for _, fe := range verrs {
			resp.Errors = append(resp.Errors, ValidationError{
				Field:  fe.Field(),
				Detail: fmt.Sprintf("validation failed for tag %q", fe.Tag()),
			})
		}
		write(ctx, s.logger, rw, http.StatusBadRequest, resp)
		return false
	}
	if err != nil {
		write(ctx, s.logger, rw, http.StatusInternalServerError, Response{
			Message: "Internal error validating request body.",
			Detail:  err.Error(),
		})
		return false
	}
	return true
}
