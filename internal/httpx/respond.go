package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/ariefcatur/go-fulfillment-engine.git/internal/errors"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/logger"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err with its code's status. Internal messages are only
// exposed for codes whose wording is meant for the caller.
func writeError(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	typed := apperrors.As(err)
	if typed == nil {
		typed = apperrors.Wrap(apperrors.CodeInternal, err, "unexpected error")
	}
	meta := apperrors.MetadataFor(typed.Code())

	msg := meta.PublicMessage
	switch typed.Code() {
	case apperrors.CodeValidation,
		apperrors.CodeUnauthorized,
		apperrors.CodeForbidden,
		apperrors.CodeNotFound,
		apperrors.CodeConflict,
		apperrors.CodeStateConflict:
		if m := typed.Message(); m != "" {
			msg = m
		}
	}
	body := errorEnvelope{Error: apiError{Code: string(typed.Code()), Message: msg}}
	if meta.DetailsAllowed {
		body.Error.Details = typed.Details()
	}

	if logg != nil {
		lctx := logg.WithFields(ctx, apperrors.Dump(err).Fields())
		if meta.HTTPStatus >= http.StatusInternalServerError {
			logg.Error(lctx, "request.error", err)
		} else {
			logg.Info(lctx, "request.rejected")
		}
	}
	writeJSON(w, meta.HTTPStatus, body)
}
