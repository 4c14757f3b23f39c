package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestMetadataForKnownCodes(t *testing.T) {
	tests := []struct {
		code   Code
		status int
	}{
		{CodeValidation, http.StatusBadRequest},
		{CodeSignatureInvalid, http.StatusBadRequest},
		{CodeUnauthorized, http.StatusUnauthorized},
		{CodeNotFound, http.StatusNotFound},
		{CodeStateConflict, http.StatusConflict},
		{CodeOutOfStock, http.StatusConflict},
		{CodeSnapshotFailed, http.StatusInternalServerError},
		{CodeCommitFailed, http.StatusInternalServerError},
		{CodeDependency, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		if got := MetadataFor(tt.code).HTTPStatus; got != tt.status {
			t.Fatalf("code %s expected status %d got %d", tt.code, tt.status, got)
		}
	}
	if MetadataFor(CodeCommitFailed).Retryable {
		t.Fatalf("post-capture failures must not be advertised as retryable")
	}
}

func TestMetadataForUnknownCodeDefaultsToInternal(t *testing.T) {
	if meta := MetadataFor("SOMETHING_UNKNOWN"); meta.HTTPStatus != http.StatusInternalServerError {
		t.Fatalf("expected internal status, got %d", meta.HTTPStatus)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stdErrors.New("boom")
	wrapped := Wrap(CodeCommitFailed, cause, "commit")
	if !stdErrors.Is(wrapped, cause) {
		t.Fatalf("Wrap did not preserve cause")
	}
	outer := fmt.Errorf("verify: %w", wrapped)
	if CodeOf(outer) != CodeCommitFailed || !Is(outer, CodeCommitFailed) {
		t.Fatalf("code lost through fmt wrapping")
	}
	if CodeOf(cause) != CodeInternal {
		t.Fatalf("untyped errors map to internal")
	}
}

func TestDumpIncludesPostgresFields(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "23514", ConstraintName: "variants_stock_nonneg", TableName: "variants"}
	d := Dump(Wrap(CodeCommitFailed, pgErr, "deduct"))
	if d.PGCode != "23514" || d.PGConstraint != "variants_stock_nonneg" {
		t.Fatalf("unexpected dump %+v", d)
	}
	if d.Code != CodeCommitFailed || len(d.Chain) < 2 {
		t.Fatalf("unexpected dump %+v", d)
	}
	if Dump(nil).TopMessage != "" {
		t.Fatalf("nil dump should be empty")
	}
}
