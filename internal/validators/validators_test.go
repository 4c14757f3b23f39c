package validators

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	apperrors "github.com/ariefcatur/go-fulfillment-engine.git/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type line struct {
	VariantID string `json:"variant_id" validate:"required"`
	Qty       int    `json:"qty" validate:"gt=0"`
}

type body struct {
	OrderID string `json:"order_id" validate:"required"`
	Items   []line `json:"items" validate:"required,min=1,dive"`
}

func TestStructReportsNestedFields(t *testing.T) {
	err := Struct(body{OrderID: "o", Items: []line{{VariantID: "v", Qty: 0}}})
	require.Error(t, err)
	typed := apperrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, apperrors.CodeValidation, typed.Code())
	details := typed.Details().(map[string]string)
	assert.Equal(t, "must be greater than 0", details["items[0].qty"])
}

func TestStructRequiresItems(t *testing.T) {
	err := Struct(body{OrderID: "o"})
	require.Error(t, err)
	details := apperrors.As(err).Details().(map[string]string)
	assert.Equal(t, "is required", details["items"])
}

func TestDecodeJSONBodyRejectsUnknownFields(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"order_id":"o","items":[{"variant_id":"v","qty":1}],"extra":1}`))
	var dst body
	err := DecodeJSONBody(httptest.NewRecorder(), r, &dst)
	assert.True(t, apperrors.Is(err, apperrors.CodeValidation))
}

func TestDecodeJSONBodyOK(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"order_id":"o","items":[{"variant_id":"v","qty":2}]}`))
	var dst body
	require.NoError(t, DecodeJSONBody(httptest.NewRecorder(), r, &dst))
	assert.Equal(t, 2, dst.Items[0].Qty)
}
