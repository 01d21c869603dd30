package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesCodeThroughFmtWrapping(t *testing.T) {
	cause := stdErrors.New("disk full")
	wrapped := fmt.Errorf("persist: %w", Wrap(CodeStorageFailure, cause, "写入失败", WithMetadata("agent_id", "a-1")))

	require.Equal(t, CodeStorageFailure, CodeOf(wrapped))
	assert.True(t, stdErrors.Is(wrapped, New(CodeStorageFailure, "")))
	assert.True(t, stdErrors.Is(wrapped, cause))
	assert.True(t, RetryableError(wrapped))
	assert.True(t, ShouldAlert(wrapped))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatusOf(wrapped))

	e, ok := From(wrapped)
	require.True(t, ok)
	assert.Equal(t, map[string]string{"agent_id": "a-1"}, e.Metadata())
}

func TestValidationCollectsFields(t *testing.T) {
	err := Validation(map[string]string{
		"max_budget":        "must be greater than 0",
		"allowed_merchants": "must not be empty",
	})

	assert.Equal(t, CodeValidation, err.Code())
	assert.Equal(t, http.StatusBadRequest, err.HTTPStatus())
	assert.Len(t, err.Fields(), 2)
	assert.False(t, err.ShouldAlert())
}

func TestRegisterDefaultsHTTPStatus(t *testing.T) {
	const code Code = "TEST_REGISTERED"
	Register(code, Attributes{Message: "registered", Severity: SeverityWarning})

	attr := AttributesOf(code)
	assert.Equal(t, "registered", attr.Message)
	assert.Equal(t, http.StatusInternalServerError, attr.HTTPStatus)
}

func TestUnclassifiedErrors(t *testing.T) {
	plain := stdErrors.New("boom")
	assert.Equal(t, CodeUnknown, CodeOf(plain))
	assert.True(t, ShouldAlert(plain))
	assert.False(t, ShouldAlert(nil))
	assert.Equal(t, SeverityCritical, SeverityOf(plain))
}
