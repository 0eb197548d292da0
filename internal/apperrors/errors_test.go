package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, StatusCode(Validation("missing")))
	assert.Equal(t, http.StatusNotFound, StatusCode(NotFound("User not found")))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(Upstream(errors.New("store down"))))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(Internal(errors.New("boom"))))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(errors.New("plain")))
}

func TestIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("loading user: %w", NotFound("User not found"))

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrValidation))
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestUpstreamKeepsRawMessage(t *testing.T) {
	cause := errors.New("connection refused")
	err := Upstream(cause)

	assert.Equal(t, "connection refused", err.Error())
	assert.True(t, errors.Is(err, cause))
	assert.True(t, errors.Is(err, ErrUpstream))
}

func TestUpstreamDoesNotRewrapAppErrors(t *testing.T) {
	notFound := NotFound("User not found")

	assert.Same(t, notFound, Upstream(notFound))
	assert.Same(t, notFound, Internal(notFound))
	assert.Nil(t, Upstream(nil))
}
