package errx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapStatusKeepsClientErrors(t *testing.T) {
	err := WrapStatus(http.StatusBadRequest, "missing query")
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, StatusOf(err))
	assert.ErrorIs(t, err, ErrRunFailed)
	assert.Contains(t, err.Error(), "missing query")
}

func TestWrapStatusCollapsesServerErrors(t *testing.T) {
	err := WrapStatus(http.StatusInternalServerError, "")
	assert.Equal(t, http.StatusBadGateway, StatusOf(err))
	assert.ErrorIs(t, err, ErrRunFailed)
}

func TestWrapRedis(t *testing.T) {
	assert.NoError(t, WrapRedis(nil))

	notFound := WrapRedis(redis.Nil)
	assert.Equal(t, http.StatusNotFound, StatusOf(notFound))
	assert.True(t, errors.Is(notFound, redis.Nil))

	other := WrapRedis(errors.New("connection refused"))
	assert.Equal(t, http.StatusBadGateway, StatusOf(other))

	slow := WrapRedis(fmt.Errorf("dial: %w", context.DeadlineExceeded))
	assert.Equal(t, http.StatusGatewayTimeout, StatusOf(slow))
	assert.ErrorIs(t, slow, context.DeadlineExceeded)

	assert.Same(t, context.Canceled, WrapRedis(context.Canceled))
}

func TestStatusOfPlainError(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, StatusOf(errors.New("boom")))
}
