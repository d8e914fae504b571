package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodeOfUnwrapsChain(t *testing.T) {
	base := New(CodeAlreadyExists, "delivery already processed")
	wrapped := fmt.Errorf("ingest: %w", base)

	require.Equal(t, CodeAlreadyExists, CodeOf(wrapped))
	require.True(t, IsCode(wrapped, CodeAlreadyExists))
	require.False(t, IsCode(wrapped, CodeInternal))
	require.Equal(t, CodeUnknown, CodeOf(errors.New("plain")))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(cause, CodeUnavailable, "publish failed").WithMeta("bus", "asynq")

	require.ErrorIs(t, err, cause)
	require.Equal(t, "unavailable: publish failed: connection reset", err.Error())
	require.Equal(t, "asynq", err.Meta["bus"])
}

func TestHTTPStatus(t *testing.T) {
	require.Equal(t, http.StatusBadRequest, HTTPStatus(CodeInvalid))
	require.Equal(t, http.StatusUnauthorized, HTTPStatus(CodeUnauthorized))
	require.Equal(t, http.StatusInternalServerError, HTTPStatus(CodeInternal))
	require.Equal(t, http.StatusInternalServerError, HTTPStatus(CodeUnknown))
}
