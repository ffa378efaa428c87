package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorStatusMapping(t *testing.T) {
	tests := map[ErrorKind]int{
		KindMissingOrMalformedAuth:  401,
		KindInvalidCredential:       403,
		KindMissingFile:             400,
		KindUnsupportedMediaType:    400,
		KindMalformedMultipart:      400,
		KindInvalidImage:            400,
		KindPayloadTooLarge:         413,
		KindStorageExhausted:        507,
		KindInternalProcessingError: 500,
	}

	for kind, status := range tests {
		assert.Equal(t, status, NewError(kind, "x").HTTPCode(), string(kind))
	}
	assert.Equal(t, http.StatusInternalServerError, Error{}.HTTPCode())
}

func TestAsError(t *testing.T) {
	wrapped := fmt.Errorf("%w: disk said no", ErrStorageExhausted)
	assert.Equal(t, ErrStorageExhausted, AsError(wrapped))
	assert.ErrorIs(t, wrapped, ErrStorageExhausted)

	assert.Equal(t, ErrInternal, AsError(errors.New("mystery")))
}

func TestErrorReply(t *testing.T) {
	rec := httptest.NewRecorder()
	tooLarge := DefaultUploadLimits().TooLarge()
	ErrorReply(rec, tooLarge)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
		Kind    string `json:"kind"`
		Status  int    `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.Equal(t, "File too large. Maximum size is 10 MiB", body.Error)
	assert.Equal(t, string(KindPayloadTooLarge), body.Kind)
	assert.Equal(t, 413, body.Status)
}
