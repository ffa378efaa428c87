package main

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestVerifyBearer(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   AuthVerdict
	}{
		{"valid token", "Bearer " + testSecret, Authenticated},
		{"missing header", "", MissingOrMalformed},
		{"basic scheme", "Basic " + testSecret, MissingOrMalformed},
		{"lowercase scheme", "bearer " + testSecret, MissingOrMalformed},
		{"scheme without space", "Bearer" + testSecret, MissingOrMalformed},
		{"empty token", "Bearer ", Invalid},
		{"shorter token", "Bearer " + testSecret[:31], Invalid},
		{"longer token", "Bearer " + testSecret + "0", Invalid},
		{"same length mismatch", "Bearer " + strings.Repeat("x", len(testSecret)), Invalid},
		{"trailing space kept in token", "Bearer " + testSecret + " ", Invalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VerifyBearer(tt.header, testSecret))
		})
	}
}

func TestAuthError(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, authError(MissingOrMalformed).HTTPCode())
	assert.Equal(t, http.StatusForbidden, authError(Invalid).HTTPCode())
	assert.Equal(t, KindInvalidCredential, authError(Invalid).Kind)
}

func TestAuthVerdictString(t *testing.T) {
	assert.Equal(t, "authenticated", Authenticated.String())
	assert.Equal(t, "missing-or-malformed", MissingOrMalformed.String())
	assert.Equal(t, "invalid", Invalid.String())
}
