package main

import (
	"crypto/subtle"
	"strings"
)

const bearerPrefix = "Bearer "

// AuthVerdict is the outcome of checking an Authorization header.
type AuthVerdict int

const (
	Authenticated AuthVerdict = iota
	MissingOrMalformed
	Invalid
)

func (v AuthVerdict) String() string {
	switch v {
	case Authenticated:
		return "authenticated"
	case MissingOrMalformed:
		return "missing-or-malformed"
	default:
		return "invalid"
	}
}

// VerifyBearer checks a raw Authorization header against secret.
// Tokens of a different length are rejected without the constant-time path.
func VerifyBearer(header, secret string) AuthVerdict {
	if !strings.HasPrefix(header, bearerPrefix) {
		return MissingOrMalformed
	}

	token := header[len(bearerPrefix):]
	if len(token) != len(secret) {
		return Invalid
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
		return Invalid
	}
	return Authenticated
}

// authError maps a failed verdict onto the error taxonomy.
func authError(v AuthVerdict) Error {
	if v == MissingOrMalformed {
		return ErrMissingAuth
	}
	return ErrInvalidCredential
}
