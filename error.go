package main

import (
	"encoding/json"
	"errors"
	"net/http"
)

// ErrorKind names one entry of the upload failure taxonomy.
type ErrorKind string

const (
	KindMissingOrMalformedAuth  ErrorKind = "MissingOrMalformedAuth"
	KindInvalidCredential       ErrorKind = "InvalidCredential"
	KindMissingFile             ErrorKind = "MissingFile"
	KindUnsupportedMediaType    ErrorKind = "UnsupportedMediaType"
	KindMalformedMultipart      ErrorKind = "MalformedMultipart"
	KindInvalidImage            ErrorKind = "InvalidImage"
	KindPayloadTooLarge         ErrorKind = "PayloadTooLarge"
	KindStorageExhausted        ErrorKind = "StorageExhausted"
	KindInternalProcessingError ErrorKind = "InternalProcessingError"

	KindNotFound         ErrorKind = "NotFound"
	KindMethodNotAllowed ErrorKind = "MethodNotAllowed"
)

var kindStatus = map[ErrorKind]int{
	KindMissingOrMalformedAuth:  http.StatusUnauthorized,
	KindInvalidCredential:       http.StatusForbidden,
	KindMissingFile:             http.StatusBadRequest,
	KindUnsupportedMediaType:    http.StatusBadRequest,
	KindMalformedMultipart:      http.StatusBadRequest,
	KindInvalidImage:            http.StatusBadRequest,
	KindPayloadTooLarge:         http.StatusRequestEntityTooLarge,
	KindStorageExhausted:        http.StatusInsufficientStorage,
	KindInternalProcessingError: http.StatusInternalServerError,
	KindNotFound:                http.StatusNotFound,
	KindMethodNotAllowed:        http.StatusMethodNotAllowed,
}

var (
	ErrMissingAuth        = NewError(KindMissingOrMalformedAuth, "Missing or malformed Authorization header")
	ErrInvalidCredential  = NewError(KindInvalidCredential, "Invalid credential")
	ErrMissingFile        = NewError(KindMissingFile, "No image file provided in field \""+formFieldName+"\"")
	ErrUnsupportedMedia   = NewError(KindUnsupportedMediaType, "Unsupported media type. Allowed: image/jpeg, image/png, image/webp, image/gif")
	ErrTooManyFiles       = NewError(KindMalformedMultipart, "Only one file may be uploaded per request")
	ErrResolutionTooBig   = NewError(KindInvalidImage, "Image resolution is too big")
	ErrStorageExhausted   = NewError(KindStorageExhausted, "Insufficient storage")
	ErrInternal           = NewError(KindInternalProcessingError, "Internal server error")
	ErrNotFound           = NewError(KindNotFound, "Not found")
	ErrMethodNotAllowed   = NewError(KindMethodNotAllowed, "HTTP method not allowed")
	ErrInvalidStoragePath = NewError(KindInternalProcessingError, "Resolved path escapes the storage root")
)

// Error is the failure value carried through the upload pipeline and
// rendered as the JSON error body.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"error"`
	Code    int       `json:"status"`
}

func (e Error) JSON() []byte {
	buf, _ := json.Marshal(struct {
		Success bool `json:"success"`
		Error
	}{false, e})
	return buf
}

func (e Error) Error() string {
	return e.Message
}

func (e Error) HTTPCode() int {
	if e.Code == 0 {
		return http.StatusInternalServerError
	}
	return e.Code
}

// Is matches on kind and message so sentinel comparisons survive wrapping.
func (e Error) Is(target error) bool {
	t, ok := target.(Error)
	return ok && t.Kind == e.Kind && t.Message == e.Message
}

func NewError(kind ErrorKind, message string) Error {
	return Error{Kind: kind, Message: message, Code: kindStatus[kind]}
}

// AsError narrows any error to the taxonomy, defaulting to an internal error.
func AsError(err error) Error {
	var xerr Error
	if errors.As(err, &xerr) {
		return xerr
	}
	return ErrInternal
}

func ErrorReply(w http.ResponseWriter, err Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPCode())
	_, _ = w.Write(err.JSON())
}
