package main

import (
	"bytes"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"
)

const (
	formFieldName   = "image"
	maxFileSize     = 10 << 20 // 10 MB
	maxFormOverhead = 1 << 20  // boundaries, part headers and small text fields
	multipartPrefix = "multipart/"
)

// UploadLimits bounds what DecodeUpload will accept.
type UploadLimits struct {
	MaxFileSize int64
	FieldName   string
}

func DefaultUploadLimits() UploadLimits {
	return UploadLimits{MaxFileSize: maxFileSize, FieldName: formFieldName}
}

// TooLarge is the PayloadTooLarge error naming the configured ceiling.
func (l UploadLimits) TooLarge() Error {
	return NewError(KindPayloadTooLarge, "File too large. Maximum size is "+humanize.IBytes(uint64(l.MaxFileSize)))
}

// Upload is the single image taken from a request body.
type Upload struct {
	Body         []byte
	MimeType     string
	OriginalName string
}

// DecodeUpload streams a multipart body and returns the one file sent in
// the configured field. Every failure is an Error from the taxonomy.
func DecodeUpload(w http.ResponseWriter, r *http.Request, limits UploadLimits) (*Upload, error) {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), multipartPrefix) {
		return nil, NewError(KindMalformedMultipart, "Request must be multipart/form-data")
	}

	bodyLimit := limits.MaxFileSize + maxFormOverhead
	if r.ContentLength > bodyLimit {
		return nil, limits.TooLarge()
	}
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)

	reader, err := r.MultipartReader()
	if err != nil {
		return nil, NewError(KindMalformedMultipart, "Malformed multipart body: "+err.Error())
	}

	var upload *Upload
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, multipartError(err, limits)
		}

		if part.FileName() == "" {
			// Plain text fields are drained and ignored.
			if _, err := io.Copy(io.Discard, part); err != nil {
				part.Close()
				return nil, multipartError(err, limits)
			}
			part.Close()
			continue
		}

		if upload != nil {
			part.Close()
			return nil, ErrTooManyFiles
		}
		if part.FormName() != limits.FieldName {
			part.Close()
			return nil, NewError(KindMalformedMultipart, "Unexpected file field \""+part.FormName()+"\"")
		}

		upload, err = readFilePart(part, limits)
		part.Close()
		if err != nil {
			return nil, err
		}
	}

	if upload == nil || len(upload.Body) == 0 {
		return nil, ErrMissingFile
	}
	return upload, nil
}

func readFilePart(part *multipart.Part, limits UploadLimits) (*Upload, error) {
	mimeType := NormalizeMimeType(part.Header.Get("Content-Type"))
	if !IsMimeTypeAllowed(mimeType) {
		return nil, ErrUnsupportedMedia
	}

	buf := bytes.NewBuffer(make([]byte, 0, bytes.MinRead))
	written, err := io.Copy(buf, io.LimitReader(part, limits.MaxFileSize+1))
	if err != nil {
		return nil, multipartError(err, limits)
	}
	if written > limits.MaxFileSize {
		return nil, limits.TooLarge()
	}

	return &Upload{
		Body:         buf.Bytes(),
		MimeType:     mimeType,
		OriginalName: part.FileName(),
	}, nil
}

func multipartError(err error, limits UploadLimits) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return limits.TooLarge()
	}
	return NewError(KindMalformedMultipart, "Malformed multipart body: "+err.Error())
}
