package main

import (
	"encoding/json"
	"log"
	"net/http"
	"path"
	"strings"

	"github.com/h2non/bimg"
)

// Versions is the payload of the index route.
type Versions struct {
	ImgdropVersion string `json:"imgdrop"`
	BimgVersion    string `json:"bimg"`
	VipsVersion    string `json:"libvips"`
}

// ImageSize is the stored image's pixel size.
type ImageSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// UploadResponse is the 201 body of a successful upload.
type UploadResponse struct {
	Success        bool      `json:"success"`
	URL            string    `json:"url"`
	Filename       string    `json:"filename"`
	OriginalFormat string    `json:"originalFormat"`
	Size           ImageSize `json:"size"`
}

// indexController handles the root endpoint, returning version information
func indexController(o ServerOptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != path.Join(o.PathPrefix, "/") {
			ErrorReply(w, ErrNotFound)
			return
		}
		writeJSON(w, http.StatusOK, Versions{Version, bimg.Version, bimg.VipsVersion})
	}
}

// healthController returns server health statistics
func healthController(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, GetHealthStats())
}

// uploadController runs decode, transcode and persist for one request.
// Authentication has already happened in the middleware chain.
func uploadController(o ServerOptions, storage *Storage, transcoder *Transcoder) http.HandlerFunc {
	limits := UploadLimits{MaxFileSize: o.MaxAllowedSize, FieldName: formFieldName}

	return func(w http.ResponseWriter, r *http.Request) {
		requestID := RequestID(r.Context())

		upload, err := DecodeUpload(w, r, limits)
		if err != nil {
			uploadFailed(w, requestID, "decode", err)
			return
		}

		image, err := transcoder.Transcode(r.Context(), upload.Body)
		if err != nil {
			uploadFailed(w, requestID, "transcode", err)
			return
		}

		filename, err := storage.NewName()
		if err != nil {
			uploadFailed(w, requestID, "name", err)
			return
		}
		if err := storage.Write(filename, image.Body); err != nil {
			uploadFailed(w, requestID, "persist", err)
			return
		}

		meta := image.Metadata
		log.Printf("upload stored: request=%s original=%q mime=%s in=%d out=%d format=%s size=%dx%d frames=%d file=%s",
			requestID, upload.OriginalName, upload.MimeType, len(upload.Body), len(image.Body),
			meta.Format, meta.Width, meta.Height, meta.Frames, filename)

		writeJSON(w, http.StatusCreated, UploadResponse{
			Success:        true,
			URL:            o.PublicURL(filename),
			Filename:       filename,
			OriginalFormat: meta.Format,
			Size:           ImageSize{Width: meta.Width, Height: meta.Height},
		})
	}
}

func uploadFailed(w http.ResponseWriter, requestID, stage string, err error) {
	xerr := AsError(err)
	if xerr.HTTPCode() >= http.StatusInternalServerError {
		log.Printf("upload failed: request=%s stage=%s kind=%s: %v", requestID, stage, xerr.Kind, err)
	}
	ErrorReply(w, xerr)
}

// imagesController serves stored artifacts by generated name.
func imagesController(o ServerOptions, storage *Storage) http.HandlerFunc {
	prefix := strings.TrimSuffix(path.Join(o.PathPrefix, imagesRoute), "/") + "/"

	return func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, prefix)
		f, info, err := storage.Open(name)
		if err != nil {
			xerr := AsError(err)
			if xerr.Kind != KindNotFound {
				log.Printf("serve image %q: %v", name, err)
			}
			w.Header().Del("Cache-Control")
			w.Header().Del("Expires")
			ErrorReply(w, xerr)
			return
		}
		defer f.Close()

		w.Header().Set("Content-Type", "image/webp")
		http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
