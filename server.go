package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	minSecretLength = 32
	imagesRoute     = "/images/"
	oneYear         = 365 * 24 * 60 * 60
)

// ServerOptions is the process configuration. It is built once at startup
// and passed by value; nothing reads the environment after that.
type ServerOptions struct {
	Port             int
	Burst            int
	Concurrency      int
	Workers          int
	HTTPCacheTTL     int
	HTTPReadTimeout  int
	HTTPWriteTimeout int
	MaxAllowedSize   int64
	MaxAllowedPixels float64
	CORS             bool
	Address          string
	PathPrefix       string
	Secret           string
	StorageDir       string
	BaseURL          string
	CertFile         string
	KeyFile          string
	LogLevel         string
	AllowedOrigins   []string
}

// Validate rejects configurations the service must not start with.
func (o ServerOptions) Validate() error {
	if len(o.Secret) < minSecretLength {
		return fmt.Errorf("upload secret must be at least %d characters", minSecretLength)
	}
	if o.Port <= 0 || o.Port > 65535 {
		return fmt.Errorf("invalid port: %d", o.Port)
	}
	if o.StorageDir == "" {
		return errors.New("storage directory must be set")
	}
	if o.MaxAllowedSize <= 0 {
		return fmt.Errorf("invalid max allowed size: %d", o.MaxAllowedSize)
	}
	u, err := url.Parse(o.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid base URL: %q", o.BaseURL)
	}
	if (o.CertFile == "") != (o.KeyFile == "") {
		return errors.New("both cert and key files are required for TLS")
	}
	return nil
}

// PublicURL is the externally visible address of a stored image.
func (o ServerOptions) PublicURL(filename string) string {
	return strings.TrimSuffix(o.BaseURL, "/") + imagesRoute + filename
}

// NewServerMux creates and configures the HTTP request multiplexer
func NewServerMux(o ServerOptions, storage *Storage, transcoder *Transcoder) http.Handler {
	mux := http.NewServeMux()

	mux.Handle(path.Join(o.PathPrefix, "/"), Middleware(indexController(o), o))
	mux.Handle(path.Join(o.PathPrefix, "/health"), Middleware(healthController, o))
	mux.Handle(path.Join(o.PathPrefix, "/upload"), UploadMiddleware(uploadController(o, storage, transcoder), o))
	mux.Handle(path.Join(o.PathPrefix, imagesRoute)+"/", ImagesMiddleware(imagesController(o, storage), o))

	return mux
}

// Server initializes and runs the HTTP server until SIGINT/SIGTERM.
func Server(o ServerOptions, storage *Storage, transcoder *Transcoder) {
	addr := o.Address + ":" + strconv.Itoa(o.Port)

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
			tls.CurveP384,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		},
		NextProtos: []string{"h2", "http/1.1"},
	}

	server := &http.Server{
		Addr:           addr,
		Handler:        NewLog(NewServerMux(o, storage, transcoder), os.Stdout, o.LogLevel),
		MaxHeaderBytes: 1 << 20,
		ReadTimeout:    time.Duration(o.HTTPReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(o.HTTPWriteTimeout) * time.Second,
		IdleTimeout:    120 * time.Second,
		TLSConfig:      tlsConfig,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := listenAndServe(server, o); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-shutdown
	log.Print("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("server shutdown failed: %v", err)
	}
}

// listenAndServe starts the server with or without TLS
func listenAndServe(s *http.Server, o ServerOptions) error {
	if o.CertFile != "" && o.KeyFile != "" {
		return s.ListenAndServeTLS(o.CertFile, o.KeyFile)
	}
	return s.ListenAndServe()
}
