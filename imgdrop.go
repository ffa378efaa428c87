package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/h2non/bimg"
	"github.com/joho/godotenv"
)

var (
	aAddr             = flag.String("a", "", "Bind address (env ADDRESS)")
	aPort             = flag.Int("p", 0, "Port to listen on (env PORT)")
	aDir              = flag.String("dir", "", "Directory uploads are stored in (env UPLOAD_DIR)")
	aBaseURL          = flag.String("base-url", "", "Public base URL used in returned links (env BASE_URL)")
	aPathPrefix       = flag.String("path-prefix", "", "URL path prefix for all routes (env PATH_PREFIX, default /)")
	aCors             = flag.Bool("cors", false, "Enable CORS support (env CORS)")
	aAllowedOrigins   = flag.String("allowed-origins", "", "Comma separated CORS origins (env ALLOWED_ORIGINS)")
	aConcurrency      = flag.Int("concurrency", 0, "Upload requests per second per client, 0 disables (env CONCURRENCY)")
	aBurst            = flag.Int("burst", 0, "Throttle burst max cache size (env BURST, default 20)")
	aWorkers          = flag.Int("workers", 0, "Concurrent transcodes, defaults to CPU count (env WORKERS)")
	aMaxAllowedPixels = flag.Float64("max-allowed-resolution", 0, "Max allowed input resolution in megapixels (env MAX_ALLOWED_RESOLUTION, default 268)")
	aMaxAllowedSize   = flag.Int64("max-allowed-size", 0, "Max upload size in bytes (env MAX_ALLOWED_SIZE, default 10 MiB)")
	aHTTPCacheTTL     = flag.Int("http-cache-ttl", -1, "Cache-Control max-age for stored images in seconds (env HTTP_CACHE_TTL, default one year)")
	aReadTimeout      = flag.Int("http-read-timeout", 0, "HTTP read timeout in seconds (env HTTP_READ_TIMEOUT, default 300)")
	aWriteTimeout     = flag.Int("http-write-timeout", 0, "HTTP write timeout in seconds (env HTTP_WRITE_TIMEOUT, default 300)")
	aCertFile         = flag.String("certfile", "", "TLS certificate file path (env CERT_FILE)")
	aKeyFile          = flag.String("keyfile", "", "TLS private key file path (env KEY_FILE)")
	aLogLevel         = flag.String("log-level", "", "Access log level: error, warning or info (env LOG_LEVEL, default info)")
	aVersion          = flag.Bool("v", false, "Show version")
)

const (
	defaultBurst       = 20
	defaultHTTPTimeout = 300

	// Decompression-bomb ceiling (16383 x 16383), not a photo size limit.
	defaultMaxAllowedPixels = 268.0
)

const usage = `imgdrop %s

Usage:
  imgdrop [flags]

Environment:
  UPLOAD_SECRET   Bearer secret, at least 32 characters (required)
  PORT            Listen port (default 3000)
  UPLOAD_DIR      Storage directory (default ./uploads)
  BASE_URL        Public base URL (default http://localhost:<port>)

Every other flag also reads the environment variable named in its help.

Flags:
`

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, usage, Version)
		flag.PrintDefaults()
	}

	if err := godotenv.Load(); err == nil {
		log.Print("loaded configuration from .env")
	}
	flag.Parse()

	if *aVersion {
		fmt.Printf("imgdrop %s (bimg %s, libvips %s)\n", Version, bimg.Version, bimg.VipsVersion)
		os.Exit(0)
	}

	opts := LoadOptions(os.Getenv)
	if err := opts.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	storage, err := NewStorage(opts.StorageDir)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	transcoder := NewTranscoder(opts.Workers, opts.MaxAllowedPixels)

	log.Printf("imgdrop %s listening on %s:%d, storing in %s, public URL %s, %d transcode workers",
		Version, opts.Address, opts.Port, storage.Root, opts.BaseURL, workerCount(opts.Workers))

	Server(opts, storage, transcoder)
}

// LoadOptions merges parsed flags with environment values. Flags win when set.
func LoadOptions(getenv func(string) string) ServerOptions {
	port := *aPort
	if port == 0 {
		port = envInt(getenv, "PORT", 3000)
	}

	baseURL := firstNonEmpty(*aBaseURL, getenv("BASE_URL"))
	if baseURL == "" {
		baseURL = "http://localhost:" + strconv.Itoa(port)
	}

	origins := firstNonEmpty(*aAllowedOrigins, getenv("ALLOWED_ORIGINS"))

	return ServerOptions{
		Port:             port,
		Address:          firstNonEmpty(*aAddr, getenv("ADDRESS")),
		PathPrefix:       firstNonEmpty(*aPathPrefix, getenv("PATH_PREFIX"), "/"),
		Secret:           getenv("UPLOAD_SECRET"),
		StorageDir:       firstNonEmpty(*aDir, getenv("UPLOAD_DIR"), "./uploads"),
		BaseURL:          strings.TrimSuffix(baseURL, "/"),
		CORS:             *aCors || getenv("CORS") == "true",
		AllowedOrigins:   parseOrigins(origins),
		Concurrency:      intFlagOrEnv(*aConcurrency, getenv, "CONCURRENCY", 0),
		Burst:            intFlagOrEnv(*aBurst, getenv, "BURST", defaultBurst),
		Workers:          intFlagOrEnv(*aWorkers, getenv, "WORKERS", 0),
		MaxAllowedPixels: floatFlagOrEnv(*aMaxAllowedPixels, getenv, "MAX_ALLOWED_RESOLUTION", defaultMaxAllowedPixels),
		MaxAllowedSize:   int64FlagOrEnv(*aMaxAllowedSize, getenv, "MAX_ALLOWED_SIZE", maxFileSize),
		HTTPCacheTTL:     cacheTTL(*aHTTPCacheTTL, getenv),
		HTTPReadTimeout:  intFlagOrEnv(*aReadTimeout, getenv, "HTTP_READ_TIMEOUT", defaultHTTPTimeout),
		HTTPWriteTimeout: intFlagOrEnv(*aWriteTimeout, getenv, "HTTP_WRITE_TIMEOUT", defaultHTTPTimeout),
		CertFile:         firstNonEmpty(*aCertFile, getenv("CERT_FILE")),
		KeyFile:          firstNonEmpty(*aKeyFile, getenv("KEY_FILE")),
		LogLevel:         firstNonEmpty(*aLogLevel, getenv("LOG_LEVEL"), "info"),
	}
}

func parseOrigins(origins string) []string {
	var out []string
	for _, origin := range strings.Split(origins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			out = append(out, origin)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func intFlagOrEnv(flagValue int, getenv func(string) string, key string, fallback int) int {
	if flagValue != 0 {
		return flagValue
	}
	return envInt(getenv, key, fallback)
}

func int64FlagOrEnv(flagValue int64, getenv func(string) string, key string, fallback int64) int64 {
	if flagValue != 0 {
		return flagValue
	}
	if v, err := strconv.ParseInt(getenv(key), 10, 64); err == nil {
		return v
	}
	return fallback
}

// cacheTTL treats a negative flag as unset, since 0 disables caching.
func cacheTTL(flagValue int, getenv func(string) string) int {
	if flagValue >= 0 {
		return flagValue
	}
	return envInt(getenv, "HTTP_CACHE_TTL", oneYear)
}

func floatFlagOrEnv(flagValue float64, getenv func(string) string, key string, fallback float64) float64 {
	if flagValue != 0 {
		return flagValue
	}
	if v, err := strconv.ParseFloat(getenv(key), 64); err == nil {
		return v
	}
	return fallback
}

func envInt(getenv func(string) string, key string, fallback int) int {
	if v, err := strconv.Atoi(getenv(key)); err == nil {
		return v
	}
	return fallback
}

func workerCount(workers int) int {
	if workers <= 0 {
		return runtime.NumCPU()
	}
	return workers
}
