package main

import (
	"fmt"
	"log"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/h2non/bimg"
	"github.com/rs/cors"
	"github.com/throttled/throttled/v2"
	"github.com/throttled/throttled/v2/store/memstore"
)

// Middleware wraps a controller with the shared chain. The recover
// boundary is outermost so a fault in any layer yields a JSON 500.
func Middleware(fn http.HandlerFunc, o ServerOptions) http.Handler {
	next := http.Handler(fn)

	if o.CORS {
		next = corsHandler(next, o)
	}

	return recoverer(validateRequest(addDefaultHeaders(next)))
}

// UploadMiddleware adds Bearer auth and optional throttling in front of
// the upload controller. Auth runs first so rejected callers never reach
// the rate limiter.
func UploadMiddleware(fn http.HandlerFunc, o ServerOptions) http.Handler {
	next := http.Handler(fn)

	if o.Concurrency > 0 {
		next = throttleRequests(next, o)
	}
	next = authorize(next, o)
	next = allowMethods(next, http.MethodPost)

	return Middleware(next.ServeHTTP, o)
}

// ImagesMiddleware serves stored artifacts with long-lived cache headers.
func ImagesMiddleware(fn http.HandlerFunc, o ServerOptions) http.Handler {
	next := addCacheHeaders(http.Handler(fn), o.HTTPCacheTTL)
	next = allowMethods(next, http.MethodGet, http.MethodHead)
	return Middleware(next.ServeHTTP, o)
}

func throttleRequests(next http.Handler, o ServerOptions) http.Handler {
	store, err := memstore.New(65536)
	if err != nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ErrorReply(w, ErrInternal)
		})
	}

	quota := throttled.RateQuota{MaxRate: throttled.PerSec(o.Concurrency), MaxBurst: o.Burst}
	rateLimiter, err := throttled.NewGCRARateLimiter(store, quota)
	if err != nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ErrorReply(w, ErrInternal)
		})
	}

	return (&throttled.HTTPRateLimiter{
		RateLimiter: rateLimiter,
		VaryBy:      &throttled.VaryBy{RemoteAddr: true},
	}).RateLimit(next)
}

// authorize gates a handler on the Bearer credential. The header value is
// never logged.
func authorize(next http.Handler, o ServerOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		verdict := VerifyBearer(r.Header.Get("Authorization"), o.Secret)
		if verdict != Authenticated {
			log.Printf("upload rejected: auth %s from %s (request %s)", verdict, r.RemoteAddr, RequestID(r.Context()))
			ErrorReply(w, authError(verdict))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsHandler(next http.Handler, o ServerOptions) http.Handler {
	origins := o.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         600,
	}).Handler(next)
}

func addDefaultHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", fmt.Sprintf("imgdrop %s (bimg %s)", Version, bimg.Version))
		w.Header().Set("X-Content-Type-Options", "nosniff")
		next.ServeHTTP(w, r)
	})
}

func addCacheHeaders(next http.Handler, ttl int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ttl >= 0 {
			expires := time.Now().Add(time.Duration(ttl) * time.Second)
			w.Header().Set("Expires", strings.Replace(expires.UTC().Format(time.RFC1123), "UTC", "GMT", -1))
			w.Header().Set("Cache-Control", getCacheControl(ttl))
		}
		next.ServeHTTP(w, r)
	})
}

func validateRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodOptions:
			next.ServeHTTP(w, r)
		default:
			ErrorReply(w, ErrMethodNotAllowed)
		}
	})
}

func allowMethods(next http.Handler, methods ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, m := range methods {
			if r.Method == m {
				next.ServeHTTP(w, r)
				return
			}
		}
		w.Header().Set("Allow", strings.Join(methods, ", "))
		ErrorReply(w, ErrMethodNotAllowed)
	})
}

// recoverer is the per-request fault boundary: a panic is logged with its
// stack and answered with a generic 500, leaving other requests untouched.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.Printf("panic serving %s %s (request %s): %v\n%s", r.Method, r.URL.Path, RequestID(r.Context()), rec, debug.Stack())
				ErrorReply(w, ErrInternal)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func getCacheControl(ttl int) string {
	if ttl == 0 {
		return "private, no-cache, no-store, must-revalidate"
	}
	return fmt.Sprintf("public, max-age=%d, immutable", ttl)
}
