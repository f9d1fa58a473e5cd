// Package web implements the http api of upload queue
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/didip/tollbooth/v8/limiter"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/brrow/uploadq/app/queue"
	"github.com/brrow/uploadq/app/service"
)

//go:generate moq -out mocks/uploads.go -pkg mocks -skip-ensure -fmt goimports . Uploads

// Uploads is the upload service as seen by http handlers
type Uploads interface {
	Submit(img image.Image, req service.Request) (string, error)
	Upload(ctx context.Context, img image.Image, req service.Request) (id, url string, err error)
	UploadBatch(ctx context.Context, imgs []image.Image, req service.Request) []service.BatchResult
	List() []queue.Job
	Stats() queue.Stats
	Clear() error
	Resume(ctx context.Context) (successCount, failureCount int)
	Foreground()
	Background()
	IsForeground() bool
	PendingRetry() bool
}

// Server represents the web server
type Server struct {
	uploads       Uploads
	version       string
	passwordHash  string  // bcrypt hash for basic auth
	uploadsPerSec float64 // rate limit of upload requests per client ip
	maxUploadSize int64
}

// Config holds server configuration
type Config struct {
	Uploads       Uploads
	Version       string
	PasswordHash  string  // bcrypt hash for basic auth (empty to disable)
	UploadsPerSec float64 // per client ip, default 5
	MaxUploadSize int64   // max request size in bytes, default 32M
}

// New creates a new web server
func New(cfg Config) (*Server, error) {
	if cfg.Uploads == nil {
		return nil, fmt.Errorf("web server initialization failed: uploads service is required")
	}
	if cfg.UploadsPerSec <= 0 {
		cfg.UploadsPerSec = 5
	}
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = 32 * 1024 * 1024
	}
	return &Server{
		uploads:       cfg.Uploads,
		version:       cfg.Version,
		passwordHash:  cfg.PasswordHash,
		uploadsPerSec: cfg.UploadsPerSec,
		maxUploadSize: cfg.MaxUploadSize,
	}, nil
}

// Run starts the web server
func (s *Server) Run(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Minute, // sync uploads wait for the transfer
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting web server on %s", address)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

// routes returns the http.Handler with all routes configured
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("uploadq", "brrow", s.version),
		rest.Ping,
		rest.Trace,
		rest.SizeLimit(s.maxUploadSize),
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	if s.passwordHash != "" {
		log.Printf("[INFO] authentication enabled for api")
		router.Use(s.authMiddleware)
	}

	uploadLimiter := tollbooth.NewLimiter(s.uploadsPerSec, nil)
	uploadLimiter.SetIPLookup(limiter.IPLookup{Name: "RemoteAddr"})

	router.Mount("/api/v1").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)
		api.With(tollbooth.HTTPMiddleware(uploadLimiter)).HandleFunc("POST /uploads", s.handleUpload)
		api.HandleFunc("GET /uploads", s.handleList)
		api.HandleFunc("GET /uploads/stats", s.handleStats)
		api.HandleFunc("DELETE /uploads", s.handleClear)
		api.HandleFunc("POST /resume", s.handleResume)
		api.HandleFunc("POST /lifecycle/{state}", s.handleLifecycle)
	})

	return router
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
