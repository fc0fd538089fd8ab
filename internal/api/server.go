// Package api provides HTTP API server
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/edgeanalytics/internal/availability"
)

// Processor runs one file through the pipeline.
type Processor interface {
	Run(ctx context.Context, inputPath, outputPath string) (string, error)
}

// Publisher uploads a finished artifact. Optional.
type Publisher interface {
	Publish(ctx context.Context, runID, filePath string) (string, error)
}

// Options configures a Server.
type Options struct {
	Addr           string
	TmpDir         string
	MaxUploadBytes int64
	AllowedOrigins []string
	RequestsPerMin int

	Availability *availability.State // nil reports the remote as unknown
	Progress     *ProgressHub        // nil disables /ws/progress
	Publisher    Publisher
	Logger       *zap.Logger
}

// Server is an HTTP API server
type Server struct {
	httpServer *http.Server
	limiter    *RateLimiter
	logger     *zap.Logger
}

// NewServer wires the routes:
//
//	POST /process-video    multipart "file" in, annotated video out
//	GET  /api/health       liveness
//	GET  /api/availability remote reachability as last probed
//	GET  /ws/progress      run events over websocket
func NewServer(proc Processor, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.L()
	}
	logger = logger.Named("api")
	if opts.RequestsPerMin <= 0 {
		opts.RequestsPerMin = 30
	}

	mux := http.NewServeMux()
	limiter := NewRateLimiter(opts.RequestsPerMin, time.Minute)

	upload := &uploadHandler{
		proc:      proc,
		publisher: opts.Publisher,
		tmpDir:    opts.TmpDir,
		maxBytes:  opts.MaxUploadBytes,
		logger:    logger,
	}
	mux.HandleFunc("POST /process-video", limiter.Middleware(upload.ServeHTTP))

	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /api/availability", func(w http.ResponseWriter, r *http.Request) {
		if opts.Availability == nil {
			writeJSON(w, http.StatusOK, map[string]any{"reachable": nil, "probing": false})
			return
		}
		writeJSON(w, http.StatusOK, opts.Availability.Snapshot())
	})

	if opts.Progress != nil {
		mux.Handle("GET /ws/progress", opts.Progress)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              opts.Addr,
			Handler:           corsMiddleware(opts.AllowedOrigins, mux),
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20, // 1 MB
		},
		limiter: limiter,
		logger:  logger,
	}
}

// Handler exposes the routed handler for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// OriginChecker returns a websocket origin check backed by the same
// allowlist as CORS. Requests without an Origin header are allowed.
func OriginChecker(allowed []string) func(r *http.Request) bool {
	set := originSet(allowed)
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set["*"] || set[origin]
	}
}

func originSet(allowed []string) map[string]bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return set
}

// corsMiddleware adds CORS headers for allowlisted origins
func corsMiddleware(allowed []string, next http.Handler) http.Handler {
	allowedOrigins := originSet(allowed)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowedOrigins[origin] || allowedOrigins["*"]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Expose-Headers", "Content-Disposition, X-Run-Id")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer s.limiter.Stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server listening", zap.String("addr", ln.Addr().String()))
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
