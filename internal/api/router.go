package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Sternrassler/wikidata-harvest/pkg/logging"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(source StatusSource) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logging.NewLogger("api")))

	handler := NewHandler(source)

	r.GET("/health", handler.Health)
	r.GET("/ready", handler.Ready)
	r.GET("/status", handler.GetStatus)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// requestLogger logs each request at debug level.
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request served")
	}
}

// Server runs the router in the background.
type Server struct {
	http   *http.Server
	logger zerolog.Logger
}

// NewServer creates a server listening on addr.
func NewServer(addr string, source StatusSource) *Server {
	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(source),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logging.NewLogger("api"),
	}
}

// Start serves in a goroutine. Errors other than a clean shutdown are logged.
func (s *Server) Start() {
	go func() {
		s.logger.Info().Str("addr", s.http.Addr).Msg("Status listener started")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Status listener failed")
		}
	}()
}

// Shutdown stops the server, waiting for in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
