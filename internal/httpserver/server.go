// Package httpserver exposes the authenticated ingest endpoint, health and
// metrics over HTTP.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tinytelemetry/spillway/internal/auth"
	"github.com/tinytelemetry/spillway/internal/buffer"
	"github.com/tinytelemetry/spillway/internal/metrics"
	"github.com/tinytelemetry/spillway/internal/model"
)

const (
	DefaultAddr         = "127.0.0.1:3000"
	DefaultIngestPath   = "/ingest"
	DefaultAuthHeader   = "X-API-Key"
	DefaultMaxBodyBytes = 1 << 20
)

// Authenticator decides whether a presented credential may ingest.
type Authenticator interface {
	Authenticate(ctx context.Context, presented string) (auth.Decision, error)
}

// Normalizer turns a raw request body into a record.
type Normalizer interface {
	Normalize(body []byte) (model.Record, error)
}

// Buffer accepts normalized records.
type Buffer interface {
	Append(record model.Record) error
	Stats() buffer.Stats
}

// ObjectBrowser reads delivered objects back from a local store.
type ObjectBrowser interface {
	ObjectCount(ctx context.Context) (int64, error)
	ListObjects(ctx context.Context, channel string, limit int) ([]model.ObjectInfo, error)
	GetObject(ctx context.Context, key string) (model.Object, error)
}

// Config holds HTTP server parameters.
type Config struct {
	Addr           string
	IngestPath     string
	AuthHeader     string
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	Metrics        http.Handler  // served at /metrics when non-nil
	Objects        ObjectBrowser // served under /api/objects when non-nil
}

// Server provides the ingest API.
type Server struct {
	cfg       Config
	gate      Authenticator
	norm      Normalizer
	buf       Buffer
	server    *http.Server
	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(cfg Config, gate Authenticator, norm Normalizer, buf Buffer) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.IngestPath == "" {
		cfg.IngestPath = DefaultIngestPath
	}
	if cfg.AuthHeader == "" {
		cfg.AuthHeader = DefaultAuthHeader
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = model.DefaultRequestTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		gate:      gate,
		norm:      norm,
		buf:       buf,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST(s.cfg.IngestPath, s.requestDeadline(), s.handleIngest)
	r.GET("/api/health", s.handleHealth)
	if s.cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.cfg.Metrics))
	}
	if s.cfg.Objects != nil {
		r.GET("/api/objects", s.handleListObjects)
		r.GET("/api/objects/*key", s.handleGetObject)
	}
	return r
}

// Start binds the listen address. Connections are accepted once Serve runs.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.RequestTimeout,
		WriteTimeout:      s.cfg.RequestTimeout + 5*time.Second,
	}
	s.startTime = time.Now()
	return nil
}

// Serve accepts connections until Stop is called, then returns nil. Any other
// return is a listener failure.
func (s *Server) Serve() error {
	if s.server == nil {
		return errors.New("httpserver: Serve called before Start")
	}
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("httpserver: serve: %w", err)
	}
	return nil
}

// Stop stops accepting requests and waits for in-flight ones until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	// Shutdown only closes listeners Serve is tracking.
	_ = s.listener.Close()
	return err
}

// requestDeadline bounds each request by RequestTimeout.
func (s *Server) requestDeadline() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) handleIngest(c *gin.Context) {
	ctx := c.Request.Context()

	decision, err := s.gate.Authenticate(ctx, c.GetHeader(s.cfg.AuthHeader))
	if err != nil {
		log.Printf("httpserver: ingest: credential check failed: %v", err)
		s.reply(c, http.StatusInternalServerError, "error", gin.H{
			"message": "secret unavailable",
			"error":   err.Error(),
		})
		return
	}
	switch decision {
	case auth.Unauthorized:
		s.reply(c, http.StatusUnauthorized, "unauthorized", gin.H{"message": model.ErrUnauthorized.Error()})
		return
	case auth.Forbidden:
		s.reply(c, http.StatusForbidden, "forbidden", gin.H{"message": model.ErrForbidden.Error()})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.reply(c, http.StatusRequestEntityTooLarge, "too_large", gin.H{"message": "body too large"})
			return
		}
		s.reply(c, http.StatusBadRequest, "bad_request", gin.H{"message": "unreadable body", "error": err.Error()})
		return
	}

	record, err := s.norm.Normalize(body)
	switch {
	case errors.Is(err, model.ErrMissingBody):
		s.reply(c, http.StatusBadRequest, "bad_request", gin.H{"message": model.ErrMissingBody.Error()})
		return
	case errors.Is(err, model.ErrMalformedJSON):
		s.reply(c, http.StatusBadRequest, "bad_request", gin.H{"message": model.ErrMalformedJSON.Error()})
		return
	case err != nil:
		s.reply(c, http.StatusInternalServerError, "error", gin.H{"message": "normalize", "error": err.Error()})
		return
	}

	if err := s.buf.Append(record); err != nil {
		log.Printf("httpserver: ingest: append failed: %v", err)
		s.reply(c, http.StatusInternalServerError, "error", gin.H{
			"message": "delivery enqueue",
			"error":   err.Error(),
		})
		return
	}

	s.reply(c, http.StatusOK, "ingested", gin.H{"message": "ingested"})
}

func (s *Server) reply(c *gin.Context, status int, outcome string, body gin.H) {
	metrics.IngestRequestsTotal.WithLabelValues(outcome).Inc()
	c.JSON(status, body)
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
		"buffer": s.buf.Stats(),
	}
	if s.cfg.Objects != nil {
		n, err := s.cfg.Objects.ObjectCount(c.Request.Context())
		if err != nil {
			body["objects_error"] = err.Error()
		} else {
			body["objects"] = n
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleListObjects(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"message": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	objs, err := s.cfg.Objects.ListObjects(c.Request.Context(), c.Query("channel"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "list objects", "error": err.Error()})
		return
	}
	if objs == nil {
		objs = []model.ObjectInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"objects": objs})
}

// handleGetObject returns the stored payload as written, so gzip objects
// carry Content-Encoding: gzip.
func (s *Server) handleGetObject(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "missing object key"})
		return
	}

	obj, err := s.cfg.Objects.GetObject(c.Request.Context(), key)
	if errors.Is(err, model.ErrObjectNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"message": "object not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "get object", "error": err.Error()})
		return
	}

	if obj.ContentEncoding != "" {
		c.Header("Content-Encoding", obj.ContentEncoding)
	}
	contentType := obj.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Data(http.StatusOK, contentType, obj.Body)
}
