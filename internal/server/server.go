// Package server exposes the webhook ingress, the operations API and the
// prometheus endpoint over gin.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rezonia/peppol-connector/internal/lifecycle"
	"github.com/rezonia/peppol-connector/internal/metrics"
	"github.com/rezonia/peppol-connector/internal/model"
	"github.com/rezonia/peppol-connector/internal/provider"
)

// DefaultMaxBodyBytes bounds webhook and API request bodies
const DefaultMaxBodyBytes = 10 << 20

// Lifecycle is the part of the lifecycle service the HTTP layer drives
type Lifecycle interface {
	HandleWebhook(ctx context.Context, providerKey string, body []byte, headers http.Header, query url.Values) (*lifecycle.Result, error)
	SendDocument(ctx context.Context, docType model.DocumentType, localID uint) (*lifecycle.Result, error)
	BulkSend(ctx context.Context, docType model.DocumentType, ids []uint) (*lifecycle.BatchResult, error)
	Document(ctx context.Context, id uint) (*model.PeppolDocument, error)
	History(ctx context.Context, id uint) ([]model.StatusHistory, error)
	MarkDocumentStatus(ctx context.Context, req lifecycle.ResponseRequest) (*lifecycle.Result, error)
	CreateExpenseFromDocument(ctx context.Context, id uint) (*lifecycle.Result, error)
	TestConnection(ctx context.Context, key, environment string) (*provider.ConnectionResult, error)
}

// Config holds server configuration
type Config struct {
	Address         string
	APIKey          string
	Version         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
	Debug           bool
}

// Server represents the HTTP server
type Server struct {
	config  Config
	router  *gin.Engine
	svc     Lifecycle
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option configures a Server
type Option func(*Server)

// WithMetrics instruments requests and serves /metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithLogger sets the request logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a server driving svc
func New(config Config, svc Lifecycle, opts ...Option) *Server {
	if !config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 15 * time.Second
	}
	if config.Version == "" {
		config.Version = "dev"
	}

	s := &Server{
		config: config,
		router: gin.New(),
		svc:    svc,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router.Use(RequestID(), Recovery(s.logger), RequestLogger(s.logger))
	if s.metrics != nil {
		s.router.Use(Instrument(s.metrics))
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	hooks := s.router.Group("/peppol/webhook")
	{
		hooks.GET("/health", s.handleHealth)
		hooks.POST("", s.handleWebhook)
		hooks.POST("/:provider", s.handleWebhook)
	}

	v1 := s.router.Group("/api/v1", APIKey(s.config.APIKey))
	{
		v1.POST("/documents/send", s.handleSend)
		v1.POST("/documents/bulk-send", s.handleBulkSend)
		v1.GET("/documents/:id", s.handleGetDocument)
		v1.POST("/documents/:id/response", s.handleResponse)
		v1.POST("/documents/:id/expense", s.handleExpense)
		v1.POST("/providers/:key/test", s.handleTestConnection)
	}

	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.config.Address,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "address", s.config.Address)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	s.logger.Info("shutting down http server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// Handler returns the http.Handler for use with custom servers
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: timestamp(),
		Version:   s.config.Version,
	})
}

// readBody reads at most MaxBodyBytes of the request body
func (s *Server) readBody(c *gin.Context) ([]byte, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.config.MaxBodyBytes)
	body, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Success: false, Error: "request body too large", Timestamp: timestamp()})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{Success: false, Error: "failed to read request body", Timestamp: timestamp()})
		return nil, false
	}
	return body, true
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
