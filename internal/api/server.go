package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/synochain/synochain/internal/ledger"
	"github.com/synochain/synochain/internal/verify"
)

const RequestIDHeader = "X-Request-ID"

type Options struct {
	Addr string
	// FlushOnAnchor seals a block for every anchor request instead of
	// leaving the commitment queued for the periodic flusher.
	FlushOnAnchor bool
	StrictCID     bool
}

type Server struct {
	ledger  *ledger.Ledger
	auditor *verify.Auditor
	opts    Options
	logger  *slog.Logger

	engine     *gin.Engine
	httpServer *http.Server
}

func NewServer(l *ledger.Ledger, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		ledger: l,
		opts:   opts,
		logger: logger,
	}
	s.engine = s.setupRouter()
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SetAuditor exposes the auditor's last result on /health.
func (s *Server) SetAuditor(a *verify.Auditor) {
	s.auditor = a
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) setupRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestID(), s.requestLogger())

	r.GET("/health", s.handleHealth)

	apiGroup := r.Group("/api")
	{
		apiGroup.POST("/anchor", s.handleAnchor)
		apiGroup.POST("/commitments", s.handleSubmitCommitment)
		apiGroup.POST("/flush", s.handleFlush)
		apiGroup.POST("/verify", s.handleVerify)

		apiGroup.GET("/blocks", s.handleGetBlocks)
		apiGroup.GET("/blocks/:index", s.handleGetBlock)
		apiGroup.GET("/proof/:commitment", s.handleGetProof)
		apiGroup.GET("/chain/validate", s.handleValidateChain)
	}

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.opts.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	s.logger.Info("Shutting down HTTP server")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.New().String()
		}
		c.Set("requestID", id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.Log(c.Request.Context(), level, "HTTP request",
			"request_id", c.GetString("requestID"),
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
