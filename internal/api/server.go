// Package api exposes the import engine over HTTP: file uploads, batch
// lifecycle queries, rollback, and mapping-template management.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/amr-import-engine/internal/domain"
	"github.com/amr-import-engine/internal/pipeline"
)

// Server is the HTTP surface over the pipeline, ledger and template store.
type Server struct {
	cfg       domain.ServerConfig
	log       *logrus.Logger
	pipe      *pipeline.Pipeline
	ledger    domain.Ledger
	templates domain.TemplateStore
	router    *gin.Engine
	server    *http.Server
}

// NewServer wires the routes.
func NewServer(cfg domain.ServerConfig, log *logrus.Logger, pipe *pipeline.Pipeline, ledger domain.Ledger, templates domain.TemplateStore) *Server {
	if log.GetLevel() == logrus.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(requestLogger(log))

	s := &Server{
		cfg:       cfg,
		log:       log,
		pipe:      pipe,
		ledger:    ledger,
		templates: templates,
		router:    router,
	}
	s.setupRoutes()
	return s
}

// Start serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)

	v1 := s.router.Group("/v1")
	{
		v1.POST("/imports", s.handleImport)
		v1.GET("/batches", s.handleListBatches)
		v1.GET("/batches/:id", s.handleGetBatch)
		v1.POST("/batches/:id/rollback", s.handleRollback)

		v1.POST("/templates", s.handleSaveTemplate)
		v1.GET("/templates", s.handleListTemplates)
		v1.GET("/templates/:owner/:name", s.handleGetTemplate)
		v1.DELETE("/templates/:owner/:name", s.handleDeleteTemplate)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

// handleImport accepts a multipart upload and runs a whole batch
// synchronously, returning the full report.
//
// Form fields: file (required), format, sheet, record_element,
// template_owner, template_name, actor.
func (s *Server) handleImport(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file field"})
		return
	}
	if s.cfg.MaxUploadMB > 0 && fh.Size > int64(s.cfg.MaxUploadMB)<<20 {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("file exceeds %d MB limit", s.cfg.MaxUploadMB),
		})
		return
	}

	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	src := domain.NewSourceFile(fh.Filename, data, domain.SourceFormat(c.PostForm("format")))
	src.Sheet = c.PostForm("sheet")
	src.RecordElement = c.PostForm("record_element")

	var tpl *domain.MappingTemplate
	owner, name := c.PostForm("template_owner"), c.PostForm("template_name")
	if owner != "" && name != "" {
		tpl, err = s.templates.Get(c.Request.Context(), owner, name)
		if err != nil {
			s.renderError(c, err)
			return
		}
	}

	report, err := s.pipe.Import(c.Request.Context(), src, tpl, c.PostForm("actor"))
	if err != nil && report == nil {
		s.renderError(c, err)
		return
	}

	// A failed batch still returns its report; the status code tells the
	// caller whether anything was committed.
	status := http.StatusCreated
	if report.Status != domain.BatchCommitted {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, report)
}

func (s *Server) handleGetBatch(c *gin.Context) {
	batch, err := s.ledger.GetBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

func (s *Server) handleListBatches(c *gin.Context) {
	filter := domain.BatchFilter{
		Actor:  c.Query("actor"),
		Status: domain.BatchStatus(c.Query("status")),
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		filter.Since = t
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown status %q", filter.Status)})
		return
	}

	batches, err := s.ledger.ListBatches(c.Request.Context(), filter)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batches": batches})
}

func (s *Server) handleRollback(c *gin.Context) {
	id := c.Param("id")
	if err := s.pipe.Rollback(c.Request.Context(), id); err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batch_id": id, "status": domain.BatchRolledBack})
}

func (s *Server) handleSaveTemplate(c *gin.Context) {
	var tpl domain.MappingTemplate
	if err := c.ShouldBindJSON(&tpl); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if tpl.ID == "" {
		tpl.ID = uuid.New().String()
	}
	if err := tpl.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.templates.Save(c.Request.Context(), &tpl); err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tpl)
}

func (s *Server) handleListTemplates(c *gin.Context) {
	owner := c.Query("owner")
	if owner == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "owner query parameter is required"})
		return
	}
	templates, err := s.templates.List(c.Request.Context(), owner)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"templates": templates})
}

func (s *Server) handleGetTemplate(c *gin.Context) {
	tpl, err := s.templates.Get(c.Request.Context(), c.Param("owner"), c.Param("name"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, tpl)
}

func (s *Server) handleDeleteTemplate(c *gin.Context) {
	err := s.templates.Delete(c.Request.Context(), c.Param("owner"), c.Param("name"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// renderError maps domain errors to HTTP statuses.
func (s *Server) renderError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrBatchNotFound),
		errors.Is(err, domain.ErrTemplateNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyRolledBack),
		errors.Is(err, domain.ErrBatchNotCommitted),
		errors.Is(err, domain.ErrCommitInProgress),
		errors.Is(err, domain.ErrTemplateLocked),
		errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrUnsupportedFormat),
		errors.Is(err, domain.ErrCorruptSource):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.log.WithError(err).Error("Request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// requestIDMiddleware tags every request for correlation.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)
		c.Next()
	}
}

func requestLogger(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"request_id": c.GetString("request_id"),
		}).Info("Request handled")
	}
}
