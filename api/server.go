package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fabfab/corpscribe/chat"
	"github.com/fabfab/corpscribe/config"
	"github.com/fabfab/corpscribe/logger"
	"github.com/fabfab/corpscribe/pipeline"
	"github.com/fabfab/corpscribe/ragerr"
)

// Server exposes the pipeline over HTTP.
type Server struct {
	cfg      config.Config
	pipeline *pipeline.Pipeline
	logger   *zap.SugaredLogger
	engine   *gin.Engine
}

// statusClientClosedRequest is the nginx convention for a request the caller abandoned.
const statusClientClosedRequest = 499

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type askRequest struct {
	Question string `json:"question"`
}

type askResponse struct {
	Answer     string           `json:"answer"`
	Sources    []sourceResponse `json:"sources"`
	IndexReady bool             `json:"index_ready"`
}

type sourceResponse struct {
	Source  string  `json:"source"`
	Title   string  `json:"title,omitempty"`
	Preview string  `json:"preview"`
	Score   float64 `json:"score"`
	// ContentPreview duplicates Preview for clients of the original /ask API.
	ContentPreview string `json:"content_preview"`
}

type retrieveRequest struct {
	Question string `json:"question"`
	K        int    `json:"k"`
}

type passageResponse struct {
	Source  string  `json:"source"`
	Ordinal int     `json:"ordinal"`
	Score   float64 `json:"score"`
	Preview string  `json:"preview"`
}

type retrieveResponse struct {
	IndexReady bool              `json:"index_ready"`
	Candidates []passageResponse `json:"candidates"`
	Passages   []passageResponse `json:"passages"`
}

type clearRequest struct {
	Confirm bool `json:"confirm"`
}

// New constructs a Server backed by p.
func New(cfg config.Config, p *pipeline.Pipeline, log *zap.SugaredLogger) *Server {
	s := &Server{cfg: cfg, pipeline: p, logger: logger.OrNop(log)}
	s.engine = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	switch s.cfg.Server.Mode {
	case gin.DebugMode, gin.TestMode, gin.ReleaseMode:
		gin.SetMode(s.cfg.Server.Mode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())
	router.Use(cors.New(s.corsConfig()))
	router.MaxMultipartMemory = s.cfg.Server.MaxUploadBytes

	router.GET("/healthz", s.handleHealth)
	router.POST("/ask", s.handleAsk)

	v1 := router.Group("/v1")
	{
		v1.POST("/ask", s.handleAsk)
		v1.POST("/retrieve", s.handleRetrieve)
		v1.GET("/documents", s.handleListDocuments)
		v1.POST("/documents", s.handleUpload)
		v1.DELETE("/documents/:name", s.handleDelete)
		v1.GET("/index", s.handleIndexStatus)
		v1.POST("/index/rebuild", s.handleRebuild)
		v1.POST("/clear", s.handleClear)
	}
	return router
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "X-Requested-With"},
		MaxAge:       12 * time.Hour,
	}
	if len(s.cfg.Server.CORSOrigins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.cfg.Server.CORSOrigins
	}
	return cfg
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		s.logger.Infow("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed", time.Since(started),
		)
	}
}

// handleHealth reports liveness. An initialization failure is reported in the body, not the status.
func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{"status": "ok"}
	status, err := s.pipeline.Status(c.Request.Context())
	if err != nil {
		resp["status"] = "degraded"
		resp["error"] = err.Error()
	}
	resp["state"] = status.State
	resp["index_ready"] = status.IndexReady
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleAsk(c *gin.Context) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, ragerr.New(ragerr.KindInvalid, "decode request", err))
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		s.writeError(c, ragerr.Errorf(ragerr.KindInvalid, "ask", "question is required"))
		return
	}

	answer, err := s.pipeline.Query(c.Request.Context(), req.Question)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, transformAnswer(answer))
}

func (s *Server) handleRetrieve(c *gin.Context) {
	var req retrieveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, ragerr.New(ragerr.KindInvalid, "decode request", err))
		return
	}

	retrieval, err := s.pipeline.Retrieve(c.Request.Context(), req.Question, req.K)
	if err != nil {
		s.writeError(c, err)
		return
	}

	resp := retrieveResponse{
		IndexReady: retrieval.IndexReady,
		Candidates: make([]passageResponse, 0, len(retrieval.Candidates)),
		Passages:   make([]passageResponse, 0, len(retrieval.Passages)),
	}
	for _, cand := range retrieval.Candidates {
		resp.Candidates = append(resp.Candidates, s.passage(cand.Chunk.Source, cand.Chunk.Ordinal, cand.Score, cand.Chunk.Text))
	}
	for _, p := range retrieval.Passages {
		resp.Passages = append(resp.Passages, s.passage(p.Chunk.Source, p.Chunk.Ordinal, p.Score, p.Chunk.Text))
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListDocuments(c *gin.Context) {
	docs, err := s.pipeline.ListDocuments(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

func (s *Server) handleUpload(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		s.writeError(c, ragerr.Errorf(ragerr.KindInvalid, "upload", "multipart field \"file\" is required"))
		return
	}
	f, err := header.Open()
	if err != nil {
		s.writeError(c, fmt.Errorf("open upload: %w", err))
		return
	}
	defer f.Close()

	info, err := s.pipeline.UploadDocument(c.Request.Context(), header.Filename, f)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"document": info,
		"message":  "document stored; rebuild the index to make it searchable",
	})
}

func (s *Server) handleDelete(c *gin.Context) {
	if err := s.pipeline.DeleteDocument(c.Request.Context(), c.Param("name")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, messageResponse{Message: "document deleted; rebuild the index to drop it from answers"})
}

func (s *Server) handleIndexStatus(c *gin.Context) {
	status, err := s.pipeline.Status(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleRebuild(c *gin.Context) {
	report, err := s.pipeline.BuildIndex(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleClear(c *gin.Context) {
	var req clearRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, ragerr.New(ragerr.KindInvalid, "decode request", err))
		return
	}
	if !req.Confirm {
		s.writeError(c, ragerr.Errorf(ragerr.KindInvalid, "clear", "confirm must be true to clear the index"))
		return
	}

	if err := s.pipeline.ClearIndex(c.Request.Context()); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, messageResponse{Message: "index cleared"})
}

func (s *Server) passage(source string, ordinal int, score float64, text string) passageResponse {
	return passageResponse{
		Source:  source,
		Ordinal: ordinal,
		Score:   score,
		Preview: chat.Preview(text, s.cfg.Answer.PreviewChars),
	}
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Errorw("api error", "status", status, "path", c.FullPath(), "error", err)
	} else {
		s.logger.Warnw("api error", "status", status, "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(status, errorResponse{Error: err.Error(), Code: string(ragerr.KindOf(err))})
}

// statusFor maps an error kind onto an HTTP status. Unknown errors are 500s.
func statusFor(err error) int {
	switch ragerr.KindOf(err) {
	case ragerr.KindInvalid:
		return http.StatusBadRequest
	case ragerr.KindNotFound, ragerr.KindNoContext:
		return http.StatusNotFound
	case ragerr.KindLoad:
		return http.StatusUnprocessableEntity
	case ragerr.KindDimensionMismatch:
		return http.StatusConflict
	case ragerr.KindProvider:
		if errors.Is(err, context.Canceled) {
			return statusClientClosedRequest
		}
		return http.StatusBadGateway
	case ragerr.KindIndexNotReady:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func transformAnswer(a chat.Answer) askResponse {
	resp := askResponse{Answer: a.Answer, IndexReady: a.IndexReady, Sources: make([]sourceResponse, 0, len(a.Sources))}
	for _, src := range a.Sources {
		resp.Sources = append(resp.Sources, sourceResponse{
			Source:         src.Source,
			Title:          src.Title,
			Preview:        src.Preview,
			Score:          src.Score,
			ContentPreview: src.Preview,
		})
	}
	return resp
}
