// Package dashboard serves the JSON dashboard API: on-demand syncs, run
// handles, reports, a websocket stream of finished runs and Prometheus
// metrics.
package dashboard

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/posterflow/internal/database"
	"github.com/tejusbharadwaj/posterflow/internal/etl"
	server "github.com/tejusbharadwaj/posterflow/internal/grpc"
	"github.com/tejusbharadwaj/posterflow/internal/report"
)

// AdminUser is the basic auth user when an admin password is configured.
const AdminUser = "admin"

type Options struct {
	Address       string
	AdminPassword string
	// Gatherer backs /metrics; prometheus.DefaultGatherer when nil.
	Gatherer prometheus.Gatherer
	// Hub streams finished runs on /api/stream/runs; created when nil.
	Hub *Hub
}

type Server struct {
	syncer     server.Syncer
	runs       *etl.RunStore
	reports    *report.Builder
	sink       database.Sink
	validator  *server.RequestValidator
	loc        *time.Location
	opts       Options
	logger     *logrus.Logger
	now        func() time.Time
	httpServer *http.Server
}

func NewServer(syncer server.Syncer, runs *etl.RunStore, reports *report.Builder, sink database.Sink, loc *time.Location, logger *logrus.Logger, opts Options) *Server {
	if loc == nil {
		loc = time.UTC
	}
	if opts.Address == "" {
		opts.Address = ":8080"
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Hub == nil {
		opts.Hub = NewHub(logger)
	}
	return &Server{
		syncer:    syncer,
		runs:      runs,
		reports:   reports,
		sink:      sink,
		validator: server.NewRequestValidator(syncer.Entities(), loc),
		loc:       loc,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}
}

// Hub returns the run stream; register it as an observer of the syncer.
func (s *Server) Hub() *Hub {
	return s.opts.Hub
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.opts.Address,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.WithField("address", s.opts.Address).Info("Dashboard listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))

	apiGroup := router.Group("/api")
	if s.opts.AdminPassword != "" {
		apiGroup.Use(gin.BasicAuth(gin.Accounts{AdminUser: s.opts.AdminPassword}))
	}
	apiGroup.POST("/sync", s.handleSync)
	apiGroup.GET("/runs/:id", s.handleRun)
	apiGroup.GET("/runs/:id/report", s.handleRunReport)
	apiGroup.GET("/report", s.handleReport)
	apiGroup.GET("/stream/runs", s.opts.Hub.serve)

	return router
}

type syncRequest struct {
	From     string   `json:"from"`
	To       string   `json:"to"`
	Entities []string `json:"entities"`
}

func (s *Server) handleSync(c *gin.Context) {
	var req syncRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}
	}

	window, err := s.validator.Window(req.From, req.To)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if window.IsZero() {
		window = etl.LastDays(s.now().In(s.loc), 1)
	}
	if err := s.validator.Entities(req.Entities); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	run, err := s.syncer.Run(c.Request.Context(), window, req.Entities)
	if errors.Is(err, etl.ErrUnknownEntity) {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, runView(run))
}

func (s *Server) handleRun(c *gin.Context) {
	run, ok := s.lookupRun(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown run"})
		return
	}
	c.JSON(http.StatusOK, runView(run))
}

func (s *Server) handleRunReport(c *gin.Context) {
	topN, err := s.topN(c)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	run, ok := s.lookupRun(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown run"})
		return
	}
	c.JSON(http.StatusOK, s.reports.Build(run, topN))
}

// handleReport reads the stored transactions back from the sink.
func (s *Server) handleReport(c *gin.Context) {
	topN, err := s.topN(c)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	window, err := s.validator.Window(c.Query("from"), c.Query("to"))
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	rep, err := s.reports.FromSink(c.Request.Context(), s.sink, window, topN)
	if err != nil {
		s.logger.WithError(err).Error("Sink report failed")
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

// lookupRun resolves a run id; "latest" names the most recent run.
func (s *Server) lookupRun(id string) (*etl.Run, bool) {
	if id == "latest" {
		return s.runs.Latest()
	}
	return s.runs.Get(id)
}

func (s *Server) topN(c *gin.Context) (int, error) {
	raw := c.Query("top")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("top must be an integer")
	}
	if err := s.validator.TopN(n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("HTTP request")
	}
}

func runView(run *etl.Run) gin.H {
	return gin.H{
		"id":          run.ID,
		"from":        run.From,
		"to":          run.To,
		"started_at":  run.StartedAt,
		"finished_at": run.FinishedAt,
		"outcomes":    run.Outcomes,
		"archive_uri": run.ArchiveURI,
		"ok":          run.OK(),
	}
}

func abort(c *gin.Context, code int, err error) {
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}
