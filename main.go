package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"bulk-mailer/config"
	"bulk-mailer/models"
	"bulk-mailer/notification"
	"bulk-mailer/preparer"
	"bulk-mailer/report"
	"bulk-mailer/service"
	"bulk-mailer/store"
	"bulk-mailer/tracker"
	"bulk-mailer/utils"
)

type Server struct {
	router    *gin.Engine
	config    *config.Config
	logger    *slog.Logger
	templates *store.TemplateStore
	preparer  *preparer.Preparer
	planner   *service.Planner
	tracker   *tracker.Tracker
	verify    func(ctx context.Context, cfg config.SMTPConfig) error
	server    *http.Server
}

func NewServer(cfg *config.Config, runs *tracker.Tracker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = utils.NewNope()
	}

	// Set Gin mode based on environment
	switch cfg.App.Env {
	case "production":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	templates := store.NewTemplateStore(cfg.Send.TemplatesDir)
	prep := preparer.New()

	s := &Server{
		router:    gin.New(),
		config:    cfg,
		logger:    logger,
		templates: templates,
		preparer:  prep,
		planner:   service.NewPlanner(cfg, templates, prep).WithBaseDir(cfg.Send.FilesDir),
		tracker:   runs,
		verify: func(ctx context.Context, smtpCfg config.SMTPConfig) error {
			return notification.NewSender(smtpCfg, logger).Verify(ctx)
		},
	}
	s.router.Use(gin.Recovery(), s.requestLogger())
	s.setupRoutes()

	s.server = &http.Server{
		Addr:        cfg.Address(),
		Handler:     s.router,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
		// No WriteTimeout: event streams stay open for the whole run.
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)

	api := s.router.Group("/api")

	templates := api.Group("/templates")
	templates.GET("", s.listTemplates)
	templates.GET("/:name", s.getTemplate)
	templates.PUT("/:name", s.saveTemplate)
	templates.DELETE("/:name", s.deleteTemplate)
	templates.POST("/:name/preview", s.previewTemplate)

	api.POST("/smtp/verify", s.verifySMTP)

	runs := api.Group("/runs")
	runs.POST("", s.startRun)
	runs.GET("", s.listRuns)
	runs.GET("/:id", s.getRun)
	runs.POST("/:id/cancel", s.cancelRun)
	runs.GET("/:id/events", s.streamRunEvents)
	runs.GET("/:id/export", s.exportRun)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)))
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	var activeRun string
	if run := s.tracker.Active(); run != nil {
		activeRun = run.ID
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"service":     "bulk-mailer",
		"version":     "1.0.0",
		"environment": s.config.App.Env,
		"active_run":  activeRun,
	})
}

func (s *Server) listTemplates(c *gin.Context) {
	templates, err := s.templates.List()
	if err != nil {
		s.fail(c, err)
		return
	}
	if templates == nil {
		templates = []*models.MessageTemplate{}
	}
	c.JSON(http.StatusOK, templates)
}

func (s *Server) getTemplate(c *gin.Context) {
	tpl, err := s.templates.Load(c.Param("name"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"template": tpl, "fields": preparer.Fields(tpl)})
}

func (s *Server) saveTemplate(c *gin.Context) {
	var req models.TemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tpl := &models.MessageTemplate{
		Name:        c.Param("name"),
		Subject:     req.Subject,
		Body:        req.Body,
		Format:      req.Format,
		Attachments: req.Attachments,
	}
	if _, err := s.preparer.Render(tpl, models.Recipient{}); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.templates.Save(tpl); err != nil {
		s.fail(c, err)
		return
	}

	saved, err := s.templates.Load(tpl.Name)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.logger.Info("template saved", slog.String("template", saved.Name))
	c.JSON(http.StatusOK, saved)
}

func (s *Server) deleteTemplate(c *gin.Context) {
	deleted, err := s.templates.Delete(c.Param("name"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if !deleted {
		s.fail(c, fmt.Errorf("%w: %s", models.ErrTemplateNotFound, c.Param("name")))
		return
	}
	s.logger.Info("template deleted", slog.String("template", c.Param("name")))
	c.Status(http.StatusNoContent)
}

func (s *Server) previewTemplate(c *gin.Context) {
	var req models.PreviewRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tpl, err := s.templates.Load(c.Param("name"))
	if err != nil {
		s.fail(c, err)
		return
	}
	msg, err := s.preparer.Render(tpl, models.Recipient{Address: req.Address, Fields: req.Fields})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"subject":     msg.Subject,
		"html":        msg.HTML,
		"text":        msg.Text,
		"attachments": tpl.Attachments,
	})
}

func (s *Server) verifySMTP(c *gin.Context) {
	var override models.SMTPOverride
	if err := c.ShouldBindJSON(&override); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	smtpCfg := s.planner.SMTP(&override)
	if err := smtpCfg.Validate(); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.verify(c.Request.Context(), smtpCfg); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"host":     smtpCfg.Host,
		"port":     smtpCfg.Port,
		"security": smtpCfg.Security,
	})
}

func (s *Server) startRun(c *gin.Context) {
	var req models.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	params, skipped, err := s.planner.Plan(&req)
	if errors.Is(err, models.ErrTemplateNotFound) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	run, err := s.tracker.Submit(params)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"run":     run.Summary(false),
		"skipped": skipped,
	})
}

func (s *Server) listRuns(c *gin.Context) {
	c.JSON(http.StatusOK, s.tracker.List())
}

func (s *Server) getRun(c *gin.Context) {
	run, err := s.tracker.Get(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, run.Summary(true))
}

func (s *Server) cancelRun(c *gin.Context) {
	id := c.Param("id")
	cancelled, err := s.tracker.Cancel(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	run, err := s.tracker.Get(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !cancelled {
		c.JSON(http.StatusConflict, gin.H{"error": "run already finished or cancelled", "run": run.Summary(false)})
		return
	}
	c.JSON(http.StatusAccepted, run.Summary(false))
}

// streamRunEvents replays a run's results as server-sent events, then follows it until it ends.
func (s *Server) streamRunEvents(c *gin.Context) {
	run, err := s.tracker.Get(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}

	next := 0
	c.Stream(func(w io.Writer) bool {
		results, state, changed := run.ResultsSince(next)
		for i := range results {
			next++
			c.SSEvent(string(models.EventProgress), models.Event{
				Type:   models.EventProgress,
				RunID:  run.ID,
				Index:  next,
				Total:  run.Total,
				Result: &results[i],
			})
		}
		if state.Terminal() {
			summary := run.Summary(false)
			c.SSEvent(string(models.EventTerminal), models.Event{
				Type:         models.EventTerminal,
				RunID:        run.ID,
				Total:        summary.Total,
				State:        summary.State,
				Error:        summary.Error,
				Sent:         summary.Sent,
				Failed:       summary.Failed,
				NotAttempted: summary.NotAttempted,
			})
			return false
		}
		select {
		case <-changed:
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (s *Server) exportRun(c *gin.Context) {
	run, err := s.tracker.Get(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="run-%s.csv"`, run.ID))
	c.Status(http.StatusOK)
	if err := report.WriteCSV(c.Writer, run.Results()); err != nil {
		s.logger.Error("failed to export run", slog.String("run_id", run.ID), slog.String("error", err.Error()))
	}
}

// fail maps domain errors onto HTTP status codes.
func (s *Server) fail(c *gin.Context, err error) {
	var (
		cfgErr *models.ConfigError
		tplErr *models.TemplateError
		status = http.StatusInternalServerError
	)
	switch {
	case errors.As(err, &cfgErr), errors.As(err, &tplErr), errors.Is(err, models.ErrNoRecipients):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrTemplateNotFound), errors.Is(err, models.ErrRunNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrRunActive):
		status = http.StatusConflict
	case models.IsFatal(err):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", slog.String("path", c.FullPath()), slog.String("error", err.Error()))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("server starting", slog.String("addr", s.server.Addr), slog.String("env", s.config.App.Env))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func serve(cfg *config.Config) error {
	logger := utils.NewLogger(cfg.App.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	worker := service.NewWorker(service.SMTPDialer(logger), logger)
	runs := tracker.NewTracker(ctx, worker, cfg.Runs.Retention, logger)
	server := NewServer(cfg, runs, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return runs.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server exited properly")
	return nil
}

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	command, args := "serve", os.Args[1:]
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	switch command {
	case "serve":
		if err := serve(cfg); err != nil {
			log.Fatalf("server error: %v", err)
		}
	case "send":
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		code := runSend(ctx, cfg, args, os.Stdout, os.Stderr, nil)
		stop()
		os.Exit(code)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\nusage: bulk-mailer [serve|send]\n", command)
		os.Exit(2)
	}
}
