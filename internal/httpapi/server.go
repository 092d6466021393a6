// Package httpapi exposes the reminder engine over HTTP for the task
// service and serves /metrics and /healthz.
package httpapi

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/notexe/nagbot/internal/reminder"
)

// Engine is the set of engine operations served over HTTP.
type Engine interface {
	Create(ctx context.Context, in reminder.NewReminder) (*reminder.Reminder, error)
	Get(ctx context.Context, id string) (*reminder.Reminder, error)
	Acknowledge(ctx context.Context, id string) (*reminder.Reminder, error)
	Cancel(ctx context.Context, id string) (*reminder.Reminder, error)
	CancelForSubject(ctx context.Context, ownerID, subjectRef string) (bool, error)
	Snooze(ctx context.Context, id string, d time.Duration) (*reminder.Reminder, error)
	Reschedule(ctx context.Context, id string, dueAt time.Time) (*reminder.Reminder, error)
	ListActive(ctx context.Context, ownerID string) iter.Seq2[reminder.Reminder, error]
}

// HealthFunc reports whether the backing store is reachable.
type HealthFunc func(ctx context.Context) error

// Server is the HTTP surface.
type Server struct {
	engine Engine
	log    *zap.SugaredLogger
	router *gin.Engine
	health HealthFunc
}

// New builds the router. gatherer backs /metrics; health may be nil.
func New(engine Engine, gatherer prometheus.Gatherer, health HealthFunc, log *zap.SugaredLogger) *Server {
	s := &Server{
		engine: engine,
		log:    log,
		router: gin.New(),
		health: health,
	}
	s.router.Use(gin.Recovery(), s.requestLog())

	s.router.GET("/healthz", s.healthz)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := s.router.Group("/v1")
	{
		v1.POST("/reminders", s.createReminder)
		v1.GET("/reminders/:id", s.getReminder)
		v1.POST("/reminders/:id/ack", s.acknowledge)
		v1.POST("/reminders/:id/cancel", s.cancel)
		v1.POST("/reminders/:id/snooze", s.snooze)
		v1.POST("/reminders/:id/reschedule", s.reschedule)
		v1.DELETE("/owners/:owner/subjects/:subject", s.cancelForSubject)
		v1.GET("/owners/:owner/reminders", s.listActive)
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("Listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debugw("Request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed", time.Since(start))
	}
}

func (s *Server) healthz(c *gin.Context) {
	if s.health != nil {
		if err := s.health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
