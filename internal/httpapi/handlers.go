package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/notexe/nagbot/internal/reminder"
)

type createRequest struct {
	OwnerID    string    `json:"owner_id" binding:"required"`
	SubjectRef string    `json:"subject_ref" binding:"required"`
	DueAt      time.Time `json:"due_at" binding:"required"`
	Priority   string    `json:"priority"`
	Title      string    `json:"title"`
}

type snoozeRequest struct {
	// Minutes wins over Duration when both are set.
	Minutes  int    `json:"minutes"`
	Duration string `json:"duration"`
}

type rescheduleRequest struct {
	DueAt time.Time `json:"due_at" binding:"required"`
}

func (s *Server) createReminder(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input", "details": err.Error()})
		return
	}
	if req.Priority == "" {
		req.Priority = string(reminder.TierNormal)
	}

	r, err := s.engine.Create(c.Request.Context(), reminder.NewReminder{
		OwnerID:    req.OwnerID,
		SubjectRef: req.SubjectRef,
		Title:      req.Title,
		Priority:   reminder.Tier(req.Priority),
		DueAt:      req.DueAt,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

func (s *Server) getReminder(c *gin.Context) {
	r, err := s.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) acknowledge(c *gin.Context) {
	r, err := s.engine.Acknowledge(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) cancel(c *gin.Context) {
	r, err := s.engine.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) snooze(c *gin.Context) {
	var req snoozeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input", "details": err.Error()})
		return
	}

	d := time.Duration(req.Minutes) * time.Minute
	if req.Minutes == 0 {
		parsed, err := time.ParseDuration(req.Duration)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input", "details": "minutes or duration is required"})
			return
		}
		d = parsed
	}

	r, err := s.engine.Snooze(c.Request.Context(), c.Param("id"), d)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) reschedule(c *gin.Context) {
	var req rescheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input", "details": err.Error()})
		return
	}

	r, err := s.engine.Reschedule(c.Request.Context(), c.Param("id"), req.DueAt)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) cancelForSubject(c *gin.Context) {
	ok, err := s.engine.CancelForSubject(c.Request.Context(), c.Param("owner"), c.Param("subject"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": ok})
}

func (s *Server) listActive(c *gin.Context) {
	list := []reminder.Reminder{}
	for r, err := range s.engine.ListActive(c.Request.Context(), c.Param("owner")) {
		if err != nil {
			s.fail(c, err)
			return
		}
		list = append(list, r)
	}
	c.JSON(http.StatusOK, list)
}

// fail maps engine error kinds to status codes.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, reminder.ErrInvalidPriority), errors.Is(err, reminder.ErrInvalidSchedule):
		status = http.StatusBadRequest
	case errors.Is(err, reminder.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, reminder.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, reminder.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.log.Errorw("Request failed", "path", c.FullPath(), "reminder_id", c.Param("id"), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
