package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"fundarb/internal/strategy/ledger"
)

// Response is the standard API response envelope
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// CloseAllRequest carries the manual close-all parameters
type CloseAllRequest struct {
	Reason string `json:"reason"`
}

// handleHealth reports process and dependency health
func (s *Server) handleHealth(c *gin.Context) {
	dbHealth := "unavailable"
	if s.db != nil {
		dbHealth = "ok"
		if err := s.db.HealthCheck(c.Request.Context()); err != nil {
			dbHealth = "error"
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
		"services": gin.H{
			"database": dbHealth,
		},
	})
}

// handlePoolStatus returns the current pool, positions and capital
func (s *Server) handlePoolStatus(c *gin.Context) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    s.engine.Status(),
	})
}

// handlePoolRefresh rebuilds the contract universe and reconciles immediately
func (s *Server) handlePoolRefresh(c *gin.Context) {
	if err := s.engine.ForceRefresh(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, Response{
			Success: false,
			Error:   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, Response{
		Success: true,
		Message: "pool refreshed",
		Data:    s.engine.Status(),
	})
}

// handlePositions lists open positions oldest first
func (s *Server) handlePositions(c *gin.Context) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    s.engine.Status().Positions,
	})
}

// handleCloseAll closes every open position at the best available price
func (s *Server) handleCloseAll(c *gin.Context) {
	var req CloseAllRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, Response{
			Success: false,
			Error:   err.Error(),
		})
		return
	}

	reason := ledger.ReasonManual
	if req.Reason != "" {
		reason = ledger.CloseReason(req.Reason)
	}

	closed := s.engine.CloseAllPositions(c.Request.Context(), reason)
	c.JSON(http.StatusOK, Response{
		Success: true,
		Message: "positions closed",
		Data: gin.H{
			"closed": closed,
			"count":  len(closed),
		},
	})
}

// handleEngineStart resumes a paused engine
func (s *Server) handleEngineStart(c *gin.Context) {
	s.engine.Resume(c.Request.Context())
	c.JSON(http.StatusOK, Response{
		Success: true,
		Message: "engine running",
	})
}

// handleEngineStop pauses reconciliation without closing positions
func (s *Server) handleEngineStop(c *gin.Context) {
	s.engine.Pause(c.Request.Context())
	c.JSON(http.StatusOK, Response{
		Success: true,
		Message: "engine paused",
	})
}

// handleJobs reports scheduler job states
func (s *Server) handleJobs(c *gin.Context) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    s.sched.Jobs(),
	})
}
