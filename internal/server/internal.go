package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) GenerateResolutionOptions(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	resp, err := s.disputeSvc.GenerateResolutionOptions(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GenerateFinalDecision(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	resp, err := s.disputeSvc.GenerateFinalDecision(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) RetrySettlement(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	resp, err := s.disputeSvc.RetrySettlement(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListConsensusLogs(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	withTranscript, err := parseOptionalBool(c.Query("transcript"))
	if err != nil {
		AbortWithError(c, newValidationError("transcript", "invalid_transcript", "transcript must be a boolean"))
		return
	}

	resp, err := s.disputeSvc.ListConsensusLogs(c.Request.Context(), actor, c.Param("id"), withTranscript != nil && *withTranscript)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListAuditLogs(c *gin.Context) {
	if s.auditSvc == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must be an integer"))
		return
	}

	resp, err := s.auditSvc.ListForTarget(c.Request.Context(), "dispute", c.Param("id"), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// RunScheduler runs every enabled sweep once in the request.
func (s *Server) RunScheduler(c *gin.Context) {
	if s.scheduler == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	if err := s.scheduler.RunOnce(c.Request.Context()); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"status": "completed"}})
}
