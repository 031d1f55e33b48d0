package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gosimple/slug"
	disputedomain "github.com/smallbiznis/arbiter/internal/dispute/domain"
)

type openDisputeRequest struct {
	BookingID   string   `json:"booking_id"`
	Reason      string   `json:"reason"`
	Description string   `json:"description"`
	Evidence    []string `json:"evidence"`
}

type counterOfferRequest struct {
	RefundPercent *float64 `json:"refund_percent"`
	Message       *string  `json:"message"`
}

type escalateRequest struct {
	ExpectedPhase string `json:"expected_phase"`
}

type evidenceRequest struct {
	URL string `json:"url"`
}

type externalResolutionRequest struct {
	Confirm              bool  `json:"confirm"`
	AcknowledgedFeeMinor int64 `json:"acknowledged_fee_minor"`
}

// bindOptionalJSON accepts an empty body.
func bindOptionalJSON(c *gin.Context, dst any) error {
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Server) OpenDispute(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	var req openDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.disputeSvc.OpenDispute(c.Request.Context(), actor, disputedomain.OpenDisputeRequest{
		BookingID:   strings.TrimSpace(req.BookingID),
		Reason:      disputedomain.Reason(strings.TrimSpace(req.Reason)),
		Description: req.Description,
		Evidence:    req.Evidence,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) GetDispute(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	resp, err := s.disputeSvc.GetDisputeDetails(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Set("dispute_phase", string(resp.Phases.CurrentPhase))
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetDisputeParties(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	resp, err := s.disputeSvc.GetDisputeParties(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) AddEvidence(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	var req evidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.disputeSvc.AddEvidence(c.Request.Context(), actor, disputedomain.AddEvidenceRequest{
		DisputeID: c.Param("id"),
		URL:       strings.TrimSpace(req.URL),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) SubmitCounterOffer(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	var req counterOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.disputeSvc.SubmitCounterOffer(c.Request.Context(), actor, disputedomain.CounterOfferRequest{
		DisputeID:     c.Param("id"),
		RefundPercent: req.RefundPercent,
		Message:       req.Message,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) AcceptCounterOffer(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	resp, err := s.disputeSvc.AcceptCounterOffer(c.Request.Context(), actor, disputedomain.AcceptOfferRequest{
		DisputeID:  c.Param("id"),
		ResponseID: c.Param("responseId"),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CanEscalate(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	resp, err := s.disputeSvc.CanEscalate(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) Escalate(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	var req escalateRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.disputeSvc.Escalate(c.Request.Context(), actor, disputedomain.EscalateRequest{
		DisputeID:     c.Param("id"),
		ExpectedPhase: disputedomain.Phase(strings.TrimSpace(req.ExpectedPhase)),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetResolutionOptions(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	resp, err := s.disputeSvc.GetResolutionOptions(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) SelectOption(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	resp, err := s.disputeSvc.SelectOption(c.Request.Context(), actor, disputedomain.SelectOptionRequest{
		DisputeID: c.Param("id"),
		OptionID:  c.Param("optionId"),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetFinalDecision(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	resp, err := s.disputeSvc.GetFinalDecision(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) AcceptDecision(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	resp, err := s.disputeSvc.AcceptDecision(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ExternalResolutionTerms(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	resp, err := s.disputeSvc.ExternalResolutionTerms(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ChooseExternalResolution(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	var req externalResolutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.disputeSvc.ChooseExternalResolution(c.Request.Context(), actor, disputedomain.ExternalResolutionRequest{
		DisputeID:            c.Param("id"),
		Confirm:              req.Confirm,
		AcknowledgedFeeMinor: req.AcknowledgedFeeMinor,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) DownloadStatement(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	id := strings.TrimSpace(c.Param("id"))
	reader, err := s.disputeSvc.Statement(c.Request.Context(), actor, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	filename := slug.Make("dispute-"+id+"-statement") + ".pdf"
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, "application/pdf", body)
}
