package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tonpay/gigescrow/internal/coordinator"
	"github.com/tonpay/gigescrow/internal/gig"
	"github.com/tonpay/gigescrow/internal/ton"
)

type createGigRequest struct {
	ClientID     string `json:"clientId" binding:"required"`
	Title        string `json:"title" binding:"required"`
	Description  string `json:"description"`
	Price        string `json:"price" binding:"required"`
	ClientWallet string `json:"clientWallet" binding:"required"`
}

func (s *Server) createGig(c *gin.Context) {
	var req createGigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	g, err := s.coord.CreateGig(c.Request.Context(), coordinator.CreateGigRequest{
		ClientID:     req.ClientID,
		Title:        req.Title,
		Description:  req.Description,
		Price:        req.Price,
		ClientWallet: req.ClientWallet,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, g)
}

func (s *Server) getGig(c *gin.Context) {
	status, err := s.coord.GetGigStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	resp := gin.H{
		"gig":          status.Gig,
		"applications": status.Applications,
		"operations":   status.Operations,
	}
	// Deep link for inspecting the escrow deposit in a TON wallet.
	if status.Gig.EscrowAddress != "" {
		if amount, err := ton.ParseTON(status.Gig.Price); err == nil {
			resp["escrowLink"] = ton.PaymentLink(status.Gig.EscrowAddress, amount, status.Gig.ID)
		}
	}
	c.JSON(http.StatusOK, resp)
}

type transitionRequest struct {
	ActorID   string `json:"actorId" binding:"required"`
	Event     string `json:"event" binding:"required"`
	Direction string `json:"direction"`
}

func (s *Server) transitionGig(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	g, err := s.coord.Transition(c.Request.Context(), coordinator.TransitionRequest{
		GigID:     c.Param("id"),
		ActorID:   req.ActorID,
		Event:     gig.Event(req.Event),
		Direction: gig.Direction(req.Direction),
	})
	if errors.Is(err, coordinator.ErrConfirmationTimedOut) {
		// The operation is on the wire but unconfirmed. The gig has not
		// moved; the sweeper finishes the job.
		c.JSON(http.StatusAccepted, gin.H{
			"gig":        g,
			"settlement": "pending",
			"message":    "confirmation pending, check back later",
		})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"gig": g})
}

type applyRequest struct {
	FreelancerID string `json:"freelancerId" binding:"required"`
	Proposal     string `json:"proposal"`
}

func (s *Server) applyToGig(c *gin.Context) {
	var req applyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	a, err := s.coord.Apply(c.Request.Context(), c.Param("id"), req.FreelancerID, req.Proposal)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

type decisionRequest struct {
	ActorID string `json:"actorId" binding:"required"`
}

func (s *Server) acceptApplication(c *gin.Context) {
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	a, err := s.coord.AcceptApplication(c.Request.Context(), c.Param("id"), req.ActorID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) rejectApplication(c *gin.Context) {
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	a, err := s.coord.RejectApplication(c.Request.Context(), c.Param("id"), req.ActorID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// respondError maps domain errors to HTTP status codes.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, gig.ErrGigNotFound),
		errors.Is(err, gig.ErrApplicationNotFound),
		errors.Is(err, gig.ErrOperationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})

	case errors.Is(err, coordinator.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})

	case errors.Is(err, gig.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})

	case errors.Is(err, gig.ErrOperationInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": "operation_in_flight", "message": err.Error()})

	case errors.Is(err, gig.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})

	case errors.Is(err, gig.ErrDoubleSettlement):
		c.JSON(http.StatusConflict, gin.H{"error": "double_settlement", "message": err.Error()})

	case errors.Is(err, gig.ErrNeedsReview):
		c.JSON(http.StatusConflict, gin.H{"error": "needs_review", "message": err.Error()})

	case errors.Is(err, gig.ErrApplicationDecided),
		errors.Is(err, gig.ErrAlreadyApplied),
		errors.Is(err, gig.ErrAlreadyAccepted),
		errors.Is(err, gig.ErrDuplicateOperation),
		errors.Is(err, gig.ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})

	case errors.Is(err, ton.ErrInsufficientBalance):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "insufficient_balance", "message": err.Error()})

	case errors.Is(err, coordinator.ErrOperationFailed),
		errors.Is(err, ton.ErrBroadcastRejected),
		errors.Is(err, ton.ErrNetworkUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": "chain_error", "message": err.Error()})

	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "An unexpected error occurred"})
	}
}
