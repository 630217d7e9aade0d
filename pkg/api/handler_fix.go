package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crisisops/fixengine/pkg/event"
)

// decisionRequest is the body of the approve/reject endpoints.
type decisionRequest struct {
	Operator string `json:"operator" binding:"required"`
	Notes    string `json:"notes"`
}

// fixStatusResponse aggregates everything the engine knows about a fix.
type fixStatusResponse struct {
	FixID        string `json:"fix_id"`
	CurrentState string `json:"current_state"`
	Deployment   any    `json:"deployment,omitempty"`
	Verification any    `json:"verification,omitempty"`
}

func (s *Server) getFix(c *gin.Context) {
	fixID := c.Param("id")

	last, err := s.log.LastFixEvent(c.Request.Context(), fixID)
	if err != nil {
		s.logger.Error("Failed to read fix state", "fix_id", fixID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "event store unavailable"})
		return
	}
	if last == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown fix_id"})
		return
	}

	resp := fixStatusResponse{FixID: fixID, CurrentState: last.Topic}
	if dep, err := s.deployments.Get(c.Request.Context(), fixID); err == nil && dep != nil {
		resp.Deployment = dep
	}
	if ver, err := s.verifications.Get(c.Request.Context(), fixID); err == nil && ver != nil {
		resp.Verification = ver
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getFixTimeline(c *gin.Context) {
	fixID := c.Param("id")

	events, err := s.log.FixTimeline(c.Request.Context(), fixID)
	if err != nil {
		s.logger.Error("Failed to read fix timeline", "fix_id", fixID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "event store unavailable"})
		return
	}
	if len(events) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown fix_id"})
		return
	}

	type entry struct {
		Topic      string         `json:"topic"`
		ReceivedAt string         `json:"received_at"`
		Envelope   event.Envelope `json:"envelope"`
	}
	out := make([]entry, 0, len(events))
	for _, se := range events {
		out = append(out, entry{
			Topic:      se.Topic,
			ReceivedAt: se.ReceivedAt.Format(time.RFC3339Nano),
			Envelope:   se.Envelope,
		})
	}
	c.JSON(http.StatusOK, gin.H{"fix_id": fixID, "events": out})
}

func (s *Server) approveFix(c *gin.Context) {
	s.publishDecision(c, true)
}

func (s *Server) rejectFix(c *gin.Context) {
	s.publishDecision(c, false)
}

// publishDecision puts the operator's decision on the control topic.
// The approval gate owns validation against the fix's current state;
// the API only checks the request shape, so a decision for a fix in the
// wrong state is accepted here and ignored there.
func (s *Server) publishDecision(c *gin.Context, approved bool) {
	fixID := c.Param("id")

	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	verb := "rejected"
	if approved {
		verb = "approved"
	}
	env, err := event.New("ops-api", event.SeverityInfo, "",
		"operator "+verb+" "+fixID, event.ApprovalDecisionDetails{
			FixID:    fixID,
			Approved: approved,
			Operator: req.Operator,
			Notes:    req.Notes,
		})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build decision"})
		return
	}
	if err := s.bus.Publish(c.Request.Context(), event.TopicApprovalDecision, env); err != nil {
		s.logger.Error("Failed to publish approval decision", "fix_id", fixID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "bus publish failed"})
		return
	}
	s.metrics.EventsPublished.WithLabelValues(event.TopicApprovalDecision).Inc()

	c.JSON(http.StatusAccepted, gin.H{
		"fix_id":   fixID,
		"decision": verb,
		"operator": req.Operator,
	})
}
