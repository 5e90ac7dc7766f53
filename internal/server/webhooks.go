package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"staqflow/internal/automation"
)

// handleInboundWebhook accepts a delivery and routes it to the webhook
// automations registered on the path. Per-rule HMAC verification happens in
// the trigger manager.
func (s *Server) handleInboundWebhook(c *gin.Context) {
	path := strings.TrimPrefix(c.Param("path"), "/")

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "unreadable body")
		return
	}
	payload := map[string]any{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			respondError(c, http.StatusBadRequest, "invalid_request", "body is not a JSON object")
			return
		}
	}

	signature := c.GetHeader("X-Webhook-Signature")
	executionIDs, err := s.manager.HandleWebhook(c.Request.Context(), path, body, signature, payload)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"executionIds": executionIDs, "matched": len(executionIDs)})
}

func (s *Server) handleCreateSubscription(c *gin.Context) {
	var sub automation.WebhookSubscription
	if err := c.ShouldBindJSON(&sub); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "malformed subscription: "+err.Error())
		return
	}
	if sub.URL == "" {
		respondError(c, http.StatusBadRequest, "invalid_request", "url is required")
		return
	}
	if err := s.store.CreateWebhookSubscription(c.Request.Context(), &sub); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (s *Server) handleListSubscriptions(c *gin.Context) {
	subs, err := s.store.ListWebhookSubscriptions(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs, "totalCount": len(subs)})
}

func (s *Server) handleGetSubscription(c *gin.Context) {
	sub, err := s.store.GetWebhookSubscription(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (s *Server) handleDeleteSubscription(c *gin.Context) {
	if err := s.store.DeleteWebhookSubscription(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
