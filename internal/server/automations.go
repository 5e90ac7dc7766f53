package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"staqflow/internal/automation"
)

func (s *Server) handleCreateAutomation(c *gin.Context) {
	var auto automation.Automation
	if err := c.ShouldBindJSON(&auto); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "malformed automation: "+err.Error())
		return
	}
	if err := s.store.CreateAutomation(c.Request.Context(), &auto); err != nil {
		fail(c, err)
		return
	}
	if auto.Enabled {
		s.manager.StartOne(&auto)
	}
	c.JSON(http.StatusCreated, auto)
}

func (s *Server) handleListAutomations(c *gin.Context) {
	autos, err := s.store.ListAutomations(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"automations": autos, "totalCount": len(autos)})
}

func (s *Server) handleGetAutomation(c *gin.Context) {
	auto, err := s.store.GetAutomation(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, auto)
}

func (s *Server) handleUpdateAutomation(c *gin.Context) {
	var auto automation.Automation
	if err := c.ShouldBindJSON(&auto); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "malformed automation: "+err.Error())
		return
	}
	auto.ID = c.Param("id")
	if err := s.store.UpdateAutomation(c.Request.Context(), &auto); err != nil {
		fail(c, err)
		return
	}
	// The watcher is rebuilt from the persisted rule.
	if err := s.manager.Reload(c.Request.Context(), auto.ID); err != nil {
		s.logger.Warn("Reload after update of %s failed: %v", auto.ID, err)
	}
	c.JSON(http.StatusOK, auto)
}

func (s *Server) handleDeleteAutomation(c *gin.Context) {
	automationID := c.Param("id")
	s.manager.StopOne(automationID)
	if err := s.store.DeleteAutomation(c.Request.Context(), automationID); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleEnableAutomation(c *gin.Context) {
	s.setEnabled(c, true)
}

func (s *Server) handleDisableAutomation(c *gin.Context) {
	s.setEnabled(c, false)
}

func (s *Server) setEnabled(c *gin.Context, enabled bool) {
	automationID := c.Param("id")
	if err := s.store.SetAutomationEnabled(c.Request.Context(), automationID, enabled); err != nil {
		fail(c, err)
		return
	}
	if err := s.manager.Reload(c.Request.Context(), automationID); err != nil {
		s.logger.Warn("Reload after enable toggle of %s failed: %v", automationID, err)
	}
	c.JSON(http.StatusOK, gin.H{"id": automationID, "enabled": enabled})
}

func (s *Server) handleExecuteAutomation(c *gin.Context) {
	var body struct {
		Parameters map[string]any `json:"parameters"`
	}
	if err := c.ShouldBindJSON(&body); err != nil && c.Request.ContentLength > 0 {
		respondError(c, http.StatusBadRequest, "invalid_request", "malformed parameters: "+err.Error())
		return
	}
	if body.Parameters == nil {
		body.Parameters = map[string]any{}
	}

	executionID, err := s.executor.TriggerManually(c.Request.Context(), c.Param("id"), body.Parameters)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"executionId": executionID})
}

func (s *Server) handleTestAutomation(c *gin.Context) {
	var body struct {
		MockTriggerData map[string]any `json:"mockTriggerData"`
	}
	if err := c.ShouldBindJSON(&body); err != nil && c.Request.ContentLength > 0 {
		respondError(c, http.StatusBadRequest, "invalid_request", "malformed mock trigger data: "+err.Error())
		return
	}

	outline, err := s.executor.Test(c.Request.Context(), c.Param("id"), body.MockTriggerData)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wouldExecuteComponents": outline})
}
