package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"staqflow/internal/automation"
	apperrors "staqflow/internal/errors"
)

// The tool surface exposes the rule operations as discrete named tools so
// programmatic callers (agents, CLIs) can drive the engine through a single
// endpoint instead of the REST routes.

type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) (any, error)

type toolDescriptor struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Arguments   map[string]string `json:"arguments,omitempty"`
	handler     toolHandler
}

var conditionOperators = []string{
	"equals", "not_equals", "contains", "not_contains",
	"starts_with", "ends_with",
	"greater_than", "less_than", "greater_than_or_equal", "less_than_or_equal",
	"in", "not_in", "is_null", "is_not_null",
	"changed_to", "changed_from", "matches_regex",
}

func toolRegistry() []toolDescriptor {
	return []toolDescriptor{
		{
			Name:        "automation_list",
			Description: "List all automations",
			handler: func(ctx context.Context, s *Server, _ json.RawMessage) (any, error) {
				return s.store.ListAutomations(ctx)
			},
		},
		{
			Name:        "automation_get",
			Description: "Fetch one automation by id",
			Arguments:   map[string]string{"automationId": "string, required"},
			handler: func(ctx context.Context, s *Server, args json.RawMessage) (any, error) {
				id, err := requireID(args, "automationId")
				if err != nil {
					return nil, err
				}
				return s.store.GetAutomation(ctx, id)
			},
		},
		{
			Name:        "automation_create",
			Description: "Create an automation from a full rule definition",
			Arguments:   map[string]string{"automation": "object, required"},
			handler: func(ctx context.Context, s *Server, args json.RawMessage) (any, error) {
				var body struct {
					Automation *automation.Automation `json:"automation"`
				}
				if err := json.Unmarshal(args, &body); err != nil || body.Automation == nil {
					return nil, badArguments("automation object is required")
				}
				if err := s.store.CreateAutomation(ctx, body.Automation); err != nil {
					return nil, err
				}
				if body.Automation.Enabled {
					s.manager.StartOne(body.Automation)
				}
				return body.Automation, nil
			},
		},
		{
			Name:        "automation_update",
			Description: "Replace an automation definition",
			Arguments: map[string]string{
				"automationId": "string, required",
				"automation":   "object, required",
			},
			handler: func(ctx context.Context, s *Server, args json.RawMessage) (any, error) {
				var body struct {
					AutomationID string                 `json:"automationId"`
					Automation   *automation.Automation `json:"automation"`
				}
				if err := json.Unmarshal(args, &body); err != nil || body.Automation == nil || body.AutomationID == "" {
					return nil, badArguments("automationId and automation are required")
				}
				body.Automation.ID = body.AutomationID
				if err := s.store.UpdateAutomation(ctx, body.Automation); err != nil {
					return nil, err
				}
				if err := s.manager.Reload(ctx, body.AutomationID); err != nil {
					s.logger.Warn("Reload after tool update of %s failed: %v", body.AutomationID, err)
				}
				return body.Automation, nil
			},
		},
		{
			Name:        "automation_delete",
			Description: "Delete an automation and stop its watcher",
			Arguments:   map[string]string{"automationId": "string, required"},
			handler: func(ctx context.Context, s *Server, args json.RawMessage) (any, error) {
				id, err := requireID(args, "automationId")
				if err != nil {
					return nil, err
				}
				s.manager.StopOne(id)
				if err := s.store.DeleteAutomation(ctx, id); err != nil {
					return nil, err
				}
				return gin.H{"deleted": id}, nil
			},
		},
		{
			Name:        "automation_set_enabled",
			Description: "Enable or disable an automation",
			Arguments: map[string]string{
				"automationId": "string, required",
				"enabled":      "bool, required",
			},
			handler: func(ctx context.Context, s *Server, args json.RawMessage) (any, error) {
				var body struct {
					AutomationID string `json:"automationId"`
					Enabled      *bool  `json:"enabled"`
				}
				if err := json.Unmarshal(args, &body); err != nil || body.AutomationID == "" || body.Enabled == nil {
					return nil, badArguments("automationId and enabled are required")
				}
				if err := s.store.SetAutomationEnabled(ctx, body.AutomationID, *body.Enabled); err != nil {
					return nil, err
				}
				if err := s.manager.Reload(ctx, body.AutomationID); err != nil {
					s.logger.Warn("Reload after tool toggle of %s failed: %v", body.AutomationID, err)
				}
				return gin.H{"id": body.AutomationID, "enabled": *body.Enabled}, nil
			},
		},
		{
			Name:        "automation_execute",
			Description: "Trigger an automation manually with optional parameters",
			Arguments: map[string]string{
				"automationId": "string, required",
				"parameters":   "object, optional",
			},
			handler: func(ctx context.Context, s *Server, args json.RawMessage) (any, error) {
				var body struct {
					AutomationID string         `json:"automationId"`
					Parameters   map[string]any `json:"parameters"`
				}
				if err := json.Unmarshal(args, &body); err != nil || body.AutomationID == "" {
					return nil, badArguments("automationId is required")
				}
				if body.Parameters == nil {
					body.Parameters = map[string]any{}
				}
				executionID, err := s.executor.TriggerManually(ctx, body.AutomationID, body.Parameters)
				if err != nil {
					return nil, err
				}
				return gin.H{"executionId": executionID}, nil
			},
		},
		{
			Name:        "automation_test",
			Description: "Dry-run an automation and return the component outline",
			Arguments: map[string]string{
				"automationId":    "string, required",
				"mockTriggerData": "object, optional",
			},
			handler: func(ctx context.Context, s *Server, args json.RawMessage) (any, error) {
				var body struct {
					AutomationID    string         `json:"automationId"`
					MockTriggerData map[string]any `json:"mockTriggerData"`
				}
				if err := json.Unmarshal(args, &body); err != nil || body.AutomationID == "" {
					return nil, badArguments("automationId is required")
				}
				outline, err := s.executor.Test(ctx, body.AutomationID, body.MockTriggerData)
				if err != nil {
					return nil, err
				}
				return gin.H{"wouldExecuteComponents": outline}, nil
			},
		},
		{
			Name:        "execution_list",
			Description: "List recent executions, optionally scoped to one automation",
			Arguments: map[string]string{
				"automationId": "string, optional",
				"limit":        "int, optional (default 50)",
			},
			handler: func(ctx context.Context, s *Server, args json.RawMessage) (any, error) {
				var body struct {
					AutomationID string `json:"automationId"`
					Limit        int    `json:"limit"`
				}
				if len(args) > 0 {
					if err := json.Unmarshal(args, &body); err != nil {
						return nil, badArguments("malformed arguments")
					}
				}
				if body.Limit <= 0 {
					body.Limit = 50
				}
				return s.store.ListExecutions(ctx, body.AutomationID, body.Limit)
			},
		},
		{
			Name:        "execution_get",
			Description: "Fetch one execution record by id",
			Arguments:   map[string]string{"executionId": "string, required"},
			handler: func(ctx context.Context, s *Server, args json.RawMessage) (any, error) {
				id, err := requireID(args, "executionId")
				if err != nil {
					return nil, err
				}
				return s.store.GetExecution(ctx, id)
			},
		},
		{
			Name:        "execution_stats",
			Description: "Aggregate execution counts and average duration for an automation",
			Arguments:   map[string]string{"automationId": "string, required"},
			handler: func(ctx context.Context, s *Server, args json.RawMessage) (any, error) {
				id, err := requireID(args, "automationId")
				if err != nil {
					return nil, err
				}
				return s.store.ExecutionStats(ctx, id)
			},
		},
		{
			Name:        "schema_describe",
			Description: "Describe the rule schema: trigger types, action types, condition operators",
			handler: func(_ context.Context, _ *Server, _ json.RawMessage) (any, error) {
				return gin.H{
					"triggerTypes":       automation.TriggerTypes(),
					"actionTypes":        automation.ActionTypes(),
					"conditionOperators": conditionOperators,
					"componentTypes":     []string{"action", "condition", "branch", "if_else"},
				}, nil
			},
		},
	}
}

func requireID(args json.RawMessage, field string) (string, error) {
	var body map[string]string
	if err := json.Unmarshal(args, &body); err != nil || body[field] == "" {
		return "", badArguments(field + " is required")
	}
	return body[field], nil
}

func badArguments(msg string) error {
	return apperrors.New(apperrors.KindValidation, "invalid tool arguments: "+msg)
}

func (s *Server) handleListTools(c *gin.Context) {
	descriptors := toolRegistry()
	c.JSON(http.StatusOK, gin.H{"tools": descriptors, "totalCount": len(descriptors)})
}

func (s *Server) handleCallTool(c *gin.Context) {
	var req struct {
		Tool      string          `json:"tool"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "malformed tool call: "+err.Error())
		return
	}
	for _, desc := range toolRegistry() {
		if desc.Name != req.Tool {
			continue
		}
		result, err := desc.handler(c.Request.Context(), s, req.Arguments)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"tool": req.Tool, "result": result})
		return
	}
	respondError(c, http.StatusNotFound, "unknown_tool", fmt.Sprintf("unknown tool %q", req.Tool))
}
