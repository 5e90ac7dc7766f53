package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"staqflow/internal/automation"
)

func (r *Runner) runCatalogCreate(ctx context.Context, cfg map[string]any, ec *automation.ExecutionContext) (any, error) {
	workspaceID := cfgString(cfg, "workspaceId")
	if workspaceID == "" {
		workspaceID = ec.WorkspaceID
	}
	name := cfgString(cfg, "name")
	if name == "" {
		return nil, fmt.Errorf("name is required")
	}

	catalog, err := r.api.CreateCatalog(ctx, workspaceID, name, cfgMap(cfg, "options"))
	if err != nil {
		return nil, fmt.Errorf("create catalog %q: %w", name, err)
	}
	return map[string]any{"catalogId": catalog.ID, "catalogName": catalog.Name}, nil
}

func (r *Runner) runAttributeCreate(ctx context.Context, cfg map[string]any, ec *automation.ExecutionContext) (any, error) {
	catalog, err := r.resolveCatalog(ctx, cfg, ec)
	if err != nil {
		return nil, err
	}
	name := cfgString(cfg, "name")
	if name == "" {
		return nil, fmt.Errorf("name is required")
	}
	attrType := cfgString(cfg, "attributeType")
	if attrType == "" {
		attrType = "TEXT"
	}

	attr, err := r.api.CreateAttribute(ctx, catalog.ID, name, attrType, cfgMap(cfg, "options"))
	if err != nil {
		return nil, fmt.Errorf("create attribute %q on %s: %w", name, catalog.ID, err)
	}
	return map[string]any{"attributeId": attr.ID}, nil
}

func (r *Runner) runWorkspaceMemberAdd(ctx context.Context, cfg map[string]any, ec *automation.ExecutionContext) (any, error) {
	workspaceID := cfgString(cfg, "workspaceId")
	if workspaceID == "" {
		workspaceID = ec.WorkspaceID
	}
	userID := cfgString(cfg, "userId")
	if userID == "" {
		return nil, fmt.Errorf("userId is required")
	}
	role := cfgString(cfg, "role")
	if role == "" {
		role = "member"
	}

	member, err := r.api.AddWorkspaceMember(ctx, workspaceID, userID, role)
	if err != nil {
		return nil, fmt.Errorf("add member %s to %s: %w", userID, workspaceID, err)
	}
	return map[string]any{"memberId": member.ID}, nil
}

func (r *Runner) runOQLExecute(ctx context.Context, cfg map[string]any, ec *automation.ExecutionContext) (any, error) {
	query := cfgString(cfg, "query")
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	workspaceID := cfgString(cfg, "workspaceId")
	if workspaceID == "" {
		workspaceID = ec.WorkspaceID
	}

	result, err := r.api.ExecuteQuery(ctx, workspaceID, query)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	rows := make([]any, len(result.Rows))
	for i, row := range result.Rows {
		rows[i] = row
	}
	if storeAs := cfgString(cfg, "storeResultAs"); storeAs != "" {
		ec.Variables[storeAs] = rows
	}
	return map[string]any{
		"totalCount":      result.TotalCount,
		"executionTimeMs": result.ExecutionTimeMs,
		"rows":            rows,
	}, nil
}

// runWebhookSend delivers one HTTP request with the runner's 10s timeout.
// The upstream's response status is reported as the result; only transport
// failures fail the action.
func (r *Runner) runWebhookSend(ctx context.Context, cfg map[string]any) (any, error) {
	url := cfgString(cfg, "url")
	if url == "" {
		return nil, fmt.Errorf("url is required")
	}
	method := strings.ToUpper(cfgString(cfg, "method"))
	if method == "" {
		method = http.MethodPost
	}

	var body *bytes.Reader
	switch payload := cfg["body"].(type) {
	case nil:
		body = bytes.NewReader(nil)
	case string:
		body = bytes.NewReader([]byte(payload))
	default:
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range cfgMap(cfg, "headers") {
		req.Header.Set(key, anyString(value))
	}

	resp, err := r.webhooks.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	return map[string]any{"status": resp.StatusCode, "statusText": http.StatusText(resp.StatusCode)}, nil
}

// runAutomationTrigger invokes another rule through the executor. Chain depth
// is bounded so self-referential rules can't recurse forever.
func (r *Runner) runAutomationTrigger(ctx context.Context, cfg map[string]any, ec *automation.ExecutionContext) (any, error) {
	if r.chain == nil {
		return nil, fmt.Errorf("chained triggering is not available")
	}
	ruleID := cfgString(cfg, "ruleId")
	if ruleID == "" {
		ruleID = cfgString(cfg, "automationId")
	}
	if ruleID == "" {
		return nil, fmt.Errorf("ruleId is required")
	}
	if ec.ChainDepth+1 > automation.MaxChainDepth {
		return nil, fmt.Errorf("trigger chain exceeds depth %d", automation.MaxChainDepth)
	}

	if _, err := r.chain.TriggerChained(ctx, ruleID, cfgMap(cfg, "parameters"), ec.ChainDepth+1); err != nil {
		return nil, fmt.Errorf("trigger automation %s: %w", ruleID, err)
	}
	return map[string]any{"triggeredAutomationId": ruleID}, nil
}

func (r *Runner) runVariableSet(cfg map[string]any, ec *automation.ExecutionContext) (any, error) {
	name := cfgString(cfg, "name")
	if name == "" {
		return nil, fmt.Errorf("name is required")
	}
	value := cfg["value"]
	ec.Variables[name] = value
	return map[string]any{"name": name, "value": value}, nil
}

func (r *Runner) runLog(cfg map[string]any, ec *automation.ExecutionContext) (any, error) {
	message := cfgString(cfg, "message")
	r.logger.Info("[%s] %s", ec.AutomationName, message)
	return map[string]any{"message": message}, nil
}
