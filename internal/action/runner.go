// Package action executes the effectful steps of a rule program against the
// upstream service.
package action

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"staqflow/internal/automation"
	"staqflow/internal/logging"
	"staqflow/internal/onstaq"
	"staqflow/internal/template"
)

// ChainTrigger is the subset of the executor interface the automation.trigger
// action needs. The engine registers itself after construction to break the
// dependency cycle.
type ChainTrigger interface {
	TriggerChained(ctx context.Context, automationID string, parameters map[string]any, chainDepth int) (string, error)
}

// Runner dispatches action nodes to their handlers. Config strings pass
// through the template resolver before use.
type Runner struct {
	api      onstaq.API
	resolver *template.Resolver
	webhooks *http.Client
	chain    ChainTrigger
	logger   logging.Logger
}

// NewRunner creates an action runner. Webhook deliveries use their own short
// timeout, independent of the upstream client's.
func NewRunner(api onstaq.API, resolver *template.Resolver) *Runner {
	return &Runner{
		api:      api,
		resolver: resolver,
		webhooks: &http.Client{Timeout: 10 * time.Second},
		logger:   logging.NewComponentLogger("ActionRunner"),
	}
}

// SetChainTrigger registers the executor entry point used by the
// automation.trigger action.
func (r *Runner) SetChainTrigger(chain ChainTrigger) {
	r.chain = chain
}

// Run resolves the node's config and executes it, returning the compact
// result payload. Any error fails the component.
func (r *Runner) Run(ctx context.Context, node *automation.ActionNode, ec *automation.ExecutionContext) (any, error) {
	resolved, err := r.resolver.ResolveDeep(ctx, node.Config, ec)
	if err != nil {
		return nil, fmt.Errorf("resolve config: %w", err)
	}
	cfg, _ := resolved.(map[string]any)
	if cfg == nil {
		cfg = map[string]any{}
	}

	switch node.Type {
	case automation.ActionItemCreate:
		return r.runItemCreate(ctx, cfg, ec)
	case automation.ActionItemUpdate:
		return r.runItemUpdate(ctx, cfg, ec)
	case automation.ActionItemDelete:
		return r.runItemDelete(ctx, cfg, ec)
	case automation.ActionItemClone:
		return r.runItemClone(ctx, cfg, ec)
	case automation.ActionItemTransition:
		return r.runItemTransition(ctx, cfg, ec)
	case automation.ActionItemLookup:
		return r.runItemLookup(ctx, cfg, ec)
	case automation.ActionAttributeSet:
		return r.runAttributeSet(ctx, cfg, ec)
	case automation.ActionReferenceAdd:
		return r.runReferenceAdd(ctx, cfg, ec)
	case automation.ActionReferenceRemove:
		return r.runReferenceRemove(ctx, cfg, ec)
	case automation.ActionCommentAdd:
		return r.runCommentAdd(ctx, cfg, ec)
	case automation.ActionItemImport:
		return r.runItemImport(ctx, cfg, ec)
	case automation.ActionCatalogCreate:
		return r.runCatalogCreate(ctx, cfg, ec)
	case automation.ActionAttributeCreate:
		return r.runAttributeCreate(ctx, cfg, ec)
	case automation.ActionWorkspaceMemberAdd:
		return r.runWorkspaceMemberAdd(ctx, cfg, ec)
	case automation.ActionOQLExecute:
		return r.runOQLExecute(ctx, cfg, ec)
	case automation.ActionWebhookSend:
		return r.runWebhookSend(ctx, cfg)
	case automation.ActionAutomationTrigger:
		return r.runAutomationTrigger(ctx, cfg, ec)
	case automation.ActionVariableSet:
		return r.runVariableSet(cfg, ec)
	case automation.ActionLog:
		return r.runLog(cfg, ec)
	case automation.ActionRefetchData:
		return r.runRefetchData(ctx, ec)
	default:
		return nil, fmt.Errorf("unknown action type %q", node.Type)
	}
}

// resolveItem applies the item-addressing convention: explicit itemId wins,
// then itemKey, then useTriggeredItem (default true) which prefers the
// branch iteration item over the triggered one.
func (r *Runner) resolveItem(ctx context.Context, cfg map[string]any, ec *automation.ExecutionContext) (*onstaq.Item, error) {
	if itemID := cfgString(cfg, "itemId"); itemID != "" {
		item, err := r.api.GetItem(ctx, itemID)
		if err != nil {
			return nil, fmt.Errorf("item %s: %w", itemID, err)
		}
		return item, nil
	}
	if itemKey := cfgString(cfg, "itemKey"); itemKey != "" {
		item, err := r.api.FindItemByKey(ctx, ec.WorkspaceID, itemKey)
		if err != nil {
			return nil, fmt.Errorf("item key %q: %w", itemKey, err)
		}
		return item, nil
	}
	if !cfgBool(cfg, "useTriggeredItem", true) {
		return nil, fmt.Errorf("no item address in config")
	}
	item := ec.EffectiveItem()
	if item == nil {
		return nil, fmt.Errorf("no item in execution context")
	}
	return item, nil
}

// resolveCatalog resolves catalogId, or catalogName by case-insensitive match
// within the rule's workspace.
func (r *Runner) resolveCatalog(ctx context.Context, cfg map[string]any, ec *automation.ExecutionContext) (*onstaq.Catalog, error) {
	if catalogID := cfgString(cfg, "catalogId"); catalogID != "" {
		catalog, err := r.api.GetCatalog(ctx, catalogID)
		if err != nil {
			return nil, fmt.Errorf("catalog %s: %w", catalogID, err)
		}
		return catalog, nil
	}
	name := cfgString(cfg, "catalogName")
	if name == "" {
		return nil, fmt.Errorf("no catalog address in config")
	}
	catalogs, err := r.api.ListCatalogs(ctx, ec.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("list catalogs: %w", err)
	}
	for i := range catalogs {
		if strings.EqualFold(catalogs[i].Name, name) {
			return &catalogs[i], nil
		}
	}
	return nil, fmt.Errorf("catalog %q not found in workspace %s", name, ec.WorkspaceID)
}

func cfgString(cfg map[string]any, key string) string {
	return anyString(cfg[key])
}

func anyString(v any) string {
	switch typed := v.(type) {
	case nil:
		return ""
	case string:
		return typed
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(typed)
	default:
		return fmt.Sprintf("%v", typed)
	}
}

func cfgBool(cfg map[string]any, key string, fallback bool) bool {
	switch typed := cfg[key].(type) {
	case bool:
		return typed
	case string:
		parsed, err := strconv.ParseBool(typed)
		if err != nil {
			return fallback
		}
		return parsed
	default:
		return fallback
	}
}

func cfgMap(cfg map[string]any, key string) map[string]any {
	m, _ := cfg[key].(map[string]any)
	return m
}
