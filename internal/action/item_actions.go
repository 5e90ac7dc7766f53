package action

import (
	"context"
	"fmt"
	"strings"

	"staqflow/internal/automation"
)

func (r *Runner) runItemCreate(ctx context.Context, cfg map[string]any, ec *automation.ExecutionContext) (any, error) {
	catalog, err := r.resolveCatalog(ctx, cfg, ec)
	if err != nil {
		return nil, err
	}
	item, err := r.api.CreateItem(ctx, catalog.ID, cfgMap(cfg, "attributes"))
	if err != nil {
		return nil, fmt.Errorf("create item: %w", err)
	}
	ec.AddCreatedItem(item)
	return map[string]any{"itemId": item.ID, "itemKey": item.Key}, nil
}

func (r *Runner) runItemUpdate(ctx context.Context, cfg map[string]any, ec *automation.ExecutionContext) (any, error) {
	item, err := r.resolveItem(ctx, cfg, ec)
	if err != nil {
		return nil, err
	}
	updated, err := r.api.UpdateItem(ctx, item.ID, cfgMap(cfg, "attributes"))
	if err != nil {
		return nil, fmt.Errorf("update item %s: %w", item.ID, err)
	}
	return map[string]any{"itemId": updated.ID, "itemKey": updated.Key}, nil
}

func (r *Runner) runItemDelete(ctx context.Context, cfg map[string]any, ec *automation.ExecutionContext) (any, error) {
	item, err := r.resolveItem(ctx, cfg, ec)
	if err != nil {
		return nil, err
	}
	if err := r.api.DeleteItem(ctx, item.ID); err != nil {
		return nil, fmt.Errorf("delete item %s: %w", item.ID, err)
	}
	return map[string]any{"deletedItemId": item.ID}, nil
}

// runItemClone reads the source item, merges overrides over its attribute
// values, and creates the copy in the target catalog (default: source's).
func (r *Runner) runItemClone(ctx context.Context, cfg map[string]any, ec *automation.ExecutionContext) (any, error) {
	source, err := r.resolveItem(ctx, cfg, ec)
	if err != nil {
		return nil, err
	}

	targetCatalogID := source.CatalogID
	if cfgString(cfg, "catalogId") != "" || cfgString(cfg, "catalogName") != "" {
		catalog, err := r.resolveCatalog(ctx, cfg, ec)
		if err != nil {
			return nil, err
		}
		targetCatalogID = catalog.ID
	}

	attributes := make(map[string]any, len(source.AttributeValues))
	for name, value := range source.AttributeValues {
		attributes[name] = value
	}
	for name, value := range cfgMap(cfg, "overrides") {
		attributes[name] = value
	}

	clone, err := r.api.CreateItem(ctx, targetCatalogID, attributes)
	if err != nil {
		return nil, fmt.Errorf("clone item %s: %w", source.ID, err)
	}
	ec.AddCreatedItem(clone)
	return map[string]any{"itemId": clone.ID, "itemKey": clone.Key, "sourceItemId": source.ID}, nil
}

// runItemTransition writes the catalog's STATUS-typed attribute. When the
// catalog schema can't be read or carries none, the literal STATUS name is
// used.
func (r *Runner) runItemTransition(ctx context.Context, cfg map[string]any, ec *automation.ExecutionContext) (any, error) {
	item, err := r.resolveItem(ctx, cfg, ec)
	if err != nil {
		return nil, err
	}
	status := cfgString(cfg, "status")
	if status == "" {
		return nil, fmt.Errorf("status is required")
	}

	attributeName := "STATUS"
	if catalog, err := r.api.GetCatalog(ctx, item.CatalogID); err == nil {
		for _, attr := range catalog.Attributes {
			if strings.EqualFold(attr.Type, "STATUS") {
				attributeName = attr.Name
				break
			}
		}
	}

	updated, err := r.api.UpdateItem(ctx, item.ID, map[string]any{attributeName: status})
	if err != nil {
		return nil, fmt.Errorf("transition item %s: %w", item.ID, err)
	}
	return map[string]any{"itemId": updated.ID, "itemKey": updated.Key, "status": status}, nil
}

// runItemLookup executes a query and stores the rows under a context
// variable for later components to read.
func (r *Runner) runItemLookup(ctx context.Context, cfg map[string]any, ec *automation.ExecutionContext) (any, error) {
	query := cfgString(cfg, "query")
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	storeAs := cfgString(cfg, "storeResultAs")
	if storeAs == "" {
		return nil, fmt.Errorf("storeResultAs is required")
	}
	workspaceID := cfgString(cfg, "workspaceId")
	if workspaceID == "" {
		workspaceID = ec.WorkspaceID
	}

	result, err := r.api.ExecuteQuery(ctx, workspaceID, query)
	if err != nil {
		return nil, fmt.Errorf("lookup query failed: %w", err)
	}
	rows := make([]any, len(result.Rows))
	for i, row := range result.Rows {
		rows[i] = row
	}
	ec.Variables[storeAs] = rows
	return map[string]any{"totalCount": result.TotalCount, "storeResultAs": storeAs}, nil
}

func (r *Runner) runAttributeSet(ctx context.Context, cfg map[string]any, ec *automation.ExecutionContext) (any, error) {
	item, err := r.resolveItem(ctx, cfg, ec)
	if err != nil {
		return nil, err
	}
	name := cfgString(cfg, "attributeName")
	if name == "" {
		return nil, fmt.Errorf("attributeName is required")
	}
	value := cfg["value"]

	updated, err := r.api.UpdateItem(ctx, item.ID, map[string]any{name: value})
	if err != nil {
		return nil, fmt.Errorf("set attribute %s on %s: %w", name, item.ID, err)
	}
	return map[string]any{
		"itemId":        updated.ID,
		"itemKey":       updated.Key,
		"attributeName": name,
		"value":         value,
	}, nil
}

func (r *Runner) runReferenceAdd(ctx context.Context, cfg map[string]any, ec *automation.ExecutionContext) (any, error) {
	from, err := r.resolveItem(ctx, cfg, ec)
	if err != nil {
		return nil, err
	}
	toItemID := cfgString(cfg, "toItemId")
	if toItemID == "" {
		return nil, fmt.Errorf("toItemId is required")
	}
	kind := cfgString(cfg, "kind")
	if kind == "" {
		kind = "LINK"
	}

	ref, err := r.api.CreateReference(ctx, from.ID, toItemID, kind, cfgString(cfg, "label"))
	if err != nil {
		return nil, fmt.Errorf("add reference %s -> %s: %w", from.ID, toItemID, err)
	}
	return map[string]any{"referenceId": ref.ID}, nil
}

func (r *Runner) runReferenceRemove(ctx context.Context, cfg map[string]any, ec *automation.ExecutionContext) (any, error) {
	item, err := r.resolveItem(ctx, cfg, ec)
	if err != nil {
		return nil, err
	}
	referenceID := cfgString(cfg, "referenceId")
	if referenceID == "" {
		return nil, fmt.Errorf("referenceId is required")
	}
	if err := r.api.DeleteReference(ctx, item.ID, referenceID); err != nil {
		return nil, fmt.Errorf("remove reference %s: %w", referenceID, err)
	}
	return map[string]any{"deletedReferenceId": referenceID}, nil
}

func (r *Runner) runCommentAdd(ctx context.Context, cfg map[string]any, ec *automation.ExecutionContext) (any, error) {
	item, err := r.resolveItem(ctx, cfg, ec)
	if err != nil {
		return nil, err
	}
	body := cfgString(cfg, "body")
	comment, err := r.api.AddComment(ctx, item.ID, body)
	if err != nil {
		return nil, fmt.Errorf("add comment to %s: %w", item.ID, err)
	}
	return map[string]any{"commentId": comment.ID}, nil
}

func (r *Runner) runItemImport(ctx context.Context, cfg map[string]any, ec *automation.ExecutionContext) (any, error) {
	catalog, err := r.resolveCatalog(ctx, cfg, ec)
	if err != nil {
		return nil, err
	}
	rawRows, _ := cfg["rows"].([]any)
	rows := make([]map[string]any, 0, len(rawRows))
	for i, raw := range rawRows {
		row, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("rows[%d] is not an object", i)
		}
		rows = append(rows, row)
	}

	result, err := r.api.ImportItems(ctx, catalog.ID, rows, cfgString(cfg, "keyColumn"))
	if err != nil {
		return nil, fmt.Errorf("import into %s: %w", catalog.ID, err)
	}
	return map[string]any{
		"created": result.Created,
		"updated": result.Updated,
		"failed":  result.Failed,
	}, nil
}

// runRefetchData re-reads the effective item and swaps the fresh copy into
// whichever context slot it came from.
func (r *Runner) runRefetchData(ctx context.Context, ec *automation.ExecutionContext) (any, error) {
	item := ec.EffectiveItem()
	if item == nil {
		return nil, fmt.Errorf("no item in execution context")
	}
	fresh, err := r.api.GetItem(ctx, item.ID)
	if err != nil {
		return nil, fmt.Errorf("refetch item %s: %w", item.ID, err)
	}
	if ec.CurrentItem != nil {
		ec.CurrentItem = fresh
	} else if ec.Trigger != nil {
		ec.Trigger.Item = fresh
	}
	return map[string]any{"itemId": fresh.ID, "itemKey": fresh.Key}, nil
}
