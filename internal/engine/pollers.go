package engine

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"staqflow/internal/automation"
	"staqflow/internal/onstaq"
	"staqflow/internal/utils/id"
)

// pollWindow is the list page scanned per tick. Combined with the bookmark
// and fingerprints it bounds per-tick upstream load.
const pollWindow = 20

type candidate struct {
	event       *automation.TriggerEvent
	fingerprint string
}

// fingerprint is a short hex digest of the canonical event string. The
// canonical strings are stable so dedup state survives restarts.
func fingerprint(canonical string) string {
	sum := sha1.Sum([]byte(canonical))
	return hex.EncodeToString(sum[:])[:16]
}

func (m *Manager) pollOnce(ctx context.Context, auto *automation.Automation) error {
	state, err := m.store.GetTriggerState(ctx, auto.ID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if state == nil {
		// First use: prime the bookmark at "now" so pre-existing items
		// don't fire an event storm.
		state = &automation.TriggerState{
			ID:            id.NewTriggerStateID(),
			AutomationID:  auto.ID,
			LastCheckedAt: now,
			LastSeenData:  map[string]any{},
			UpdatedAt:     now,
		}
		if err := m.store.SaveTriggerState(ctx, state); err != nil {
			return err
		}
	}
	if state.LastSeenData == nil {
		state.LastSeenData = map[string]any{}
	}

	candidates, err := m.detect(ctx, auto, state)
	if err != nil {
		// The bookmark stays put so the next tick reprocesses the window.
		return err
	}

	for _, cand := range candidates {
		if cand.fingerprint != "" && state.LastSeenData[cand.fingerprint] != nil {
			continue
		}
		if _, err := m.executor.Dispatch(ctx, auto, cand.event); err != nil {
			return err
		}
		if cand.fingerprint != "" {
			state.LastSeenData[cand.fingerprint] = true
			state.UpdatedAt = time.Now().UTC()
			if err := m.store.SaveTriggerState(ctx, state); err != nil {
				return err
			}
		}
	}

	state.LastCheckedAt = now
	state.UpdatedAt = time.Now().UTC()
	return m.store.SaveTriggerState(ctx, state)
}

func (m *Manager) detect(ctx context.Context, auto *automation.Automation, state *automation.TriggerState) ([]candidate, error) {
	switch auto.Trigger.Type {
	case automation.TriggerItemCreated:
		return m.detectItemCreated(ctx, auto, state)
	case automation.TriggerItemUpdated:
		return m.detectItemUpdated(ctx, auto, state)
	case automation.TriggerItemDeleted:
		return m.detectItemDeleted(ctx, auto, state)
	case automation.TriggerAttributeChange:
		return m.detectAttributeChanged(ctx, auto, state)
	case automation.TriggerStatusChanged:
		return m.detectStatusChanged(ctx, auto, state)
	case automation.TriggerReferenceAdded, automation.TriggerItemLinked:
		return m.detectReferenceEvents(ctx, auto, state, onstaq.HistoryActionReferenceAdded)
	case automation.TriggerItemUnlinked:
		return m.detectReferenceEvents(ctx, auto, state, onstaq.HistoryActionReferenceRemoved)
	case automation.TriggerItemCommented:
		return m.detectItemCommented(ctx, auto, state)
	case automation.TriggerOQLMatch:
		return m.detectOQLMatch(ctx, auto, state)
	default:
		return nil, fmt.Errorf("trigger type %q is not poll-driven", auto.Trigger.Type)
	}
}

func (m *Manager) listRecent(ctx context.Context, catalogID, sortBy string) ([]onstaq.Item, error) {
	page, err := m.api.ListItems(ctx, catalogID, onstaq.ListOptions{
		SortBy:    sortBy,
		SortOrder: "desc",
		Limit:     pollWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("list items in %s: %w", catalogID, err)
	}
	return page.Items, nil
}

func (m *Manager) detectItemCreated(ctx context.Context, auto *automation.Automation, state *automation.TriggerState) ([]candidate, error) {
	items, err := m.listRecent(ctx, auto.Trigger.CatalogID, "createdAt")
	if err != nil {
		return nil, err
	}
	var out []candidate
	for i := range items {
		item := items[i]
		if !item.CreatedAt.After(state.LastCheckedAt) {
			continue
		}
		event := automation.NewTriggerEvent(automation.TriggerItemCreated)
		event.Item = &item
		out = append(out, candidate{
			event:       event,
			fingerprint: fingerprint("item.created:" + item.ID),
		})
	}
	return out, nil
}

func (m *Manager) detectItemUpdated(ctx context.Context, auto *automation.Automation, state *automation.TriggerState) ([]candidate, error) {
	items, err := m.listRecent(ctx, auto.Trigger.CatalogID, "updatedAt")
	if err != nil {
		return nil, err
	}
	var out []candidate
	for i := range items {
		item := items[i]
		if !item.UpdatedAt.After(state.LastCheckedAt) {
			continue
		}
		event := automation.NewTriggerEvent(automation.TriggerItemUpdated)
		event.Item = &item
		event.PreviousValues = m.previousValues(ctx, item.ID)
		out = append(out, candidate{
			event:       event,
			fingerprint: fingerprint(fmt.Sprintf("item.updated:%s:%s", item.ID, item.UpdatedAt.UTC().Format(time.RFC3339Nano))),
		})
	}
	return out, nil
}

// detectItemDeleted diffs the current id set against the one recorded on the
// previous tick; ids that disappeared are deletions.
func (m *Manager) detectItemDeleted(ctx context.Context, auto *automation.Automation, state *automation.TriggerState) ([]candidate, error) {
	items, err := m.listRecent(ctx, auto.Trigger.CatalogID, "createdAt")
	if err != nil {
		return nil, err
	}
	current := make(map[string]bool, len(items))
	currentIDs := make([]any, 0, len(items))
	for _, item := range items {
		current[item.ID] = true
		currentIDs = append(currentIDs, item.ID)
	}

	var out []candidate
	if previous, ok := state.LastSeenData["knownItemIds"].([]any); ok {
		for _, raw := range previous {
			itemID, _ := raw.(string)
			if itemID == "" || current[itemID] {
				continue
			}
			event := automation.NewTriggerEvent(automation.TriggerItemDeleted)
			event.Item = &onstaq.Item{ID: itemID, CatalogID: auto.Trigger.CatalogID, WorkspaceID: auto.WorkspaceID}
			out = append(out, candidate{
				event:       event,
				fingerprint: fingerprint("item.deleted:" + itemID),
			})
		}
	}
	state.LastSeenData["knownItemIds"] = currentIDs
	return out, nil
}

func (m *Manager) detectAttributeChanged(ctx context.Context, auto *automation.Automation, state *automation.TriggerState) ([]candidate, error) {
	items, err := m.listRecent(ctx, auto.Trigger.CatalogID, "updatedAt")
	if err != nil {
		return nil, err
	}
	var out []candidate
	for i := range items {
		item := items[i]
		if !item.UpdatedAt.After(state.LastCheckedAt) {
			continue
		}
		changes := m.latestUpdateChanges(ctx, item.ID)
		change, ok := changes[auto.Trigger.AttributeName]
		if !ok {
			continue
		}
		event := automation.NewTriggerEvent(automation.TriggerAttributeChange)
		event.Item = &item
		event.PreviousValues = map[string]any{auto.Trigger.AttributeName: change.From}
		out = append(out, candidate{
			event: event,
			fingerprint: fingerprint(fmt.Sprintf("attribute.changed:%s:%s:%s",
				item.ID, item.UpdatedAt.UTC().Format(time.RFC3339Nano), auto.Trigger.AttributeName)),
		})
	}
	return out, nil
}

// detectStatusChanged watches the catalog's STATUS-typed attribute, falling
// back to the distinguished @status history field.
func (m *Manager) detectStatusChanged(ctx context.Context, auto *automation.Automation, state *automation.TriggerState) ([]candidate, error) {
	statusAttr := "@status"
	if auto.Trigger.CatalogID != "" {
		if catalog, err := m.api.GetCatalog(ctx, auto.Trigger.CatalogID); err == nil {
			for _, attr := range catalog.Attributes {
				if strings.EqualFold(attr.Type, "STATUS") {
					statusAttr = attr.Name
					break
				}
			}
		}
	}

	items, err := m.listRecent(ctx, auto.Trigger.CatalogID, "updatedAt")
	if err != nil {
		return nil, err
	}
	var out []candidate
	for i := range items {
		item := items[i]
		if !item.UpdatedAt.After(state.LastCheckedAt) {
			continue
		}
		changes := m.latestUpdateChanges(ctx, item.ID)
		change, ok := changes[statusAttr]
		if !ok {
			change, ok = changes["@status"]
		}
		if !ok {
			continue
		}
		if auto.Trigger.From != "" && !strings.EqualFold(fmt.Sprintf("%v", change.From), auto.Trigger.From) {
			continue
		}
		if auto.Trigger.To != "" && !strings.EqualFold(fmt.Sprintf("%v", change.To), auto.Trigger.To) {
			continue
		}
		event := automation.NewTriggerEvent(automation.TriggerStatusChanged)
		event.Item = &item
		event.PreviousValues = map[string]any{statusAttr: change.From}
		out = append(out, candidate{
			event: event,
			fingerprint: fingerprint(fmt.Sprintf("status.changed:%s:%s",
				item.ID, item.UpdatedAt.UTC().Format(time.RFC3339Nano))),
		})
	}
	return out, nil
}

func (m *Manager) detectReferenceEvents(ctx context.Context, auto *automation.Automation, state *automation.TriggerState, historyAction string) ([]candidate, error) {
	items, err := m.listRecent(ctx, auto.Trigger.CatalogID, "updatedAt")
	if err != nil {
		return nil, err
	}
	var out []candidate
	for i := range items {
		item := items[i]
		entries, err := m.api.ListHistory(ctx, item.ID)
		if err != nil {
			return nil, fmt.Errorf("history for %s: %w", item.ID, err)
		}
		for _, entry := range entries {
			if entry.Action != historyAction || !entry.CreatedAt.After(state.LastCheckedAt) {
				continue
			}
			if kind := auto.Trigger.ReferenceKind; kind != "" {
				entryKind, _ := entry.Metadata["kind"].(string)
				if !strings.EqualFold(entryKind, kind) {
					continue
				}
			}
			entryTag := entry.ID
			if entryTag == "" {
				entryTag = entry.CreatedAt.UTC().Format(time.RFC3339Nano)
			}
			event := automation.NewTriggerEvent(auto.Trigger.Type)
			event.Item = &item
			out = append(out, candidate{
				event:       event,
				fingerprint: fingerprint(fmt.Sprintf("%s:%s:%s", auto.Trigger.Type, item.ID, entryTag)),
			})
		}
	}
	return out, nil
}

func (m *Manager) detectItemCommented(ctx context.Context, auto *automation.Automation, state *automation.TriggerState) ([]candidate, error) {
	items, err := m.listRecent(ctx, auto.Trigger.CatalogID, "updatedAt")
	if err != nil {
		return nil, err
	}
	var out []candidate
	for i := range items {
		item := items[i]
		comments, err := m.api.ListComments(ctx, item.ID)
		if err != nil {
			return nil, fmt.Errorf("comments for %s: %w", item.ID, err)
		}
		for _, comment := range comments {
			if !comment.CreatedAt.After(state.LastCheckedAt) {
				continue
			}
			event := automation.NewTriggerEvent(automation.TriggerItemCommented)
			event.Item = &item
			out = append(out, candidate{
				event:       event,
				fingerprint: fingerprint(fmt.Sprintf("item.commented:%s:%s", item.ID, comment.ID)),
			})
		}
	}
	return out, nil
}

// detectOQLMatch executes the trigger query each tick and fires per the
// triggerOn policy. The first observation primes the count without firing.
func (m *Manager) detectOQLMatch(ctx context.Context, auto *automation.Automation, state *automation.TriggerState) ([]candidate, error) {
	result, err := m.api.ExecuteQuery(ctx, auto.WorkspaceID, auto.Trigger.Query)
	if err != nil {
		return nil, fmt.Errorf("trigger query failed: %w", err)
	}

	prevCount := -1
	if raw, ok := state.LastSeenData["oqlCount"]; ok {
		switch typed := raw.(type) {
		case float64:
			prevCount = int(typed)
		case int:
			prevCount = typed
		}
	}
	state.LastSeenData["oqlCount"] = result.TotalCount

	fire := false
	switch auto.Trigger.TriggerOn {
	case automation.OQLTriggerNewResults:
		fire = prevCount >= 0 && result.TotalCount > prevCount
	case automation.OQLTriggerCountChange:
		fire = prevCount >= 0 && result.TotalCount != prevCount
	default: // any_results
		fire = result.TotalCount > 0
	}
	if !fire {
		return nil, nil
	}

	event := automation.NewTriggerEvent(automation.TriggerOQLMatch)
	event.OQLResults = result
	return []candidate{{event: event}}, nil
}

// previousValues reads the item's history and extracts the "from" side of
// the most recent UPDATED entry.
func (m *Manager) previousValues(ctx context.Context, itemID string) map[string]any {
	changes := m.latestUpdateChanges(ctx, itemID)
	if len(changes) == 0 {
		return nil
	}
	previous := make(map[string]any, len(changes))
	for field, change := range changes {
		previous[field] = change.From
	}
	return previous
}

func (m *Manager) latestUpdateChanges(ctx context.Context, itemID string) map[string]onstaq.FieldChange {
	entries, err := m.api.ListHistory(ctx, itemID)
	if err != nil {
		m.logger.Debug("History unavailable for %s: %v", itemID, err)
		return nil
	}
	var latest *onstaq.HistoryEntry
	for i := range entries {
		entry := &entries[i]
		if entry.Action != onstaq.HistoryActionUpdated {
			continue
		}
		if latest == nil || entry.CreatedAt.After(latest.CreatedAt) {
			latest = entry
		}
	}
	if latest == nil {
		return nil
	}
	return latest.Changes
}
