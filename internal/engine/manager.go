package engine

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"staqflow/internal/automation"
	"staqflow/internal/logging"
	"staqflow/internal/metrics"
	"staqflow/internal/onstaq"
	"staqflow/internal/template"
)

// Manager installs at most one live watcher per enabled automation: a
// polling goroutine, a cron entry, or nothing for push-style triggers.
type Manager struct {
	store    Store
	api      onstaq.API
	executor *Executor
	resolver *template.Resolver
	metrics  *metrics.Metrics
	logger   logging.Logger

	defaultPoll time.Duration
	minPoll     time.Duration

	cron     *cron.Cron
	mu       sync.Mutex
	entryIDs map[string]cron.EntryID // automation id → cron entry
	pollers  map[string]*poller      // automation id → poll loop
	running  atomic.Bool
	stopOnce sync.Once
}

type poller struct {
	stop chan struct{}
	done chan struct{}
}

// NewManager creates the trigger manager. defaultPoll and minPoll mirror the
// configured poll cadence; the effective interval is max(rule, min).
func NewManager(store Store, api onstaq.API, executor *Executor, resolver *template.Resolver, defaultPoll, minPoll time.Duration, m *metrics.Metrics) *Manager {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Manager{
		store:       store,
		api:         api,
		executor:    executor,
		resolver:    resolver,
		metrics:     m,
		logger:      logging.NewComponentLogger("TriggerManager"),
		defaultPoll: defaultPoll,
		minPoll:     minPoll,
		cron:        cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		entryIDs:    make(map[string]cron.EntryID),
		pollers:     make(map[string]*poller),
	}
}

// StartAll installs watchers for every enabled automation and starts the
// cron runner.
func (m *Manager) StartAll(ctx context.Context) error {
	m.running.Store(true)
	m.cron.Start()

	autos, err := m.store.ListEnabledAutomations(ctx)
	if err != nil {
		return fmt.Errorf("list enabled automations: %w", err)
	}
	for _, auto := range autos {
		m.StartOne(auto)
	}
	m.logger.Info("Trigger manager started with %d automations", len(autos))
	return nil
}

// StartOne installs the watcher for a single automation. Push-style triggers
// (manual, webhook.received) need none.
func (m *Manager) StartOne(auto *automation.Automation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startOneLocked(auto)
}

func (m *Manager) startOneLocked(auto *automation.Automation) {
	switch {
	case auto.Trigger.IsPolling():
		if _, exists := m.pollers[auto.ID]; exists {
			return
		}
		p := &poller{stop: make(chan struct{}), done: make(chan struct{})}
		m.pollers[auto.ID] = p
		go m.pollLoop(auto, p)

	case auto.Trigger.Type == automation.TriggerSchedule:
		if _, exists := m.entryIDs[auto.ID]; exists {
			return
		}
		spec := auto.Trigger.Cron
		if tz := auto.Trigger.Timezone; tz != "" && !strings.HasPrefix(spec, "CRON_TZ=") {
			spec = fmt.Sprintf("CRON_TZ=%s %s", tz, spec)
		}
		autoID := auto.ID
		entryID, err := m.cron.AddFunc(spec, func() {
			m.fireSchedule(autoID)
		})
		if err != nil {
			// The rule stays watcher-less until reloaded with a valid
			// expression.
			m.logger.Error("Invalid cron %q for automation %s: %v", auto.Trigger.Cron, auto.ID, err)
			return
		}
		m.entryIDs[auto.ID] = entryID
	}
}

// StopOne removes the automation's watcher. Idempotent.
func (m *Manager) StopOne(automationID string) {
	m.mu.Lock()
	p := m.pollers[automationID]
	delete(m.pollers, automationID)
	if entryID, exists := m.entryIDs[automationID]; exists {
		m.cron.Remove(entryID)
		delete(m.entryIDs, automationID)
	}
	m.mu.Unlock()

	if p != nil {
		close(p.stop)
		<-p.done
	}
}

// StopAll marks the manager not-running and tears down every watcher.
// Subsequent tick callbacks exit immediately. Idempotent.
func (m *Manager) StopAll() {
	m.stopOnce.Do(func() {
		m.running.Store(false)
		stopCtx := m.cron.Stop()
		<-stopCtx.Done()

		m.mu.Lock()
		pollers := m.pollers
		m.pollers = make(map[string]*poller)
		m.entryIDs = make(map[string]cron.EntryID)
		m.mu.Unlock()

		for _, p := range pollers {
			close(p.stop)
			<-p.done
		}
		m.logger.Info("Trigger manager stopped")
	})
}

// Reload replaces the automation's watcher with one built from the current
// persisted rule. Disabled rules end up with no watcher.
func (m *Manager) Reload(ctx context.Context, automationID string) error {
	m.StopOne(automationID)
	auto, err := m.store.GetAutomation(ctx, automationID)
	if err != nil {
		return err
	}
	if auto.Enabled && m.running.Load() {
		m.StartOne(auto)
	}
	return nil
}

func (m *Manager) fireSchedule(automationID string) {
	if !m.running.Load() {
		return
	}
	ctx := context.Background()
	auto, err := m.store.GetAutomation(ctx, automationID)
	if err != nil {
		m.logger.Warn("Schedule fire: automation %s unavailable: %v", automationID, err)
		return
	}
	event := automation.NewTriggerEvent(automation.TriggerSchedule)
	event.ScheduleTime = time.Now().UTC().Format(time.RFC3339)
	if _, err := m.executor.Dispatch(ctx, auto, event); err != nil {
		m.logger.Warn("Schedule fire for %s failed: %v", automationID, err)
	}
}

// pollLoop runs the periodic tick for one automation. The first poll runs
// immediately after install; ticks for one rule never overlap.
func (m *Manager) pollLoop(auto *automation.Automation, p *poller) {
	defer close(p.done)

	interval := m.defaultPoll
	if auto.Trigger.PollIntervalMs > 0 {
		interval = time.Duration(auto.Trigger.PollIntervalMs) * time.Millisecond
	}
	if interval < m.minPoll {
		interval = m.minPoll
	}

	m.tick(auto)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			m.tick(auto)
		}
	}
}

func (m *Manager) tick(auto *automation.Automation) {
	if !m.running.Load() {
		return
	}
	ctx := context.Background()
	if err := m.pollOnce(ctx, auto); err != nil {
		m.metrics.IncPollError(auto.Trigger.Type)
		m.logger.Warn("Poll for automation %s (%s) failed: %v", auto.ID, auto.Trigger.Type, err)
		return
	}
	m.metrics.IncPollTick(auto.Trigger.Type)
}

// HandleWebhook routes an inbound webhook delivery to every enabled
// webhook.received automation registered on the path. Signature and filter
// checks happen per automation; mismatches skip the rule rather than failing
// the delivery. Returns the execution ids started.
func (m *Manager) HandleWebhook(ctx context.Context, path string, rawBody []byte, signature string, payload map[string]any) ([]string, error) {
	if !m.running.Load() {
		return nil, fmt.Errorf("trigger manager is stopped")
	}
	autos, err := m.store.ListEnabledAutomations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list automations: %w", err)
	}

	var executionIDs []string
	for _, auto := range autos {
		if auto.Trigger.Type != automation.TriggerWebhook {
			continue
		}
		if auto.Trigger.Path != "" && auto.Trigger.Path != path {
			continue
		}
		if auto.Trigger.Secret != "" && !verifySignature(rawBody, signature, auto.Trigger.Secret) {
			m.logger.Warn("Webhook signature mismatch for automation %s on path %s", auto.ID, path)
			continue
		}
		if !matchesFilter(payload, auto.Trigger.Filter) {
			continue
		}

		event := automation.NewTriggerEvent(automation.TriggerWebhook)
		event.WebhookPayload = payload
		executionID, err := m.executor.Dispatch(ctx, auto, event)
		if err != nil {
			m.logger.Warn("Webhook dispatch for %s failed: %v", auto.ID, err)
			continue
		}
		executionIDs = append(executionIDs, executionID)
	}
	return executionIDs, nil
}

// verifySignature checks an HMAC-SHA256 hex signature in constant time. A
// "sha256=" prefix is tolerated.
func verifySignature(body []byte, signature, secret string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

// matchesFilter requires every filter key to loosely equal the payload value
// at that (dotted) path.
func matchesFilter(payload map[string]any, filter map[string]any) bool {
	for key, want := range filter {
		var got any = payload
		for _, segment := range strings.Split(key, ".") {
			m, ok := got.(map[string]any)
			if !ok {
				return false
			}
			got = m[segment]
		}
		if fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}
