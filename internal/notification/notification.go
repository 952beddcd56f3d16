package notification

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crewmate/crewmate/internal/config"
	"github.com/crewmate/crewmate/internal/database"
)

// EventType represents the type of event that can trigger a notification
type EventType string

const (
	// EventPush carries an inbox notification to a user's devices.
	EventPush EventType = "push"

	EventSpotSubmitted EventType = "spot_submitted"
	EventReportFiled   EventType = "report_filed"
	EventUserBanned    EventType = "user_banned"
	EventSystemError   EventType = "system_error"
)

// Event represents a notification event. Events with a UserID target that
// user's devices; events without one are admin alerts.
type Event struct {
	Type      EventType
	UserID    int64
	Title     string
	Message   string
	Fields    map[string]string
	Timestamp time.Time
}

// IsAdminAlert reports whether the event is meant for operator channels.
func (e Event) IsAdminAlert() bool {
	return e.UserID == 0
}

// Provider is the interface for notification providers
type Provider interface {
	// Name returns the provider name
	Name() string

	// Handles reports whether the provider delivers this kind of event
	Handles(event Event) bool

	// Send sends a notification
	Send(ctx context.Context, event Event) error

	// Test sends a test notification
	Test(ctx context.Context) error
}

// LogStore records delivery attempts.
type LogStore interface {
	LogNotification(entry *database.NotificationLog) error
}

// QueueSize is the number of events buffered before new ones are dropped.
const QueueSize = 100

// drainTimeout bounds how long Stop keeps delivering already queued events.
const drainTimeout = 5 * time.Second

// Manager fans queued events out to the registered providers from a single
// dispatcher goroutine. Providers for one event are called concurrently.
type Manager struct {
	logs    LogStore
	events  chan Event
	timeout time.Duration

	mu        sync.RWMutex
	providers map[string]Provider
	running   bool
	stop      chan struct{}
	done      chan struct{}
}

// NewManager creates a manager. logs may be nil.
func NewManager(logs LogStore) *Manager {
	return &Manager{
		logs:      logs,
		events:    make(chan Event, QueueSize),
		timeout:   config.GetTimeouts().HTTPClient,
		providers: make(map[string]Provider),
	}
}

// RegisterProvider adds or replaces a provider. The dispatcher starts with the
// first provider.
func (m *Manager) RegisterProvider(name string, provider Provider) {
	m.mu.Lock()
	m.providers[name] = provider
	first := len(m.providers) == 1
	m.mu.Unlock()

	log.Info().Str("provider", name).Msg("Registered notification provider")
	if first {
		m.Start()
	}
}

// UnregisterProvider removes a provider. The dispatcher stops with the last one.
func (m *Manager) UnregisterProvider(name string) {
	m.mu.Lock()
	_, ok := m.providers[name]
	delete(m.providers, name)
	last := ok && len(m.providers) == 0
	m.mu.Unlock()

	if !ok {
		return
	}
	log.Info().Str("provider", name).Msg("Unregistered notification provider")
	if last {
		m.Stop()
	}
}

// ListProviders returns the registered provider names in order.
func (m *Manager) ListProviders() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start launches the dispatcher. It reports false when there is nothing to
// deliver to.
func (m *Manager) Start() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.running:
		return true
	case len(m.providers) == 0:
		return false
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.run(m.stop, m.done)
	log.Info().Int("providers", len(m.providers)).Msg("Notification manager started")
	return true
}

// Stop halts the dispatcher after flushing queued events.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stop, done := m.stop, m.done
	m.mu.Unlock()

	close(stop)
	<-done
	log.Info().Msg("Notification manager stopped")
}

// IsRunning reports whether the dispatcher is active.
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Notify queues event, dropping it when the queue is full.
func (m *Manager) Notify(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case m.events <- event:
	default:
		log.Warn().Str("type", string(event.Type)).Int64("user_id", event.UserID).Msg("Notification queue full, dropping event")
	}
}

// NotifyAdmins queues an admin alert.
func (m *Manager) NotifyAdmins(eventType EventType, title, message string, fields map[string]string) {
	m.Notify(Event{Type: eventType, Title: title, Message: message, Fields: fields})
}

func (m *Manager) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Notification dispatcher panicked")
		}
	}()

	for {
		select {
		case event := <-m.events:
			m.dispatch(event)
		case <-stop:
			m.drain()
			return
		}
	}
}

// drain delivers whatever is still queued, giving up after drainTimeout.
func (m *Manager) drain() {
	deadline := time.After(drainTimeout)
	for {
		select {
		case event := <-m.events:
			m.dispatch(event)
		case <-deadline:
			log.Warn().Int("pending", len(m.events)).Msg("Gave up flushing notification queue")
			return
		default:
			return
		}
	}
}

func (m *Manager) dispatch(event Event) {
	m.mu.RLock()
	var targets []Provider
	for _, p := range m.providers {
		if p.Handles(event) {
			targets = append(targets, p)
		}
	}
	m.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, p := range targets {
		wg.Go(func() {
			m.record(event, p.Name(), deliver(ctx, p, event))
		})
	}
	wg.Wait()
}

// deliver sends event once more after a rate-limit response.
func deliver(ctx context.Context, p Provider, event Event) error {
	err := p.Send(ctx, event)
	wait, ok := retryDelay(err)
	if !ok {
		return err
	}
	log.Debug().Str("provider", p.Name()).Dur("wait", wait).Msg("Notification rate limited, retrying once")
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return p.Send(ctx, event)
	case <-ctx.Done():
		return err
	}
}

func (m *Manager) record(event Event, provider string, sendErr error) {
	entry := &database.NotificationLog{
		Provider:  provider,
		EventType: string(event.Type),
		Title:     event.Title,
		Message:   event.Message,
		Status:    "sent",
	}
	if sendErr != nil {
		entry.Status = "failed"
		entry.Error = sendErr.Error()
		log.Error().Err(sendErr).Str("provider", provider).Str("event", string(event.Type)).Msg("Failed to send notification")
	} else {
		log.Debug().Str("provider", provider).Str("event", string(event.Type)).Msg("Notification sent")
	}

	if m.logs == nil {
		return
	}
	if err := m.logs.LogNotification(entry); err != nil {
		log.Error().Err(err).Msg("Failed to log notification")
	}
}

// TestProvider sends a test message through the named provider.
func (m *Manager) TestProvider(name string) error {
	m.mu.RLock()
	provider, ok := m.providers[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("provider not found: %s", name)
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	return provider.Test(ctx)
}
