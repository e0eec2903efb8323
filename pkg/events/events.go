package events

import (
	"sync"
	"time"

	"github.com/apexhq/apex/pkg/types"
)

// EventType represents the type of event. The names are part of the daemon's
// public interface.
type EventType string

const (
	EventDaemonStarted EventType = "daemon:started"
	EventDaemonStopped EventType = "daemon:stopped"
	EventDaemonError   EventType = "daemon:error"

	EventTaskCreated        EventType = "task:created"
	EventTaskStageChanged   EventType = "task:stage-changed"
	EventTaskCompleted      EventType = "task:completed"
	EventTaskFailed         EventType = "task:failed"
	EventTaskSessionResumed EventType = "task:session-resumed"
	EventTasksAutoResumed   EventType = "tasks:auto-resumed"

	EventCapacityRestored EventType = "capacity:restored"
	EventUsageModeChanged EventType = "usage:mode-changed"

	EventOrphanDetected  EventType = "orphan:detected"
	EventOrphanRecovered EventType = "orphan:recovered"

	EventSessionRecovered EventType = "session:recovered"
)

// Event is one published occurrence. Data carries the typed payload for the
// event type; payload structs are defined below. Events are value types
// passed by copy.
type Event struct {
	Type      EventType
	Timestamp time.Time
	TaskID    string
	Message   string
	Data      any
}

// StageChangedPayload accompanies task:stage-changed.
type StageChangedPayload struct {
	Task  *types.Task `json:"task"`
	Stage string      `json:"stage"`
}

// SessionResumedPayload accompanies task:session-resumed.
type SessionResumedPayload struct {
	TaskID         string             `json:"taskId"`
	ResumeReason   string             `json:"resumeReason"`
	ContextSummary string             `json:"contextSummary,omitempty"`
	PreviousStatus types.TaskStatus   `json:"previousStatus"`
	SessionData    *types.SessionData `json:"sessionData,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
}

// AutoResumedPayload accompanies tasks:auto-resumed after a batch resume.
type AutoResumedPayload struct {
	Reason         types.RestoreReason `json:"reason"`
	TotalTasks     int                 `json:"totalTasks"`
	ResumedCount   int                 `json:"resumedCount"`
	Errors         []string            `json:"errors,omitempty"`
	Timestamp      time.Time           `json:"timestamp"`
	ResumeReason   string              `json:"resumeReason,omitempty"`
	ContextSummary string              `json:"contextSummary,omitempty"`
}

// CapacityRestoredPayload accompanies capacity:restored.
type CapacityRestoredPayload struct {
	Reason        types.RestoreReason  `json:"reason"`
	Timestamp     time.Time            `json:"timestamp"`
	PreviousUsage *types.UsageSnapshot `json:"previousUsage,omitempty"`
	CurrentUsage  *types.UsageSnapshot `json:"currentUsage"`
	Mode          types.UsageMode      `json:"mode"`
}

// OrphanDetectedPayload accompanies orphan:detected.
type OrphanDetectedPayload struct {
	Tasks              []*types.Task `json:"tasks"`
	DetectedAt         time.Time     `json:"detectedAt"`
	Reason             string        `json:"reason"` // "startup_check" or "periodic_check"
	StalenessThreshold time.Duration `json:"stalenessThreshold"`
}

// OrphanRecoveredPayload accompanies orphan:recovered, one per healed task.
type OrphanRecoveredPayload struct {
	TaskID         string           `json:"taskId"`
	PreviousStatus types.TaskStatus `json:"previousStatus"`
	NewStatus      types.TaskStatus `json:"newStatus"`
	Action         string           `json:"action"`
	Message        string           `json:"message,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}

// Subscriber is a channel that receives events
type Subscriber chan Event

// Broker manages event subscriptions and distribution. Publishing never
// blocks: the broker buffers events and, when a subscriber's buffer is full,
// drops that subscriber's oldest buffered event rather than stalling the
// producer. Per emitter, listeners observe events in emission order.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

const (
	brokerBuffer     = 256
	subscriberBuffer = 64
)

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan Event, brokerBuffer),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker. Idempotent.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, subscriberBuffer)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Buffer full: evict the oldest queued event, then deliver.
			select {
			case <-sub:
			default:
			}
			select {
			case sub <- event:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
