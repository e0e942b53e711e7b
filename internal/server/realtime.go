package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/labpresence/internal/ledger"
	"github.com/MarcoPoloResearchLab/labpresence/internal/replies"
	"github.com/MarcoPoloResearchLab/labpresence/internal/scheduler"
)

const (
	RealtimeEventStatusChanged = "status-change"
	RealtimeEventReminder      = "reminder"
	realtimeEventHeartbeat     = "heartbeat"
	realtimeEventReady         = "ready"
)

// allUsersKey registers subscribers that receive every user's messages.
const allUsersKey = "*"

type RealtimeMessage struct {
	UserID    string       `json:"user_id"`
	EventType string       `json:"event_type"`
	Username  string       `json:"username,omitempty"`
	State     ledger.State `json:"state,omitempty"`
	LabName   string       `json:"lab_name,omitempty"`
	EnteredAt *time.Time   `json:"entered_at,omitempty"`
	Text      string       `json:"text,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// RealtimeDispatcher fans presence changes out to stream subscribers.
// It satisfies presence.Observer and scheduler.Notifier.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
		clock:       time.Now,
	}
}

// Subscribe registers a stream for userID; an empty userID receives every user's messages.
// The subscription ends when ctx is done or cleanup is called.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID string) (<-chan RealtimeMessage, func()) {
	key := userID
	if key == "" {
		key = allUsersKey
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(key, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(key, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers message without blocking; slow subscribers drop messages.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.UserID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	copies := make([]*realtimeSubscriber, 0, len(d.subscribers[message.UserID])+len(d.subscribers[allUsersKey]))
	for _, subscriber := range d.subscribers[message.UserID] {
		copies = append(copies, subscriber)
	}
	for _, subscriber := range d.subscribers[allUsersKey] {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// StatusChanged implements presence.Observer.
func (d *RealtimeDispatcher) StatusChanged(status ledger.CurrentStatus) {
	d.Publish(RealtimeMessage{
		UserID:    status.UserID,
		EventType: RealtimeEventStatusChanged,
		Username:  status.Username,
		State:     status.State,
		LabName:   status.Lab(),
		EnteredAt: status.EnteredAt,
		Timestamp: status.UpdatedAt.UTC(),
	})
}

// Remind implements scheduler.Notifier by pushing the reminder to connected clients.
func (d *RealtimeDispatcher) Remind(_ context.Context, reminder scheduler.Reminder) error {
	timestamp := reminder.At
	if timestamp.IsZero() {
		timestamp = d.clock()
	}
	d.Publish(RealtimeMessage{
		UserID:    reminder.UserID,
		EventType: RealtimeEventReminder,
		Username:  reminder.Username,
		State:     reminder.State,
		Text:      replies.RenderReminder(reminder.Username),
		Timestamp: timestamp.UTC(),
	})
	return nil
}

func (d *RealtimeDispatcher) subscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	total := 0
	for _, subscribers := range d.subscribers {
		total += len(subscribers)
	}
	return total
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(key string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[key]; !ok {
		d.subscribers[key] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[key][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(key string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[key]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, key)
		}
	}
	d.mu.Unlock()
}
