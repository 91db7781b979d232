package conversation

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// EventType names a notification.
type EventType string

const (
	EventSettingUp            EventType = "setting_up"
	EventReady                EventType = "ready"
	EventListening            EventType = "listening"
	EventUserSpeaking         EventType = "user_speaking"
	EventWaitingForUser       EventType = "waiting_for_user"
	EventAIResponseProcessing EventType = "ai_response_processing"
	EventAIResponseReady      EventType = "ai_response_ready"
	EventAISpeaking           EventType = "ai_speaking"
	EventError                EventType = "error"
	EventEnded                EventType = "ended"
)

// Event is a notification emitted on every observable transition.
type Event struct {
	Type  EventType `json:"type"`
	State State     `json:"state"`
	Time  time.Time `json:"time"`

	// ItemID, Transcript and Text describe the reply for
	// ai_response_ready and ai_speaking.
	ItemID     string `json:"item_id,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Text       string `json:"text,omitempty"`

	// Kind and Message are set on error events.
	Kind    ErrorKind `json:"kind,omitempty"`
	Message string    `json:"message,omitempty"`
}

// subscription delivers events to one observer in emission order. Each
// subscription has its own queue so a slow observer never delays the
// engine or other observers.
type subscription struct {
	filter  EventType
	fn      func(Event)
	onClose func()

	mu     sync.Mutex
	queue  []Event
	closed bool
	wake   chan struct{}
}

func newSubscription(filter EventType, fn func(Event)) *subscription {
	return &subscription{filter: filter, fn: fn, wake: make(chan struct{}, 1)}
}

func (s *subscription) push(ev Event) {
	if s.filter != "" && s.filter != ev.Type {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
}

func (s *subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

func (s *subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run(logger *slog.Logger) {
	defer func() {
		if s.onClose != nil {
			s.onClose()
		}
	}()
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			<-s.wake
			continue
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(ev, logger)
	}
}

func (s *subscription) deliver(ev Event, logger *slog.Logger) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("event subscriber panicked", "event", ev.Type, "panic", p, "stack", string(debug.Stack()))
		}
	}()
	s.fn(ev)
}

// notifier fans events out to subscriptions. After close, pending events
// are still delivered and new subscriptions receive nothing.
type notifier struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   []*subscription
	closed bool
}

func newNotifier(logger *slog.Logger) *notifier {
	return &notifier{logger: logger}
}

func (n *notifier) emit(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	for _, s := range n.subs {
		s.push(ev)
	}
}

func (n *notifier) subscribe(s *subscription) (unsubscribe func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		s.close()
		go s.run(n.logger)
		return func() {}
	}
	n.subs = append(n.subs, s)
	go s.run(n.logger)

	return func() {
		n.mu.Lock()
		for i, sub := range n.subs {
			if sub == s {
				n.subs = append(n.subs[:i], n.subs[i+1:]...)
				break
			}
		}
		n.mu.Unlock()
		s.close()
	}
}

func (n *notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for _, s := range n.subs {
		s.close()
	}
}
