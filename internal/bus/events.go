package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"sigrelay/internal/domain"
)

const defaultMaxHistory = 1000

// EventFeed fans classified events out to subscribers and keeps a bounded
// history for replay. It implements domain.Notifier.
type EventFeed struct {
	mu         sync.RWMutex
	handlers   []namedHandler
	nextID     int
	history    []domain.ClassifiedEvent
	maxHistory int
	logger     *slog.Logger
}

type namedHandler struct {
	ID       string
	Name     string
	Notifier domain.Notifier
}

func NewEventFeed(maxHistory int, logger *slog.Logger) *EventFeed {
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventFeed{maxHistory: maxHistory, logger: logger}
}

// Subscribe registers n under a display name and returns an id for Unsubscribe.
func (f *EventFeed) Subscribe(name string, n domain.Notifier) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := name + "-" + strconv.Itoa(f.nextID)
	f.handlers = append(f.handlers, namedHandler{ID: id, Name: name, Notifier: n})
	return id
}

func (f *EventFeed) Unsubscribe(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, h := range f.handlers {
		if h.ID == id {
			f.handlers = append(f.handlers[:i:i], f.handlers[i+1:]...)
			return
		}
	}
}

// Notify records ev and delivers it to every subscriber in registration
// order. Subscriber failures are joined into the returned error; a failing
// subscriber does not stop delivery to the others.
func (f *EventFeed) Notify(ctx context.Context, ev domain.ClassifiedEvent) error {
	f.mu.Lock()
	if len(f.history) >= f.maxHistory {
		f.history = f.history[1:]
	}
	f.history = append(f.history, ev)
	handlers := append([]namedHandler(nil), f.handlers...)
	f.mu.Unlock()

	var errs []error
	for _, h := range handlers {
		if err := f.deliver(ctx, h, ev); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (f *EventFeed) deliver(ctx context.Context, h namedHandler, ev domain.ClassifiedEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("notifier panic", "notifier", h.ID, "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.Notifier.Notify(ctx, ev)
}

// Replay returns recorded events with a timestamp at or after since
// (milliseconds), oldest first.
func (f *EventFeed) Replay(since uint64) []domain.ClassifiedEvent {
	f.mu.RLock()
	defer f.mu.RUnlock()

	result := make([]domain.ClassifiedEvent, 0, len(f.history))
	for _, ev := range f.history {
		if ev.Timestamp >= since {
			result = append(result, ev)
		}
	}
	return result
}

func (f *EventFeed) HistoryLen() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.history)
}

// NotifierFunc adapts a function to domain.Notifier.
type NotifierFunc func(ctx context.Context, ev domain.ClassifiedEvent) error

func (fn NotifierFunc) Notify(ctx context.Context, ev domain.ClassifiedEvent) error {
	return fn(ctx, ev)
}
