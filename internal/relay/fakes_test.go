package relay

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"sigrelay/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type sendCall struct {
	dest      domain.AccountID
	body      string
	timestamp uint64
}

// harness hands out fake sessions and records how they are used.
type harness struct {
	mu       sync.Mutex
	open     int
	maxOpen  int
	opened   int
	closed   int
	sends    []sendCall
	openErr  error
	loadErr  error
	sendErr  map[string]error
	contacts map[domain.AccountID]domain.Contact
	messages map[string]domain.Content
	inbound  []domain.Content
}

func newHarness() *harness {
	return &harness{
		sendErr:  map[string]error{},
		contacts: map[domain.AccountID]domain.Contact{},
		messages: map[string]domain.Content{},
	}
}

func (h *harness) openStore(_ context.Context, _, _ string) (domain.SessionStore, error) {
	if h.openErr != nil {
		return nil, h.openErr
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.open++
	h.opened++
	if h.open > h.maxOpen {
		h.maxOpen = h.open
	}
	return &fakeStore{h: h}, nil
}

func (h *harness) loadManager(_ context.Context, _ domain.SessionStore) (domain.ProtocolManager, error) {
	if h.loadErr != nil {
		return nil, h.loadErr
	}
	h.mu.Lock()
	inbound := append([]domain.Content(nil), h.inbound...)
	h.mu.Unlock()
	return &fakeManager{h: h, inbound: inbound}, nil
}

func (h *harness) sent() []sendCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]sendCall(nil), h.sends...)
}

type fakeStore struct {
	domain.SessionStore
	h    *harness
	once sync.Once
}

func (s *fakeStore) Close() error {
	s.once.Do(func() {
		s.h.mu.Lock()
		s.h.open--
		s.h.closed++
		s.h.mu.Unlock()
	})
	return nil
}

type fakeManager struct {
	h       *harness
	inbound []domain.Content
	mu      sync.Mutex
	closed  bool
}

func messageKey(thread domain.Thread, ts uint64) string {
	return thread.Key() + "#" + strconv.FormatUint(ts, 10)
}

func (m *fakeManager) ReceiveMessages(ctx context.Context) (<-chan domain.Content, error) {
	ch := make(chan domain.Content, len(m.inbound))
	for _, c := range m.inbound {
		ch <- c
	}
	return ch, nil
}

func (m *fakeManager) SendMessage(_ context.Context, dest domain.AccountID, body string, ts uint64) error {
	if err := m.h.sendErr[body]; err != nil {
		return err
	}
	m.h.mu.Lock()
	defer m.h.mu.Unlock()
	m.h.sends = append(m.h.sends, sendCall{dest: dest, body: body, timestamp: ts})
	return nil
}

func (m *fakeManager) GetAttachment(_ context.Context, ptr domain.AttachmentPointer) ([]byte, error) {
	if ptr.ID == "" {
		return nil, errors.New("no such attachment")
	}
	return []byte("data:" + ptr.ID), nil
}

func (m *fakeManager) ContactByID(_ context.Context, id domain.AccountID) (*domain.Contact, error) {
	if c, ok := m.h.contacts[id]; ok {
		return &c, nil
	}
	return nil, nil
}

func (m *fakeManager) Group(context.Context, domain.GroupKey) (*domain.Group, error) {
	return nil, nil
}

func (m *fakeManager) Message(_ context.Context, thread domain.Thread, ts uint64) (*domain.Content, error) {
	if c, ok := m.h.messages[messageKey(thread, ts)]; ok {
		return &c, nil
	}
	return nil, nil
}

func (m *fakeManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// recorder collects notified events.
type recorder struct {
	mu     sync.Mutex
	events []domain.ClassifiedEvent
	hook   func()
}

func (r *recorder) Notify(_ context.Context, ev domain.ClassifiedEvent) error {
	if r.hook != nil {
		r.hook()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) all() []domain.ClassifiedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ClassifiedEvent(nil), r.events...)
}

// sliceSource is a RequestSource over a fixed list.
type sliceSource struct {
	mu   sync.Mutex
	reqs []domain.OutboundRequest
}

func (s *sliceSource) Dequeue(ctx context.Context) (domain.OutboundRequest, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.OutboundRequest{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reqs) == 0 {
		return domain.OutboundRequest{}, false, nil
	}
	req := s.reqs[0]
	s.reqs = s.reqs[1:]
	return req, true, nil
}
