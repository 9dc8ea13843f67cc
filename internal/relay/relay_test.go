package relay

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sigrelay/internal/attachment"
	"sigrelay/internal/bus"
	"sigrelay/internal/domain"
)

const (
	aliceUUID = "11111111-1111-1111-1111-111111111111"
	bobUUID   = "22222222-2222-2222-2222-222222222222"
)

var (
	alice = domain.MustParseAccountID(aliceUUID)
	bob   = domain.MustParseAccountID(bobUUID)
)

func newProcessor(h *harness, rec *recorder, fetcher *attachment.Fetcher) *Processor {
	var receiver *Receiver
	if rec != nil {
		receiver = NewReceiver(ReceiverConfig{Notifier: rec, Fetcher: fetcher, Logger: testLogger()})
	}
	return NewProcessor(ProcessorConfig{
		Session:     SessionConfig{StorePath: "unused", Passphrase: "secret"},
		OpenStore:   h.openStore,
		LoadManager: h.loadManager,
		Receiver:    receiver,
		GraceWindow: 30 * time.Millisecond,
		Logger:      testLogger(),
	})
}

func TestProcessor_SendsOnceAfterGraceWindow(t *testing.T) {
	h := newHarness()
	p := newProcessor(h, &recorder{}, nil)

	before := uint64(time.Now().UnixMilli())
	start := time.Now()
	err := p.Process(context.Background(), domain.OutboundRequest{Destination: aliceUUID, Body: "hello"})
	after := uint64(time.Now().UnixMilli())
	require.NoError(t, err)

	sends := h.sent()
	require.Len(t, sends, 1)
	assert.Equal(t, alice, sends[0].dest)
	assert.Equal(t, "hello", sends[0].body)
	assert.GreaterOrEqual(t, sends[0].timestamp, before)
	assert.LessOrEqual(t, sends[0].timestamp, after)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	assert.Equal(t, 0, h.open, "session must be closed after the request")
}

func TestProcessor_InvalidDestinationIsRequestScoped(t *testing.T) {
	h := newHarness()
	p := newProcessor(h, nil, nil)

	err := p.Process(context.Background(), domain.OutboundRequest{Destination: "not-a-uuid", Body: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidDestination)
	assert.False(t, IsFatal(err))
	assert.Empty(t, h.sent())
	assert.Equal(t, 0, h.open)
}

func TestProcessor_SessionFailuresAreFatal(t *testing.T) {
	t.Run("store", func(t *testing.T) {
		h := newHarness()
		h.openErr = errors.New("locked")
		err := newProcessor(h, nil, nil).Process(context.Background(), domain.OutboundRequest{Destination: aliceUUID})
		assert.True(t, IsFatal(err))
		assert.ErrorContains(t, err, "open session store")
	})

	t.Run("manager", func(t *testing.T) {
		h := newHarness()
		h.loadErr = errors.New("not registered")
		err := newProcessor(h, nil, nil).Process(context.Background(), domain.OutboundRequest{Destination: aliceUUID})
		assert.True(t, IsFatal(err))
		assert.Equal(t, 0, h.open, "store must be closed when the manager cannot load")
	})
}

func TestProcessor_SendFailureIsRequestScoped(t *testing.T) {
	h := newHarness()
	h.sendErr["boom"] = errors.New("gateway unavailable")

	err := newProcessor(h, nil, nil).Process(context.Background(), domain.OutboundRequest{Destination: aliceUUID, Body: "boom"})
	require.Error(t, err)
	assert.False(t, IsFatal(err))
	assert.Equal(t, 0, h.open)
}

func TestProcessor_ObservesInboundDuringGraceWindow(t *testing.T) {
	h := newHarness()
	h.contacts[alice] = domain.Contact{ID: alice, Name: "Alice"}
	h.inbound = []domain.Content{{Sender: alice, Timestamp: 1234, Body: &domain.DataMessage{Body: "hi"}}}

	var finished atomic.Bool
	rec := &recorder{hook: func() {
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
	}}

	err := newProcessor(h, rec, nil).Process(context.Background(), domain.OutboundRequest{Destination: bobUUID, Body: "out"})
	require.NoError(t, err)

	assert.True(t, finished.Load(), "receive loop must finish its item before the request ends")
	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.Received, events[0].Direction)
	assert.Equal(t, "hi", events[0].Summary)
	assert.Equal(t, "From Alice: "+aliceUUID+" @ 1234: ", events[0].Prefix)
}

func TestProcessor_CancelledDuringGraceWindow(t *testing.T) {
	h := newHarness()
	p := NewProcessor(ProcessorConfig{
		OpenStore:   h.openStore,
		LoadManager: h.loadManager,
		GraceWindow: time.Hour,
		Logger:      testLogger(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Process(ctx, domain.OutboundRequest{Destination: aliceUUID, Body: "late"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, h.sent())
	assert.Equal(t, 0, h.open)
}

func TestSerializer_FIFOAndMutualExclusion(t *testing.T) {
	h := newHarness()
	q := bus.NewRequestQueue(10, time.Second, testLogger())
	bodies := []string{"one", "two", "three", "four", "five"}
	for _, b := range bodies {
		require.NoError(t, q.Enqueue(context.Background(), domain.OutboundRequest{Destination: aliceUUID, Body: b}))
	}
	q.Close()

	p := newProcessor(h, &recorder{}, nil)
	p.grace = time.Millisecond
	require.NoError(t, NewSerializer(q, p, testLogger()).Run(context.Background()))

	var got []string
	for _, s := range h.sent() {
		got = append(got, s.body)
	}
	assert.Equal(t, bodies, got)
	assert.Equal(t, 1, h.maxOpen, "sessions must never overlap")
	assert.Equal(t, len(bodies), h.opened)
	assert.Equal(t, len(bodies), h.closed)
}

func TestSerializer_InvalidDestinationDoesNotStopQueue(t *testing.T) {
	h := newHarness()
	src := &sliceSource{reqs: []domain.OutboundRequest{
		{Destination: "not-a-uuid", Body: "dropped"},
		{Destination: bobUUID, Body: "delivered"},
	}}

	p := newProcessor(h, nil, nil)
	p.grace = time.Millisecond
	require.NoError(t, NewSerializer(src, p, testLogger()).Run(context.Background()))

	sends := h.sent()
	require.Len(t, sends, 1)
	assert.Equal(t, "delivered", sends[0].body)
	assert.Equal(t, bob, sends[0].dest)
}

func TestSerializer_StopsOnFatalError(t *testing.T) {
	h := newHarness()
	h.openErr = errors.New("store locked")
	src := &sliceSource{reqs: []domain.OutboundRequest{
		{Destination: aliceUUID, Body: "a"},
		{Destination: aliceUUID, Body: "b"},
	}}

	err := NewSerializer(src, newProcessor(h, nil, nil), testLogger()).Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Len(t, src.reqs, 1, "requests after a fatal error stay queued")
}

func TestSerializer_IdlesUntilClosed(t *testing.T) {
	h := newHarness()
	q := bus.NewRequestQueue(1, time.Second, testLogger())
	p := newProcessor(h, nil, nil)
	p.grace = time.Millisecond

	done := make(chan error, 1)
	go func() { done <- NewSerializer(q, p, testLogger()).Run(context.Background()) }()

	select {
	case err := <-done:
		t.Fatalf("serializer returned early: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, q.Enqueue(context.Background(), domain.OutboundRequest{Destination: aliceUUID, Body: "late"}))
	q.Close()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serializer did not stop after the queue closed")
	}
	require.Len(t, h.sent(), 1)
}

func TestSerializer_ContextCancel(t *testing.T) {
	q := bus.NewRequestQueue(1, time.Second, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewSerializer(q, newProcessor(newHarness(), nil, nil), testLogger()).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReceiver_ClassifiesAndFetchesAttachments(t *testing.T) {
	h := newHarness()
	thread := domain.ContactThread(alice)
	h.messages[messageKey(thread, 1000)] = domain.Content{Sender: bob, Timestamp: 1000, Body: &domain.DataMessage{Body: "ok"}}
	h.inbound = []domain.Content{
		{Sender: alice, Timestamp: 2000, Body: &domain.DataMessage{
			Reaction: &domain.Reaction{Emoji: "👍", TargetSentTimestamp: 1000},
		}},
		{Sender: alice, Timestamp: 2001, Body: &domain.DataMessage{
			Reaction: &domain.Reaction{Emoji: "👎", TargetSentTimestamp: 999},
		}},
		{Body: &domain.NullMessage{}},
		{Sender: alice, Timestamp: 2002, Body: &domain.DataMessage{
			Attachments: []domain.AttachmentPointer{
				{ID: "a1", ContentType: "image/png", FileName: "cat"},
				{ID: "", ContentType: "image/png", FileName: "broken"},
			},
		}},
	}

	dir := t.TempDir()
	fetcher, err := attachment.New(attachment.Config{Dir: dir, Logger: testLogger()})
	require.NoError(t, err)

	rec := &recorder{}
	r := NewReceiver(ReceiverConfig{Notifier: rec, Fetcher: fetcher, Logger: testLogger()})
	mgr, err := h.loadManager(context.Background(), nil)
	require.NoError(t, err)

	r.Run(context.Background(), &closingManager{fakeManager: mgr.(*fakeManager)})

	events := rec.all()
	require.Len(t, events, 2)
	assert.Equal(t, `Reacted with 👍 to message: "ok"`, events[0].Summary)
	assert.Equal(t, "Empty data message", events[1].Summary)

	data, err := os.ReadFile(filepath.Join(dir, "presage-cat.png"))
	require.NoError(t, err)
	assert.Equal(t, "data:a1", string(data))
	_, err = os.Stat(filepath.Join(dir, "presage-broken.png"))
	assert.True(t, os.IsNotExist(err))
}

func TestReceiver_StreamOpenFailure(t *testing.T) {
	r := NewReceiver(ReceiverConfig{Notifier: &recorder{}, Logger: testLogger()})
	done := make(chan struct{})
	go func() {
		r.Run(context.Background(), failingManager{})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("receiver should return when the stream cannot be opened")
	}
}

// closingManager closes its stream after the buffered items so Run returns.
type closingManager struct {
	*fakeManager
}

func (m *closingManager) ReceiveMessages(ctx context.Context) (<-chan domain.Content, error) {
	ch := make(chan domain.Content, len(m.inbound))
	for _, c := range m.inbound {
		ch <- c
	}
	close(ch)
	return ch, nil
}

type failingManager struct {
	domain.ProtocolManager
}

func (failingManager) ReceiveMessages(context.Context) (<-chan domain.Content, error) {
	return nil, errors.New("websocket refused")
}
