package signalcli

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sigrelay/internal/domain"
	"sigrelay/internal/store"
)

const (
	selfNumber = "+15550000001"
	selfID     = "a1a1a1a1-0000-4000-8000-000000000001"
	aliceID    = "b2b2b2b2-0000-4000-8000-000000000002"
	groupKey   = "Z3JvdXAtaWQ="
)

type gateway struct {
	mu     sync.Mutex
	sends  []SendRequest
	frames []string
	sendTS any
	mux    *http.ServeMux
}

func newGateway(t *testing.T) (*gateway, *httptest.Server) {
	t.Helper()
	g := &gateway{sendTS: "1700000000999", mux: http.NewServeMux()}
	upgrader := websocket.Upgrader{}

	g.mux.HandleFunc("GET /v1/about", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(About{Versions: []string{"v1", "v2"}, Mode: "json-rpc", Version: "0.90"})
	})
	g.mux.HandleFunc("GET /v1/accounts", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]string{selfNumber})
	})
	g.mux.HandleFunc("POST /v2/send", func(w http.ResponseWriter, r *http.Request) {
		var req SendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"bad json"}`, http.StatusBadRequest)
			return
		}
		g.mu.Lock()
		g.sends = append(g.sends, req)
		ts := g.sendTS
		g.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"timestamp": ts})
	})
	g.mux.HandleFunc("GET /v1/attachments/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "att-1" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"attachment not found"}`))
			return
		}
		w.Write([]byte("PNGDATA"))
	})
	g.mux.HandleFunc("GET /v1/contacts/{number}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]ContactInfo{
			{Number: selfNumber, UUID: selfID, Name: "Me"},
			{Number: "+15550000002", UUID: aliceID, ProfileName: "Alice"},
			{Number: "+15550000003"},
		})
	})
	g.mux.HandleFunc("GET /v1/groups/{number}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]GroupInfo{
			{ID: "group.WjNKdmRYQXRhV1E9", InternalID: groupKey, Name: "Friends", Members: []string{selfID, aliceID, "+1555"}},
		})
	})
	g.mux.HandleFunc("GET /v1/receive/{number}", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		g.mu.Lock()
		frames := append([]string(nil), g.frames...)
		g.mu.Unlock()
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	})

	srv := httptest.NewServer(g.mux)
	t.Cleanup(srv.Close)
	return g, srv
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{BaseURL: url, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func newRegisteredStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "store.db"), "", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.SaveRegistration(context.Background(), domain.Registration{
		Number: selfNumber,
		ID:     domain.MustParseAccountID(selfID),
	}))
	return s
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient(ClientConfig{BaseURL: "ftp://example.com"})
	assert.Error(t, err)
	_, err = NewClient(ClientConfig{BaseURL: "http://127.0.0.1:8081/"})
	assert.NoError(t, err)
}

func TestClientAboutAndErrors(t *testing.T) {
	_, srv := newGateway(t)
	c := newTestClient(t, srv.URL)

	about, err := c.About(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "json-rpc", about.Mode)

	_, err = c.Attachment(context.Background(), "missing")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "attachment not found", apiErr.Message)

	data, err := c.Attachment(context.Background(), "att-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("PNGDATA"), data)
}

func TestClientSendTimestampFormats(t *testing.T) {
	g, srv := newGateway(t)
	c := newTestClient(t, srv.URL)

	ts, err := c.Send(context.Background(), SendRequest{Message: "hi", Number: selfNumber, Recipients: []string{aliceID}})
	require.NoError(t, err)
	assert.Equal(t, uint64(1700000000999), ts)

	g.mu.Lock()
	g.sendTS = 1700000001000
	g.mu.Unlock()
	ts, err = c.Send(context.Background(), SendRequest{Message: "hi", Number: selfNumber, Recipients: []string{aliceID}})
	require.NoError(t, err)
	assert.Equal(t, uint64(1700000001000), ts)

	g.mu.Lock()
	g.sendTS = nil
	g.mu.Unlock()
	ts, err = c.Send(context.Background(), SendRequest{Message: "hi", Number: selfNumber, Recipients: []string{aliceID}})
	require.NoError(t, err)
	assert.Zero(t, ts)
}

func TestClientRetriesIdempotentRequests(t *testing.T) {
	retryBackoff = func(int) time.Duration { return time.Millisecond }

	var aboutCalls, sendCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/about", func(w http.ResponseWriter, r *http.Request) {
		if aboutCalls.Add(1) < 3 {
			http.Error(w, `{"error":"warming up"}`, http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(About{Mode: "json-rpc"})
	})
	mux.HandleFunc("GET /v1/accounts", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"down"}`, http.StatusServiceUnavailable)
	})
	mux.HandleFunc("POST /v2/send", func(w http.ResponseWriter, r *http.Request) {
		sendCalls.Add(1)
		http.Error(w, `{"error":"busy"}`, http.StatusTooManyRequests)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c := newTestClient(t, srv.URL)

	about, err := c.About(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "json-rpc", about.Mode)
	assert.Equal(t, int32(3), aboutCalls.Load())

	_, err = c.Accounts(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)

	_, err = c.Send(context.Background(), SendRequest{Message: "hi", Number: selfNumber, Recipients: []string{aliceID}})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
	assert.Equal(t, int32(1), sendCalls.Load(), "sends are never retried")
}

func TestEnvelopeContent(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		check func(t *testing.T, c domain.Content)
	}{
		{
			name:  "data message with quote and attachment",
			frame: `{"sourceUuid":"` + aliceID + `","timestamp":10,"dataMessage":{"timestamp":11,"message":"hello","quote":{"id":5,"authorUuid":"` + selfID + `","text":"q"},"attachments":[{"contentType":"image/png","filename":"a.png","id":"att-1","size":7}]}}`,
			check: func(t *testing.T, c domain.Content) {
				dm, ok := c.Body.(*domain.DataMessage)
				require.True(t, ok)
				assert.Equal(t, uint64(11), c.Timestamp)
				assert.Equal(t, "hello", dm.Body)
				require.NotNil(t, dm.Quote)
				assert.Equal(t, uint64(5), dm.Quote.ID)
				require.Len(t, dm.Attachments, 1)
				assert.Equal(t, "att-1", dm.Attachments[0].ID)
			},
		},
		{
			name:  "reaction in group",
			frame: `{"sourceUuid":"` + aliceID + `","timestamp":12,"dataMessage":{"timestamp":12,"message":null,"groupInfo":{"groupId":"` + groupKey + `"},"reaction":{"emoji":"👍","targetAuthorUuid":"` + selfID + `","targetSentTimestamp":9}}}`,
			check: func(t *testing.T, c domain.Content) {
				dm := c.Body.(*domain.DataMessage)
				assert.Empty(t, dm.Body)
				assert.Equal(t, domain.GroupKey(groupKey), dm.GroupKey)
				require.NotNil(t, dm.Reaction)
				assert.Equal(t, uint64(9), dm.Reaction.TargetSentTimestamp)
			},
		},
		{
			name:  "remote delete",
			frame: `{"sourceUuid":"` + aliceID + `","timestamp":13,"dataMessage":{"timestamp":13,"remoteDelete":{"timestamp":11}}}`,
			check: func(t *testing.T, c domain.Content) {
				assert.IsType(t, &domain.NullMessage{}, c.Body)
			},
		},
		{
			name:  "sent transcript",
			frame: `{"sourceUuid":"` + selfID + `","timestamp":14,"syncMessage":{"sentMessage":{"destinationUuid":"` + aliceID + `","timestamp":15,"message":"yo"}}}`,
			check: func(t *testing.T, c domain.Content) {
				sm := c.Body.(*domain.SyncMessage)
				require.NotNil(t, sm.Sent)
				assert.Equal(t, domain.MustParseAccountID(aliceID), sm.Sent.Destination)
				assert.Equal(t, "yo", sm.Sent.Message.Body)
				assert.Equal(t, uint64(15), c.Timestamp)
			},
		},
		{
			name:  "typing",
			frame: `{"sourceUuid":"` + aliceID + `","timestamp":16,"typingMessage":{"action":"STARTED","timestamp":16}}`,
			check: func(t *testing.T, c domain.Content) {
				assert.Equal(t, &domain.TypingMessage{Started: true}, c.Body)
			},
		},
		{
			name:  "call offer",
			frame: `{"sourceUuid":"` + aliceID + `","timestamp":17,"callMessage":{"offerMessage":{}}}`,
			check: func(t *testing.T, c domain.Content) {
				assert.Equal(t, &domain.CallMessage{Offer: true}, c.Body)
			},
		},
		{
			name:  "read receipt",
			frame: `{"sourceUuid":"` + aliceID + `","timestamp":18,"receiptMessage":{"isRead":true,"timestamps":[1,2]}}`,
			check: func(t *testing.T, c domain.Content) {
				assert.Equal(t, &domain.ReceiptMessage{Type: "read", Timestamps: []uint64{1, 2}}, c.Body)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var env Envelope
			require.NoError(t, json.Unmarshal([]byte(tt.frame), &env))
			c, ok := env.Content()
			require.True(t, ok)
			tt.check(t, c)
		})
	}

	var empty Envelope
	_, ok := empty.Content()
	assert.False(t, ok)
}

func TestRegister(t *testing.T) {
	_, srv := newGateway(t)
	c := newTestClient(t, srv.URL)
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "store.db"), "", nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = Register(context.Background(), s, c, "+19999999999", domain.AccountID{}, time.Now())
	assert.Error(t, err)

	reg, err := Register(context.Background(), s, c, selfNumber, domain.AccountID{}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.MustParseAccountID(selfID), reg.ID)

	m, err := LoadRegistered(context.Background(), s, c, nil)
	require.NoError(t, err)
	assert.Equal(t, selfNumber, m.Registration().Number)
}

func TestLoadRegisteredRequiresRegistration(t *testing.T) {
	_, srv := newGateway(t)
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "store.db"), "", nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = LoadRegistered(context.Background(), s, newTestClient(t, srv.URL), nil)
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestManagerSendStoresTranscript(t *testing.T) {
	g, srv := newGateway(t)
	s := newRegisteredStore(t)
	m, err := LoadRegistered(context.Background(), s, newTestClient(t, srv.URL), nil)
	require.NoError(t, err)

	alice := domain.MustParseAccountID(aliceID)
	require.NoError(t, m.SendMessage(context.Background(), alice, "hello", 1700000000000))

	g.mu.Lock()
	require.Len(t, g.sends, 1)
	assert.Equal(t, []string{aliceID}, g.sends[0].Recipients)
	assert.Equal(t, selfNumber, g.sends[0].Number)
	g.mu.Unlock()

	stored, err := m.Message(context.Background(), domain.ContactThread(alice), 1700000000999)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "hello", domain.DataMessageOf(*stored).Body)

	require.NoError(t, m.SendGroupMessage(context.Background(), groupKey, "all", 1))
	g.mu.Lock()
	assert.Equal(t, []string{GroupRecipient(groupKey)}, g.sends[1].Recipients)
	g.mu.Unlock()
}

func TestManagerReceivePersists(t *testing.T) {
	g, srv := newGateway(t)
	g.frames = []string{
		`{"envelope":{"sourceUuid":"` + aliceID + `","sourceName":"Alice","sourceNumber":"+15550000002","timestamp":20,"dataMessage":{"timestamp":20,"message":"hi there"}},"account":"` + selfNumber + `"}`,
		`not json`,
		`{"envelope":{"sourceUuid":"` + aliceID + `","timestamp":21},"account":"` + selfNumber + `"}`,
		`{"envelope":{"sourceUuid":"` + aliceID + `","timestamp":22,"typingMessage":{"action":"STOPPED"}},"account":"` + selfNumber + `"}`,
	}
	s := newRegisteredStore(t)
	m, err := LoadRegistered(context.Background(), s, newTestClient(t, srv.URL), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := m.ReceiveMessages(ctx)
	require.NoError(t, err)

	var got []domain.Content
	for c := range stream {
		got = append(got, c)
	}
	require.Len(t, got, 2)
	assert.IsType(t, &domain.DataMessage{}, got[0].Body)
	assert.Equal(t, &domain.TypingMessage{}, got[1].Body)

	alice := domain.MustParseAccountID(aliceID)
	stored, err := s.Message(ctx, domain.ContactThread(alice), 20)
	require.NoError(t, err)
	require.NotNil(t, stored)

	contact, err := m.ContactByID(ctx, alice)
	require.NoError(t, err)
	require.NotNil(t, contact)
	assert.Equal(t, "Alice", contact.Name)
}

func TestManagerSync(t *testing.T) {
	_, srv := newGateway(t)
	s := newRegisteredStore(t)
	m, err := LoadRegistered(context.Background(), s, newTestClient(t, srv.URL), nil)
	require.NoError(t, err)

	n, err := m.SyncContacts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	alice, err := s.Contact(context.Background(), domain.MustParseAccountID(aliceID))
	require.NoError(t, err)
	require.NotNil(t, alice)
	assert.Equal(t, "Alice", alice.Name)

	n, err = m.SyncGroups(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	group, err := m.Group(context.Background(), groupKey)
	require.NoError(t, err)
	require.NotNil(t, group)
	assert.Equal(t, "Friends", group.Title)
	assert.Len(t, group.Members, 2)
}
