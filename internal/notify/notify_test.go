package notify

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sigrelay/internal/domain"
)

var alice = domain.MustParseAccountID("b2b2b2b2-0000-4000-8000-000000000002")

func received() domain.ClassifiedEvent {
	return domain.ClassifiedEvent{
		Direction: domain.Received,
		Thread:    domain.ContactThread(alice),
		Prefix:    "From Alice: " + alice.String() + " @ 1700000000000: ",
		Summary:   "hello",
		Timestamp: 1700000000000,
	}
}

func TestConsolePlainLine(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, true)

	require.NoError(t, c.Notify(context.Background(), received()))
	sent := received()
	sent.Direction = domain.Sent
	sent.Prefix = "To Alice @ 1"
	require.NoError(t, c.Notify(context.Background(), sent))

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, received().String(), lines[0])
	assert.Equal(t, "To Alice @ 1 / hello", lines[1])
}

func TestDesktopCommands(t *testing.T) {
	var calls [][]string
	d := &Desktop{goos: "linux", run: func(_ context.Context, name string, args ...string) error {
		calls = append(calls, append([]string{name}, args...))
		return nil
	}}

	require.NoError(t, d.Notify(context.Background(), received()))
	sent := received()
	sent.Direction = domain.Sent
	sent.Prefix = "To Alice @ 1"
	require.NoError(t, d.Notify(context.Background(), sent))

	require.Len(t, calls, 2)
	for _, call := range calls {
		assert.Equal(t, "notify-send", call[0])
		assert.Equal(t, "hello", call[len(call)-1])
	}
	assert.Equal(t, received().Prefix, calls[0][2])
	assert.Equal(t, sent.Prefix, calls[1][2])

	d.goos = "darwin"
	calls = nil
	require.NoError(t, d.Notify(context.Background(), received()))
	require.Len(t, calls, 1)
	assert.Equal(t, "osascript", calls[0][0])
	assert.Contains(t, calls[0][2], `display notification "hello"`)

	calls = nil
	quoted := received()
	quoted.Summary = "café \"ok\" C:\\tmp\tend"
	require.NoError(t, d.Notify(context.Background(), quoted))
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0][2], "display notification \"café \\\"ok\\\" C:\\\\tmp\tend\"")

	d.goos = "plan9"
	calls = nil
	require.NoError(t, d.Notify(context.Background(), received()))
	assert.Empty(t, calls)
}

func TestTelegramSend(t *testing.T) {
	var mu sync.Mutex
	var texts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"relay","username":"relay_bot"}}`)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			mu.Lock()
			texts = append(texts, r.Form.Get("text"))
			mu.Unlock()
			assert.Equal(t, "42", r.Form.Get("chat_id"))
			io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"ok":false,"error_code":404,"description":"Not Found"}`)
		}
	}))
	defer srv.Close()

	tg, err := NewTelegram(TelegramConfig{Token: "T", ChatID: 42, Endpoint: srv.URL + "/bot%s/%s"})
	require.NoError(t, err)
	require.NoError(t, tg.Notify(context.Background(), received()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{received().String()}, texts)
}

func TestTelegramConfigErrors(t *testing.T) {
	_, err := NewTelegram(TelegramConfig{ChatID: 1})
	assert.Error(t, err)
	_, err = NewTelegram(TelegramConfig{Token: "T"})
	assert.Error(t, err)
}

func TestDiscordWebhook(t *testing.T) {
	var got discordgo.WebhookParams
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	orig := discordgo.EndpointWebhooks
	discordgo.EndpointWebhooks = srv.URL + "/webhooks/"
	defer func() { discordgo.EndpointWebhooks = orig }()

	d, err := NewDiscord("https://discord.com/api/webhooks/123/abc")
	require.NoError(t, err)
	require.NoError(t, d.Notify(context.Background(), received()))
	assert.Equal(t, "/webhooks/123/abc", path)
	assert.Equal(t, received().String(), got.Content)
}

func TestParseDiscordWebhook(t *testing.T) {
	id, token, err := parseDiscordWebhook("https://discord.com/api/webhooks/1/tok")
	require.NoError(t, err)
	assert.Equal(t, "1", id)
	assert.Equal(t, "tok", token)

	_, _, err = parseDiscordWebhook("https://discord.com/api/webhooks/1")
	assert.Error(t, err)
}

func TestSlackWebhook(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&body)
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	s, err := NewSlack(srv.URL)
	require.NoError(t, err)
	require.NoError(t, s.Notify(context.Background(), received()))
	assert.Equal(t, received().String(), body["text"])

	_, err = NewSlack("")
	assert.Error(t, err)
}

func TestSlackWebhookError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, "invalid_token")
	}))
	defer srv.Close()

	s, err := NewSlack(srv.URL)
	require.NoError(t, err)
	assert.Error(t, s.Notify(context.Background(), received()))
}

// fakeRedis speaks just enough RESP to accept PUBLISH.
type fakeRedis struct {
	ln        net.Listener
	mu        sync.Mutex
	published [][]string
}

func newFakeRedis(t *testing.T) *fakeRedis {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeRedis{ln: ln}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(conn)
		}
	}()
	return f
}

func (f *fakeRedis) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		switch strings.ToUpper(args[0]) {
		case "PUBLISH":
			f.mu.Lock()
			f.published = append(f.published, args[1:])
			f.mu.Unlock()
			io.WriteString(conn, ":1\r\n")
		case "PING":
			io.WriteString(conn, "+PONG\r\n")
		default:
			fmt.Fprintf(conn, "-ERR unknown command '%s'\r\n", args[0])
		}
	}
}

func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(line, "*") {
		return nil, fmt.Errorf("unexpected %q", line)
	}
	n, err := strconv.Atoi(strings.TrimSpace(line[1:]))
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for range n {
		header, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		size, err := strconv.Atoi(strings.TrimSpace(header[1:]))
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func TestRedisPublish(t *testing.T) {
	f := newFakeRedis(t)
	r, err := NewRedis("redis://"+f.ln.Addr().String()+"/0", "")
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Notify(context.Background(), received()))

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.published, 1)
	assert.Equal(t, DefaultRedisChannel, f.published[0][0])

	var ev map[string]any
	require.NoError(t, json.Unmarshal([]byte(f.published[0][1]), &ev))
	assert.Equal(t, "received", ev["direction"])
	assert.Equal(t, "hello", ev["summary"])
	assert.Equal(t, "contact:"+alice.String(), ev["thread"])
}

func TestRedisBadURL(t *testing.T) {
	_, err := NewRedis("not a url", "")
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 3))
	assert.Equal(t, "ab…", truncate("abcd", 3))
}
