// Package signalcli talks to a signal-cli-rest-api compatible gateway and
// exposes it as a domain.ProtocolManager.
package signalcli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultTimeout     = 30 * time.Second
	maxAttachmentBytes = 100 << 20
)

type ClientConfig struct {
	// BaseURL of the gateway, e.g. http://127.0.0.1:8081.
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Client is a thin HTTP and WebSocket client for the gateway REST API.
type Client struct {
	base   *url.URL
	http   *http.Client
	dialer *websocket.Dialer
	logger *slog.Logger
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid gateway url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid gateway url %q: scheme must be http or https", cfg.BaseURL)
	}
	return &Client{
		base:   base,
		http:   newHTTPClient(cfg.Timeout),
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.Timeout, Proxy: http.ProxyFromEnvironment},
		logger: cfg.Logger,
	}, nil
}

// newHTTPClient pools connections to the single gateway host.
func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// APIError is a non-2xx gateway response.
type APIError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway %s %s: %s (status %d)", e.Method, e.Path, e.Message, e.Status)
}

func (c *Client) endpoint(path string) string {
	return c.base.String() + path
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var data []byte
	if in != nil {
		var err error
		if data, err = json.Marshal(in); err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
	}

	resp, err := c.roundTrip(ctx, method, path, func() (*http.Request, error) {
		var body io.Reader
		if data != nil {
			body = bytes.NewReader(data)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
		if err != nil {
			return nil, err
		}
		if data != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readAPIError(resp, method, path)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func readAPIError(resp *http.Response, method, path string) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{Method: method, Path: path, Status: resp.StatusCode, Message: msg}
}

// About describes the gateway.
type About struct {
	Versions []string `json:"versions"`
	Build    int      `json:"build"`
	Mode     string   `json:"mode"`
	Version  string   `json:"version"`
}

func (c *Client) About(ctx context.Context) (*About, error) {
	var about About
	if err := c.do(ctx, http.MethodGet, "/v1/about", nil, &about); err != nil {
		return nil, err
	}
	return &about, nil
}

type SendRequest struct {
	Message    string   `json:"message"`
	Number     string   `json:"number"`
	Recipients []string `json:"recipients"`
}

// flexTimestamp accepts a timestamp encoded either as a JSON number or string.
type flexTimestamp uint64

func (t *flexTimestamp) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*t = 0
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %s: %w", b, err)
	}
	*t = flexTimestamp(v)
	return nil
}

// Send delivers a text message and returns the timestamp the gateway used,
// or 0 when it did not report one.
func (c *Client) Send(ctx context.Context, req SendRequest) (uint64, error) {
	var resp struct {
		Timestamp flexTimestamp `json:"timestamp"`
	}
	if err := c.do(ctx, http.MethodPost, "/v2/send", req, &resp); err != nil {
		return 0, err
	}
	return uint64(resp.Timestamp), nil
}

// Attachment downloads the bytes of a received attachment.
func (c *Client) Attachment(ctx context.Context, id string) ([]byte, error) {
	path := "/v1/attachments/" + url.PathEscape(id)
	resp, err := c.roundTrip(ctx, http.MethodGet, path, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path), nil)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(resp, http.MethodGet, path)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read attachment %s: %w", id, err)
	}
	if len(data) > maxAttachmentBytes {
		return nil, fmt.Errorf("attachment %s exceeds %d bytes", id, maxAttachmentBytes)
	}
	return data, nil
}

type ContactInfo struct {
	Number      string `json:"number"`
	UUID        string `json:"uuid"`
	Name        string `json:"name"`
	ProfileName string `json:"profile_name"`
	Username    string `json:"username"`
}

func (c *Client) Contacts(ctx context.Context, number string) ([]ContactInfo, error) {
	var contacts []ContactInfo
	if err := c.do(ctx, http.MethodGet, "/v1/contacts/"+url.PathEscape(number), nil, &contacts); err != nil {
		return nil, err
	}
	return contacts, nil
}

type GroupInfo struct {
	ID          string   `json:"id"`
	InternalID  string   `json:"internal_id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Members     []string `json:"members"`
}

func (c *Client) Groups(ctx context.Context, number string) ([]GroupInfo, error) {
	var groups []GroupInfo
	if err := c.do(ctx, http.MethodGet, "/v1/groups/"+url.PathEscape(number), nil, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

func (c *Client) websocketURL(path string) string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.String() + path
}

// receiveFrame is one WebSocket message of the receive endpoint.
type receiveFrame struct {
	Envelope Envelope `json:"envelope"`
	Account  string   `json:"account"`
}

// Receive streams envelopes for number until ctx ends or the gateway closes
// the connection. The returned channel is closed when the stream ends.
func (c *Client) Receive(ctx context.Context, number string) (<-chan Envelope, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.websocketURL("/v1/receive/"+url.PathEscape(number)), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("cannot connect to receive stream (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("cannot connect to receive stream: %w", err)
	}

	out := make(chan Envelope)
	go func() {
		defer close(out)
		defer conn.Close()
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		defer stop()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					c.logger.Warn("receive stream closed", "error", err)
				}
				return
			}
			var frame receiveFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				c.logger.Warn("cannot decode envelope", "error", err)
				continue
			}
			select {
			case out <- frame.Envelope:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Accounts lists the numbers registered with the gateway.
func (c *Client) Accounts(ctx context.Context) ([]string, error) {
	var numbers []string
	if err := c.do(ctx, http.MethodGet, "/v1/accounts", nil, &numbers); err != nil {
		return nil, err
	}
	return numbers, nil
}

// CloseIdleConnections releases pooled connections.
func (c *Client) CloseIdleConnections() {
	c.http.CloseIdleConnections()
}
