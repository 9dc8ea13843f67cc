package signalcli

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"sigrelay/internal/domain"
)

// ErrNotRegistered is returned when the store holds no registration.
var ErrNotRegistered = errors.New("store is not registered, run the register command first")

// Manager implements domain.ProtocolManager on top of the gateway. It keeps
// the store up to date with everything it sends and receives.
type Manager struct {
	client *Client
	store  domain.SessionStore
	reg    domain.Registration
	logger *slog.Logger
}

// LoadRegistered binds the registration found in store to client.
func LoadRegistered(ctx context.Context, store domain.SessionStore, client *Client, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg, err := store.Registration(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot read registration: %w", err)
	}
	if reg == nil {
		return nil, ErrNotRegistered
	}
	return &Manager{client: client, store: store, reg: *reg, logger: logger}, nil
}

// Register records number as the account of store. When id is zero it is
// looked up in the gateway's contact list.
func Register(ctx context.Context, store domain.SessionStore, client *Client, number string, id domain.AccountID, now time.Time) (*domain.Registration, error) {
	numbers, err := client.Accounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot list gateway accounts: %w", err)
	}
	if !slices.Contains(numbers, number) {
		return nil, fmt.Errorf("number %s is not registered with the gateway", number)
	}

	if id.IsZero() {
		contacts, err := client.Contacts(ctx, number)
		if err != nil {
			return nil, fmt.Errorf("cannot list contacts: %w", err)
		}
		for _, c := range contacts {
			if c.Number == number {
				id = parseAccount(c.UUID)
				break
			}
		}
		if id.IsZero() {
			return nil, fmt.Errorf("cannot determine account id of %s, pass it explicitly", number)
		}
	}

	reg := domain.Registration{Number: number, ID: id, DeviceID: 1, RegisteredAt: now.UTC()}
	if err := store.SaveRegistration(ctx, reg); err != nil {
		return nil, fmt.Errorf("cannot save registration: %w", err)
	}
	return &reg, nil
}

func (m *Manager) Registration() domain.Registration { return m.reg }

func (m *Manager) ReceiveMessages(ctx context.Context) (<-chan domain.Content, error) {
	envelopes, err := m.client.Receive(ctx, m.reg.Number)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.Content)
	go func() {
		defer close(out)
		for env := range envelopes {
			c, ok := env.Content()
			if !ok {
				continue
			}
			m.remember(ctx, &env, c)
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// remember persists data messages and transcripts so later reactions can
// resolve them, and records senders the store has not seen yet.
func (m *Manager) remember(ctx context.Context, env *Envelope, c domain.Content) {
	if !c.Sender.IsZero() && env.SourceName != "" {
		known, err := m.store.Contact(ctx, c.Sender)
		if err != nil {
			m.logger.Warn("contact lookup failed", "sender", c.Sender, "error", err)
		} else if known == nil {
			contact := domain.Contact{ID: c.Sender, Name: env.SourceName, Number: env.SourceNumber}
			if err := m.store.SaveContact(ctx, contact); err != nil {
				m.logger.Warn("cannot save contact", "sender", c.Sender, "error", err)
			}
		}
	}

	if domain.DataMessageOf(c) == nil {
		return
	}
	thread, err := domain.ThreadOf(c)
	if err != nil {
		return
	}
	if err := m.store.SaveMessage(ctx, thread, c); err != nil {
		m.logger.Warn("cannot save message", "thread", thread, "timestamp", c.Timestamp, "error", err)
	}
}

// SendMessage delivers body to destination and stores the transcript.
func (m *Manager) SendMessage(ctx context.Context, destination domain.AccountID, body string, timestamp uint64) error {
	return m.send(ctx, domain.ContactThread(destination), destination.String(), body, timestamp)
}

// SendGroupMessage delivers body to every member of the group.
func (m *Manager) SendGroupMessage(ctx context.Context, key domain.GroupKey, body string, timestamp uint64) error {
	return m.send(ctx, domain.GroupThread(key), GroupRecipient(key), body, timestamp)
}

// GroupRecipient is the gateway recipient string addressing a group.
func GroupRecipient(key domain.GroupKey) string {
	return "group." + base64.StdEncoding.EncodeToString([]byte(key))
}

func (m *Manager) send(ctx context.Context, thread domain.Thread, recipient, body string, timestamp uint64) error {
	sentAt, err := m.client.Send(ctx, SendRequest{
		Message:    body,
		Number:     m.reg.Number,
		Recipients: []string{recipient},
	})
	if err != nil {
		return fmt.Errorf("cannot send message to %s: %w", thread, err)
	}
	if sentAt == 0 {
		sentAt = timestamp
	}

	msg := &domain.DataMessage{Body: body}
	sent := &domain.SentMessage{Timestamp: sentAt, Message: msg}
	if thread.Kind == domain.ThreadGroup {
		msg.GroupKey = thread.Group
	} else {
		sent.Destination = thread.Contact
	}
	transcript := domain.Content{
		Sender:    m.reg.ID,
		Timestamp: sentAt,
		Body:      &domain.SyncMessage{Sent: sent},
	}
	if err := m.store.SaveMessage(ctx, thread, transcript); err != nil {
		m.logger.Warn("cannot save sent message", "thread", thread, "timestamp", sentAt, "error", err)
	}
	return nil
}

func (m *Manager) GetAttachment(ctx context.Context, ptr domain.AttachmentPointer) ([]byte, error) {
	return m.client.Attachment(ctx, ptr.ID)
}

func (m *Manager) ContactByID(ctx context.Context, id domain.AccountID) (*domain.Contact, error) {
	return m.store.Contact(ctx, id)
}

func (m *Manager) Group(ctx context.Context, key domain.GroupKey) (*domain.Group, error) {
	return m.store.Group(ctx, key)
}

func (m *Manager) Message(ctx context.Context, thread domain.Thread, timestamp uint64) (*domain.Content, error) {
	return m.store.Message(ctx, thread, timestamp)
}

// SyncContacts copies the gateway's contact list into the store.
func (m *Manager) SyncContacts(ctx context.Context) (int, error) {
	contacts, err := m.client.Contacts(ctx, m.reg.Number)
	if err != nil {
		return 0, fmt.Errorf("cannot list contacts: %w", err)
	}
	saved := 0
	for _, c := range contacts {
		id := parseAccount(c.UUID)
		if id.IsZero() {
			continue
		}
		name := c.Name
		if name == "" {
			name = c.ProfileName
		}
		if err := m.store.SaveContact(ctx, domain.Contact{ID: id, Name: name, Number: c.Number}); err != nil {
			return saved, fmt.Errorf("cannot save contact %s: %w", id, err)
		}
		saved++
	}
	return saved, nil
}

// SyncGroups copies the gateway's group list into the store.
func (m *Manager) SyncGroups(ctx context.Context) (int, error) {
	groups, err := m.client.Groups(ctx, m.reg.Number)
	if err != nil {
		return 0, fmt.Errorf("cannot list groups: %w", err)
	}
	saved := 0
	for _, g := range groups {
		key := g.InternalID
		if key == "" {
			continue
		}
		group := domain.Group{Key: domain.GroupKey(key), Title: g.Name, Description: g.Description}
		for _, member := range g.Members {
			if id := parseAccount(member); !id.IsZero() {
				group.Members = append(group.Members, id)
			}
		}
		if err := m.store.SaveGroup(ctx, group); err != nil {
			return saved, fmt.Errorf("cannot save group %s: %w", key, err)
		}
		saved++
	}
	return saved, nil
}

// Close releases the gateway connections. The store is owned by the caller.
func (m *Manager) Close() error {
	m.client.CloseIdleConnections()
	return nil
}
