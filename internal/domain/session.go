package domain

import (
	"context"
	"time"
)

type Contact struct {
	ID     AccountID `json:"id"`
	Name   string    `json:"name,omitempty"`
	Number string    `json:"number,omitempty"`
}

type Group struct {
	Key         GroupKey    `json:"key"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Members     []AccountID `json:"members,omitempty"`
}

// Registration is the account the session store belongs to.
type Registration struct {
	Number       string    `json:"number"`
	ID           AccountID `json:"id"`
	DeviceID     int       `json:"deviceId"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// SessionStore is the persistent account state of one session. Lookups
// return nil, nil when nothing matches.
type SessionStore interface {
	Registration(ctx context.Context) (*Registration, error)
	SaveRegistration(ctx context.Context, reg Registration) error

	Contact(ctx context.Context, id AccountID) (*Contact, error)
	Contacts(ctx context.Context) ([]Contact, error)
	SaveContact(ctx context.Context, c Contact) error

	Group(ctx context.Context, key GroupKey) (*Group, error)
	Groups(ctx context.Context) ([]Group, error)
	SaveGroup(ctx context.Context, g Group) error

	SaveMessage(ctx context.Context, thread Thread, c Content) error
	Message(ctx context.Context, thread Thread, timestamp uint64) (*Content, error)
	Messages(ctx context.Context, thread Thread, from uint64, limit int) ([]Content, error)

	Close() error
}

// ProtocolManager is an authenticated protocol client bound to one store.
type ProtocolManager interface {
	// ReceiveMessages streams incoming content until ctx ends or the
	// service closes the stream.
	ReceiveMessages(ctx context.Context) (<-chan Content, error)
	SendMessage(ctx context.Context, destination AccountID, body string, timestamp uint64) error
	GetAttachment(ctx context.Context, ptr AttachmentPointer) ([]byte, error)

	ContactByID(ctx context.Context, id AccountID) (*Contact, error)
	Group(ctx context.Context, key GroupKey) (*Group, error)
	Message(ctx context.Context, thread Thread, timestamp uint64) (*Content, error)

	Close() error
}

// Notifier delivers classified events somewhere a human will see them.
type Notifier interface {
	Notify(ctx context.Context, ev ClassifiedEvent) error
}
