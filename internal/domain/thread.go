package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoThread is returned when a content item cannot be attributed to a conversation.
var ErrNoThread = errors.New("content has no resolvable thread")

type ThreadKind uint8

const (
	ThreadContact ThreadKind = iota + 1
	ThreadGroup
)

// Thread is the conversation a content item belongs to: one contact or one group.
type Thread struct {
	Kind    ThreadKind
	Contact AccountID
	Group   GroupKey
}

func ContactThread(id AccountID) Thread { return Thread{Kind: ThreadContact, Contact: id} }

func GroupThread(key GroupKey) Thread { return Thread{Kind: ThreadGroup, Group: key} }

// Key is the stable storage key of the thread.
func (t Thread) Key() string {
	switch t.Kind {
	case ThreadContact:
		return "contact:" + t.Contact.String()
	case ThreadGroup:
		return "group:" + string(t.Group)
	default:
		return ""
	}
}

func (t Thread) String() string { return t.Key() }

// ParseThread is the inverse of Thread.Key.
func ParseThread(s string) (Thread, error) {
	kind, value, ok := strings.Cut(s, ":")
	if !ok || value == "" {
		return Thread{}, fmt.Errorf("invalid thread %q", s)
	}
	switch kind {
	case "contact":
		id, err := ParseAccountID(value)
		if err != nil {
			return Thread{}, err
		}
		return ContactThread(id), nil
	case "group":
		return GroupThread(GroupKey(value)), nil
	default:
		return Thread{}, fmt.Errorf("invalid thread kind %q", kind)
	}
}

// ThreadOf derives the conversation a content item belongs to.
func ThreadOf(c Content) (Thread, error) {
	switch b := c.Body.(type) {
	case *DataMessage:
		if b.GroupKey != "" {
			return GroupThread(b.GroupKey), nil
		}
	case *SyncMessage:
		if b.Sent == nil {
			break
		}
		if b.Sent.Message != nil && b.Sent.Message.GroupKey != "" {
			return GroupThread(b.Sent.Message.GroupKey), nil
		}
		if !b.Sent.Destination.IsZero() {
			return ContactThread(b.Sent.Destination), nil
		}
		return Thread{}, fmt.Errorf("%w: sent transcript without destination or group", ErrNoThread)
	case *TypingMessage:
		if b.GroupKey != "" {
			return GroupThread(b.GroupKey), nil
		}
	}
	if c.Sender.IsZero() {
		return Thread{}, fmt.Errorf("%w: missing sender", ErrNoThread)
	}
	return ContactThread(c.Sender), nil
}
