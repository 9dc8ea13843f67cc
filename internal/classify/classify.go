// Package classify turns protocol content into human readable events.
package classify

import (
	"context"
	"log/slog"
	"strconv"

	"sigrelay/internal/domain"
)

const (
	summaryNull    = "Null message (for example deleted)"
	summaryEmpty   = "Empty data message"
	summaryCalling = "is calling!"
	summaryTyping  = "is typing..."
	missingGroup   = "<missing group>"
)

// Lookup is the read-only view of a session the classifier resolves names
// and reaction targets through. Misses are reported as nil, nil.
type Lookup interface {
	ContactByID(ctx context.Context, id domain.AccountID) (*domain.Contact, error)
	Group(ctx context.Context, key domain.GroupKey) (*domain.Group, error)
	Message(ctx context.Context, thread domain.Thread, timestamp uint64) (*domain.Content, error)
}

type Classifier struct {
	lookup Lookup
	logger *slog.Logger
}

func New(lookup Lookup, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{lookup: lookup, logger: logger}
}

// Classify maps one content item of thread to an event. The second return
// value is false when the item produces no event.
func (c *Classifier) Classify(ctx context.Context, content domain.Content, thread domain.Thread) (domain.ClassifiedEvent, bool) {
	var (
		direction = domain.Received
		summary   string
	)

	switch body := content.Body.(type) {
	case *domain.NullMessage:
		summary = summaryNull
	case *domain.DataMessage:
		s, ok := c.summarize(ctx, thread, body)
		if !ok {
			return domain.ClassifiedEvent{}, false
		}
		summary = s
	case *domain.SyncMessage:
		if body.Sent == nil || body.Sent.Message == nil {
			c.logger.Warn("unsupported sync message", "sender", content.Sender, "timestamp", content.Timestamp)
			return domain.ClassifiedEvent{}, false
		}
		s, ok := c.summarize(ctx, thread, body.Sent.Message)
		if !ok {
			return domain.ClassifiedEvent{}, false
		}
		direction = domain.Sent
		summary = s
	case *domain.CallMessage:
		summary = summaryCalling
	case *domain.TypingMessage:
		summary = summaryTyping
	default:
		kind := "none"
		if body != nil {
			kind = body.Kind()
		}
		c.logger.Warn("unsupported content", "kind", kind, "sender", content.Sender, "timestamp", content.Timestamp)
		return domain.ClassifiedEvent{}, false
	}

	return domain.ClassifiedEvent{
		Direction: direction,
		Thread:    thread,
		Prefix:    c.prefix(ctx, direction, thread, content),
		Summary:   summary,
		Timestamp: content.Timestamp,
	}, true
}

// summarize applies the data message precedence: quoted reply, reaction,
// plain body, empty.
func (c *Classifier) summarize(ctx context.Context, thread domain.Thread, m *domain.DataMessage) (string, bool) {
	switch {
	case m.Quote != nil && m.Quote.Text != "" && m.Body != "":
		return `Answer to message "` + m.Quote.Text + `": ` + m.Body, true

	case m.Reaction != nil && m.Reaction.Emoji != "" && m.Reaction.TargetSentTimestamp != 0:
		ts := m.Reaction.TargetSentTimestamp
		target, err := c.lookup.Message(ctx, thread, ts)
		if err != nil {
			c.logger.Warn("cannot look up reaction target", "thread", thread, "target", ts, "error", err)
			return "", false
		}
		if target == nil {
			c.logger.Warn("reaction target not found", "thread", thread, "target", ts)
			return "", false
		}
		dm := domain.DataMessageOf(*target)
		if dm == nil || dm.Body == "" {
			c.logger.Debug("reaction target has no body", "thread", thread, "target", ts)
			return "", false
		}
		return "Reacted with " + m.Reaction.Emoji + ` to message: "` + dm.Body + `"`, true

	case m.Body != "":
		return m.Body, true

	default:
		return summaryEmpty, true
	}
}

func (c *Classifier) prefix(ctx context.Context, direction domain.Direction, thread domain.Thread, content domain.Content) string {
	ts := strconv.FormatUint(content.Timestamp, 10)

	if thread.Kind == domain.ThreadGroup {
		group := c.groupTitle(ctx, thread.Group)
		if direction == domain.Sent {
			return "To group " + group + " @ " + ts
		}
		return "From " + c.displayName(ctx, content.Sender) + " to group " + group + " @ " + ts + ": "
	}

	if direction == domain.Sent {
		return "To " + c.displayName(ctx, thread.Contact) + " @ " + ts
	}
	return "From " + c.displayName(ctx, thread.Contact) + " @ " + ts + ": "
}

// displayName renders "<name>: <id>" for named contacts and the bare id otherwise.
func (c *Classifier) displayName(ctx context.Context, id domain.AccountID) string {
	contact, err := c.lookup.ContactByID(ctx, id)
	if err != nil {
		c.logger.Debug("cannot look up contact", "id", id, "error", err)
	}
	if contact != nil && contact.Name != "" {
		return contact.Name + ": " + id.String()
	}
	return id.String()
}

func (c *Classifier) groupTitle(ctx context.Context, key domain.GroupKey) string {
	group, err := c.lookup.Group(ctx, key)
	if err != nil {
		c.logger.Debug("cannot look up group", "group", key, "error", err)
	}
	if group == nil {
		return missingGroup
	}
	return group.Title
}
