package signalcli

import (
	"strings"

	"sigrelay/internal/domain"
)

// Envelope is one received item as encoded by the gateway.
type Envelope struct {
	Source         string          `json:"source"`
	SourceNumber   string          `json:"sourceNumber"`
	SourceUUID     string          `json:"sourceUuid"`
	SourceName     string          `json:"sourceName"`
	SourceDevice   int             `json:"sourceDevice"`
	Timestamp      uint64          `json:"timestamp"`
	DataMessage    *DataMessage    `json:"dataMessage,omitempty"`
	SyncMessage    *SyncMessage    `json:"syncMessage,omitempty"`
	TypingMessage  *TypingMessage  `json:"typingMessage,omitempty"`
	ReceiptMessage *ReceiptMessage `json:"receiptMessage,omitempty"`
	CallMessage    *CallMessage    `json:"callMessage,omitempty"`
	StoryMessage   *struct{}       `json:"storyMessage,omitempty"`
}

type DataMessage struct {
	Timestamp    uint64        `json:"timestamp"`
	Message      *string       `json:"message"`
	GroupInfo    *GroupRef     `json:"groupInfo,omitempty"`
	Quote        *Quote        `json:"quote,omitempty"`
	Reaction     *Reaction     `json:"reaction,omitempty"`
	Attachments  []Attachment  `json:"attachments,omitempty"`
	RemoteDelete *RemoteDelete `json:"remoteDelete,omitempty"`
}

type GroupRef struct {
	GroupID string `json:"groupId"`
	Type    string `json:"type,omitempty"`
}

type Quote struct {
	ID         uint64 `json:"id"`
	Author     string `json:"author"`
	AuthorUUID string `json:"authorUuid"`
	Text       string `json:"text"`
}

type Reaction struct {
	Emoji               string `json:"emoji"`
	TargetAuthor        string `json:"targetAuthor"`
	TargetAuthorUUID    string `json:"targetAuthorUuid"`
	TargetSentTimestamp uint64 `json:"targetSentTimestamp"`
	IsRemove            bool   `json:"isRemove"`
}

type Attachment struct {
	ContentType string `json:"contentType"`
	Filename    string `json:"filename"`
	ID          string `json:"id"`
	Size        uint64 `json:"size"`
}

type RemoteDelete struct {
	Timestamp uint64 `json:"timestamp"`
}

type SyncMessage struct {
	SentMessage *SentMessage `json:"sentMessage,omitempty"`
}

// SentMessage is a data message plus the transcript destination.
type SentMessage struct {
	DataMessage
	Destination     string `json:"destination"`
	DestinationUUID string `json:"destinationUuid"`
}

type TypingMessage struct {
	Action    string `json:"action"`
	Timestamp uint64 `json:"timestamp"`
	GroupID   string `json:"groupId,omitempty"`
}

type ReceiptMessage struct {
	When       uint64   `json:"when"`
	IsDelivery bool     `json:"isDelivery"`
	IsRead     bool     `json:"isRead"`
	IsViewed   bool     `json:"isViewed"`
	Timestamps []uint64 `json:"timestamps"`
}

type CallMessage struct {
	OfferMessage  *struct{} `json:"offerMessage,omitempty"`
	AnswerMessage *struct{} `json:"answerMessage,omitempty"`
	HangupMessage *struct{} `json:"hangupMessage,omitempty"`
	BusyMessage   *struct{} `json:"busyMessage,omitempty"`
}

// parseAccount accepts a UUID string and returns the zero id for anything
// else (phone numbers, empty strings).
func parseAccount(s string) domain.AccountID {
	id, err := domain.ParseAccountID(s)
	if err != nil {
		return domain.AccountID{}
	}
	return id
}

func firstAccount(candidates ...string) domain.AccountID {
	for _, c := range candidates {
		if id := parseAccount(c); !id.IsZero() {
			return id
		}
	}
	return domain.AccountID{}
}

// Sender is the account that produced the envelope.
func (e *Envelope) Sender() domain.AccountID {
	return firstAccount(e.SourceUUID, e.Source)
}

// Content converts the envelope to protocol content. ok is false for
// envelopes that carry nothing at all.
func (e *Envelope) Content() (domain.Content, bool) {
	c := domain.Content{Sender: e.Sender(), Timestamp: e.Timestamp}

	switch {
	case e.DataMessage != nil:
		if e.DataMessage.RemoteDelete != nil {
			c.Body = &domain.NullMessage{}
		} else {
			c.Body = e.DataMessage.toDomain()
		}
		if e.DataMessage.Timestamp != 0 {
			c.Timestamp = e.DataMessage.Timestamp
		}
	case e.SyncMessage != nil && e.SyncMessage.SentMessage != nil:
		sent := e.SyncMessage.SentMessage
		ts := sent.Timestamp
		if ts == 0 {
			ts = e.Timestamp
		}
		c.Body = &domain.SyncMessage{Sent: &domain.SentMessage{
			Destination: firstAccount(sent.DestinationUUID, sent.Destination),
			Timestamp:   ts,
			Message:     sent.DataMessage.toDomain(),
		}}
		c.Timestamp = ts
	case e.SyncMessage != nil:
		c.Body = &domain.UnknownMessage{Type: "sync"}
	case e.TypingMessage != nil:
		c.Body = &domain.TypingMessage{
			Started:  strings.EqualFold(e.TypingMessage.Action, "STARTED"),
			GroupKey: domain.GroupKey(e.TypingMessage.GroupID),
		}
	case e.CallMessage != nil:
		c.Body = &domain.CallMessage{Offer: e.CallMessage.OfferMessage != nil}
	case e.ReceiptMessage != nil:
		c.Body = &domain.ReceiptMessage{Type: e.ReceiptMessage.kind(), Timestamps: e.ReceiptMessage.Timestamps}
	case e.StoryMessage != nil:
		c.Body = &domain.UnknownMessage{Type: "story"}
	default:
		return c, false
	}
	return c, true
}

func (m *DataMessage) toDomain() *domain.DataMessage {
	out := &domain.DataMessage{}
	if m.Message != nil {
		out.Body = *m.Message
	}
	if m.GroupInfo != nil {
		out.GroupKey = domain.GroupKey(m.GroupInfo.GroupID)
	}
	if m.Quote != nil {
		out.Quote = &domain.Quote{
			ID:     m.Quote.ID,
			Author: firstAccount(m.Quote.AuthorUUID, m.Quote.Author),
			Text:   m.Quote.Text,
		}
	}
	if m.Reaction != nil {
		out.Reaction = &domain.Reaction{
			Emoji:               m.Reaction.Emoji,
			Remove:              m.Reaction.IsRemove,
			TargetAuthor:        firstAccount(m.Reaction.TargetAuthorUUID, m.Reaction.TargetAuthor),
			TargetSentTimestamp: m.Reaction.TargetSentTimestamp,
		}
	}
	for _, a := range m.Attachments {
		out.Attachments = append(out.Attachments, domain.AttachmentPointer{
			ID:          a.ID,
			ContentType: a.ContentType,
			FileName:    a.Filename,
			Size:        a.Size,
		})
	}
	return out
}

func (r *ReceiptMessage) kind() string {
	switch {
	case r.IsViewed:
		return "viewed"
	case r.IsRead:
		return "read"
	case r.IsDelivery:
		return "delivery"
	}
	return "unknown"
}
