package domain

// Content is one item delivered by the protocol receive stream.
type Content struct {
	Sender    AccountID   `json:"sender"`
	Timestamp uint64      `json:"timestamp"`
	Body      ContentBody `json:"-"`
}

// ContentBody is the closed set of payload kinds a Content can carry.
type ContentBody interface {
	Kind() string
	isContentBody()
}

type DataMessage struct {
	Body        string              `cbor:"1,keyasint,omitempty"`
	Quote       *Quote              `cbor:"2,keyasint,omitempty"`
	Reaction    *Reaction           `cbor:"3,keyasint,omitempty"`
	Attachments []AttachmentPointer `cbor:"4,keyasint,omitempty"`
	GroupKey    GroupKey            `cbor:"5,keyasint,omitempty"`
}

// Quote references an earlier message the data message replies to.
type Quote struct {
	ID     uint64    `cbor:"1,keyasint"`
	Author AccountID `cbor:"2,keyasint"`
	Text   string    `cbor:"3,keyasint,omitempty"`
}

type Reaction struct {
	Emoji               string    `cbor:"1,keyasint"`
	Remove              bool      `cbor:"2,keyasint,omitempty"`
	TargetAuthor        AccountID `cbor:"3,keyasint"`
	TargetSentTimestamp uint64    `cbor:"4,keyasint"`
}

// AttachmentPointer references attachment bytes held by the protocol service.
type AttachmentPointer struct {
	ID          string `cbor:"1,keyasint" json:"id"`
	ContentType string `cbor:"2,keyasint,omitempty" json:"contentType,omitempty"`
	FileName    string `cbor:"3,keyasint,omitempty" json:"fileName,omitempty"`
	Size        uint64 `cbor:"4,keyasint,omitempty" json:"size,omitempty"`
}

// SyncMessage is a transcript from another device of the same account.
type SyncMessage struct {
	Sent *SentMessage
}

type SentMessage struct {
	Destination AccountID
	Timestamp   uint64
	Message     *DataMessage
}

type NullMessage struct{}

type CallMessage struct {
	Offer bool
}

type TypingMessage struct {
	Started  bool
	GroupKey GroupKey
}

type ReceiptMessage struct {
	Type       string
	Timestamps []uint64
}

// UnknownMessage stands for every payload kind without a dedicated type.
type UnknownMessage struct {
	Type string
}

func (*DataMessage) Kind() string    { return "data" }
func (*SyncMessage) Kind() string    { return "sync" }
func (*NullMessage) Kind() string    { return "null" }
func (*CallMessage) Kind() string    { return "call" }
func (*TypingMessage) Kind() string  { return "typing" }
func (*ReceiptMessage) Kind() string { return "receipt" }
func (m *UnknownMessage) Kind() string {
	if m.Type == "" {
		return "unknown"
	}
	return m.Type
}

func (*DataMessage) isContentBody()    {}
func (*SyncMessage) isContentBody()    {}
func (*NullMessage) isContentBody()    {}
func (*CallMessage) isContentBody()    {}
func (*TypingMessage) isContentBody()  {}
func (*ReceiptMessage) isContentBody() {}
func (*UnknownMessage) isContentBody() {}

// DataMessageOf returns the data message carried by c directly or through a
// sent transcript, or nil.
func DataMessageOf(c Content) *DataMessage {
	switch b := c.Body.(type) {
	case *DataMessage:
		return b
	case *SyncMessage:
		if b.Sent != nil {
			return b.Sent.Message
		}
	}
	return nil
}
