package store

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"sigrelay/internal/domain"
)

// encMode uses core deterministic encoding so equal records produce equal bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("store: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("store: CBOR decoder initialization failed: " + err.Error())
	}
}

const (
	kindData = "data"
	kindSent = "sent"
)

// messageRecord is the stored form of a data message or a sent transcript.
type messageRecord struct {
	Sender        domain.AccountID    `cbor:"1,keyasint"`
	Timestamp     uint64              `cbor:"2,keyasint"`
	Destination   domain.AccountID    `cbor:"3,keyasint"`
	SentTimestamp uint64              `cbor:"4,keyasint,omitempty"`
	Message       *domain.DataMessage `cbor:"5,keyasint"`
}

// encodeMessage returns the record kind and payload for c. Only data
// messages and sent transcripts are stored.
func encodeMessage(c domain.Content) (string, []byte, error) {
	rec := messageRecord{Sender: c.Sender, Timestamp: c.Timestamp}
	var kind string

	switch body := c.Body.(type) {
	case *domain.DataMessage:
		kind = kindData
		rec.Message = body
	case *domain.SyncMessage:
		if body.Sent == nil || body.Sent.Message == nil {
			return "", nil, fmt.Errorf("cannot store sync message without sent transcript")
		}
		kind = kindSent
		rec.Destination = body.Sent.Destination
		rec.SentTimestamp = body.Sent.Timestamp
		rec.Message = body.Sent.Message
	default:
		return "", nil, fmt.Errorf("cannot store %s content", c.Body.Kind())
	}

	payload, err := encMode.Marshal(rec)
	if err != nil {
		return "", nil, fmt.Errorf("cannot encode message: %w", err)
	}
	return kind, payload, nil
}

func decodeMessage(kind string, payload []byte) (domain.Content, error) {
	var rec messageRecord
	if err := decMode.Unmarshal(payload, &rec); err != nil {
		return domain.Content{}, fmt.Errorf("cannot decode message: %w", err)
	}
	if rec.Message == nil {
		rec.Message = &domain.DataMessage{}
	}

	c := domain.Content{Sender: rec.Sender, Timestamp: rec.Timestamp}
	switch kind {
	case kindData:
		c.Body = rec.Message
	case kindSent:
		c.Body = &domain.SyncMessage{Sent: &domain.SentMessage{
			Destination: rec.Destination,
			Timestamp:   rec.SentTimestamp,
			Message:     rec.Message,
		}}
	default:
		return domain.Content{}, fmt.Errorf("unknown message kind %q", kind)
	}
	return c, nil
}

func encodeMembers(members []domain.AccountID) ([]byte, error) {
	if len(members) == 0 {
		return nil, nil
	}
	return encMode.Marshal(members)
}

func decodeMembers(data []byte) ([]domain.AccountID, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var members []domain.AccountID
	if err := decMode.Unmarshal(data, &members); err != nil {
		return nil, fmt.Errorf("cannot decode group members: %w", err)
	}
	return members, nil
}
