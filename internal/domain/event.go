package domain

import "encoding/json"

type Direction uint8

const (
	Received Direction = iota
	Sent
)

func (d Direction) String() string {
	if d == Sent {
		return "sent"
	}
	return "received"
}

func (d Direction) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// ClassifiedEvent is the human readable, attributed rendering of one content item.
type ClassifiedEvent struct {
	Direction Direction `json:"direction"`
	Thread    Thread    `json:"-"`
	Prefix    string    `json:"prefix"`
	Summary   string    `json:"summary"`
	Timestamp uint64    `json:"timestamp"`
}

// String renders the console line for the event.
func (e ClassifiedEvent) String() string {
	return e.Prefix + " / " + e.Summary
}

func (e ClassifiedEvent) MarshalJSON() ([]byte, error) {
	type plain ClassifiedEvent
	return json.Marshal(struct {
		plain
		Thread string `json:"thread"`
	}{plain(e), e.Thread.Key()})
}
