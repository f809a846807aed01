// Package event defines replayable user events and sends them through an
// agent's exchange client.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Name identifies an event type.
type Name string

// Event names.
const (
	SettleLP      Name = "settle_lp"
	SettlePnL     Name = "settle_pnl"
	ClosePosition Name = "close_position"
)

var (
	// ErrNotInMarket is returned when closing a position the user does not hold.
	ErrNotInMarket = errors.New("user not in market")

	// ErrUnknownEvent is returned for rows with an unrecognized event name.
	ErrUnknownEvent = errors.New("unknown event")
)

// Event is one user event. UserIndex selects the agent the event is run by.
type Event struct {
	Name        Name   `json:"-"`
	Timestamp   int64  `json:"-"`
	UserIndex   int    `json:"user_index"`
	MarketIndex uint16 `json:"market_index"`
}

// Row is the serialized form of an event.
type Row struct {
	EventName  string `json:"event_name"`
	Timestamp  int64  `json:"timestamp"`
	Parameters string `json:"parameters"`
}

// Parameters returns the JSON encoded event parameters.
func (e Event) Parameters() json.RawMessage {
	data, _ := json.Marshal(e)
	return data
}

// Row serializes the event.
func (e Event) Row() Row {
	return Row{EventName: string(e.Name), Timestamp: e.Timestamp, Parameters: string(e.Parameters())}
}

// FromRow deserializes an event row.
func FromRow(r Row) (Event, error) {
	switch Name(r.EventName) {
	case SettleLP, SettlePnL, ClosePosition:
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, r.EventName)
	}
	ev := Event{Name: Name(r.EventName), Timestamp: r.Timestamp}
	if r.Parameters != "" {
		if err := json.Unmarshal([]byte(r.Parameters), &ev); err != nil {
			return Event{}, fmt.Errorf("decode %s parameters: %w", r.EventName, err)
		}
	}
	return ev, nil
}
