package alert

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalid is returned for events that cannot be delivered.
var ErrInvalid = errors.New("alert: invalid event")

// Type is the alert category.
type Type string

const (
	TypeIntrusion Type = "intrusion"
	TypeFall      Type = "fall"
	TypeCustom    Type = "custom"
)

// ParseType maps a string to a Type.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypeIntrusion, TypeFall, TypeCustom:
		return t, nil
	default:
		return "", fmt.Errorf("%w: unknown alert type %q", ErrInvalid, s)
	}
}

// Event is a discrete alert. It is retained until a transport
// acknowledges it.
//
// ID is local bookkeeping for the outbox and is not part of the wire
// format; receivers de-duplicate on timestamp and type.
type Event struct {
	ID        uuid.UUID       `json:"-"`
	Timestamp time.Time       `json:"timestamp"`
	Type      Type            `json:"alert_type"`
	Payload   json.RawMessage `json:"payload"`
}

// New creates an event stamped with now. payload is marshalled to JSON;
// nil becomes an empty object.
func New(t Type, payload any, now time.Time) (Event, error) {
	if _, err := ParseType(string(t)); err != nil {
		return Event{}, err
	}

	raw := json.RawMessage("{}")
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("%w: payload: %v", ErrInvalid, err)
		}
		raw = b
	}

	return Event{
		ID:        uuid.New(),
		Timestamp: now.UTC(),
		Type:      t,
		Payload:   raw,
	}, nil
}

// Validate checks that the event can be sent.
func (e Event) Validate() error {
	if e.ID == uuid.Nil {
		return fmt.Errorf("%w: missing id", ErrInvalid)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalid)
	}
	if _, err := ParseType(string(e.Type)); err != nil {
		return err
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return fmt.Errorf("%w: payload is not JSON", ErrInvalid)
	}
	return nil
}

// Body returns the wire encoding.
func (e Event) Body() ([]byte, error) {
	if len(e.Payload) == 0 {
		e.Payload = json.RawMessage("{}")
	}
	return json.Marshal(e)
}
