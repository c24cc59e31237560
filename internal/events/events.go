package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"bookingsync/internal/models"

	"github.com/cespare/xxhash/v2"
)

// Kind tags a LifecycleEvent.
type Kind string

const (
	KindStarted Kind = "booking.started"
	KindStopped Kind = "booking.stopped"
	KindPaused  Kind = "booking.paused"
	KindResumed Kind = "booking.resumed"
	KindEdited  Kind = "booking.edited"

	KindHistoryAdded   Kind = "history.added"
	KindHistoryRemoved Kind = "history.removed"
	KindHistoryChanged Kind = "history.changed"

	KindFavoriteAdded   Kind = "favorite.added"
	KindFavoriteRemoved Kind = "favorite.removed"

	KindAggregateAdded   Kind = "aggregate.added"
	KindAggregateRemoved Kind = "aggregate.removed"

	KindHeartbeat Kind = "heartbeat"
)

// IsLifecycle reports whether the kind changes the current booking.
func (k Kind) IsLifecycle() bool {
	switch k {
	case KindStarted, KindStopped, KindPaused, KindResumed, KindEdited:
		return true
	}
	return false
}

// Dimension returns the subscriber dimension the kind is routed to. Aggregate
// kinds carry their dimension in the event itself.
func (k Kind) Dimension() models.Dimension {
	switch {
	case k.IsLifecycle():
		return models.DimensionBooking
	case k == KindHistoryAdded || k == KindHistoryRemoved || k == KindHistoryChanged:
		return models.DimensionHistory
	case k == KindFavoriteAdded || k == KindFavoriteRemoved:
		return models.DimensionFavorites
	}
	return ""
}

func (k Kind) Known() bool {
	return k.IsLifecycle() || k.Dimension() != "" ||
		k == KindAggregateAdded || k == KindAggregateRemoved || k == KindHeartbeat
}

// Event is a server-pushed lifecycle event. Which fields are set depends on
// Kind: booking kinds carry the full updated window and the server's timing
// (State, Anchor, AccumulatedMs), dimension kinds carry EntryID and an opaque
// Data payload.
type Event struct {
	Kind           Kind                  `json:"type"`
	Seq            uint64                `json:"seq"`
	UserID         string                `json:"user_id"`
	OrganisationID string                `json:"organisation_id"`
	BookingID      string                `json:"booking_id,omitempty"`
	Booking        *models.BookingWindow `json:"booking,omitempty"`
	State          models.BookingState   `json:"state,omitempty"`
	Anchor         time.Time             `json:"anchor,omitzero"`
	AccumulatedMs  int64                 `json:"accumulated_ms,omitempty"`
	Dimension      models.Dimension      `json:"dimension,omitempty"`
	EntryID        string                `json:"entry_id,omitempty"`
	Data           json.RawMessage       `json:"data,omitempty"`
}

// Scope is the routing scope of the event.
func (e Event) Scope() models.Scope {
	dim := e.Kind.Dimension()
	if e.Kind == KindAggregateAdded || e.Kind == KindAggregateRemoved {
		dim = e.Dimension
	}
	return models.Scope{UserID: e.UserID, OrganisationID: e.OrganisationID, Dimension: dim}
}

// TargetBookingID is the booking the event is about.
func (e Event) TargetBookingID() string {
	if e.BookingID != "" {
		return e.BookingID
	}
	if e.Booking != nil {
		return e.Booking.ID
	}
	return ""
}

// Validate checks the event is routable.
func (e Event) Validate() error {
	if !e.Kind.Known() {
		return fmt.Errorf("unknown event type %q", e.Kind)
	}
	if e.Kind == KindHeartbeat {
		return nil
	}
	if e.UserID == "" || e.OrganisationID == "" {
		return fmt.Errorf("%s: missing owner", e.Kind)
	}
	switch e.Kind {
	case KindStarted, KindPaused, KindResumed, KindEdited:
		if e.Booking == nil {
			return fmt.Errorf("%s: missing booking", e.Kind)
		}
		if err := e.Booking.Validate(); err != nil {
			return fmt.Errorf("%s: %w", e.Kind, err)
		}
	case KindStopped:
		if e.TargetBookingID() == "" {
			return fmt.Errorf("%s: missing booking id", e.Kind)
		}
	case KindAggregateAdded, KindAggregateRemoved:
		if !e.Dimension.IsAggregate() {
			return fmt.Errorf("%s: invalid dimension %q", e.Kind, e.Dimension)
		}
	}
	return nil
}

// Hash is the content hash used for deduplication. Events with the same
// content hash equal regardless of JSON key order or whitespace in Data.
func (e Event) Hash() uint64 {
	c := e
	if c.Booking != nil {
		win := c.Booking.WithTags(c.Booking.Tags)
		win.Start = win.Start.UTC()
		if win.End != nil {
			end := win.End.UTC()
			win.End = &end
		}
		c.Booking = &win
	}
	c.Anchor = c.Anchor.UTC()
	if len(c.Data) > 0 {
		c.Data = canonicalJSON(c.Data)
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return xxhash.Sum64String(fmt.Sprintf("%#v", e))
	}
	return xxhash.Sum64(raw)
}

// canonicalJSON re-encodes raw with sorted keys and no whitespace. Numbers
// keep their literal text so large integers stay distinct.
func canonicalJSON(raw json.RawMessage) json.RawMessage {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return raw
	}
	canon, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return canon
}

// Decode parses one wire frame.
func Decode(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	if ev.Booking != nil {
		win := ev.Booking.WithTags(ev.Booking.Tags)
		ev.Booking = &win
	}
	return ev, nil
}

// Encode is the inverse of Decode.
func Encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

// NewJSONEvent builds a dimension event with a JSON payload.
func NewJSONEvent(kind Kind, scope models.Scope, entryID string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	ev := Event{
		Kind:           kind,
		UserID:         scope.UserID,
		OrganisationID: scope.OrganisationID,
		EntryID:        entryID,
		Data:           raw,
	}
	if kind == KindAggregateAdded || kind == KindAggregateRemoved {
		ev.Dimension = scope.Dimension
	}
	return ev, nil
}
