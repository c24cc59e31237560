package models

import (
	"fmt"
	"time"
)

type BookingState string

const (
	StateNone    BookingState = "none"
	StateRunning BookingState = "running"
	StatePaused  BookingState = "paused"
)

func (s BookingState) Valid() bool {
	switch s {
	case StateNone, StateRunning, StatePaused:
		return true
	}
	return false
}

// Snapshot is the client's view of the current booking for one
// (user, organisation) pair.
//
// The worked duration of a running booking is now - Anchor + AccumulatedMs:
// Anchor is the start of the current running segment and AccumulatedMs the
// time worked in earlier segments (before a pause). A paused booking has a
// zero Anchor and its duration is AccumulatedMs.
type Snapshot struct {
	Seq            uint64         `json:"seq"`
	State          BookingState   `json:"state"`
	Booking        *BookingWindow `json:"booking,omitempty"`
	Anchor         time.Time      `json:"anchor,omitzero"`
	AccumulatedMs  int64          `json:"accumulated_ms"`
	Provisional    bool           `json:"provisional,omitempty"`
	UserID         string         `json:"user_id"`
	OrganisationID string         `json:"organisation_id"`
}

// NoBooking returns the empty snapshot for an owner.
func NoBooking(userID, orgID string) Snapshot {
	return Snapshot{State: StateNone, UserID: userID, OrganisationID: orgID}
}

// RunningSnapshot builds a snapshot for a freshly started booking.
func RunningSnapshot(win BookingWindow) Snapshot {
	return Snapshot{
		State:          StateRunning,
		Booking:        &win,
		Anchor:         win.Start,
		UserID:         win.UserID,
		OrganisationID: win.OrganisationID,
	}
}

func (s Snapshot) HasBooking() bool {
	return s.State != StateNone && s.Booking != nil
}

func (s Snapshot) BookingID() string {
	if s.Booking == nil {
		return ""
	}
	return s.Booking.ID
}

func (s Snapshot) Accumulated() time.Duration {
	return time.Duration(s.AccumulatedMs) * time.Millisecond
}

// Paused closes the current running segment at now.
func (s Snapshot) Paused(now time.Time) Snapshot {
	out := s.Clone()
	if s.State == StateRunning {
		worked := now.UnixMilli() - s.Anchor.UnixMilli()
		if worked > 0 {
			out.AccumulatedMs += worked
		}
	}
	out.State = StatePaused
	out.Anchor = time.Time{}
	return out
}

// Resumed opens a new running segment at now.
func (s Snapshot) Resumed(now time.Time) Snapshot {
	out := s.Clone()
	out.State = StateRunning
	out.Anchor = now
	return out
}

// WithBooking replaces the booking window. A moved start shifts the anchor
// while the booking has a single segment; otherwise the difference is
// credited to the accumulated time.
func (s Snapshot) WithBooking(win BookingWindow) Snapshot {
	out := s.Clone()
	if s.Booking != nil && !s.Booking.Start.Equal(win.Start) {
		delta := s.Booking.Start.UnixMilli() - win.Start.UnixMilli()
		if s.State == StateRunning && s.AccumulatedMs == 0 {
			out.Anchor = win.Start
		} else {
			out.AccumulatedMs = max(s.AccumulatedMs+delta, 0)
		}
	}
	out.Booking = &win
	return out
}

// Equal reports whether both snapshots describe the same booking state.
// Seq is ignored.
func (s Snapshot) Equal(other Snapshot) bool {
	if s.State != other.State || s.Provisional != other.Provisional ||
		s.AccumulatedMs != other.AccumulatedMs || !s.Anchor.Equal(other.Anchor) ||
		s.UserID != other.UserID || s.OrganisationID != other.OrganisationID {
		return false
	}
	if (s.Booking == nil) != (other.Booking == nil) {
		return false
	}
	return s.Booking == nil || s.Booking.Equal(*other.Booking)
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := s
	if s.Booking != nil {
		win := s.Booking.clone()
		out.Booking = &win
	}
	return out
}

func (s Snapshot) String() string {
	if !s.HasBooking() {
		return fmt.Sprintf("seq=%d state=%s", s.Seq, s.State)
	}
	return fmt.Sprintf("seq=%d state=%s booking=%s provisional=%t", s.Seq, s.State, s.Booking.ID, s.Provisional)
}

// FormatDuration renders a projected duration for display, truncated to
// whole minutes.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Truncate(time.Minute)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	return fmt.Sprintf("%d:%02d", h, m)
}

// FormatClock renders a duration with seconds, for the running widget.
func FormatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Truncate(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	sec := (d % time.Minute) / time.Second
	return fmt.Sprintf("%d:%02d:%02d", h, m, sec)
}
