package models

import (
	"errors"
	"slices"
	"strings"
	"time"
)

var (
	ErrEndBeforeStart = errors.New("booking end is before start")
	ErrMissingProject = errors.New("project is required")
	ErrMissingID      = errors.New("booking id is required")
)

type Tag struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// BookingReference identifies a booking and what it is booked against.
type BookingReference struct {
	ID             string `json:"id"`
	ProjectID      string `json:"project_id"`
	Tags           []Tag  `json:"tags,omitempty"`
	UserID         string `json:"user_id"`
	OrganisationID string `json:"organisation_id"`
}

// BookingWindow is a booking with its time range. End is nil while the
// booking is running. Values are never mutated in place; the With* helpers
// return copies.
type BookingWindow struct {
	BookingReference
	Start time.Time  `json:"start"`
	End   *time.Time `json:"end,omitempty"`
}

func (w BookingWindow) IsRunning() bool {
	return w.End == nil
}

func (w BookingWindow) Validate() error {
	if strings.TrimSpace(w.ID) == "" {
		return ErrMissingID
	}
	if w.End != nil && w.End.Before(w.Start) {
		return ErrEndBeforeStart
	}
	return nil
}

func (w BookingWindow) clone() BookingWindow {
	out := w
	out.Tags = slices.Clone(w.Tags)
	if w.End != nil {
		end := *w.End
		out.End = &end
	}
	return out
}

func (w BookingWindow) WithStart(start time.Time) BookingWindow {
	out := w.clone()
	out.Start = start
	return out
}

func (w BookingWindow) WithProject(projectID string) BookingWindow {
	out := w.clone()
	out.ProjectID = projectID
	return out
}

func (w BookingWindow) WithTags(tags []Tag) BookingWindow {
	out := w.clone()
	out.Tags = NormalizeTags(tags)
	return out
}

// Closed returns the window with End set.
func (w BookingWindow) Closed(end time.Time) (BookingWindow, error) {
	if end.Before(w.Start) {
		return BookingWindow{}, ErrEndBeforeStart
	}
	out := w.clone()
	out.End = &end
	return out, nil
}

// Equal compares two windows by value. Times are compared as instants.
func (w BookingWindow) Equal(other BookingWindow) bool {
	if w.ID != other.ID || w.ProjectID != other.ProjectID ||
		w.UserID != other.UserID || w.OrganisationID != other.OrganisationID {
		return false
	}
	if !w.Start.Equal(other.Start) {
		return false
	}
	if (w.End == nil) != (other.End == nil) {
		return false
	}
	if w.End != nil && !w.End.Equal(*other.End) {
		return false
	}
	return slices.Equal(NormalizeTags(w.Tags), NormalizeTags(other.Tags))
}

// NormalizeTags drops empty ids, deduplicates by id and sorts by id so that
// equal tag sets compare (and hash) equal.
func NormalizeTags(tags []Tag) []Tag {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]Tag, 0, len(tags))
	for _, t := range tags {
		id := strings.TrimSpace(t.ID)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, Tag{ID: id, Name: t.Name})
	}
	slices.SortFunc(out, func(a, b Tag) int { return strings.Compare(a.ID, b.ID) })
	if len(out) == 0 {
		return nil
	}
	return out
}
