package domain

import (
	"context"
	"time"

	"bookingsync/internal/models"
)

// StartRequest is the input of a start command. A nil Start means "now".
type StartRequest struct {
	ProjectID string       `json:"project_id"`
	Tags      []models.Tag `json:"tags,omitempty"`
	Start     *time.Time   `json:"start,omitempty"`
}

// EditRequest carries the fields to change; nil fields are left as is.
type EditRequest struct {
	Start     *time.Time    `json:"start,omitempty"`
	ProjectID *string       `json:"project_id,omitempty"`
	Tags      *[]models.Tag `json:"tags,omitempty"`
}

func (r EditRequest) Empty() bool {
	return r.Start == nil && r.ProjectID == nil && r.Tags == nil
}

// Backend is the mutation and read API of the booking server.
type Backend interface {
	StartBooking(ctx context.Context, req StartRequest) (*models.BookingWindow, error)
	StopBooking(ctx context.Context, bookingID string, end time.Time) error
	PauseBooking(ctx context.Context, bookingID string) error
	ResumeBooking(ctx context.Context, bookingID string) error
	EditBooking(ctx context.Context, bookingID string, req EditRequest) (*models.BookingWindow, error)
	GetCurrentBooking(ctx context.Context) (models.Snapshot, error)
}

// SnapshotRepository keeps the last authoritative snapshot for warm reloads.
type SnapshotRepository interface {
	GetSnapshot(ctx context.Context, userID, orgID string) (*models.Snapshot, error)
	SetSnapshot(ctx context.Context, snap models.Snapshot) error
	ClearSnapshot(ctx context.Context, userID, orgID string) error
}

// Reconciler accepts requests for a full refetch of the current booking.
// Requests are coalesced; Request never blocks.
type Reconciler interface {
	Request(reason string)
}

// Notifier surfaces user-visible problems (conflicts, expired sessions).
type Notifier interface {
	Notify(ctx context.Context, err error)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, err error)

func (f NotifierFunc) Notify(ctx context.Context, err error) { f(ctx, err) }
