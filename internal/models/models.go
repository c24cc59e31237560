package models

import "fmt"

// Dimension selects which family of events a subscriber receives.
type Dimension string

const (
	DimensionBooking   Dimension = "booking"
	DimensionHistory   Dimension = "history"
	DimensionFavorites Dimension = "favorites"
	DimensionCategory  Dimension = "category"
	DimensionProject   Dimension = "project"
	DimensionTag       Dimension = "tag"
)

func (d Dimension) Valid() bool {
	switch d {
	case DimensionBooking, DimensionHistory, DimensionFavorites,
		DimensionCategory, DimensionProject, DimensionTag:
		return true
	}
	return false
}

// IsAggregate reports whether d is one of the aggregate chart dimensions.
func (d Dimension) IsAggregate() bool {
	return d == DimensionCategory || d == DimensionProject || d == DimensionTag
}

// Scope addresses a subscription: whose events and which dimension.
type Scope struct {
	UserID         string    `json:"user_id"`
	OrganisationID string    `json:"organisation_id"`
	Dimension      Dimension `json:"dimension,omitempty"`
}

// Normalize fills the default dimension.
func (s Scope) Normalize() Scope {
	if s.Dimension == "" {
		s.Dimension = DimensionBooking
	}
	return s
}

func (s Scope) Validate() error {
	if s.UserID == "" || s.OrganisationID == "" {
		return fmt.Errorf("scope requires user and organisation")
	}
	if !s.Normalize().Dimension.Valid() {
		return fmt.Errorf("unknown dimension %q", s.Dimension)
	}
	return nil
}

func (s Scope) String() string {
	n := s.Normalize()
	return fmt.Sprintf("%s/%s/%s", n.OrganisationID, n.UserID, n.Dimension)
}
