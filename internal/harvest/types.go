package harvest

import (
	"strings"
)

// Entity is one unit of work read from the input table.
type Entity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Contact is a structured record extracted from one visited profile.
// Empty strings mean the field is absent.
type Contact struct {
	Name       string `json:"name,omitempty"`
	Title      string `json:"title,omitempty"`
	Department string `json:"department,omitempty"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	ProfileURL string `json:"profile_url,omitempty"`
	Bio        string `json:"bio,omitempty"`
}

// Normalize trims every field so whitespace-only values become absent.
func (c Contact) Normalize() Contact {
	return Contact{
		Name:       strings.TrimSpace(c.Name),
		Title:      strings.TrimSpace(c.Title),
		Department: strings.TrimSpace(c.Department),
		Email:      strings.TrimSpace(c.Email),
		Phone:      strings.TrimSpace(c.Phone),
		ProfileURL: strings.TrimSpace(c.ProfileURL),
		Bio:        strings.TrimSpace(c.Bio),
	}
}

// EntityResult is the durable row for an entity in the results table.
// Complete is false while an attempt is still harvesting.
type EntityResult struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Contacts []Contact `json:"contacts"`
	Complete bool      `json:"complete"`
}

// Clone returns a deep copy safe to hand to a store.
func (r EntityResult) Clone() EntityResult {
	out := r
	out.Contacts = append([]Contact(nil), r.Contacts...)
	return out
}

// UnmatchedEntity records an entity whose filter could not be resolved.
type UnmatchedEntity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Position is the "page X of Y" state of a paginated listing.
type Position struct {
	Page  int
	Total int
}

// Last reports whether the position is on or past the final page.
func (p Position) Last() bool {
	return p.Page >= p.Total
}
