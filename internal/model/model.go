// Package model holds the records shared by the registry, the click engine
// and the persistence backends.
package model

import (
	"errors"
	"slices"
	"time"
)

// GuestCreatorID is the creator recorded for links made by anonymous callers.
const GuestCreatorID = "guest"

// DateLayout is the calendar-day key used for DailyStat.Date.
const DateLayout = "2006-01-02"

var (
	ErrDuplicateEmail     = errors.New("email already exists")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrNotFound           = errors.New("not found")
	ErrSlugTaken          = errors.New("slug already in use")
	ErrForbidden          = errors.New("operation not permitted for this role")
	ErrInvalidFormat      = errors.New("invalid format")
)

type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
	RoleOwner Role = "OWNER"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAdmin, RoleOwner:
		return true
	default:
		return false
	}
}

// Privileged reports whether the role may use the admin surface.
func (r Role) Privileged() bool {
	return r == RoleAdmin || r == RoleOwner
}

func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", errors.New("role must be one of USER, ADMIN, OWNER")
	}
	return r, nil
}

type User struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	Role       Role      `json:"role"`
	Credential string    `json:"password,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Public returns a copy of u without its credential.
func (u User) Public() User {
	u.Credential = ""
	return u
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID   string
	Role Role
}

// CanManageLink reports whether a may change or delete l: its creator, or any
// admin or owner.
func (a Actor) CanManageLink(l Link) bool {
	return a.Role.Privileged() || (a.ID != "" && a.ID == l.CreatorID)
}

type DailyStat struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

type Link struct {
	ID            string      `json:"id"`
	OriginalURL   string      `json:"originalUrl"`
	Slug          string      `json:"slug"`
	CreatorID     string      `json:"creatorId"`
	Clicks        int64       `json:"clicks"`
	CreatedAt     time.Time   `json:"createdAt"`
	LastClickedAt *time.Time  `json:"lastClickedAt,omitempty"`
	ExpiresAt     *time.Time  `json:"expiresAt"`
	History       []DailyStat `json:"history"`
}

// Expired reports whether the link had an expiry strictly before now.
func (l Link) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && l.ExpiresAt.Before(now)
}

// IsGuest reports whether the link was created by an anonymous caller.
func (l Link) IsGuest() bool {
	return l.CreatorID == GuestCreatorID
}

// Clone returns a deep copy so callers never share history or time pointers
// with the store.
func (l Link) Clone() Link {
	l.History = slices.Clone(l.History)
	if l.LastClickedAt != nil {
		t := *l.LastClickedAt
		l.LastClickedAt = &t
	}
	if l.ExpiresAt != nil {
		t := *l.ExpiresAt
		l.ExpiresAt = &t
	}
	return l
}

// HistoryTotal sums the per-day counts.
func (l Link) HistoryTotal() int64 {
	var total int64
	for _, h := range l.History {
		total += h.Count
	}
	return total
}

// Snapshot is the backup/restore document: every user and every link.
type Snapshot struct {
	Users []User `json:"users"`
	Links []Link `json:"links"`
}
