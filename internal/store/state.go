package store

import (
	"fmt"

	"github.com/HyotekiMakoto/Short-Link-URL/internal/errx"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/model"
)

// state is the published view of the registry plus its unique indexes.
type state struct {
	users   map[string]model.User
	links   map[string]model.Link
	byEmail map[string]string
	bySlug  map[string]string
}

func emptyState() *state {
	return &state{
		users:   make(map[string]model.User),
		links:   make(map[string]model.Link),
		byEmail: make(map[string]string),
		bySlug:  make(map[string]string),
	}
}

// newState builds a state from a snapshot, rejecting snapshots that would
// break id, email or slug uniqueness or carry records the registry could
// never have produced.
func newState(snap model.Snapshot) (*state, error) {
	const op = "store.newState"

	st := emptyState()
	for _, u := range snap.Users {
		if u.ID == "" {
			return nil, errx.E(op, errx.Invalid, fmt.Errorf("%w: user with empty id", model.ErrInvalidFormat))
		}
		if _, dup := st.users[u.ID]; dup {
			return nil, errx.E(op, errx.Invalid, fmt.Errorf("%w: duplicate user id %q", model.ErrInvalidFormat, u.ID))
		}
		if _, dup := st.byEmail[u.Email]; dup {
			return nil, errx.E(op, errx.Invalid, fmt.Errorf("%w: duplicate email %q", model.ErrInvalidFormat, u.Email))
		}
		if !u.Role.Valid() {
			return nil, errx.E(op, errx.Invalid, fmt.Errorf("%w: user %q has unknown role %q", model.ErrInvalidFormat, u.ID, u.Role))
		}
		st.users[u.ID] = u
		st.byEmail[u.Email] = u.ID
	}
	for _, l := range snap.Links {
		if l.ID == "" {
			return nil, errx.E(op, errx.Invalid, fmt.Errorf("%w: link with empty id", model.ErrInvalidFormat))
		}
		if _, dup := st.links[l.ID]; dup {
			return nil, errx.E(op, errx.Invalid, fmt.Errorf("%w: duplicate link id %q", model.ErrInvalidFormat, l.ID))
		}
		if _, dup := st.bySlug[l.Slug]; dup {
			return nil, errx.E(op, errx.Invalid, fmt.Errorf("%w: duplicate slug %q", model.ErrInvalidFormat, l.Slug))
		}
		if err := checkCounters(l); err != nil {
			return nil, errx.E(op, errx.Invalid, err)
		}
		st.links[l.ID] = l.Clone()
		st.bySlug[l.Slug] = l.ID
	}
	return st, nil
}

// checkCounters rejects negative click counts and repeated history dates.
func checkCounters(l model.Link) error {
	if l.Clicks < 0 {
		return fmt.Errorf("%w: link %q has negative clicks", model.ErrInvalidFormat, l.ID)
	}
	seen := make(map[string]struct{}, len(l.History))
	for _, d := range l.History {
		if d.Count < 0 {
			return fmt.Errorf("%w: link %q has negative count on %s", model.ErrInvalidFormat, l.ID, d.Date)
		}
		if _, dup := seen[d.Date]; dup {
			return fmt.Errorf("%w: link %q has more than one entry for %s", model.ErrInvalidFormat, l.ID, d.Date)
		}
		seen[d.Date] = struct{}{}
	}
	return nil
}

func (st *state) apply(cs Changeset) {
	if cs.Replace {
		*st = *emptyState()
	}

	for _, id := range cs.DeleteUsers {
		if u, ok := st.users[id]; ok {
			delete(st.byEmail, u.Email)
			delete(st.users, id)
		}
	}
	for _, id := range cs.DeleteLinks {
		if l, ok := st.links[id]; ok {
			delete(st.bySlug, l.Slug)
			delete(st.links, id)
		}
	}

	// Drop every stale index entry before inserting new ones so that two
	// records swapping an email or slug in one changeset stay consistent.
	for _, u := range cs.PutUsers {
		if old, ok := st.users[u.ID]; ok && st.byEmail[old.Email] == u.ID {
			delete(st.byEmail, old.Email)
		}
	}
	for _, u := range cs.PutUsers {
		st.users[u.ID] = u
		st.byEmail[u.Email] = u.ID
	}

	for _, l := range cs.PutLinks {
		if old, ok := st.links[l.ID]; ok && st.bySlug[old.Slug] == l.ID {
			delete(st.bySlug, old.Slug)
		}
	}
	for _, l := range cs.PutLinks {
		st.links[l.ID] = l.Clone()
		st.bySlug[l.Slug] = l.ID
	}
}
