package store

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/HyotekiMakoto/Short-Link-URL/internal/errx"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/model"
)

var errReadOnly = errors.New("write in read-only transaction")

// Tx is a view of the registry with staged writes layered over the
// published state. A Tx is only valid inside the View or Update callback
// that received it.
type Tx struct {
	base     *state
	writable bool
	replaced bool

	users    map[string]model.User
	links    map[string]model.Link
	delUsers map[string]struct{}
	delLinks map[string]struct{}
}

func newTx(base *state, writable bool) *Tx {
	return &Tx{
		base:     base,
		writable: writable,
		users:    make(map[string]model.User),
		links:    make(map[string]model.Link),
		delUsers: make(map[string]struct{}),
		delLinks: make(map[string]struct{}),
	}
}

/***************
 * Users
 ***************/

// User returns the user with the given id.
func (tx *Tx) User(id string) (model.User, bool) {
	if u, ok := tx.users[id]; ok {
		return u, true
	}
	if tx.hiddenUser(id) {
		return model.User{}, false
	}
	u, ok := tx.base.users[id]
	return u, ok
}

// UserByEmail returns the user owning email (exact, case-sensitive match).
func (tx *Tx) UserByEmail(email string) (model.User, bool) {
	for _, u := range tx.users {
		if u.Email == email {
			return u, true
		}
	}
	id, ok := tx.base.byEmail[email]
	if !ok || tx.hiddenUser(id) {
		return model.User{}, false
	}
	if _, staged := tx.users[id]; staged {
		// the staged version carries a different email
		return model.User{}, false
	}
	return tx.base.users[id], true
}

// Users returns every user ordered by creation time.
func (tx *Tx) Users() []model.User {
	out := slices.Collect(maps.Values(tx.users))
	if !tx.replaced {
		for id, u := range tx.base.users {
			if _, staged := tx.users[id]; staged || tx.hiddenUser(id) {
				continue
			}
			out = append(out, u)
		}
	}
	slices.SortFunc(out, func(a, b model.User) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// PutUser inserts or replaces u. It fails with ErrDuplicateEmail when another
// user already holds u.Email.
func (tx *Tx) PutUser(u model.User) error {
	const op = "store.PutUser"

	if !tx.writable {
		return errx.E(op, errx.Internal, errReadOnly)
	}
	if u.ID == "" {
		return errx.E(op, errx.Invalid, fmt.Errorf("%w: user id is empty", model.ErrInvalidFormat))
	}
	if other, ok := tx.UserByEmail(u.Email); ok && other.ID != u.ID {
		return errx.E(op, errx.Conflict, model.ErrDuplicateEmail)
	}

	tx.users[u.ID] = u
	delete(tx.delUsers, u.ID)
	return nil
}

// DeleteUser removes the user. Deleting an absent user is a no-op.
func (tx *Tx) DeleteUser(id string) error {
	if !tx.writable {
		return errx.E("store.DeleteUser", errx.Internal, errReadOnly)
	}
	delete(tx.users, id)
	tx.delUsers[id] = struct{}{}
	return nil
}

func (tx *Tx) hiddenUser(id string) bool {
	if tx.replaced {
		return true
	}
	_, deleted := tx.delUsers[id]
	return deleted
}

/***************
 * Links
 ***************/

// Link returns a copy of the link with the given id.
func (tx *Tx) Link(id string) (model.Link, bool) {
	if l, ok := tx.links[id]; ok {
		return l.Clone(), true
	}
	if tx.hiddenLink(id) {
		return model.Link{}, false
	}
	l, ok := tx.base.links[id]
	if !ok {
		return model.Link{}, false
	}
	return l.Clone(), true
}

// LinkBySlug returns a copy of the link routed by slug.
func (tx *Tx) LinkBySlug(slug string) (model.Link, bool) {
	for _, l := range tx.links {
		if l.Slug == slug {
			return l.Clone(), true
		}
	}
	id, ok := tx.base.bySlug[slug]
	if !ok || tx.hiddenLink(id) {
		return model.Link{}, false
	}
	if _, staged := tx.links[id]; staged {
		return model.Link{}, false
	}
	return tx.base.links[id].Clone(), true
}

// Links returns copies of every link ordered by creation time.
func (tx *Tx) Links() []model.Link {
	return tx.filterLinks(func(model.Link) bool { return true })
}

// LinksByCreator returns copies of the links whose CreatorID is creatorID.
func (tx *Tx) LinksByCreator(creatorID string) []model.Link {
	return tx.filterLinks(func(l model.Link) bool { return l.CreatorID == creatorID })
}

func (tx *Tx) filterLinks(keep func(model.Link) bool) []model.Link {
	var out []model.Link
	for _, l := range tx.links {
		if keep(l) {
			out = append(out, l.Clone())
		}
	}
	if !tx.replaced {
		for id, l := range tx.base.links {
			if _, staged := tx.links[id]; staged || tx.hiddenLink(id) || !keep(l) {
				continue
			}
			out = append(out, l.Clone())
		}
	}
	slices.SortFunc(out, func(a, b model.Link) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// PutLink inserts or replaces l. It fails with ErrSlugTaken when another link
// already routes l.Slug.
func (tx *Tx) PutLink(l model.Link) error {
	const op = "store.PutLink"

	if !tx.writable {
		return errx.E(op, errx.Internal, errReadOnly)
	}
	if l.ID == "" {
		return errx.E(op, errx.Invalid, fmt.Errorf("%w: link id is empty", model.ErrInvalidFormat))
	}
	if other, ok := tx.LinkBySlug(l.Slug); ok && other.ID != l.ID {
		return errx.E(op, errx.Conflict, fmt.Errorf("%w: %q", model.ErrSlugTaken, l.Slug))
	}

	tx.links[l.ID] = l.Clone()
	delete(tx.delLinks, l.ID)
	return nil
}

// DeleteLink removes the link. Deleting an absent link is a no-op.
func (tx *Tx) DeleteLink(id string) error {
	if !tx.writable {
		return errx.E("store.DeleteLink", errx.Internal, errReadOnly)
	}
	delete(tx.links, id)
	tx.delLinks[id] = struct{}{}
	return nil
}

func (tx *Tx) hiddenLink(id string) bool {
	if tx.replaced {
		return true
	}
	_, deleted := tx.delLinks[id]
	return deleted
}

/***************
 * Whole-store
 ***************/

// Replace discards every user and link and stages snap in their place.
// Snapshots with duplicate ids, emails or slugs are rejected.
func (tx *Tx) Replace(snap model.Snapshot) error {
	const op = "store.Replace"

	if !tx.writable {
		return errx.E(op, errx.Internal, errReadOnly)
	}
	st, err := newState(snap)
	if err != nil {
		return errx.Wrap(op, err)
	}

	tx.replaced = true
	tx.users = st.users
	tx.links = st.links
	clear(tx.delUsers)
	clear(tx.delLinks)
	return nil
}

func (tx *Tx) changeset() Changeset {
	cs := Changeset{Replace: tx.replaced}

	for _, id := range slices.Sorted(maps.Keys(tx.delUsers)) {
		if _, exists := tx.base.users[id]; exists {
			cs.DeleteUsers = append(cs.DeleteUsers, id)
		}
	}
	for _, id := range slices.Sorted(maps.Keys(tx.delLinks)) {
		if _, exists := tx.base.links[id]; exists {
			cs.DeleteLinks = append(cs.DeleteLinks, id)
		}
	}
	for _, id := range slices.Sorted(maps.Keys(tx.users)) {
		cs.PutUsers = append(cs.PutUsers, tx.users[id])
	}
	for _, id := range slices.Sorted(maps.Keys(tx.links)) {
		cs.PutLinks = append(cs.PutLinks, tx.links[id])
	}
	return cs
}
