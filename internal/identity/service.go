// Package identity manages user accounts and the role rules that decide who
// may create, edit and delete whom.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/HyotekiMakoto/Short-Link-URL/internal/errx"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/idgen"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/model"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/store"
)

// ProfileUpdate carries the editable fields of an account. Empty fields keep
// their current value; Credential is replaced only when non-empty.
type ProfileUpdate struct {
	Name       string
	Email      string
	Role       model.Role
	Credential string
}

type Service interface {
	Register(ctx context.Context, email, credential, name string) (model.User, error)
	AdminCreateUser(ctx context.Context, actor model.Actor, email, credential, name string, role model.Role) (model.User, error)
	Authenticate(ctx context.Context, email, credential string) (model.User, error)
	UpdateProfile(ctx context.Context, actor model.Actor, id string, upd ProfileUpdate) (model.User, error)
	UpdateRole(ctx context.Context, actor model.Actor, id string, role model.Role) (model.User, error)
	DeleteUser(ctx context.Context, actor model.Actor, id string) error
	ListUsers(ctx context.Context) ([]model.User, error)
	GetUser(ctx context.Context, id string) (model.User, error)
	RecoverPassword(ctx context.Context, email string) error
	EnsureOwner(ctx context.Context, email, credential, name string) (model.User, bool, error)
}

// Store is the subset of *store.Store the identity service needs.
type Store interface {
	View(ctx context.Context, fn func(tx *store.Tx) error) error
	Update(ctx context.Context, fn func(tx *store.Tx) error) error
}

type service struct {
	store  Store
	hasher Hasher
	ids    idgen.Generator
	now    func() time.Time
	logger *slog.Logger

	// dummyHash keeps Authenticate's timing the same for unknown emails.
	dummyHash string
}

// ServiceConfig holds optional dependencies.
type ServiceConfig struct {
	Hasher      Hasher
	IDGenerator idgen.Generator
	Now         func() time.Time
	Logger      *slog.Logger
}

func NewService(st Store, cfg *ServiceConfig) (Service, error) {
	if cfg == nil {
		cfg = &ServiceConfig{}
	}
	s := &service{
		store:  st,
		hasher: cfg.Hasher,
		ids:    cfg.IDGenerator,
		now:    cfg.Now,
		logger: cfg.Logger,
	}
	if s.hasher == nil {
		s.hasher = NewBcryptHasher(0)
	}
	if s.ids == nil {
		s.ids = idgen.NewV7(idgen.WithPrefix("user-"), idgen.WithRetries(1))
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	dummy, err := s.hasher.Hash("no-such-account")
	if err != nil {
		return nil, fmt.Errorf("identity: preparing hasher: %w", err)
	}
	s.dummyHash = dummy
	return s, nil
}

/***************
 * Capabilities
 ***************/

// CanManage reports whether actor may edit or delete target. An owner may
// manage every account but its own; an admin may manage USER accounts only.
func CanManage(actor model.Actor, target model.User) bool {
	switch actor.Role {
	case model.RoleOwner:
		return target.ID != actor.ID
	case model.RoleAdmin:
		return target.Role == model.RoleUser
	default:
		return false
	}
}

// CanAssign reports whether actor may give an account the role r. Owners may
// assign any role; admins only USER.
func CanAssign(actor model.Actor, r model.Role) bool {
	switch actor.Role {
	case model.RoleOwner:
		return r.Valid()
	case model.RoleAdmin:
		return r == model.RoleUser
	default:
		return false
	}
}

// AssignableRoles lists the roles actor may hand out, for role pickers.
func AssignableRoles(actor model.Actor) []model.Role {
	var out []model.Role
	for _, r := range []model.Role{model.RoleUser, model.RoleAdmin, model.RoleOwner} {
		if CanAssign(actor, r) {
			out = append(out, r)
		}
	}
	return out
}

/***************
 * Accounts
 ***************/

func (s *service) Register(ctx context.Context, email, credential, name string) (model.User, error) {
	const op = "identity.Register"

	u, err := s.newUser(op, email, credential, name, model.RoleUser)
	if err != nil {
		return model.User{}, err
	}
	if err := s.insert(ctx, op, u); err != nil {
		return model.User{}, err
	}

	s.logger.InfoContext(ctx, "user registered", "user_id", u.ID)
	return u.Public(), nil
}

func (s *service) AdminCreateUser(ctx context.Context, actor model.Actor, email, credential, name string, role model.Role) (model.User, error) {
	const op = "identity.AdminCreateUser"

	if !actor.Role.Privileged() {
		return model.User{}, errx.E(op, errx.Forbidden, model.ErrForbidden)
	}
	if !role.Valid() {
		return model.User{}, errx.E(op, errx.Invalid, fmt.Errorf("%w: unknown role %q", model.ErrInvalidFormat, role))
	}
	if !CanAssign(actor, role) {
		return model.User{}, errx.E(op, errx.Forbidden,
			fmt.Errorf("%w: %s may not create %s accounts", model.ErrForbidden, actor.Role, role))
	}

	u, err := s.newUser(op, email, credential, name, role)
	if err != nil {
		return model.User{}, err
	}
	if err := s.insert(ctx, op, u); err != nil {
		return model.User{}, err
	}

	s.logger.InfoContext(ctx, "user created by admin",
		"user_id", u.ID,
		"role", u.Role,
		"actor_id", actor.ID,
	)
	return u.Public(), nil
}

// Authenticate returns the public user for a matching email and credential.
func (s *service) Authenticate(ctx context.Context, email, credential string) (model.User, error) {
	const op = "identity.Authenticate"

	email = normalizeEmail(email)

	var (
		u  model.User
		ok bool
	)
	err := s.store.View(ctx, func(tx *store.Tx) error {
		u, ok = tx.UserByEmail(email)
		return nil
	})
	if err != nil {
		return model.User{}, errx.Wrap(op, err)
	}

	if !ok {
		s.hasher.Compare(s.dummyHash, credential)
		return model.User{}, errx.E(op, errx.Unauthorized, model.ErrInvalidCredentials)
	}
	if !s.hasher.Compare(u.Credential, credential) {
		return model.User{}, errx.E(op, errx.Unauthorized, model.ErrInvalidCredentials)
	}
	return u.Public(), nil
}

func (s *service) UpdateProfile(ctx context.Context, actor model.Actor, id string, upd ProfileUpdate) (model.User, error) {
	const op = "identity.UpdateProfile"

	if upd.Role != "" && !upd.Role.Valid() {
		return model.User{}, errx.E(op, errx.Invalid, fmt.Errorf("%w: unknown role %q", model.ErrInvalidFormat, upd.Role))
	}

	email := normalizeEmail(upd.Email)
	if email != "" {
		if err := validateEmail(email); err != nil {
			return model.User{}, errx.E(op, errx.Invalid, err)
		}
	}

	var hash string
	if upd.Credential != "" {
		h, err := s.hasher.Hash(upd.Credential)
		if err != nil {
			return model.User{}, errx.E(op, errx.Invalid, err)
		}
		hash = h
	}

	var updated model.User
	err := s.store.Update(ctx, func(tx *store.Tx) error {
		u, err := s.managedUser(tx, op, actor, id)
		if err != nil {
			return err
		}

		if upd.Role != "" && upd.Role != u.Role {
			if !CanAssign(actor, upd.Role) {
				return errx.E(op, errx.Forbidden,
					fmt.Errorf("%w: %s may not assign %s", model.ErrForbidden, actor.Role, upd.Role))
			}
			u.Role = upd.Role
		}
		if name := strings.TrimSpace(upd.Name); name != "" {
			u.Name = name
		}
		if email != "" {
			u.Email = email
		}
		if hash != "" {
			u.Credential = hash
		}

		updated = u
		return tx.PutUser(u)
	})
	if err != nil {
		return model.User{}, errx.Wrap(op, err)
	}

	s.logger.InfoContext(ctx, "user updated",
		"user_id", id,
		"actor_id", actor.ID,
		"credential_changed", hash != "",
	)
	return updated.Public(), nil
}

func (s *service) UpdateRole(ctx context.Context, actor model.Actor, id string, role model.Role) (model.User, error) {
	const op = "identity.UpdateRole"

	if !role.Valid() {
		return model.User{}, errx.E(op, errx.Invalid, fmt.Errorf("%w: unknown role %q", model.ErrInvalidFormat, role))
	}
	u, err := s.UpdateProfile(ctx, actor, id, ProfileUpdate{Role: role})
	return u, errx.Wrap(op, err)
}

// DeleteUser removes the account and every link it created in one update.
func (s *service) DeleteUser(ctx context.Context, actor model.Actor, id string) error {
	const op = "identity.DeleteUser"

	removed := 0
	err := s.store.Update(ctx, func(tx *store.Tx) error {
		if _, err := s.managedUser(tx, op, actor, id); err != nil {
			return err
		}
		for _, l := range tx.LinksByCreator(id) {
			if err := tx.DeleteLink(l.ID); err != nil {
				return err
			}
			removed++
		}
		return tx.DeleteUser(id)
	})
	if err != nil {
		return errx.Wrap(op, err)
	}

	s.logger.InfoContext(ctx, "user deleted",
		"user_id", id,
		"actor_id", actor.ID,
		"links_removed", removed,
	)
	return nil
}

func (s *service) ListUsers(ctx context.Context) ([]model.User, error) {
	var users []model.User
	err := s.store.View(ctx, func(tx *store.Tx) error {
		users = tx.Users()
		return nil
	})
	if err != nil {
		return nil, errx.Wrap("identity.ListUsers", err)
	}
	for i := range users {
		users[i] = users[i].Public()
	}
	return users, nil
}

func (s *service) GetUser(ctx context.Context, id string) (model.User, error) {
	const op = "identity.GetUser"

	var (
		u  model.User
		ok bool
	)
	err := s.store.View(ctx, func(tx *store.Tx) error {
		u, ok = tx.User(id)
		return nil
	})
	if err != nil {
		return model.User{}, errx.Wrap(op, err)
	}
	if !ok {
		return model.User{}, errx.E(op, errx.NotFound, fmt.Errorf("%w: user %q", model.ErrNotFound, id))
	}
	return u.Public(), nil
}

// RecoverPassword only checks that an account exists; delivering a reset
// link is left to an external mailer.
func (s *service) RecoverPassword(ctx context.Context, email string) error {
	const op = "identity.RecoverPassword"

	email = normalizeEmail(email)
	var ok bool
	err := s.store.View(ctx, func(tx *store.Tx) error {
		_, ok = tx.UserByEmail(email)
		return nil
	})
	if err != nil {
		return errx.Wrap(op, err)
	}
	if !ok {
		return errx.E(op, errx.NotFound, fmt.Errorf("%w: no account found with that email", model.ErrNotFound))
	}

	s.logger.InfoContext(ctx, "password recovery requested", "email", email)
	return nil
}

// EnsureOwner creates an OWNER account unless one with email already exists.
// The boolean reports whether an account was created.
func (s *service) EnsureOwner(ctx context.Context, email, credential, name string) (model.User, bool, error) {
	const op = "identity.EnsureOwner"

	u, err := s.newUser(op, email, credential, name, model.RoleOwner)
	if err != nil {
		return model.User{}, false, err
	}

	var (
		existing model.User
		created  bool
	)
	err = s.store.Update(ctx, func(tx *store.Tx) error {
		if found, ok := tx.UserByEmail(u.Email); ok {
			existing = found
			return nil
		}
		created = true
		return tx.PutUser(u)
	})
	if err != nil {
		return model.User{}, false, errx.Wrap(op, err)
	}
	if !created {
		return existing.Public(), false, nil
	}

	s.logger.InfoContext(ctx, "owner account bootstrapped", "user_id", u.ID)
	return u.Public(), true, nil
}

/***************
 * Helpers
 ***************/

func (s *service) newUser(op, email, credential, name string, role model.Role) (model.User, error) {
	email = normalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return model.User{}, errx.E(op, errx.Invalid, err)
	}
	if credential == "" {
		return model.User{}, errx.E(op, errx.Invalid, fmt.Errorf("%w: password is required", model.ErrInvalidFormat))
	}

	hash, err := s.hasher.Hash(credential)
	if err != nil {
		return model.User{}, errx.E(op, errx.Invalid, err)
	}
	id, err := s.ids.Generate()
	if err != nil {
		return model.User{}, errx.E(op, errx.Unavailable, err)
	}

	return model.User{
		ID:         id,
		Email:      email,
		Name:       strings.TrimSpace(name),
		Role:       role,
		Credential: hash,
		CreatedAt:  s.now(),
	}, nil
}

func (s *service) insert(ctx context.Context, op string, u model.User) error {
	err := s.store.Update(ctx, func(tx *store.Tx) error {
		return tx.PutUser(u)
	})
	return errx.Wrap(op, err)
}

// managedUser loads id and checks that actor may manage it.
func (s *service) managedUser(tx *store.Tx, op string, actor model.Actor, id string) (model.User, error) {
	u, ok := tx.User(id)
	if !ok {
		return model.User{}, errx.E(op, errx.NotFound, fmt.Errorf("%w: user %q", model.ErrNotFound, id))
	}
	if !CanManage(actor, u) {
		return model.User{}, errx.E(op, errx.Forbidden, model.ErrForbidden)
	}
	return u, nil
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(email)
}

func validateEmail(email string) error {
	at := strings.IndexByte(email, '@')
	if email == "" || at <= 0 || at == len(email)-1 || strings.ContainsAny(email, " \t\r\n") {
		return fmt.Errorf("%w: a valid email is required", model.ErrInvalidFormat)
	}
	return nil
}
