package identity

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/HyotekiMakoto/Short-Link-URL/internal/errx"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/model"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/store"
)

var testNow = time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)

var (
	owner = model.User{ID: "user-owner", Email: "owner@x.com", Name: "Owner", Role: model.RoleOwner, Credential: "legacy-owner", CreatedAt: testNow}
	admin = model.User{ID: "user-admin", Email: "admin@x.com", Name: "Admin", Role: model.RoleAdmin, Credential: "legacy-admin", CreatedAt: testNow.Add(time.Second)}
	alice = model.User{ID: "user-alice", Email: "alice@x.com", Name: "Alice", Role: model.RoleUser, Credential: "legacy-alice", CreatedAt: testNow.Add(2 * time.Second)}
	bob   = model.User{ID: "user-bob", Email: "bob@x.com", Name: "Bob", Role: model.RoleUser, Credential: "legacy-bob", CreatedAt: testNow.Add(3 * time.Second)}
)

func actorOf(u model.User) model.Actor { return model.Actor{ID: u.ID, Role: u.Role} }

func newService(t *testing.T, snap model.Snapshot) (Service, *store.Store) {
	t.Helper()

	st, err := store.Open(context.Background(), store.NewMemoryBackend(snap))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	svc, err := NewService(st, &ServiceConfig{
		Hasher: NewBcryptHasher(bcrypt.MinCost),
		Now:    func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return svc, st
}

func seeded(t *testing.T) (Service, *store.Store) {
	return newService(t, model.Snapshot{Users: []model.User{owner, admin, alice, bob}})
}

func storedUser(t *testing.T, st *store.Store, id string) (model.User, bool) {
	t.Helper()
	var (
		u  model.User
		ok bool
	)
	require.NoError(t, st.View(context.Background(), func(tx *store.Tx) error {
		u, ok = tx.User(id)
		return nil
	}))
	return u, ok
}

/***************
 * Register & Authenticate
 ***************/

func TestRegister(t *testing.T) {
	svc, st := newService(t, model.Snapshot{})
	ctx := context.Background()

	u, err := svc.Register(ctx, " a@x.com ", "s3cret", "Ann")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(u.ID, "user-"))
	assert.Equal(t, "a@x.com", u.Email)
	assert.Equal(t, model.RoleUser, u.Role)
	assert.Empty(t, u.Credential, "credential must not be returned")
	assert.Equal(t, testNow, u.CreatedAt)

	stored, ok := storedUser(t, st, u.ID)
	require.True(t, ok)
	assert.NotEqual(t, "s3cret", stored.Credential)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.Credential), []byte("s3cret")))

	_, err = svc.Register(ctx, "a@x.com", "other", "Ann Again")
	assert.True(t, errx.Is(err, errx.Conflict))
	assert.ErrorIs(t, err, model.ErrDuplicateEmail)
}

func TestRegister_Validation(t *testing.T) {
	svc, _ := newService(t, model.Snapshot{})

	tests := []struct {
		name, email, credential string
	}{
		{"empty email", "", "pw"},
		{"no at sign", "alice", "pw"},
		{"trailing at", "alice@", "pw"},
		{"empty credential", "a@x.com", ""},
		{"credential too long", "a@x.com", strings.Repeat("p", 73)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(context.Background(), tt.email, tt.credential, "n")
			assert.True(t, errx.Is(err, errx.Invalid), "err = %v", err)
			assert.ErrorIs(t, err, model.ErrInvalidFormat)
		})
	}
}

func TestAuthenticate(t *testing.T) {
	svc, _ := seeded(t)
	ctx := context.Background()

	registered, err := svc.Register(ctx, "carol@x.com", "pw-carol", "Carol")
	require.NoError(t, err)

	t.Run("bcrypt account", func(t *testing.T) {
		u, err := svc.Authenticate(ctx, "carol@x.com", "pw-carol")
		require.NoError(t, err)
		assert.Equal(t, registered.ID, u.ID)
		assert.Empty(t, u.Credential)
	})

	t.Run("legacy plaintext account", func(t *testing.T) {
		u, err := svc.Authenticate(ctx, "alice@x.com", "legacy-alice")
		require.NoError(t, err)
		assert.Equal(t, alice.ID, u.ID)
	})

	for name, tc := range map[string][2]string{
		"wrong password": {"carol@x.com", "nope"},
		"unknown email":  {"zed@x.com", "pw"},
		"empty password": {"alice@x.com", ""},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Authenticate(ctx, tc[0], tc[1])
			assert.True(t, errx.Is(err, errx.Unauthorized))
			assert.ErrorIs(t, err, model.ErrInvalidCredentials)
		})
	}
}

/***************
 * Capabilities
 ***************/

func TestCanManage(t *testing.T) {
	tests := []struct {
		name   string
		actor  model.User
		target model.User
		want   bool
	}{
		{"owner edits user", owner, alice, true},
		{"owner edits admin", owner, admin, true},
		{"owner cannot edit self", owner, owner, false},
		{"admin edits user", admin, alice, true},
		{"admin cannot edit admin", admin, admin, false},
		{"admin cannot edit owner", admin, owner, false},
		{"user cannot edit user", alice, bob, false},
		{"user cannot edit self", alice, alice, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanManage(actorOf(tt.actor), tt.target))
		})
	}
}

func TestAssignableRoles(t *testing.T) {
	assert.Equal(t, []model.Role{model.RoleUser, model.RoleAdmin, model.RoleOwner}, AssignableRoles(actorOf(owner)))
	assert.Equal(t, []model.Role{model.RoleUser}, AssignableRoles(actorOf(admin)))
	assert.Empty(t, AssignableRoles(actorOf(alice)))
}

/***************
 * Admin operations
 ***************/

func TestAdminCreateUser(t *testing.T) {
	svc, _ := seeded(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		actor    model.User
		email    string
		role     model.Role
		wantKind errx.Kind
	}{
		{"owner creates admin", owner, "new-admin@x.com", model.RoleAdmin, errx.Unknown},
		{"owner creates owner", owner, "new-owner@x.com", model.RoleOwner, errx.Unknown},
		{"admin creates user", admin, "new-user@x.com", model.RoleUser, errx.Unknown},
		{"admin cannot create admin", admin, "x1@x.com", model.RoleAdmin, errx.Forbidden},
		{"admin cannot create owner", admin, "x2@x.com", model.RoleOwner, errx.Forbidden},
		{"user cannot create", alice, "x3@x.com", model.RoleUser, errx.Forbidden},
		{"duplicate email", owner, "bob@x.com", model.RoleUser, errx.Conflict},
		{"unknown role", owner, "x4@x.com", model.Role("ROOT"), errx.Invalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := svc.AdminCreateUser(ctx, actorOf(tt.actor), tt.email, "pw", "New", tt.role)
			if tt.wantKind == errx.Unknown {
				require.NoError(t, err)
				assert.Equal(t, tt.role, u.Role)
				assert.Empty(t, u.Credential)
				return
			}
			assert.Equal(t, tt.wantKind, errx.KindOf(err), "err = %v", err)
		})
	}
}

func TestUpdateProfile(t *testing.T) {
	ctx := context.Background()

	t.Run("admin edits user fields", func(t *testing.T) {
		svc, st := seeded(t)

		u, err := svc.UpdateProfile(ctx, actorOf(admin), alice.ID, ProfileUpdate{
			Name:  "Alice B",
			Email: "alice.b@x.com",
			Role:  model.RoleUser,
		})
		require.NoError(t, err)
		assert.Equal(t, "Alice B", u.Name)
		assert.Equal(t, "alice.b@x.com", u.Email)

		stored, _ := storedUser(t, st, alice.ID)
		assert.Equal(t, "legacy-alice", stored.Credential, "credential kept when not supplied")
	})

	t.Run("credential replaced when supplied", func(t *testing.T) {
		svc, _ := seeded(t)

		_, err := svc.UpdateProfile(ctx, actorOf(owner), bob.ID, ProfileUpdate{Credential: "fresh"})
		require.NoError(t, err)

		_, err = svc.Authenticate(ctx, "bob@x.com", "fresh")
		assert.NoError(t, err)
		_, err = svc.Authenticate(ctx, "bob@x.com", "legacy-bob")
		assert.Error(t, err)
	})

	t.Run("email collision", func(t *testing.T) {
		svc, _ := seeded(t)

		_, err := svc.UpdateProfile(ctx, actorOf(owner), alice.ID, ProfileUpdate{Email: "bob@x.com"})
		assert.ErrorIs(t, err, model.ErrDuplicateEmail)
	})

	t.Run("keeping own email is fine", func(t *testing.T) {
		svc, _ := seeded(t)

		_, err := svc.UpdateProfile(ctx, actorOf(owner), alice.ID, ProfileUpdate{Email: "alice@x.com", Name: "A"})
		assert.NoError(t, err)
	})

	t.Run("capability violations", func(t *testing.T) {
		svc, _ := seeded(t)

		cases := []struct {
			actor  model.User
			target string
			upd    ProfileUpdate
			kind   errx.Kind
		}{
			{owner, owner.ID, ProfileUpdate{Name: "Me"}, errx.Forbidden},
			{admin, admin.ID, ProfileUpdate{Name: "Me"}, errx.Forbidden},
			{admin, owner.ID, ProfileUpdate{Name: "Boss"}, errx.Forbidden},
			{admin, alice.ID, ProfileUpdate{Role: model.RoleAdmin}, errx.Forbidden},
			{alice, bob.ID, ProfileUpdate{Name: "B"}, errx.Forbidden},
			{owner, "user-missing", ProfileUpdate{Name: "?"}, errx.NotFound},
			{owner, alice.ID, ProfileUpdate{Role: "ROOT"}, errx.Invalid},
			{owner, alice.ID, ProfileUpdate{Email: "broken"}, errx.Invalid},
		}
		for _, c := range cases {
			_, err := svc.UpdateProfile(ctx, actorOf(c.actor), c.target, c.upd)
			assert.Equal(t, c.kind, errx.KindOf(err), "%s -> %s %+v: %v", c.actor.ID, c.target, c.upd, err)
		}
	})
}

func TestUpdateRole(t *testing.T) {
	svc, _ := seeded(t)
	ctx := context.Background()

	u, err := svc.UpdateRole(ctx, actorOf(owner), alice.ID, model.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdmin, u.Role)

	// Alice is now an admin, so another admin can no longer touch her.
	_, err = svc.UpdateRole(ctx, actorOf(admin), alice.ID, model.RoleUser)
	assert.True(t, errx.Is(err, errx.Forbidden))

	_, err = svc.UpdateRole(ctx, actorOf(owner), alice.ID, "")
	assert.True(t, errx.Is(err, errx.Invalid))
}

func TestDeleteUser_CascadesLinks(t *testing.T) {
	links := []model.Link{
		{ID: "link-1", Slug: "a1", CreatorID: alice.ID, OriginalURL: "https://a.com", CreatedAt: testNow},
		{ID: "link-2", Slug: "a2", CreatorID: alice.ID, OriginalURL: "https://a.com", CreatedAt: testNow},
		{ID: "link-3", Slug: "b1", CreatorID: bob.ID, OriginalURL: "https://b.com", CreatedAt: testNow},
	}
	svc, st := newService(t, model.Snapshot{Users: []model.User{owner, admin, alice, bob}, Links: links})
	ctx := context.Background()

	require.NoError(t, svc.DeleteUser(ctx, actorOf(admin), alice.ID))

	_, ok := storedUser(t, st, alice.ID)
	assert.False(t, ok)

	var remaining []model.Link
	require.NoError(t, st.View(ctx, func(tx *store.Tx) error {
		remaining = tx.Links()
		return nil
	}))
	require.Len(t, remaining, 1)
	assert.Equal(t, "link-3", remaining[0].ID)
}

func TestDeleteUser_Rules(t *testing.T) {
	svc, _ := seeded(t)
	ctx := context.Background()

	assert.True(t, errx.Is(svc.DeleteUser(ctx, actorOf(owner), owner.ID), errx.Forbidden))
	assert.True(t, errx.Is(svc.DeleteUser(ctx, actorOf(admin), owner.ID), errx.Forbidden))
	assert.True(t, errx.Is(svc.DeleteUser(ctx, actorOf(alice), bob.ID), errx.Forbidden))
	assert.True(t, errx.Is(svc.DeleteUser(ctx, actorOf(owner), "user-missing"), errx.NotFound))
	assert.NoError(t, svc.DeleteUser(ctx, actorOf(owner), admin.ID))
}

/***************
 * Reads & bootstrap
 ***************/

func TestListUsers_StripsCredentials(t *testing.T) {
	svc, _ := seeded(t)

	users, err := svc.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 4)
	assert.Equal(t, owner.ID, users[0].ID)
	for _, u := range users {
		assert.Empty(t, u.Credential, "user %s leaked its credential", u.ID)
	}

	u, err := svc.GetUser(context.Background(), bob.ID)
	require.NoError(t, err)
	assert.Empty(t, u.Credential)

	_, err = svc.GetUser(context.Background(), "user-missing")
	assert.True(t, errx.Is(err, errx.NotFound))
}

func TestRecoverPassword(t *testing.T) {
	svc, _ := seeded(t)

	assert.NoError(t, svc.RecoverPassword(context.Background(), "alice@x.com"))
	err := svc.RecoverPassword(context.Background(), "nobody@x.com")
	assert.True(t, errx.Is(err, errx.NotFound))
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestEnsureOwner(t *testing.T) {
	svc, _ := newService(t, model.Snapshot{})
	ctx := context.Background()

	u, created, err := svc.EnsureOwner(ctx, "root@x.com", "pw", "Root")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.RoleOwner, u.Role)

	again, created, err := svc.EnsureOwner(ctx, "root@x.com", "other", "Root")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, u.ID, again.ID)

	_, err = svc.Authenticate(ctx, "root@x.com", "pw")
	assert.NoError(t, err, "existing owner credential must be kept")
}

func TestHasher(t *testing.T) {
	h := NewBcryptHasher(bcrypt.MinCost)

	hash, err := h.Hash("pw")
	require.NoError(t, err)
	assert.True(t, isBcrypt(hash))
	assert.True(t, h.Compare(hash, "pw"))
	assert.False(t, h.Compare(hash, "PW"))

	assert.True(t, h.Compare("plain", "plain"))
	assert.False(t, h.Compare("plain", "plain2"))
	assert.False(t, h.Compare("", ""))
}
