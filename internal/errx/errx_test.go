package errx

import (
	"errors"
	"fmt"
	"testing"
)

var errSlugTaken = errors.New("slug already in use")

func TestE(t *testing.T) {
	t.Run("returns nil when error is nil", func(t *testing.T) {
		if got := E("shortener.Create", Conflict, nil); got != nil {
			t.Errorf("E() with nil error = %v, want nil", got)
		}
	})

	t.Run("constructs Error with all fields", func(t *testing.T) {
		err := E("store.PutLink", Conflict, errSlugTaken)

		var e *Error
		if !errors.As(err, &e) {
			t.Fatal("expected error to be of type *errx.Error")
		}
		if got, want := e.Op, "store.PutLink"; got != want {
			t.Errorf("Op = %q, want %q", got, want)
		}
		if got, want := e.Kind, Conflict; got != want {
			t.Errorf("Kind = %v, want %v", got, want)
		}
		if !errors.Is(e.Err, errSlugTaken) {
			t.Errorf("Err = %v, want %v", e.Err, errSlugTaken)
		}
	})

	t.Run("preserves all error kinds", func(t *testing.T) {
		kinds := []Kind{Unknown, NotFound, Conflict, Invalid, Unauthorized, Forbidden, Gone, Unavailable, Internal}
		for _, kind := range kinds {
			t.Run(kind.String(), func(t *testing.T) {
				if got := KindOf(E("operation", kind, errSlugTaken)); got != kind {
					t.Errorf("KindOf() = %v, want %v", got, kind)
				}
			})
		}
	})
}

func TestWrap(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		if got := Wrap("identity.Register", nil); got != nil {
			t.Errorf("Wrap(nil) = %v, want nil", got)
		}
	})

	t.Run("keeps inner kind and adds op", func(t *testing.T) {
		inner := E("store.PutLink", Conflict, errSlugTaken)
		outer := Wrap("shortener.Create", inner)

		if got := KindOf(outer); got != Conflict {
			t.Errorf("KindOf() = %v, want %v", got, Conflict)
		}
		if got := OpOf(outer); got != "shortener.Create" {
			t.Errorf("OpOf() = %q, want shortener.Create", got)
		}
		if !errors.Is(outer, errSlugTaken) {
			t.Error("errors.Is() lost the sentinel through Wrap")
		}
	})

	t.Run("plain error becomes Unknown", func(t *testing.T) {
		if got := KindOf(Wrap("op", errors.New("boom"))); got != Unknown {
			t.Errorf("KindOf() = %v, want Unknown", got)
		}
	})
}

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "nil inner error returns op",
			err:  &Error{Op: "analytics.RecordClick", Kind: NotFound},
			want: "analytics.RecordClick",
		},
		{
			name: "empty op returns inner error message",
			err:  &Error{Kind: Conflict, Err: errSlugTaken},
			want: "slug already in use",
		},
		{
			name: "normal case formats op and error",
			err:  &Error{Op: "shortener.Update", Kind: Conflict, Err: errSlugTaken},
			want: "shortener.Update: slug already in use",
		},
		{
			name: "both empty returns empty op",
			err:  &Error{},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKindOfAndOpOf(t *testing.T) {
	t.Run("standard and nil errors", func(t *testing.T) {
		if got := KindOf(errors.New("x")); got != Unknown {
			t.Errorf("KindOf() = %v, want Unknown", got)
		}
		if got := KindOf(nil); got != Unknown {
			t.Errorf("KindOf(nil) = %v, want Unknown", got)
		}
		if got := OpOf(nil); got != "" {
			t.Errorf("OpOf(nil) = %q, want empty", got)
		}
	})

	t.Run("outermost op wins through a chain", func(t *testing.T) {
		store := E("store.Update", NotFound, errors.New("missing"))
		svc := Wrap("shortener.UpdateExpiry", store)
		handler := Wrap("handler.UpdateExpiry", svc)

		if got := KindOf(handler); got != NotFound {
			t.Errorf("KindOf() = %v, want NotFound", got)
		}
		if got := OpOf(handler); got != "handler.UpdateExpiry" {
			t.Errorf("OpOf() = %q, want handler.UpdateExpiry", got)
		}
	})

	t.Run("found through fmt.Errorf wrapping", func(t *testing.T) {
		wrapped := fmt.Errorf("context: %w", E("auth.Parse", Unauthorized, errors.New("bad token")))
		if !Is(wrapped, Unauthorized) {
			t.Error("Is() failed to find kind through fmt.Errorf wrapping")
		}
	})
}

func TestKind_String(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{Unknown, "Unknown"},
		{NotFound, "NotFound"},
		{Conflict, "Conflict"},
		{Invalid, "Invalid"},
		{Unauthorized, "Unauthorized"},
		{Forbidden, "Forbidden"},
		{Gone, "Gone"},
		{Unavailable, "Unavailable"},
		{Internal, "Internal"},
		{Kind(99), "Kind(99)"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.kind.String(); got != tt.want {
				t.Errorf("Kind.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCause(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		if got := Cause(nil); got != nil {
			t.Errorf("Cause(nil) = %v, want nil", got)
		}
	})

	t.Run("strips every op layer", func(t *testing.T) {
		root := fmt.Errorf("%w: %q", errSlugTaken, "ok")
		err := Wrap("shortener.Create", E("store.PutLink", Conflict, root))

		got := Cause(err)
		if got.Error() != `slug already in use: "ok"` {
			t.Errorf("Cause() = %q", got.Error())
		}
		if !errors.Is(got, errSlugTaken) {
			t.Error("Cause() lost the sentinel")
		}
	})

	t.Run("op-only error returns itself", func(t *testing.T) {
		err := &Error{Op: "op", Kind: NotFound}
		if got := Cause(err); got != error(err) {
			t.Errorf("Cause() = %v, want the error itself", got)
		}
	})
}
