package shortener

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/HyotekiMakoto/Short-Link-URL/internal/analytics"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/auth"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/errx"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/model"
)

/***************
 * Mocks
 ***************/

type mockGuests struct {
	CurrentFunc func(ctx context.Context, sessionID string) (model.Link, bool, error)
	CreateFunc  func(ctx context.Context, sessionID, originalURL, slug string, replace bool) (model.Link, error)
}

func (m *mockGuests) Current(ctx context.Context, sessionID string) (model.Link, bool, error) {
	return m.CurrentFunc(ctx, sessionID)
}

func (m *mockGuests) Create(ctx context.Context, sessionID, originalURL, slug string, replace bool) (model.Link, error) {
	return m.CreateFunc(ctx, sessionID, originalURL, slug, replace)
}

type mockStats struct {
	HistoryFunc func(ctx context.Context, linkID, from, to string) ([]model.DailyStat, error)
	SeriesFunc  func(ctx context.Context, linkID string, days int) ([]model.DailyStat, error)
	SummaryFunc func(ctx context.Context, creatorID string) (analytics.Summary, error)
}

func (m *mockStats) History(ctx context.Context, linkID, from, to string) ([]model.DailyStat, error) {
	return m.HistoryFunc(ctx, linkID, from, to)
}

func (m *mockStats) Series(ctx context.Context, linkID string, days int) ([]model.DailyStat, error) {
	return m.SeriesFunc(ctx, linkID, days)
}

func (m *mockStats) Summary(ctx context.Context, creatorID string) (analytics.Summary, error) {
	return m.SummaryFunc(ctx, creatorID)
}

/***************
 * Helpers
 ***************/

var (
	owner = model.Actor{ID: "owner", Role: model.RoleOwner}
	alice = model.Actor{ID: "alice", Role: model.RoleUser}
	bob   = model.Actor{ID: "bob", Role: model.RoleUser}
)

type testServer struct {
	mux    *http.ServeMux
	svc    Service
	guests *mockGuests
	stats  *mockStats
}

func newTestServer(t *testing.T, links ...model.Link) *testServer {
	t.Helper()

	ts := &testServer{
		svc:    newTestService(t, nil, links...),
		guests: &mockGuests{},
		stats:  &mockStats{},
	}
	h := NewHandler(HandlerConfig{
		Service: ts.svc,
		Guests:  ts.guests,
		Stats:   ts.stats,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		BaseURL: "https://short.ly",
	})

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/links", h.CreateLink)
	mux.HandleFunc("GET /api/links", h.ListLinks)
	mux.HandleFunc("GET /api/links/stats", h.Stats)
	mux.HandleFunc("PUT /api/links/{id}", h.UpdateLink)
	mux.HandleFunc("PATCH /api/links/{id}/expiry", h.UpdateExpiry)
	mux.HandleFunc("DELETE /api/links/{id}", h.DeleteLink)
	mux.HandleFunc("GET /api/links/{id}/history", h.LinkHistory)
	mux.HandleFunc("GET /api/guest/link", h.GuestLink)
	mux.HandleFunc("GET /{slug}", h.ResolveLink)
	ts.mux = mux
	return ts
}

// do sends a request as actor; a zero actor is anonymous.
func (ts *testServer) do(t *testing.T, actor model.Actor, method, path string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if actor.ID != "" {
		req = req.WithContext(auth.WithActor(req.Context(), actor))
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rr := httptest.NewRecorder()
	ts.mux.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v; body: %s", err, rr.Body.String())
	}
	return v
}

/***************
 * Create
 ***************/

func TestHandler_CreateLink_Member(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, alice, http.MethodPost, "/api/links", map[string]string{"url": "https://example.com", "slug": "my-link"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body: %s", rr.Code, rr.Body.String())
	}

	resp := decode[LinkResponse](t, rr)
	if resp.Slug != "my-link" || resp.CreatorID != "alice" {
		t.Errorf("unexpected link: %+v", resp.Link)
	}
	if resp.ShortURL != "https://short.ly/my-link" {
		t.Errorf("ShortURL = %q", resp.ShortURL)
	}
	if resp.ExpiresAt != nil {
		t.Errorf("member link should not expire, got %v", resp.ExpiresAt)
	}
}

func TestHandler_CreateLink_Errors(t *testing.T) {
	ts := newTestServer(t, seededLink("link-1", "taken", "bob"))

	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{"malformed body", "not an object", http.StatusBadRequest, "invalid_request"},
		{"unknown field", map[string]string{"url": "https://a.com", "custom": "x"}, http.StatusBadRequest, "invalid_request"},
		{"missing url", map[string]string{"slug": "abc"}, http.StatusBadRequest, "validation_failed"},
		{"bad scheme", map[string]string{"url": "ftp://a.com"}, http.StatusBadRequest, "invalid_input"},
		{"duplicate slug", map[string]string{"url": "https://a.com", "slug": "taken"}, http.StatusConflict, "conflict"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.do(t, alice, http.MethodPost, "/api/links", tt.body)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body: %s", rr.Code, tt.wantStatus, rr.Body.String())
			}
			if got := decode[map[string]any](t, rr)["error"]; got != tt.wantCode {
				t.Errorf("error code = %v, want %s", got, tt.wantCode)
			}
		})
	}
}

func TestHandler_CreateLink_GuestIssuesSessionCookie(t *testing.T) {
	ts := newTestServer(t)

	var gotSession string
	ts.guests.CreateFunc = func(_ context.Context, sessionID, originalURL, slug string, replace bool) (model.Link, error) {
		gotSession = sessionID
		expires := testNow.Add(GuestLinkTTL)
		return model.Link{ID: "link-g", Slug: "gst", OriginalURL: originalURL, CreatorID: model.GuestCreatorID, ExpiresAt: &expires}, nil
	}

	rr := ts.do(t, model.Actor{}, http.MethodPost, "/api/links", map[string]string{"url": "https://a.com"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body: %s", rr.Code, rr.Body.String())
	}

	var cookie *http.Cookie
	for _, c := range rr.Result().Cookies() {
		if c.Name == GuestSessionCookie {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("guest session cookie not set")
	}
	if cookie.Value != gotSession || gotSession == "" {
		t.Errorf("cookie value %q does not match session %q", cookie.Value, gotSession)
	}
	if !cookie.HttpOnly {
		t.Error("guest cookie must be HttpOnly")
	}
}

func TestHandler_CreateLink_GuestReusesCookie(t *testing.T) {
	ts := newTestServer(t)

	var gotSession string
	var gotReplace bool
	ts.guests.CreateFunc = func(_ context.Context, sessionID, originalURL, slug string, replace bool) (model.Link, error) {
		gotSession, gotReplace = sessionID, replace
		return model.Link{ID: "link-g", Slug: "gst", OriginalURL: originalURL, CreatorID: model.GuestCreatorID}, nil
	}

	rr := ts.do(t, model.Actor{}, http.MethodPost, "/api/links",
		map[string]any{"url": "https://a.com", "replace": true},
		&http.Cookie{Name: GuestSessionCookie, Value: "sess-1"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rr.Code)
	}
	if gotSession != "sess-1" || !gotReplace {
		t.Errorf("session = %q replace = %v, want sess-1 true", gotSession, gotReplace)
	}
	if len(rr.Result().Cookies()) != 0 {
		t.Error("existing session should not be reissued")
	}
}

func TestHandler_CreateLink_GuestAlreadyHasLink(t *testing.T) {
	ts := newTestServer(t)

	current := model.Link{ID: "link-old", Slug: "old", OriginalURL: "https://old.com", CreatorID: model.GuestCreatorID}
	ts.guests.CreateFunc = func(context.Context, string, string, string, bool) (model.Link, error) {
		return current, errx.E("guest.Create", errx.Conflict, errors.New("this session already has an active guest link"))
	}

	rr := ts.do(t, model.Actor{}, http.MethodPost, "/api/links",
		map[string]string{"url": "https://new.com"},
		&http.Cookie{Name: GuestSessionCookie, Value: "sess-1"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}

	var body struct {
		Error   string `json:"error"`
		Details struct {
			Link LinkResponse `json:"link"`
		} `json:"details"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != "guest_link_exists" || body.Details.Link.ID != "link-old" {
		t.Errorf("unexpected body: %+v", body)
	}
}

/***************
 * Guest link
 ***************/

func TestHandler_GuestLink(t *testing.T) {
	ts := newTestServer(t)
	ts.guests.CurrentFunc = func(_ context.Context, sessionID string) (model.Link, bool, error) {
		if sessionID != "sess-1" {
			return model.Link{}, false, nil
		}
		return model.Link{ID: "link-g", Slug: "gst"}, true, nil
	}

	rr := ts.do(t, model.Actor{}, http.MethodGet, "/api/guest/link", nil, &http.Cookie{Name: GuestSessionCookie, Value: "sess-1"})
	if resp := decode[GuestLinkResponse](t, rr); resp.Link == nil || resp.Link.ID != "link-g" {
		t.Errorf("expected live guest link, got %+v", resp.Link)
	}

	rr = ts.do(t, model.Actor{}, http.MethodGet, "/api/guest/link", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if resp := decode[GuestLinkResponse](t, rr); resp.Link != nil {
		t.Errorf("expected no guest link, got %+v", resp.Link)
	}
}

/***************
 * List and manage
 ***************/

func TestHandler_ListLinks(t *testing.T) {
	ts := newTestServer(t,
		seededLink("link-1", "aaa", "alice"),
		seededLink("link-2", "bbb", "bob"),
		seededLink("link-3", "ccc", "alice"),
	)

	tests := []struct {
		name       string
		actor      model.Actor
		path       string
		wantStatus int
		wantCount  int
	}{
		{"own links", alice, "/api/links", http.StatusOK, 2},
		{"all ignored without flag", owner, "/api/links", http.StatusOK, 0},
		{"owner sees all", owner, "/api/links?all=true", http.StatusOK, 3},
		{"user cannot list all", alice, "/api/links?all=true", http.StatusForbidden, 0},
		{"anonymous", model.Actor{}, "/api/links", http.StatusUnauthorized, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.do(t, tt.actor, http.MethodGet, tt.path, nil)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			if got := decode[[]LinkResponse](t, rr); len(got) != tt.wantCount {
				t.Errorf("got %d links, want %d", len(got), tt.wantCount)
			}
		})
	}
}

func TestHandler_UpdateLink(t *testing.T) {
	tests := []struct {
		name       string
		actor      model.Actor
		id         string
		body       any
		wantStatus int
	}{
		{"creator", alice, "link-1", map[string]string{"url": "https://new.com", "slug": "fresh"}, http.StatusOK},
		{"owner", owner, "link-1", map[string]string{"url": "https://new.com", "slug": "fresh"}, http.StatusOK},
		{"other user", bob, "link-1", map[string]string{"url": "https://new.com", "slug": "fresh"}, http.StatusForbidden},
		{"anonymous", model.Actor{}, "link-1", map[string]string{"url": "https://new.com", "slug": "fresh"}, http.StatusUnauthorized},
		{"unknown link", alice, "link-x", map[string]string{"url": "https://new.com", "slug": "fresh"}, http.StatusNotFound},
		{"slug taken", alice, "link-1", map[string]string{"url": "https://new.com", "slug": "bbb"}, http.StatusConflict},
		{"invalid slug", alice, "link-1", map[string]string{"url": "https://new.com", "slug": "-x-"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, seededLink("link-1", "aaa", "alice"), seededLink("link-2", "bbb", "bob"))

			rr := ts.do(t, tt.actor, http.MethodPut, "/api/links/"+tt.id, tt.body)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body: %s", rr.Code, tt.wantStatus, rr.Body.String())
			}
			if tt.wantStatus == http.StatusOK {
				if resp := decode[LinkResponse](t, rr); resp.Slug != "fresh" || resp.OriginalURL != "https://new.com" {
					t.Errorf("unexpected link: %+v", resp.Link)
				}
			}
		})
	}
}

func TestHandler_UpdateExpiry(t *testing.T) {
	ts := newTestServer(t, seededLink("link-1", "aaa", "alice"))

	expires := testNow.Add(48 * time.Hour)
	rr := ts.do(t, alice, http.MethodPatch, "/api/links/link-1/expiry", map[string]any{"expiresAt": expires})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rr.Code, rr.Body.String())
	}
	if resp := decode[LinkResponse](t, rr); resp.ExpiresAt == nil || !resp.ExpiresAt.Equal(expires) {
		t.Errorf("ExpiresAt = %v, want %v", resp.ExpiresAt, expires)
	}

	rr = ts.do(t, alice, http.MethodPatch, "/api/links/link-1/expiry", map[string]any{"expiresAt": nil})
	if resp := decode[LinkResponse](t, rr); resp.ExpiresAt != nil {
		t.Errorf("ExpiresAt = %v, want nil after clearing", resp.ExpiresAt)
	}

	rr = ts.do(t, bob, http.MethodPatch, "/api/links/link-1/expiry", map[string]any{"expiresAt": nil})
	if rr.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403 for another user", rr.Code)
	}
}

func TestHandler_DeleteLink(t *testing.T) {
	ts := newTestServer(t, seededLink("link-1", "aaa", "alice"))

	if rr := ts.do(t, bob, http.MethodDelete, "/api/links/link-1", nil); rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rr.Code)
	}
	if rr := ts.do(t, alice, http.MethodDelete, "/api/links/link-1", nil); rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rr.Code)
	}
	if rr := ts.do(t, alice, http.MethodDelete, "/api/links/link-1", nil); rr.Code != http.StatusNoContent {
		t.Fatalf("second delete status = %d, want 204", rr.Code)
	}
	if rr := ts.do(t, model.Actor{}, http.MethodGet, "/aaa", nil); rr.Code != http.StatusNotFound {
		t.Errorf("deleted slug status = %d, want 404", rr.Code)
	}
}

/***************
 * Analytics
 ***************/

func TestHandler_LinkHistory(t *testing.T) {
	ts := newTestServer(t, seededLink("link-1", "aaa", "alice"))

	var gotFrom, gotTo string
	ts.stats.HistoryFunc = func(_ context.Context, linkID, from, to string) ([]model.DailyStat, error) {
		gotFrom, gotTo = from, to
		if from > to {
			return nil, errx.E("analytics.History", errx.Invalid, errors.New("from must not be after to"))
		}
		return []model.DailyStat{{Date: "2024-01-01", Count: 2}}, nil
	}
	var gotDays int
	ts.stats.SeriesFunc = func(_ context.Context, linkID string, days int) ([]model.DailyStat, error) {
		gotDays = days
		return make([]model.DailyStat, days), nil
	}

	rr := ts.do(t, alice, http.MethodGet, "/api/links/link-1/history?from=2024-01-01&to=2024-01-03", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if gotFrom != "2024-01-01" || gotTo != "2024-01-03" {
		t.Errorf("range = %s..%s", gotFrom, gotTo)
	}
	if got := decode[[]model.DailyStat](t, rr); len(got) != 1 || got[0].Count != 2 {
		t.Errorf("unexpected history: %+v", got)
	}

	rr = ts.do(t, alice, http.MethodGet, "/api/links/link-1/history?from=2024-02-01&to=2024-01-01", nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("inverted range status = %d, want 400", rr.Code)
	}

	rr = ts.do(t, alice, http.MethodGet, "/api/links/link-1/history", nil)
	if rr.Code != http.StatusOK || gotDays != DefaultSeriesDays {
		t.Errorf("default series: status = %d days = %d", rr.Code, gotDays)
	}

	rr = ts.do(t, alice, http.MethodGet, "/api/links/link-1/history?days=30", nil)
	if rr.Code != http.StatusOK || gotDays != 30 {
		t.Errorf("30 day series: status = %d days = %d", rr.Code, gotDays)
	}

	rr = ts.do(t, alice, http.MethodGet, "/api/links/link-1/history?days=lots", nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad days status = %d, want 400", rr.Code)
	}

	rr = ts.do(t, bob, http.MethodGet, "/api/links/link-1/history", nil)
	if rr.Code != http.StatusForbidden {
		t.Errorf("other user status = %d, want 403", rr.Code)
	}
}

func TestHandler_Stats(t *testing.T) {
	ts := newTestServer(t)

	var gotCreator string
	ts.stats.SummaryFunc = func(_ context.Context, creatorID string) (analytics.Summary, error) {
		gotCreator = creatorID
		return analytics.Summary{TotalLinks: 2, ActiveLinks: 1, ExpiredLinks: 1, TotalClicks: 9}, nil
	}

	rr := ts.do(t, alice, http.MethodGet, "/api/links/stats", nil)
	if rr.Code != http.StatusOK || gotCreator != "alice" {
		t.Fatalf("status = %d creator = %q", rr.Code, gotCreator)
	}
	if got := decode[analytics.Summary](t, rr); got.TotalClicks != 9 {
		t.Errorf("TotalClicks = %d, want 9", got.TotalClicks)
	}

	rr = ts.do(t, owner, http.MethodGet, "/api/links/stats?all=true", nil)
	if rr.Code != http.StatusOK || gotCreator != "" {
		t.Errorf("owner all: status = %d creator = %q", rr.Code, gotCreator)
	}

	if rr := ts.do(t, alice, http.MethodGet, "/api/links/stats?all=true", nil); rr.Code != http.StatusForbidden {
		t.Errorf("user all: status = %d, want 403", rr.Code)
	}
}

/***************
 * Redirect
 ***************/

func TestHandler_ResolveLink(t *testing.T) {
	expired := seededLink("link-2", "old", "alice")
	past := testNow.Add(-time.Minute)
	expired.ExpiresAt = &past

	ts := newTestServer(t, seededLink("link-1", "abc", "alice"), expired)

	tests := []struct {
		name         string
		path         string
		wantStatus   int
		wantLocation string
	}{
		{"live link redirects", "/abc", http.StatusFound, "https://example.com/abc"},
		{"unknown slug", "/nope", http.StatusNotFound, ""},
		{"expired link", "/old", http.StatusGone, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.do(t, model.Actor{}, http.MethodGet, tt.path, nil)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if got := rr.Header().Get("Location"); got != tt.wantLocation {
				t.Errorf("Location = %q, want %q", got, tt.wantLocation)
			}
		})
	}
}
