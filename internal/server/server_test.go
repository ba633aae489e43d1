package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"titledb/internal/app"
	"titledb/internal/notify"
	"titledb/internal/ratelimit"
	"titledb/pkg/domain"
	"titledb/pkg/store"
)

type testEnv struct {
	srv      *Server
	store    *store.MemoryStore
	notifier *notify.MemoryNotifier
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	tokens, err := store.NewJWTTokenStore("test-secret", time.Hour, store.TokenOptions{})
	if err != nil {
		t.Fatalf("token store: %v", err)
	}
	notifier := notify.NewMemoryNotifier()
	a, err := app.New(app.Config{Store: st, Tokens: tokens, Notifier: notifier})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return &testEnv{
		srv:      New(Config{App: a}),
		store:    st,
		notifier: notifier,
	}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.srv.Router().ServeHTTP(rec, req)
	return rec
}

// adminToken registers an admin directly in the store and logs in through
// the signup/token flow.
func (e *testEnv) adminToken(t *testing.T) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/auth/signup", "", map[string]string{
		"username": "root", "email": "root@example.com",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("signup status = %d: %s", rec.Code, rec.Body.String())
	}
	user, found, err := e.store.GetUserByUsername("root")
	if err != nil || !found {
		t.Fatalf("root missing: %v", err)
	}
	user.Role = domain.RoleAdmin
	if err := e.store.SaveUser(user); err != nil {
		t.Fatalf("promote root: %v", err)
	}
	return e.token(t, "root")
}

func (e *testEnv) token(t *testing.T, username string) string {
	t.Helper()
	sent := e.notifier.Sent()
	code := ""
	for _, msg := range sent {
		if msg.Username == username {
			code = msg.Code
		}
	}
	if code == "" {
		t.Fatalf("no confirmation code delivered for %s", username)
	}
	rec := e.do(t, http.MethodPost, "/api/v1/auth/token", "", map[string]string{
		"username": username, "confirmationCode": code,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode token response: %v", err)
	}
	return resp["token"]
}

func TestSignupTokenFlow(t *testing.T) {
	e := newTestServer(t)

	rec := e.do(t, http.MethodPost, "/api/v1/auth/signup", "", map[string]string{
		"username": "alice", "email": "alice@example.com",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("signup status = %d: %s", rec.Code, rec.Body.String())
	}
	token := e.token(t, "alice")

	rec = e.do(t, http.MethodGet, "/api/v1/users/me", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("me status = %d: %s", rec.Code, rec.Body.String())
	}
	var me domain.User
	if err := json.Unmarshal(rec.Body.Bytes(), &me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if me.Username != "alice" || me.Role != domain.RoleUser {
		t.Fatalf("unexpected identity: %+v", me)
	}
}

func TestSignupValidationMapsTo400(t *testing.T) {
	e := newTestServer(t)
	rec := e.do(t, http.MethodPost, "/api/v1/auth/signup", "", map[string]string{
		"username": "ME", "email": "me@example.com",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Fields map[string]string `json:"fields"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if _, ok := resp.Fields["username"]; !ok {
		t.Fatalf("error body does not name username: %s", rec.Body.String())
	}
}

func TestTokenReplayRejected(t *testing.T) {
	e := newTestServer(t)
	rec := e.do(t, http.MethodPost, "/api/v1/auth/signup", "", map[string]string{
		"username": "alice", "email": "alice@example.com",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("signup status = %d", rec.Code)
	}
	code := e.notifier.Sent()[0].Code
	body := map[string]string{"username": "alice", "confirmationCode": code}
	if rec := e.do(t, http.MethodPost, "/api/v1/auth/token", "", body); rec.Code != http.StatusOK {
		t.Fatalf("first exchange status = %d", rec.Code)
	}
	if rec := e.do(t, http.MethodPost, "/api/v1/auth/token", "", body); rec.Code != http.StatusBadRequest {
		t.Fatalf("replay status = %d, want 400", rec.Code)
	}
}

func TestTokenUnknownUserMapsTo404(t *testing.T) {
	e := newTestServer(t)
	rec := e.do(t, http.MethodPost, "/api/v1/auth/token", "", map[string]string{
		"username": "ghost", "confirmationCode": "anything",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404: %s", rec.Code, rec.Body.String())
	}
}

func TestCatalogStatusCodes(t *testing.T) {
	e := newTestServer(t)
	admin := e.adminToken(t)

	// Anonymous reads are open.
	if rec := e.do(t, http.MethodGet, "/api/v1/categories", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("anonymous list status = %d", rec.Code)
	}
	// Anonymous write is 401.
	body := map[string]string{"name": "Books", "slug": "books"}
	if rec := e.do(t, http.MethodPost, "/api/v1/categories", "", body); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous create status = %d, want 401", rec.Code)
	}
	// Authenticated non-admin write is 403.
	e.do(t, http.MethodPost, "/api/v1/auth/signup", "", map[string]string{
		"username": "bob", "email": "bob@example.com",
	})
	bob := e.token(t, "bob")
	if rec := e.do(t, http.MethodPost, "/api/v1/categories", bob, body); rec.Code != http.StatusForbidden {
		t.Fatalf("non-admin create status = %d, want 403", rec.Code)
	}
	// Admin write succeeds; duplicate slug is 409.
	if rec := e.do(t, http.MethodPost, "/api/v1/categories", admin, body); rec.Code != http.StatusCreated {
		t.Fatalf("admin create status = %d: %s", rec.Code, rec.Body.String())
	}
	if rec := e.do(t, http.MethodPost, "/api/v1/categories", admin, body); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate slug status = %d, want 409", rec.Code)
	}
	// Missing title is 404.
	if rec := e.do(t, http.MethodGet, "/api/v1/titles/12345", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing title status = %d, want 404", rec.Code)
	}
	// Non-numeric title id is 404, not 500.
	if rec := e.do(t, http.MethodGet, "/api/v1/titles/abc", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("non-numeric title id status = %d, want 404", rec.Code)
	}
}

func TestReviewFlowOverHTTP(t *testing.T) {
	e := newTestServer(t)
	admin := e.adminToken(t)

	for _, req := range []map[string]string{{"name": "Books", "slug": "books"}} {
		if rec := e.do(t, http.MethodPost, "/api/v1/categories", admin, req); rec.Code != http.StatusCreated {
			t.Fatalf("create category: %d %s", rec.Code, rec.Body.String())
		}
	}
	rec := e.do(t, http.MethodPost, "/api/v1/titles", admin, map[string]any{
		"name": "Anthill", "year": 2020, "category": "books",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create title: %d %s", rec.Code, rec.Body.String())
	}
	var title domain.Title
	if err := json.Unmarshal(rec.Body.Bytes(), &title); err != nil {
		t.Fatalf("decode title: %v", err)
	}

	e.do(t, http.MethodPost, "/api/v1/auth/signup", "", map[string]string{
		"username": "alice", "email": "alice@example.com",
	})
	alice := e.token(t, "alice")

	rec = e.do(t, http.MethodPost, fmt.Sprintf("/api/v1/titles/%d/reviews", title.ID), alice, map[string]any{
		"score": 8, "text": "solid",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create review: %d %s", rec.Code, rec.Body.String())
	}
	// Duplicate review maps to 409.
	rec = e.do(t, http.MethodPost, fmt.Sprintf("/api/v1/titles/%d/reviews", title.ID), alice, map[string]any{
		"score": 9, "text": "again",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate review status = %d, want 409", rec.Code)
	}
	// Out-of-range score maps to 400.
	e.do(t, http.MethodPost, "/api/v1/auth/signup", "", map[string]string{
		"username": "bob", "email": "bob@example.com",
	})
	bob := e.token(t, "bob")
	rec = e.do(t, http.MethodPost, fmt.Sprintf("/api/v1/titles/%d/reviews", title.ID), bob, map[string]any{
		"score": 11, "text": "over the top",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad score status = %d, want 400", rec.Code)
	}

	rec = e.do(t, http.MethodGet, fmt.Sprintf("/api/v1/titles/%d", title.ID), "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get title: %d", rec.Code)
	}
	var got domain.Title
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode title: %v", err)
	}
	if got.Rating == nil || *got.Rating != 8 {
		t.Fatalf("rating = %v, want 8", got.Rating)
	}
}

func TestSignupRateLimited(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := ratelimit.NewFixedWindowLimiter(redis.Addr(), "", "test:signup", 2, time.Minute)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}

	st := store.NewMemoryStore()
	tokens, err := store.NewJWTTokenStore("test-secret", time.Hour, store.TokenOptions{})
	if err != nil {
		t.Fatalf("token store: %v", err)
	}
	a, err := app.New(app.Config{Store: st, Tokens: tokens, Notifier: notify.NewMemoryNotifier()})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	e := &testEnv{srv: New(Config{App: a, SignupLimiter: limiter})}

	body := map[string]string{"username": "alice", "email": "alice@example.com"}
	for i := 0; i < 2; i++ {
		if rec := e.do(t, http.MethodPost, "/api/v1/auth/signup", "", body); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
	if rec := e.do(t, http.MethodPost, "/api/v1/auth/signup", "", body); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("limited request status = %d, want 429", rec.Code)
	}
}
