package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"amscam/native/internal/logger"
)

// recordingSleeper records requested waits without sleeping.
type recordingSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordingSleeper) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}

// restServer fakes the REST auth API. loginStatuses are served in order,
// the last one repeating.
type restServer struct {
	loginStatuses []int
	logins        atomic.Int32
	lookups       atomic.Int32
	lookup        func(n int32, auth string) (int, string)
}

func (s *restServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		n := s.logins.Add(1)
		if r.Method != http.MethodPost {
			t.Errorf("expected POST login, got %s", r.Method)
		}
		var req loginRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Email != "ops@example.com" || req.Password != "secret" {
			t.Errorf("unexpected credentials %+v", req)
		}
		status := s.loginStatuses[min(int(n)-1, len(s.loginStatuses)-1)]
		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = w.Write([]byte(`{"data":{"token":"T"}}`))
		}
	})
	mux.HandleFunc("/camera/getTokenByStreamId/", func(w http.ResponseWriter, r *http.Request) {
		n := s.lookups.Add(1)
		if got := strings.TrimPrefix(r.URL.Path, "/camera/getTokenByStreamId/"); got != "cam-1" {
			t.Errorf("unexpected stream id %q", got)
		}
		status, body := s.lookup(n, r.Header.Get("Authorization"))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
	return mux
}

func newRESTStore(t *testing.T, srv *restServer, sleeper *recordingSleeper) *Store {
	t.Helper()
	ts := httptest.NewServer(srv.handler(t))
	t.Cleanup(ts.Close)
	backend := NewRESTClient(Credentials{BaseURL: ts.URL, Email: "ops@example.com", Password: "secret"}, ts.Client())
	return NewStore(backend, logger.Discard(), WithSleeper(sleeper.sleep))
}

func TestSessionToken_RetriesOnServerErrors(t *testing.T) {
	srv := &restServer{loginStatuses: []int{500, 500, 200}}
	sleeper := &recordingSleeper{}
	store := newRESTStore(t, srv, sleeper)

	tok, err := store.SessionToken(context.Background())
	if err != nil {
		t.Fatalf("SessionToken: %v", err)
	}
	if tok.Value != "T" {
		t.Errorf("expected token T, got %q", tok.Value)
	}

	waits := sleeper.recorded()
	if len(waits) != 2 || waits[0] != 5*time.Second || waits[1] != 10*time.Second {
		t.Errorf("expected waits [5s 10s], got %v", waits)
	}
}

func TestSessionToken_BackoffWraps(t *testing.T) {
	srv := &restServer{loginStatuses: []int{500, 502, 503, 500, 500, 200}}
	sleeper := &recordingSleeper{}
	store := newRESTStore(t, srv, sleeper)

	if _, err := store.SessionToken(context.Background()); err != nil {
		t.Fatalf("SessionToken: %v", err)
	}

	want := []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second, 5 * time.Second, 10 * time.Second}
	got := sleeper.recorded()
	if len(got) != len(want) {
		t.Fatalf("expected %d waits, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("wait %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestSessionToken_Cached(t *testing.T) {
	srv := &restServer{loginStatuses: []int{200}}
	store := newRESTStore(t, srv, &recordingSleeper{})

	for i := 0; i < 3; i++ {
		if _, err := store.SessionToken(context.Background()); err != nil {
			t.Fatalf("SessionToken: %v", err)
		}
	}
	if n := srv.logins.Load(); n != 1 {
		t.Errorf("expected 1 login, got %d", n)
	}
}

func TestSessionToken_ContextCancelled(t *testing.T) {
	srv := &restServer{loginStatuses: []int{500}}
	store := newRESTStore(t, srv, &recordingSleeper{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.SessionToken(ctx); err == nil {
		t.Fatal("expected context error")
	}
}

func TestPlayToken_CachedAfterFirstLookup(t *testing.T) {
	srv := &restServer{
		loginStatuses: []int{200},
		lookup: func(int32, string) (int, string) {
			return http.StatusOK, `{"data":{"token":"play-1"}}`
		},
	}
	store := newRESTStore(t, srv, &recordingSleeper{})

	for i := 0; i < 2; i++ {
		tok, err := store.PlayToken(context.Background(), "cam-1")
		if err != nil {
			t.Fatalf("PlayToken: %v", err)
		}
		if tok != "play-1" {
			t.Errorf("expected play-1, got %q", tok)
		}
	}
	if n := srv.lookups.Load(); n != 1 {
		t.Errorf("expected 1 lookup, got %d", n)
	}
}

func TestPlayToken_UnauthorizedRefreshesWithoutBackoff(t *testing.T) {
	srv := &restServer{
		loginStatuses: []int{200},
		lookup: func(n int32, auth string) (int, string) {
			if auth != "Bearer T" {
				t.Errorf("expected bearer header, got %q", auth)
			}
			if n == 1 {
				return http.StatusUnauthorized, `{"message":"expired"}`
			}
			return http.StatusOK, `{"data":{"token":"play-2"}}`
		},
	}
	sleeper := &recordingSleeper{}
	store := newRESTStore(t, srv, sleeper)

	tok, err := store.PlayToken(context.Background(), "cam-1")
	if err != nil {
		t.Fatalf("PlayToken: %v", err)
	}
	if tok != "play-2" {
		t.Errorf("expected play-2, got %q", tok)
	}
	if n := srv.logins.Load(); n != 2 {
		t.Errorf("expected re-login after 401, got %d logins", n)
	}
	if w := sleeper.recorded(); len(w) != 0 {
		t.Errorf("expected no backoff on 401, got %v", w)
	}
}

func TestPlayToken_TransientFailureBacksOff(t *testing.T) {
	srv := &restServer{
		loginStatuses: []int{200},
		lookup: func(n int32, _ string) (int, string) {
			if n == 1 {
				return http.StatusBadGateway, "upstream down"
			}
			return http.StatusOK, `{"data":{"token":"play-3"}}`
		},
	}
	sleeper := &recordingSleeper{}
	store := newRESTStore(t, srv, sleeper)

	tok, err := store.PlayToken(context.Background(), "cam-1")
	if err != nil {
		t.Fatalf("PlayToken: %v", err)
	}
	if tok != "play-3" {
		t.Errorf("expected play-3, got %q", tok)
	}
	if w := sleeper.recorded(); len(w) != 1 || w[0] != 5*time.Second {
		t.Errorf("expected one 5s wait, got %v", w)
	}
}

func TestPlayToken_NoTokenIsTerminal(t *testing.T) {
	srv := &restServer{
		loginStatuses: []int{200},
		lookup: func(int32, string) (int, string) {
			return http.StatusOK, `{"data":{}}`
		},
	}
	sleeper := &recordingSleeper{}
	store := newRESTStore(t, srv, sleeper)

	tok, err := store.PlayToken(context.Background(), "cam-1")
	if err != nil {
		t.Fatalf("PlayToken: %v", err)
	}
	if tok != "" {
		t.Errorf("expected empty token, got %q", tok)
	}
	if w := sleeper.recorded(); len(w) != 0 {
		t.Errorf("expected no retries, got %v", w)
	}

	// Not cached: a later call asks again.
	if _, err := store.PlayToken(context.Background(), "cam-1"); err != nil {
		t.Fatalf("PlayToken: %v", err)
	}
	if n := srv.lookups.Load(); n != 2 {
		t.Errorf("expected 2 lookups, got %d", n)
	}
}

func TestPlayToken_ConcurrentFirstAccess(t *testing.T) {
	srv := &restServer{
		loginStatuses: []int{200},
		lookup: func(int32, string) (int, string) {
			return http.StatusOK, `{"data":{"token":"play-1"}}`
		},
	}
	store := newRESTStore(t, srv, &recordingSleeper{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := store.PlayToken(context.Background(), "cam-1")
			if err != nil || tok != "play-1" {
				t.Errorf("PlayToken = %q, %v", tok, err)
			}
		}()
	}
	wg.Wait()

	store.mu.RLock()
	defer store.mu.RUnlock()
	if len(store.playTokens) != 1 {
		t.Errorf("expected one cache entry, got %d", len(store.playTokens))
	}
}

func TestPlayToken_RepeatedUnauthorizedBacksOff(t *testing.T) {
	srv := &restServer{
		loginStatuses: []int{200},
		lookup: func(n int32, _ string) (int, string) {
			if n < 5 {
				return http.StatusUnauthorized, `{"message":"revoked"}`
			}
			return http.StatusOK, `{"data":{"token":"play-5"}}`
		},
	}
	sleeper := &recordingSleeper{}
	store := newRESTStore(t, srv, sleeper)

	tok, err := store.PlayToken(context.Background(), "cam-1")
	if err != nil {
		t.Fatalf("PlayToken: %v", err)
	}
	if tok != "play-5" {
		t.Errorf("expected play-5, got %q", tok)
	}

	// The first rejection refreshes at once, the following ones wait.
	want := []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second}
	got := sleeper.recorded()
	if len(got) != len(want) {
		t.Fatalf("expected waits %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("wait %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if n := srv.logins.Load(); n != 5 {
		t.Errorf("expected a login per rejection, got %d", n)
	}
}

func TestPlayToken_UnauthorizedStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := &restServer{
		loginStatuses: []int{200},
		lookup: func(n int32, _ string) (int, string) {
			if n == 3 {
				cancel()
			}
			return http.StatusUnauthorized, `{"message":"revoked"}`
		},
	}
	sleeper := &recordingSleeper{}
	store := newRESTStore(t, srv, sleeper)

	if _, err := store.PlayToken(ctx, "cam-1"); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if n := srv.lookups.Load(); n != 3 {
		t.Errorf("expected lookups to stop at cancellation, got %d", n)
	}
	if w := sleeper.recorded(); len(w) != 1 || w[0] != 5*time.Second {
		t.Errorf("expected one 5s wait, got %v", w)
	}
}
