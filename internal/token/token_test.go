package token

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	relay "github.com/tombii/better-ccflare-sub004/internal"
	"github.com/tombii/better-ccflare-sub004/internal/cache"
	"github.com/tombii/better-ccflare-sub004/internal/storage"
	"github.com/tombii/better-ccflare-sub004/internal/writer"
)

type jobLog struct {
	mu   sync.Mutex
	jobs []relay.Job
}

func (l *jobLog) Apply(_ context.Context, jobs []relay.Job) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.jobs = append(l.jobs, jobs...)
	return nil
}

func (l *jobLog) find(match func(relay.Job) bool) relay.Job {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, j := range l.jobs {
		if match(j) {
			return j
		}
	}
	return nil
}

func newTestManager(t *testing.T, tokenURL string) (*Manager, *jobLog) {
	t.Helper()
	log := &jobLog{}
	w := writer.New(log, 64, 16, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	accounts, err := cache.NewAccounts(time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	return NewManager(w, accounts, nil, nil, "client-id", tokenURL), log
}

func oauthAccount(token string, expiresAt int64) *relay.Account {
	return &relay.Account{
		ID:           "acc-1",
		Name:         "work",
		Provider:     relay.ProviderAnthropicOAuth,
		RefreshToken: "rt-old",
		AccessToken:  token,
		ExpiresAt:    expiresAt,
	}
}

func TestEnsureValid_FreshTokenSkipsRefresh(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, "http://unreachable.invalid")

	a := oauthAccount("at-fresh", time.Now().Add(time.Hour).UnixMilli())
	got, err := m.EnsureValid(context.Background(), a)
	if err != nil || got != "at-fresh" {
		t.Errorf("got %q, %v", got, err)
	}
}

func TestEnsureValid_SkewTriggersRefresh(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-new", "refresh_token": "rt-new", "expires_in": 3600,
		})
	}))
	defer srv.Close()
	m, log := newTestManager(t, srv.URL)

	// Expires in 30s: inside the refresh-ahead window.
	a := oauthAccount("at-stale", time.Now().Add(30*time.Second).UnixMilli())
	got, err := m.EnsureValid(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if got != "at-new" {
		t.Errorf("token = %q, want at-new", got)
	}
	if calls.Load() != 1 {
		t.Errorf("refresh calls = %d, want 1", calls.Load())
	}

	j := log.find(func(j relay.Job) bool { _, ok := j.(relay.UpdateTokensJob); return ok })
	if j == nil {
		t.Fatal("rotation was not persisted")
	}
	tj := j.(relay.UpdateTokensJob)
	if tj.AccessToken != "at-new" || tj.RefreshToken != "rt-new" {
		t.Errorf("persisted = %q/%q", tj.AccessToken, tj.RefreshToken)
	}
}

func TestEnsureValid_SingleFlight(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond) // hold the door open for racers
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-new", "expires_in": 3600,
		})
	}))
	defer srv.Close()
	m, _ := newTestManager(t, srv.URL)

	a := oauthAccount("", 0)
	const n = 10
	var wg sync.WaitGroup
	tokens := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.EnsureValid(context.Background(), a)
		}(i)
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("refresh calls = %d, want 1", calls.Load())
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil || tokens[i] != "at-new" {
			t.Errorf("caller %d: %q, %v", i, tokens[i], errs[i])
		}
	}
}

func TestEnsureValid_RotationFallsBackToOldRefreshToken(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-new", "expires_in": 3600,
		})
	}))
	defer srv.Close()
	m, log := newTestManager(t, srv.URL)

	if _, err := m.EnsureValid(context.Background(), oauthAccount("", 0)); err != nil {
		t.Fatal(err)
	}
	j := log.find(func(j relay.Job) bool { _, ok := j.(relay.UpdateTokensJob); return ok })
	if j == nil {
		t.Fatal("rotation was not persisted")
	}
	if rt := j.(relay.UpdateTokensJob).RefreshToken; rt != "rt-old" {
		t.Errorf("refresh token = %q, want rt-old kept", rt)
	}
}

// rotatingStore backs both the async writer and account reads with one row,
// the way the SQLite store does in production.
type rotatingStore struct {
	storage.AccountStore
	mu  sync.Mutex
	acc relay.Account
}

func (s *rotatingStore) Apply(_ context.Context, jobs []relay.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range jobs {
		if tj, ok := j.(relay.UpdateTokensJob); ok && tj.AccountID == s.acc.ID {
			s.acc.AccessToken = tj.AccessToken
			s.acc.RefreshToken = tj.RefreshToken
			s.acc.ExpiresAt = tj.ExpiresAt
		}
	}
	return nil
}

func (s *rotatingStore) GetAccount(_ context.Context, id string) (*relay.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != s.acc.ID {
		return nil, relay.ErrNotFound
	}
	cp := s.acc
	return &cp, nil
}

func TestEnsureValid_StaleSnapshotReusesRotatedCredentials(t *testing.T) {
	t.Parallel()

	var (
		calls atomic.Int32
		mu    sync.Mutex
		sent  []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var form map[string]string
		json.NewDecoder(r.Body).Decode(&form) //nolint:errcheck
		mu.Lock()
		sent = append(sent, form["refresh_token"])
		mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"access_token": "at-rotated", "refresh_token": "rt-rotated", "expires_in": 3600,
		})
	}))
	defer srv.Close()

	stale := oauthAccount("at-stale", time.Now().Add(-time.Minute).UnixMilli())
	store := &rotatingStore{acc: *stale}
	w := writer.New(store, 64, 16, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx) //nolint:errcheck
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	accounts, err := cache.NewAccounts(time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(w, accounts, store, nil, "client-id", srv.URL)

	got, err := m.EnsureValid(context.Background(), stale)
	if err != nil {
		t.Fatal(err)
	}
	if got != "at-rotated" {
		t.Fatalf("first token = %q, want at-rotated", got)
	}

	// Second call still holds the pre-rotation snapshot. It must ride the
	// persisted rotation, never replay rt-old: the vendor answers a replayed
	// refresh token with invalid_grant, which locks the account out.
	got, err = m.EnsureValid(context.Background(), stale)
	if err != nil {
		t.Fatal(err)
	}
	if got != "at-rotated" {
		t.Errorf("second token = %q, want at-rotated", got)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("token endpoint called %d times, want 1", n)
	}
	mu.Lock()
	defer mu.Unlock()
	for i, rt := range sent {
		if i > 0 && rt == "rt-old" {
			t.Errorf("call %d replayed the rotated-away refresh token", i+1)
		}
	}
}

func TestRefresh_RotatesValidToken(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"access_token": "at-renewed", "refresh_token": "rt-renewed", "expires_in": 3600,
		})
	}))
	defer srv.Close()
	m, log := newTestManager(t, srv.URL)

	// Still valid for an hour: EnsureValid would return it untouched, the
	// proactive path must rotate anyway.
	a := oauthAccount("at-fresh", time.Now().Add(time.Hour).UnixMilli())
	got, err := m.Refresh(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if got != "at-renewed" {
		t.Errorf("token = %q, want at-renewed", got)
	}
	if calls.Load() != 1 {
		t.Errorf("refresh calls = %d, want 1", calls.Load())
	}
	j := log.find(func(j relay.Job) bool { _, ok := j.(relay.UpdateTokensJob); return ok })
	if j == nil {
		t.Fatal("rotation was not persisted")
	}
}

func TestEnsureValid_InvalidGrantPausesAccount(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	}))
	defer srv.Close()
	m, log := newTestManager(t, srv.URL)

	_, err := m.EnsureValid(context.Background(), oauthAccount("", 0))
	if !errors.Is(err, relay.ErrInvalidGrant) {
		t.Fatalf("err = %v, want ErrInvalidGrant", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		j := log.find(func(j relay.Job) bool { _, ok := j.(relay.PauseAccountJob); return ok })
		if j != nil {
			pj := j.(relay.PauseAccountJob)
			if !pj.Paused || !pj.ClearRefreshToken {
				t.Errorf("pause job = %+v", pj)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("pause job never enqueued")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEnsureValid_TransientUpstreamError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	m, log := newTestManager(t, srv.URL)

	_, err := m.EnsureValid(context.Background(), oauthAccount("", 0))
	if err == nil || errors.Is(err, relay.ErrInvalidGrant) {
		t.Fatalf("err = %v, want transient error", err)
	}
	if j := log.find(func(j relay.Job) bool { _, ok := j.(relay.PauseAccountJob); return ok }); j != nil {
		t.Error("transient failure must not pause the account")
	}
}

func TestEnsureValid_APIKeyAccount(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, "http://unreachable.invalid")

	a := &relay.Account{ID: "k", Name: "key", Provider: relay.ProviderZai, APIKey: "zk"}
	if _, err := m.EnsureValid(context.Background(), a); !errors.Is(err, relay.ErrNotRefreshable) {
		t.Errorf("err = %v, want ErrNotRefreshable", err)
	}
}

func TestPKCE(t *testing.T) {
	t.Parallel()

	v1, v2 := GenerateVerifier(), GenerateVerifier()
	if v1 == v2 {
		t.Error("verifiers must be unique")
	}
	if Challenge(v1) == Challenge(v2) {
		t.Error("challenges must differ")
	}

	u := AuthorizeURL("client-id", v1, "sess-1")
	if u == "" || u[:len(AuthorizeBase)] != AuthorizeBase {
		t.Errorf("url = %q", u)
	}
}
