package tokens

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// countingExchanger counts upstream exchanges and injects latency so
// concurrent callers overlap.
type countingExchanger struct {
	calls int64
	delay time.Duration
}

func (e *countingExchanger) Exchange(_ context.Context, tenant, partner string) (Token, error) {
	atomic.AddInt64(&e.calls, 1)
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	return Token{
		Tenant:      tenant,
		Partner:     partner,
		AccessToken: fmt.Sprintf("tok-%d", atomic.LoadInt64(&e.calls)),
		ExpiresAt:   time.Now().Add(time.Hour),
	}, nil
}

func TestGetValidRefreshesMissingToken(t *testing.T) {
	ex := &countingExchanger{}
	m := NewManager(NewMemoryStore(), ex)

	tok, err := m.GetValid(context.Background(), "t1", "workday")
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken == "" {
		t.Fatal("empty access token")
	}
	if got := atomic.LoadInt64(&ex.calls); got != 1 {
		t.Errorf("exchanges = %d, want 1", got)
	}

	// A second call reuses the stored token.
	if _, err := m.GetValid(context.Background(), "t1", "workday"); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt64(&ex.calls); got != 1 {
		t.Errorf("exchanges after reuse = %d, want 1", got)
	}
}

func TestGetValidRefreshesNearExpiry(t *testing.T) {
	ex := &countingExchanger{}
	store := NewMemoryStore()
	m := NewManager(store, ex)

	// Inside the 30s skew window: treated as expired.
	store.Put(context.Background(), Token{
		Tenant: "t1", Partner: "workday",
		AccessToken: "stale", ExpiresAt: time.Now().Add(10 * time.Second),
	})

	tok, err := m.GetValid(context.Background(), "t1", "workday")
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken == "stale" {
		t.Error("near-expiry token was not refreshed")
	}
	if got := atomic.LoadInt64(&ex.calls); got != 1 {
		t.Errorf("exchanges = %d, want 1", got)
	}
}

func TestConcurrentGetValidCollapsesToOneExchange(t *testing.T) {
	ex := &countingExchanger{delay: 50 * time.Millisecond}
	m := NewManager(NewMemoryStore(), ex)

	const n = 10
	var wg sync.WaitGroup
	tokens := make([]Token, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			tokens[i], errs[i] = m.GetValid(context.Background(), "t1", "workday")
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if tokens[i].AccessToken != tokens[0].AccessToken {
			t.Errorf("caller %d got a different token", i)
		}
	}
	if got := atomic.LoadInt64(&ex.calls); got != 1 {
		t.Errorf("exchanges under contention = %d, want 1", got)
	}
}

func TestDistinctKeysDoNotCollapse(t *testing.T) {
	ex := &countingExchanger{delay: 20 * time.Millisecond}
	m := NewManager(NewMemoryStore(), ex)

	var wg sync.WaitGroup
	for _, pair := range [][2]string{{"t1", "workday"}, {"t1", "benevity"}, {"t2", "workday"}} {
		pair := pair
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.GetValid(context.Background(), pair[0], pair[1]); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&ex.calls); got != 3 {
		t.Errorf("exchanges = %d, want 3 for distinct (tenant, partner) pairs", got)
	}
}

func TestInvalidateForcesExchange(t *testing.T) {
	ex := &countingExchanger{}
	m := NewManager(NewMemoryStore(), ex)
	ctx := context.Background()

	if _, err := m.GetValid(ctx, "t1", "workday"); err != nil {
		t.Fatal(err)
	}
	if err := m.Invalidate(ctx, "t1", "workday"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.GetValid(ctx, "t1", "workday"); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt64(&ex.calls); got != 2 {
		t.Errorf("exchanges = %d, want 2 after invalidate", got)
	}
}

func TestHTTPExchangerClientCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Error(err)
		}
		if got := r.PostForm.Get("grant_type"); got != "client_credentials" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostForm.Get("client_id"); got != "cid" {
			t.Errorf("client_id = %q", got)
		}
		fmt.Fprint(w, `{"access_token":"at-1","token_type":"Bearer","expires_in":600}`)
	}))
	defer srv.Close()

	ex := NewHTTPExchanger(map[string]Credential{
		"workday": {TokenURL: srv.URL, ClientID: "cid", ClientSecret: "cs"},
	})
	tok, err := ex.Exchange(context.Background(), "t1", "workday")
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken != "at-1" {
		t.Errorf("access token = %q", tok.AccessToken)
	}
	if until := time.Until(tok.ExpiresAt); until < 9*time.Minute || until > 11*time.Minute {
		t.Errorf("expiry %v not near 10m", until)
	}

	if _, err := ex.Exchange(context.Background(), "t1", "benevity"); err == nil {
		t.Error("exchange for unconfigured partner should fail")
	}
}
