package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
)

// testUpstream fakes the backend: token endpoints plus a paginated channel
// list that rejects stale tokens.
type testUpstream struct {
	logins      atomic.Int64
	refreshes   atomic.Int64
	expireFirst bool // make login hand out an immediately-stale access token
}

func (u *testUpstream) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/token/", func(w http.ResponseWriter, r *http.Request) {
		u.logins.Add(1)
		token := "access-ok"
		if u.expireFirst {
			token = "access-stale"
		}
		json.NewEncoder(w).Encode(map[string]string{"access": token, "refresh": "refresh-ok"})
	})
	mux.HandleFunc("/api/token/refresh/", func(w http.ResponseWriter, r *http.Request) {
		u.refreshes.Add(1)
		json.NewEncoder(w).Encode(map[string]string{"access": "access-ok"})
	})
	mux.HandleFunc("/api/channels/channels/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer access-ok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		page := r.URL.Query().Get("page")
		switch page {
		case "", "1":
			json.NewEncoder(w).Encode(map[string]any{
				"results": []Channel{{ID: 1, Name: "ESPN"}, {ID: 2, Name: "CNN"}},
				"count":   3,
				"next":    "http://x/api/channels/channels/?page=2",
			})
		default:
			json.NewEncoder(w).Encode(map[string]any{
				"results": []Channel{{ID: 3, Name: "BBC"}},
				"count":   3,
				"next":    "",
			})
		}
	})
	return mux
}

func testClient(srv *httptest.Server) *Client {
	return New(Options{
		BaseURL:  srv.URL,
		Username: "admin",
		Password: "secret",
		PageSize: 2,
		Log:      zerolog.Nop(),
	})
}

func TestListChannelsPaginates(t *testing.T) {
	backend := &testUpstream{}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	channels, err := testClient(srv).ListChannels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(channels) != 3 {
		t.Fatalf("channels = %d, want 3 across two pages", len(channels))
	}
	if channels[2].Name != "BBC" {
		t.Errorf("last channel = %q", channels[2].Name)
	}
	if backend.logins.Load() != 1 {
		t.Errorf("logins = %d, want 1 (token reused across pages)", backend.logins.Load())
	}
}

func TestRetriesOnceWithRefreshOn401(t *testing.T) {
	backend := &testUpstream{expireFirst: true}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	channels, err := testClient(srv).ListChannels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(channels) != 3 {
		t.Fatalf("channels = %d, want 3 after token refresh", len(channels))
	}
	if backend.refreshes.Load() < 1 {
		t.Error("client never called the refresh endpoint")
	}
}

func TestAuthenticationErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := testClient(srv).ListChannels(context.Background())
	if err == nil {
		t.Fatal("expected authentication error")
	}
}

func TestStatusErrorHelpers(t *testing.T) {
	conflict := &StatusError{Code: 409, Detail: "exists"}
	if !IsConflict(conflict) {
		t.Error("409 not recognized as conflict")
	}
	notFound := &StatusError{Code: 404, Detail: "nope"}
	if !IsNotFound(notFound) {
		t.Error("404 not recognized as not-found")
	}
	if IsConflict(notFound) || IsNotFound(conflict) {
		t.Error("helper cross-matched statuses")
	}
}
