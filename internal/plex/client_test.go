package plex

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	logx "dynamix/pkg/logx"
)

// fakePlex serves the handful of endpoints the client touches, with the
// loose scalar typing real servers exhibit (string counts, "1" booleans).
type fakePlex struct {
	mu       sync.Mutex
	token    string
	promoted map[string]bool // hub identifier -> promoted
	puts     []string        // raw PUT request URIs, in order
}

func newFakePlex() *fakePlex {
	return &fakePlex{
		token:    "secret",
		promoted: map[string]bool{"custom.collection.101": true},
	}
}

func (f *fakePlex) handler() http.Handler {
	mux := http.NewServeMux()
	auth := func(w http.ResponseWriter, r *http.Request) bool {
		if r.Header.Get("X-Plex-Token") != f.token {
			w.WriteHeader(http.StatusUnauthorized)
			return false
		}
		return true
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if !auth(w, r) {
			return
		}
		w.Write([]byte(`{"MediaContainer": {"friendlyName": "Den", "version": "1.41.0"}}`))
	})

	mux.HandleFunc("/library/sections", func(w http.ResponseWriter, r *http.Request) {
		if !auth(w, r) {
			return
		}
		w.Write([]byte(`{"MediaContainer": {"Directory": [
            {"key": "1", "title": "TV Shows", "type": "show"},
            {"key": "2", "title": "Movies", "type": "movie"}
        ]}}`))
	})

	mux.HandleFunc("/library/sections/1/collections", func(w http.ResponseWriter, r *http.Request) {
		if !auth(w, r) {
			return
		}
		w.Write([]byte(`{"MediaContainer": {"Metadata": [
            {"ratingKey": "101", "title": "Pinned Gems", "childCount": "7"},
            {"ratingKey": "102", "title": "Deep Cuts", "childCount": 3},
            {"ratingKey": "103", "title": "Empty Box", "childCount": ""}
        ]}}`))
	})

	mux.HandleFunc("/hubs/sections/1/manage", func(w http.ResponseWriter, r *http.Request) {
		if !auth(w, r) {
			return
		}
		f.mu.Lock()
		promoted := f.promoted["custom.collection.101"]
		f.mu.Unlock()
		flag := "0"
		if promoted {
			flag = "1"
		}
		w.Write([]byte(`{"MediaContainer": {"Hub": [
            {"identifier": "custom.collection.101", "title": "Pinned Gems", "promotedToOwnHome": "` + flag + `"}
        ]}}`))
	})

	mux.HandleFunc("/hubs/sections/1/manage/", func(w http.ResponseWriter, r *http.Request) {
		if !auth(w, r) {
			return
		}
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		f.mu.Lock()
		f.puts = append(f.puts, r.URL.RequestURI())
		id := r.URL.Path[len("/hubs/sections/1/manage/"):]
		f.promoted[id] = r.URL.Query().Get("promotedToOwnHome") == "1"
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	return mux
}

func testClient(t *testing.T, base, token string) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: base, Token: token, RatePerSec: 1000}, logx.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestIdentity(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(newFakePlex().handler())
	defer srv.Close()

	c := testClient(t, srv.URL, "secret")
	name, err := c.Identity(context.Background())
	if err != nil {
		t.Fatalf("Identity: %v", err)
	}
	if name != "Den" {
		t.Fatalf("name = %q, want Den", name)
	}
}

func TestIdentityUnauthorized(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(newFakePlex().handler())
	defer srv.Close()

	c := testClient(t, srv.URL, "wrong")
	_, err := c.Identity(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestLibraries(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(newFakePlex().handler())
	defer srv.Close()

	c := testClient(t, srv.URL, "secret")
	libs, err := c.Libraries(context.Background())
	if err != nil {
		t.Fatalf("Libraries: %v", err)
	}
	if len(libs) != 2 {
		t.Fatalf("libs = %v, want 2 entries", libs)
	}
}

func TestCollectionsMergesPinState(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(newFakePlex().handler())
	defer srv.Close()

	c := testClient(t, srv.URL, "secret")
	cols, err := c.Collections(context.Background(), "TV Shows")
	if err != nil {
		t.Fatalf("Collections: %v", err)
	}
	if len(cols) != 3 {
		t.Fatalf("got %d collections, want 3", len(cols))
	}

	byTitle := map[string]Collection{}
	for _, col := range cols {
		byTitle[col.Title] = col
	}

	if got := byTitle["Pinned Gems"]; got.ItemCount != 7 || !got.Pinned {
		t.Fatalf("Pinned Gems = %+v, want count 7 pinned", got)
	}
	if got := byTitle["Deep Cuts"]; got.ItemCount != 3 || got.Pinned {
		t.Fatalf("Deep Cuts = %+v, want count 3 unpinned", got)
	}
	// Empty string count coerces to zero, no managed hub means unpinned.
	if got := byTitle["Empty Box"]; got.ItemCount != 0 || got.Pinned {
		t.Fatalf("Empty Box = %+v, want count 0 unpinned", got)
	}
}

func TestCollectionsUnknownLibrary(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(newFakePlex().handler())
	defer srv.Close()

	c := testClient(t, srv.URL, "secret")
	_, err := c.Collections(context.Background(), "Audiobooks")
	if !errors.Is(err, ErrLibraryNotFound) {
		t.Fatalf("err = %v, want ErrLibraryNotFound", err)
	}
}

func TestSetPinned(t *testing.T) {
	t.Parallel()
	fp := newFakePlex()
	srv := httptest.NewServer(fp.handler())
	defer srv.Close()

	c := testClient(t, srv.URL, "secret")
	if err := c.SetPinned(context.Background(), "TV Shows", "Deep Cuts", true); err != nil {
		t.Fatalf("SetPinned: %v", err)
	}

	fp.mu.Lock()
	defer fp.mu.Unlock()
	if len(fp.puts) != 1 {
		t.Fatalf("puts = %v, want exactly one", fp.puts)
	}
	u, err := url.Parse(fp.puts[0])
	if err != nil {
		t.Fatalf("parse put uri: %v", err)
	}
	if u.Path != "/hubs/sections/1/manage/custom.collection.102" {
		t.Fatalf("put path = %q", u.Path)
	}
	q := u.Query()
	if q.Get("promotedToOwnHome") != "1" || q.Get("promotedToSharedHome") != "1" {
		t.Fatalf("put query = %v, want both promote flags set", q)
	}
	if !fp.promoted["custom.collection.102"] {
		t.Fatal("hub was not promoted")
	}
}

func TestSetPinnedUnknownCollection(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(newFakePlex().handler())
	defer srv.Close()

	c := testClient(t, srv.URL, "secret")
	err := c.SetPinned(context.Background(), "TV Shows", "Nope", true)
	if !errors.Is(err, ErrCollectionNotFound) {
		t.Fatalf("err = %v, want ErrCollectionNotFound", err)
	}
}
