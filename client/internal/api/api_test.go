package api_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/powfeed/powfeed/client/internal/api"
	"github.com/powfeed/powfeed/client/internal/intake"
	"github.com/powfeed/powfeed/client/internal/profile"
	"github.com/powfeed/powfeed/client/internal/store"
	"github.com/powfeed/powfeed/pkg/nostr"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// --- test helpers -----------------------------------------------------------

// id returns a 64-digit hex id with the given number of leading zero digits.
func id(zeros int, fill string) string {
	return strings.Repeat("0", zeros) + strings.Repeat(fill, 64-zeros)
}

func note(eventID, pubkey string, createdAt time.Time) intake.Candidate {
	return intake.Candidate{
		Event: nostr.Event{
			ID:        eventID,
			PubKey:    pubkey,
			CreatedAt: createdAt.Unix(),
			Kind:      nostr.KindTextNote,
			Content:   "hello",
		},
		Relay: "wss://relay.example",
	}
}

func newSources(cands ...intake.Candidate) api.Sources {
	p := intake.New(intake.WithClock(func() time.Time { return testNow }))
	for _, c := range cands {
		p.Ingest(c)
	}
	return api.Sources{
		Notes:    p,
		Profiles: profile.NewDirectory(),
		Relays:   store.New(5 * time.Minute),
		Now:      func() time.Time { return testNow },
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON: %v (body: %s)", err, rr.Body.String())
	}
}

// --- /api/v1/notes ----------------------------------------------------------

func TestNotes_SortedByPoW(t *testing.T) {
	src := newSources(
		note(id(1, "f"), "aaaaaaaaaaaa", testNow.Add(-time.Hour)),
		note(id(4, "f"), "bbbbbbbbbbbb", testNow.Add(-time.Minute)),
		note(id(2, "f"), "cccccccccccc", testNow.Add(-2*time.Hour)),
	)
	rr := get(t, api.New(src), "/api/v1/notes")

	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q", ct)
	}
	var resp api.NotesResponse
	decode(t, rr, &resp)

	if resp.Total != 3 || len(resp.Notes) != 3 {
		t.Fatalf("got %d notes (total %d), want 3", len(resp.Notes), resp.Total)
	}
	wantPoW := []int{16, 8, 4}
	for i, w := range wantPoW {
		if resp.Notes[i].PoW != w {
			t.Errorf("notes[%d].pow: got %d, want %d", i, resp.Notes[i].PoW, w)
		}
	}
	first := resp.Notes[0]
	if first.Author != "bbbbbbbb" {
		t.Errorf("author fallback: got %q, want bbbbbbbb", first.Author)
	}
	if first.CreatedAgo != "1 minute ago" {
		t.Errorf("created_ago: got %q", first.CreatedAgo)
	}
	if first.CreatedAt != "2024-03-01T11:59:00Z" {
		t.Errorf("created_at: got %q", first.CreatedAt)
	}
	if first.Tags == nil {
		t.Error("tags: want empty array, got null")
	}
}

func TestNotes_LimitAndMinPoW(t *testing.T) {
	src := newSources(
		note(id(1, "f"), "a", testNow),
		note(id(2, "f"), "b", testNow),
		note(id(3, "f"), "c", testNow),
		note(id(4, "f"), "d", testNow),
	)
	h := api.New(src)

	tests := []struct {
		query string
		want  []int
	}{
		{"", []int{16, 12, 8, 4}},
		{"?limit=2", []int{16, 12}},
		{"?min_pow=8", []int{16, 12, 8}},
		{"?min_pow=9&limit=1", []int{16}},
		{"?min_pow=64", []int{}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			var resp api.NotesResponse
			decode(t, get(t, h, "/api/v1/notes"+tt.query), &resp)
			if len(resp.Notes) != len(tt.want) {
				t.Fatalf("got %d notes, want %d", len(resp.Notes), len(tt.want))
			}
			for i, w := range tt.want {
				if resp.Notes[i].PoW != w {
					t.Errorf("notes[%d].pow: got %d, want %d", i, resp.Notes[i].PoW, w)
				}
			}
		})
	}
}

func TestNotes_BadQuery(t *testing.T) {
	h := api.New(newSources())
	for _, q := range []string{"?limit=0", "?limit=abc", "?min_pow=-1", "?min_pow=x"} {
		rr := get(t, h, "/api/v1/notes"+q)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status got %d, want 400", q, rr.Code)
		}
		var e map[string]string
		decode(t, rr, &e)
		if e["error"] == "" {
			t.Errorf("%s: error message missing", q)
		}
	}
}

func TestNotes_UsesProfileName(t *testing.T) {
	src := newSources(note(id(2, "a"), "alicekey", testNow))
	src.Profiles.Observe(nostr.Event{
		PubKey: "alicekey", Kind: nostr.KindMetadata, CreatedAt: 1,
		Content: `{"name":"alice","display_name":"Alice A."}`,
	})

	var resp api.NotesResponse
	decode(t, get(t, api.New(src), "/api/v1/notes"), &resp)
	if resp.Notes[0].Author != "Alice A." {
		t.Errorf("author: got %q, want Alice A.", resp.Notes[0].Author)
	}
}

// --- /api/v1/notes/{id} -----------------------------------------------------

func TestGetNote_Found(t *testing.T) {
	want := id(3, "e")
	h := api.New(newSources(note(want, "p", testNow)))

	rr := get(t, h, "/api/v1/notes/"+want)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var n api.NoteResponse
	decode(t, rr, &n)
	if n.ID != want || n.PoW != 12 || n.Relay != "wss://relay.example" {
		t.Errorf("note: got %+v", n)
	}
	if n.SeenAt != "2024-03-01T12:00:00Z" {
		t.Errorf("seen_at: got %q", n.SeenAt)
	}
}

func TestGetNote_NotFound(t *testing.T) {
	rr := get(t, api.New(newSources()), "/api/v1/notes/deadbeef")
	if rr.Code != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", rr.Code)
	}
}

// --- /api/v1/relays and /api/v1/health ---------------------------------------

func TestRelays_ListsStatus(t *testing.T) {
	src := newSources()
	src.Relays.Register("wss://b.example")
	src.Relays.Register("wss://a.example")
	src.Relays.SetState("wss://a.example", store.StateOpen, nil)
	src.Relays.RecordEvent("wss://a.example")
	src.Relays.SetState("wss://b.example", store.StateClosed, errors.New("dial: refused"))

	var relays []api.RelayResponse
	decode(t, get(t, api.New(src), "/api/v1/relays"), &relays)

	if len(relays) != 2 {
		t.Fatalf("relays: got %d, want 2", len(relays))
	}
	if relays[0].URL != "wss://a.example" || relays[0].State != "open" || relays[0].Events != 1 {
		t.Errorf("relays[0]: got %+v", relays[0])
	}
	if relays[0].Error != "" || relays[0].ErrorAt != "" {
		t.Errorf("relays[0] should carry no error: %+v", relays[0])
	}
	if relays[1].State != "closed" || relays[1].Error != "dial: refused" || relays[1].ErrorAt == "" {
		t.Errorf("relays[1]: got %+v", relays[1])
	}
}

func TestHealth_States(t *testing.T) {
	tests := []struct {
		name   string
		states []string
		want   string
	}{
		{"no relays", nil, "down"},
		{"all open", []string{store.StateOpen, store.StateOpen}, "ok"},
		{"some open", []string{store.StateOpen, store.StateClosed}, "degraded"},
		{"starting", []string{store.StateConnecting, store.StateClosed}, "starting"},
		{"all closed", []string{store.StateClosed, store.StateClosed}, "down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newSources()
			for i, st := range tt.states {
				url := "wss://r" + string(rune('a'+i))
				src.Relays.SetState(url, st, nil)
			}
			var resp api.HealthResponse
			decode(t, get(t, api.New(src), "/api/v1/health"), &resp)
			if resp.State != tt.want {
				t.Errorf("state: got %q, want %q", resp.State, tt.want)
			}
			if resp.RelayCount != len(tt.states) {
				t.Errorf("relay_count: got %d, want %d", resp.RelayCount, len(tt.states))
			}
		})
	}
}

func TestHealth_CountsNotesAndAdvisories(t *testing.T) {
	src := newSources(note(id(1, "a"), "p", testNow), note(id(2, "a"), "p", testNow))
	src.Relays.SetState("wss://down", store.StateClosed, errors.New("boom"))

	var resp api.HealthResponse
	decode(t, get(t, api.New(src), "/api/v1/health"), &resp)
	if resp.NoteCount != 2 || resp.AdvisoryCount != 1 || resp.ClosedCount != 1 {
		t.Errorf("health: got %+v", resp)
	}
}

// --- /api/v1/snapshot -------------------------------------------------------

func TestSnapshot(t *testing.T) {
	src := newSources(
		note(id(1, "a"), "p", testNow),
		note(id(2, "a"), "p", testNow),
		note(id(1, "a"), "p", testNow), // duplicate
	)
	src.Relays.SetState("wss://down", store.StateClosed, errors.New("boom"))

	rr := get(t, api.New(src), "/api/v1/snapshot?limit=1")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var snap api.SnapshotResponse
	decode(t, rr, &snap)

	if len(snap.Notes) != 1 || snap.Notes[0].PoW != 8 || snap.Total != 2 {
		t.Errorf("notes: got %d (total %d)", len(snap.Notes), snap.Total)
	}
	if snap.Stats.Accepted != 2 || snap.Stats.Duplicate != 1 {
		t.Errorf("stats: got %+v", snap.Stats)
	}
	if len(snap.Advisories) != 1 || snap.Advisories[0].Relay != "wss://down" {
		t.Errorf("advisories: got %+v", snap.Advisories)
	}
	if snap.GeneratedAt != "2024-03-01T12:00:00Z" {
		t.Errorf("generated_at: got %q", snap.GeneratedAt)
	}
}

func TestBuildSnapshot_EmptyCollectionsAreArrays(t *testing.T) {
	snap := api.BuildSnapshot(newSources(), api.DefaultLimit)
	b, err := json.Marshal(snap)
	if err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{`"notes":[]`, `"relays":[]`, `"advisories":[]`} {
		if !strings.Contains(string(b), field) {
			t.Errorf("missing %s in %s", field, b)
		}
	}
}

// --- method / routing -------------------------------------------------------

func TestMethodNotAllowed(t *testing.T) {
	h := api.New(newSources())
	for _, path := range []string{"/api/v1/notes", "/api/v1/health", "/api/v1/relays", "/api/v1/snapshot"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, path, nil))
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("POST %s: got %d, want 405", path, rr.Code)
		}
	}
}

func TestUnknownRoute(t *testing.T) {
	rr := get(t, api.New(newSources()), "/api/v1/nope")
	if rr.Code != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", rr.Code)
	}
}

func TestCORS_Preflight(t *testing.T) {
	h := api.New(newSources(), api.WithCORSOrigins("https://ui.example"), api.WithAllowedHeaders("X-API-Key"))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/notes", nil)
	req.Header.Set("Origin", "https://ui.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://ui.example" {
		t.Errorf("Allow-Origin: got %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/notes", nil)
	req.Header.Set("Origin", "https://ui.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	req.Header.Set("Access-Control-Request-Headers", "X-API-Key")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(strings.ToLower(got), "x-api-key") {
		t.Errorf("Allow-Headers: got %q", got)
	}
}

func TestMiddleware_AppliesToMountedHandlers(t *testing.T) {
	deny := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Allow") == "" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
	h := api.New(newSources(), api.WithMiddleware(deny))
	h.Router().Get("/extra", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })

	for _, path := range []string{"/api/v1/health", "/extra"} {
		if rr := get(t, h, path); rr.Code != http.StatusUnauthorized {
			t.Errorf("%s without header: got %d, want 401", path, rr.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/extra", nil)
	req.Header.Set("X-Allow", "1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusTeapot {
		t.Errorf("/extra with header: got %d, want 418", rr.Code)
	}
}
