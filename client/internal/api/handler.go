package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/powfeed/powfeed/client/internal/intake"
	"github.com/powfeed/powfeed/client/internal/profile"
	"github.com/powfeed/powfeed/client/internal/store"
)

// DefaultLimit is the number of notes returned when ?limit is absent.
const DefaultLimit = 50

// Sources are the read-only views the API renders.
type Sources struct {
	Notes    *intake.Pipeline
	Profiles *profile.Directory // nil means every author shows as a short key
	Relays   *store.Store

	// Now is the clock used for relative times; nil means time.Now.
	Now func() time.Time
}

func (s Sources) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Handler serves /api/v1/*.
type Handler struct {
	src    Sources
	router chi.Router
}

// Option configures a Handler.
type Option func(*options)

type options struct {
	corsOrigins []string
	corsHeaders []string
	middlewares []func(http.Handler) http.Handler
}

// WithCORSOrigins lists the browser origins allowed to call the API.
// Without it any origin is allowed.
func WithCORSOrigins(origins ...string) Option {
	return func(o *options) { o.corsOrigins = origins }
}

// WithAllowedHeaders adds request headers browsers may send, such as the
// API key header.
func WithAllowedHeaders(headers ...string) Option {
	return func(o *options) { o.corsHeaders = append(o.corsHeaders, headers...) }
}

// WithMiddleware adds middleware that runs after CORS handling and before
// every route, including handlers mounted later on Router.
func WithMiddleware(mw ...func(http.Handler) http.Handler) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mw...) }
}

// New creates a Handler over src and registers all routes.
func New(src Sources, opts ...Option) *Handler {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	h := &Handler{src: src}
	h.router = h.routes(o)
	return h
}

// Router returns the chi router so callers can mount further handlers.
func (h *Handler) Router() chi.Router { return h.router }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) routes(o options) chi.Router {
	corsOrigins := o.corsOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: append([]string{"Accept", "Content-Type"}, o.corsHeaders...),
		MaxAge:         300,
	}))
	r.Use(o.middlewares...)
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		jsonErr(w, http.StatusNotFound, "not found")
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.health)
		r.Get("/notes", h.listNotes)
		r.Get("/notes/{id}", h.getNote)
		r.Get("/relays", h.listRelays)
		r.Get("/snapshot", h.snapshot)
	})
	return r
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health.
func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	counts := h.src.Relays.Count()
	resp := HealthResponse{
		RelayCount:      counts[store.StateOpen] + counts[store.StateConnecting] + counts[store.StateClosed],
		OpenCount:       counts[store.StateOpen],
		ConnectingCount: counts[store.StateConnecting],
		ClosedCount:     counts[store.StateClosed],
		NoteCount:       h.src.Notes.Len(),
		AdvisoryCount:   len(h.src.Relays.Advisories()),
	}
	resp.State = overallState(resp)
	jsonResp(w, http.StatusOK, resp)
}

// listNotes returns GET /api/v1/notes.
func (h *Handler) listNotes(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", DefaultLimit, 1)
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	minPoW, err := intParam(r, "min_pow", 0, 0)
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}

	items := h.src.Notes.Top(limit)
	// Items are in descending score order, so everything below min_pow is a suffix.
	items = items[:sort.Search(len(items), func(i int) bool { return items[i].Score < minPoW })]

	now := h.src.now()
	out := make([]NoteResponse, 0, len(items))
	for _, it := range items {
		out = append(out, noteResponse(h.src, it, now))
	}
	jsonResp(w, http.StatusOK, NotesResponse{Notes: out, Total: h.src.Notes.Len()})
}

// getNote returns GET /api/v1/notes/{id}.
func (h *Handler) getNote(w http.ResponseWriter, r *http.Request) {
	it, ok := h.src.Notes.Get(chi.URLParam(r, "id"))
	if !ok {
		jsonErr(w, http.StatusNotFound, "note not found")
		return
	}
	jsonResp(w, http.StatusOK, noteResponse(h.src, it, h.src.now()))
}

// listRelays returns GET /api/v1/relays.
func (h *Handler) listRelays(w http.ResponseWriter, _ *http.Request) {
	jsonResp(w, http.StatusOK, relayResponses(h.src.Relays))
}

// snapshot returns GET /api/v1/snapshot.
func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", DefaultLimit, 1)
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	jsonResp(w, http.StatusOK, BuildSnapshot(h.src, limit))
}

// BuildSnapshot assembles the top limit notes together with relay status,
// advisories and intake counters.
func BuildSnapshot(src Sources, limit int) SnapshotResponse {
	now := src.now()

	items := src.Notes.Top(limit)
	notes := make([]NoteResponse, 0, len(items))
	for _, it := range items {
		notes = append(notes, noteResponse(src, it, now))
	}

	advs := src.Relays.Advisories()
	advisories := make([]AdvisoryResponse, 0, len(advs))
	for _, a := range advs {
		advisories = append(advisories, AdvisoryResponse{
			Relay:   a.Relay,
			Message: a.Message,
			At:      a.At.UTC().Format(time.RFC3339),
		})
	}

	st := src.Notes.Stats()
	return SnapshotResponse{
		Notes:      notes,
		Total:      src.Notes.Len(),
		Relays:     relayResponses(src.Relays),
		Advisories: advisories,
		Stats: StatsResponse{
			Accepted:  st.Accepted,
			Duplicate: st.Duplicate,
			WrongKind: st.WrongKind,
			MissingID: st.MissingID,
			InvalidID: st.InvalidID,
		},
		GeneratedAt: now.UTC().Format(time.RFC3339),
	}
}

// --- helpers ----------------------------------------------------------------

func jsonResp(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}

// intParam parses an optional integer query parameter no smaller than lo.
func intParam(r *http.Request, name string, def, lo int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo {
		return 0, fmt.Errorf("invalid %s %q: want an integer >= %d", name, raw, lo)
	}
	return n, nil
}

// overallState summarizes relay connectivity.
func overallState(h HealthResponse) string {
	switch {
	case h.RelayCount == 0:
		return "down"
	case h.OpenCount == h.RelayCount:
		return "ok"
	case h.OpenCount > 0:
		return "degraded"
	case h.ConnectingCount > 0:
		return "starting"
	default:
		return "down"
	}
}

func noteResponse(src Sources, it intake.Item, now time.Time) NoteResponse {
	created := time.Unix(it.CreatedAt, 0)
	tags := it.Tags
	if tags == nil {
		tags = [][]string{}
	}
	return NoteResponse{
		ID:         it.ID,
		PubKey:     it.PubKey,
		Author:     src.author(it.PubKey),
		Kind:       it.Kind,
		Content:    it.Content,
		Tags:       tags,
		PoW:        it.Score,
		CreatedAt:  created.UTC().Format(time.RFC3339),
		CreatedAgo: humanize.RelTime(created, now, "ago", "from now"),
		Relay:      it.Relay,
		SeenAt:     it.SeenAt.UTC().Format(time.RFC3339),
	}
}

func (s Sources) author(pubkey string) string {
	if s.Profiles == nil {
		return profile.DisplayName(pubkey, profile.Metadata{}, false)
	}
	return s.Profiles.Name(pubkey)
}

func relayResponses(st *store.Store) []RelayResponse {
	entries := st.List()
	out := make([]RelayResponse, 0, len(entries))
	for _, e := range entries {
		rr := RelayResponse{
			URL:       e.URL,
			State:     e.State,
			Events:    e.Events,
			Error:     e.Err,
			UpdatedAt: e.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if e.Err != "" {
			rr.ErrorAt = e.ErrAt.UTC().Format(time.RFC3339)
		}
		out = append(out, rr)
	}
	return out
}
