package api

// NoteResponse is one accepted note.
type NoteResponse struct {
	ID         string     `json:"id"`
	PubKey     string     `json:"pubkey"`
	Author     string     `json:"author"`
	Kind       int        `json:"kind"`
	Content    string     `json:"content"`
	Tags       [][]string `json:"tags"`
	PoW        int        `json:"pow"`
	CreatedAt  string     `json:"created_at"`  // RFC3339
	CreatedAgo string     `json:"created_ago"` // e.g. "3 minutes ago"
	Relay      string     `json:"relay"`
	SeenAt     string     `json:"seen_at"` // RFC3339
}

// NotesResponse is the payload for GET /api/v1/notes.
type NotesResponse struct {
	Notes []NoteResponse `json:"notes"`
	Total int            `json:"total"` // size of the whole working set
}

// RelayResponse is one relay in GET /api/v1/relays.
type RelayResponse struct {
	URL       string `json:"url"`
	State     string `json:"state"`
	Events    int64  `json:"events"`
	Error     string `json:"error,omitempty"`
	ErrorAt   string `json:"error_at,omitempty"` // RFC3339
	UpdatedAt string `json:"updated_at"`         // RFC3339
}

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	State           string `json:"state"`
	RelayCount      int    `json:"relay_count"`
	OpenCount       int    `json:"open_count"`
	ConnectingCount int    `json:"connecting_count"`
	ClosedCount     int    `json:"closed_count"`
	NoteCount       int    `json:"note_count"`
	AdvisoryCount   int    `json:"advisory_count"`
}

// AdvisoryResponse is a relay failure notice.
type AdvisoryResponse struct {
	Relay   string `json:"relay"`
	Message string `json:"message"`
	At      string `json:"at"` // RFC3339
}

// StatsResponse mirrors the intake counters.
type StatsResponse struct {
	Accepted  int64 `json:"accepted"`
	Duplicate int64 `json:"duplicate"`
	WrongKind int64 `json:"wrong_kind"`
	MissingID int64 `json:"missing_id"`
	InvalidID int64 `json:"invalid_id"`
}

// SnapshotResponse is the payload for GET /api/v1/snapshot and the data of
// every WebSocket message.
type SnapshotResponse struct {
	Notes       []NoteResponse     `json:"notes"`
	Total       int                `json:"total"`
	Relays      []RelayResponse    `json:"relays"`
	Advisories  []AdvisoryResponse `json:"advisories"`
	Stats       StatsResponse      `json:"stats"`
	GeneratedAt string             `json:"generated_at"` // RFC3339
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
