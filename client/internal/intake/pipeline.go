package intake

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/powfeed/powfeed/client/internal/pow"
	"github.com/powfeed/powfeed/pkg/nostr"
)

// Outcome reports what Ingest did with a candidate.
type Outcome int

const (
	Accepted Outcome = iota
	Duplicate
	WrongKind
	MissingID
	InvalidID
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case WrongKind:
		return "wrong_kind"
	case MissingID:
		return "missing_id"
	case InvalidID:
		return "invalid_id"
	default:
		return "unknown"
	}
}

// Candidate is one raw record delivered by a relay.
type Candidate struct {
	Event nostr.Event
	Relay string
}

// Item is an accepted note. Items are never modified after insertion; the
// Tags slice is shared with every copy and must be treated as read-only.
type Item struct {
	ID        string
	PubKey    string
	CreatedAt int64
	Kind      int
	Tags      [][]string
	Content   string
	Sig       string

	// Score is the proof-of-work score of ID, computed once on acceptance.
	Score int

	// Relay is the relay that delivered the note first.
	Relay string

	// SeenAt is when the pipeline accepted the note.
	SeenAt time.Time
}

// Stats counts ingest outcomes since the pipeline was created.
type Stats struct {
	Accepted  int64
	Duplicate int64
	WrongKind int64
	MissingID int64
	InvalidID int64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithKind sets the single event kind admitted into the working set.
func WithKind(kind int) Option {
	return func(p *Pipeline) { p.kind = kind }
}

// WithClock overrides the clock used to stamp Item.SeenAt.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// Pipeline maintains the working set.
type Pipeline struct {
	kind int
	now  func() time.Time

	mu    sync.RWMutex
	byID  map[string]*Item
	items []*Item // descending Score, arrival order within a score
	stats Stats

	obsMu     sync.RWMutex
	observers map[int]func(Item)
	nextObs   int
}

// New returns an empty Pipeline that admits text notes unless WithKind says otherwise.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		kind:      nostr.KindTextNote,
		now:       time.Now,
		byID:      make(map[string]*Item),
		observers: make(map[int]func(Item)),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Ingest offers one candidate to the working set.
func (p *Pipeline) Ingest(c Candidate) Outcome {
	ev := c.Event

	p.mu.Lock()
	out := p.insertLocked(ev, c.Relay)
	var added Item
	if out == Accepted {
		added = *p.byID[ev.ID]
	}
	p.mu.Unlock()

	switch out {
	case Accepted:
		p.notify(added)
	case InvalidID:
		slog.Warn("intake: rejected event with invalid id", "relay", c.Relay, "id", ev.ID)
	}
	return out
}

func (p *Pipeline) insertLocked(ev nostr.Event, relay string) Outcome {
	if ev.Kind != p.kind {
		p.stats.WrongKind++
		return WrongKind
	}
	if ev.ID == "" {
		p.stats.MissingID++
		return MissingID
	}
	if _, ok := p.byID[ev.ID]; ok {
		p.stats.Duplicate++
		return Duplicate
	}

	score, err := pow.Score(ev.ID)
	if err != nil {
		p.stats.InvalidID++
		return InvalidID
	}

	it := &Item{
		ID:        ev.ID,
		PubKey:    ev.PubKey,
		CreatedAt: ev.CreatedAt,
		Kind:      ev.Kind,
		Tags:      ev.Tags,
		Content:   ev.Content,
		Sig:       ev.Sig,
		Score:     score,
		Relay:     relay,
		SeenAt:    p.now(),
	}

	// First position holding a strictly lower score; equal scores stay ahead.
	i := sort.Search(len(p.items), func(i int) bool { return p.items[i].Score < score })
	p.items = slices.Insert(p.items, i, it)
	p.byID[it.ID] = it
	p.stats.Accepted++
	return Accepted
}

// Run consumes candidates from in until ctx is cancelled or in is closed.
// Candidates still queued in the channel after cancellation are not ingested.
func (p *Pipeline) Run(ctx context.Context, in <-chan Candidate) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-in:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				return
			}
			if out := p.Ingest(c); out == Accepted {
				slog.Debug("intake: accepted note", "id", c.Event.ID, "relay", c.Relay)
			}
		}
	}
}

// Items returns a copy of the working set in descending-score order.
func (p *Pipeline) Items() []Item {
	return p.Top(0)
}

// Top returns up to n items in descending-score order. n <= 0 returns all.
func (p *Pipeline) Top(n int) []Item {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if n <= 0 || n > len(p.items) {
		n = len(p.items)
	}
	out := make([]Item, n)
	for i := 0; i < n; i++ {
		out[i] = *p.items[i]
	}
	return out
}

// Get returns the item with the given id.
func (p *Pipeline) Get(id string) (Item, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	it, ok := p.byID[id]
	if !ok {
		return Item{}, false
	}
	return *it, true
}

// Len returns the number of items in the working set.
func (p *Pipeline) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.items)
}

// Stats returns a copy of the outcome counters.
func (p *Pipeline) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

// Subscribe registers fn to be called after every accepted insert. fn runs on
// the ingesting goroutine and must not block. The returned func removes fn.
func (p *Pipeline) Subscribe(fn func(Item)) (cancel func()) {
	p.obsMu.Lock()
	id := p.nextObs
	p.nextObs++
	p.observers[id] = fn
	p.obsMu.Unlock()

	return func() {
		p.obsMu.Lock()
		delete(p.observers, id)
		p.obsMu.Unlock()
	}
}

func (p *Pipeline) notify(it Item) {
	p.obsMu.RLock()
	fns := make([]func(Item), 0, len(p.observers))
	for _, fn := range p.observers {
		fns = append(fns, fn)
	}
	p.obsMu.RUnlock()

	for _, fn := range fns {
		fn(it)
	}
}
