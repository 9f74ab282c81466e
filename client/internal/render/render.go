package render

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/powfeed/powfeed/client/internal/intake"
	"github.com/powfeed/powfeed/client/internal/profile"
	"github.com/powfeed/powfeed/client/internal/store"
)

const (
	DefaultTop        = 20
	DefaultMaxContent = 280

	timeLayout = "2006-01-02 15:04:05 MST"
)

// Options configures a Renderer.
type Options struct {
	Top        int              // notes per frame; DefaultTop when 0
	MaxContent int              // runes of content per note; DefaultMaxContent when 0
	Lang       language.Tag     // number formatting; English when zero
	Location   *time.Location   // absolute times; UTC when nil
	Now        func() time.Time // nil means time.Now
}

// Renderer draws frames of the working set to a writer.
type Renderer struct {
	w      io.Writer
	notes  *intake.Pipeline
	dir    *profile.Directory
	status *store.Store

	top        atomic.Int64
	maxContent int
	printer    *message.Printer
	loc        *time.Location
	now        func() time.Time
}

// New creates a Renderer. dir may be nil.
func New(w io.Writer, notes *intake.Pipeline, dir *profile.Directory, status *store.Store, opts Options) *Renderer {
	r := &Renderer{
		w:          w,
		notes:      notes,
		dir:        dir,
		status:     status,
		maxContent: opts.MaxContent,
		loc:        opts.Location,
		now:        opts.Now,
	}
	if r.maxContent <= 0 {
		r.maxContent = DefaultMaxContent
	}
	if r.loc == nil {
		r.loc = time.UTC
	}
	if r.now == nil {
		r.now = time.Now
	}
	lang := opts.Lang
	if lang == language.Und {
		lang = language.English
	}
	r.printer = message.NewPrinter(lang)
	r.SetTop(opts.Top)
	return r
}

// SetTop changes the number of notes per frame. It is safe to call while Run
// is active.
func (r *Renderer) SetTop(n int) {
	if n <= 0 {
		n = DefaultTop
	}
	r.top.Store(int64(n))
}

// Render writes one frame.
func (r *Renderer) Render() error {
	now := r.now()
	items := r.notes.Top(int(r.top.Load()))
	counts := r.status.Count()
	relays := counts[store.StateOpen] + counts[store.StateConnecting] + counts[store.StateClosed]

	bw := bufio.NewWriter(r.w)
	r.printer.Fprintf(bw, "Nostr PoW Client: %d notes, %d of %d relays open\n",
		r.notes.Len(), counts[store.StateOpen], relays)

	for _, a := range r.status.Advisories() {
		r.printer.Fprintf(bw, "! Failed to connect to %s: %s (%s)\n",
			a.Relay, a.Message, humanize.RelTime(a.At, now, "ago", "from now"))
	}

	if len(items) == 0 {
		bw.WriteString("No notes found yet. Waiting for events from relays...\n")
		return bw.Flush()
	}

	for i, it := range items {
		created := time.Unix(it.CreatedAt, 0)
		r.printer.Fprintf(bw, "\n#%d  PoW: %d  Author: %s  %s (%s)\n",
			i+1, it.Score, r.author(it.PubKey),
			humanize.RelTime(created, now, "ago", "from now"),
			created.In(r.loc).Format(timeLayout))
		for _, line := range strings.Split(truncate(it.Content, r.maxContent), "\n") {
			bw.WriteString("    ")
			bw.WriteString(line)
			bw.WriteByte('\n')
		}
	}
	return bw.Flush()
}

// Run renders a frame every interval until ctx is cancelled.
func (r *Renderer) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := r.Render(); err != nil {
				slog.Warn("render: write frame", "err", err)
			}
		}
	}
}

func (r *Renderer) author(pubkey string) string {
	if r.dir == nil {
		return profile.ShortKey(pubkey)
	}
	return r.dir.Name(pubkey)
}

// truncate shortens s to at most n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "…"
}
