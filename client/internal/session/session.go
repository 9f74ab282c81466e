package session

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/powfeed/powfeed/client/internal/intake"
	"github.com/powfeed/powfeed/client/internal/profile"
	"github.com/powfeed/powfeed/client/internal/relay"
	"github.com/powfeed/powfeed/client/internal/store"
	"github.com/powfeed/powfeed/pkg/nostr"
)

// ErrNoOpenRelay is returned by RequestProfiles when no relay is open.
var ErrNoOpenRelay = errors.New("session: no open relay")

// Options configures a Session.
type Options struct {
	Relays       []string
	Filters      []nostr.Filter
	DialTimeout  time.Duration
	PingInterval time.Duration
	ReadTimeout  time.Duration
	QueueSize    int

	// Profiles enables batched kind-0 lookups for note authors.
	Profiles      bool
	BatchInterval time.Duration
	BatchSize     int
}

// Session owns the relay connections of one client run.
type Session struct {
	opts     Options
	pipeline *intake.Pipeline
	dir      *profile.Directory
	status   *store.Store

	conns  []*relay.Conn
	events chan intake.Candidate
	stop   chan struct{}
	used   atomic.Bool
}

// New builds a Session. Connections are not dialled until Run.
func New(opts Options, p *intake.Pipeline, dir *profile.Directory, st *store.Store) *Session {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1
	}
	s := &Session{
		opts:     opts,
		pipeline: p,
		dir:      dir,
		status:   st,
		events:   make(chan intake.Candidate, opts.QueueSize),
		stop:     make(chan struct{}),
	}
	for _, url := range opts.Relays {
		st.Register(url)
		s.conns = append(s.conns, relay.New(url, relay.Options{
			Filters:      opts.Filters,
			DialTimeout:  opts.DialTimeout,
			PingInterval: opts.PingInterval,
			ReadTimeout:  opts.ReadTimeout,
			OnEvent:      s.onEvent,
			OnStatus:     s.onStatus,
		}))
	}
	return s
}

// Conns returns the relay connections in configuration order.
func (s *Session) Conns() []*relay.Conn {
	return s.conns
}

// Open returns the number of relays currently open.
func (s *Session) Open() int {
	n := 0
	for _, c := range s.conns {
		if c.State() == relay.StateOpen {
			n++
		}
	}
	return n
}

// Run connects to every relay and blocks until ctx is cancelled and all
// connections, the intake loop and the profile resolver have stopped.
// A Session can run once.
func (s *Session) Run(ctx context.Context) error {
	if !s.used.CompareAndSwap(false, true) {
		return errors.New("session: already run")
	}
	stopTeardown := context.AfterFunc(ctx, func() { close(s.stop) })
	defer stopTeardown()

	var g errgroup.Group

	g.Go(func() error {
		s.pipeline.Run(ctx, s.events)
		return nil
	})

	if s.opts.Profiles && s.dir != nil {
		r := profile.NewResolver(s.dir, s, s.opts.BatchInterval, s.opts.BatchSize)
		cancel := s.pipeline.Subscribe(func(it intake.Item) { r.Want(it.PubKey) })
		defer cancel()
		g.Go(func() error {
			r.Run(ctx)
			return nil
		})
	}

	var live atomic.Int32
	live.Store(int32(len(s.conns)))
	for _, c := range s.conns {
		g.Go(func() error {
			if err := c.Run(ctx); err != nil {
				slog.Warn("session: relay unavailable", "relay", c.URL(), "err", err)
			}
			if live.Add(-1) == 0 && ctx.Err() == nil {
				slog.Error("session: every relay is closed; showing already accepted notes only")
			}
			return nil
		})
	}

	slog.Info("session: started", "relays", len(s.conns))
	err := g.Wait()
	slog.Info("session: stopped", "notes", s.pipeline.Len())
	return err
}

// RequestProfiles asks every open relay for the metadata of authors.
// It implements profile.Requester.
func (s *Session) RequestProfiles(_ context.Context, authors []string) error {
	if len(authors) == 0 {
		return nil
	}
	f := nostr.Filter{
		Kinds:   []int{nostr.KindMetadata},
		Authors: authors,
		Limit:   len(authors),
	}
	sent := 0
	for _, c := range s.conns {
		if c.State() != relay.StateOpen {
			continue
		}
		if _, err := c.SubscribeOnce("profiles", f); err != nil {
			slog.Debug("session: profile request failed", "relay", c.URL(), "err", err)
			continue
		}
		sent++
	}
	if sent == 0 {
		return ErrNoOpenRelay
	}
	return nil
}

// onEvent is the dispatch target of every Conn. It runs on the relay's read
// goroutine and hands the event to the intake loop or the profile directory.
func (s *Session) onEvent(url string, ev nostr.Event) {
	select {
	case <-s.stop:
		return
	default:
	}
	s.status.RecordEvent(url)

	if ev.Kind == nostr.KindMetadata {
		if s.dir != nil {
			s.dir.Observe(ev)
		}
		return
	}

	select {
	case s.events <- intake.Candidate{Event: ev, Relay: url}:
	case <-s.stop:
	}
}

func (s *Session) onStatus(st relay.Status) {
	s.status.SetState(st.URL, st.State.String(), st.Err)
}
