package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/powfeed/powfeed/client/internal/intake"
	"github.com/powfeed/powfeed/client/internal/profile"
	"github.com/powfeed/powfeed/client/internal/relay"
	"github.com/powfeed/powfeed/client/internal/relay/relaytest"
	"github.com/powfeed/powfeed/client/internal/store"
	"github.com/powfeed/powfeed/pkg/nostr"
)

func note(id, pubkey string) nostr.Event {
	return nostr.Event{ID: id, PubKey: pubkey, Kind: nostr.KindTextNote, CreatedAt: 1700000000, Content: "note " + id}
}

// relayWith starts a fake relay that answers the note subscription with evs.
func relayWith(t *testing.T, evs ...nostr.Event) *relaytest.Server {
	t.Helper()
	return relaytest.New(t, func(c *relaytest.Client, req relaytest.Req) {
		if !strings.HasPrefix(req.SubID, "sub-") {
			return
		}
		for _, ev := range evs {
			c.SendEvent(req.SubID, ev) //nolint:errcheck
		}
		c.SendEOSE(req.SubID) //nolint:errcheck
	})
}

type fixture struct {
	pipeline *intake.Pipeline
	dir      *profile.Directory
	status   *store.Store
	session  *Session
	cancel   context.CancelFunc
	done     chan error
}

func start(t *testing.T, opts Options) *fixture {
	t.Helper()
	if opts.Filters == nil {
		opts.Filters = []nostr.Filter{{Kinds: []int{nostr.KindTextNote}, Limit: 50}}
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 2 * time.Second
	}
	f := &fixture{
		pipeline: intake.New(),
		dir:      profile.NewDirectory(),
		status:   store.New(time.Minute),
		done:     make(chan error, 1),
	}
	f.session = New(opts, f.pipeline, f.dir, f.status)

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() { f.done <- f.session.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-f.done:
		case <-time.After(3 * time.Second):
			t.Error("session did not stop within 3s")
		}
	})
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSession_DeduplicatesAcrossRelays(t *testing.T) {
	shared := note("000f"+strings.Repeat("a", 60), "alice")
	a := relayWith(t, shared, note("0f"+strings.Repeat("b", 62), "bob"))
	b := relayWith(t, note("00000f"+strings.Repeat("c", 58), "carol"), shared)

	f := start(t, Options{Relays: []string{a.URL, b.URL}, QueueSize: 16})

	waitFor(t, "three unique notes", func() bool { return f.pipeline.Len() == 3 })
	waitFor(t, "duplicate counted", func() bool { return f.pipeline.Stats().Duplicate == 1 })

	items := f.pipeline.Items()
	wantScores := []int{20, 12, 4}
	for i, want := range wantScores {
		if items[i].Score != want {
			t.Errorf("items[%d].Score: got %d, want %d", i, items[i].Score, want)
		}
	}

	if f.session.Open() != 2 {
		t.Errorf("Open: got %d, want 2", f.session.Open())
	}
	for _, url := range []string{a.URL, b.URL} {
		e, ok := f.status.Get(url)
		if !ok || e.State != store.StateOpen || e.Events != 2 {
			t.Errorf("status %s: got %+v", url, e)
		}
	}
}

func TestSession_FailedRelayIsAdvisoryOnly(t *testing.T) {
	live := relayWith(t, note("00"+strings.Repeat("1", 62), "alice"))
	dead := relaytest.New(t, nil)
	deadURL := dead.URL
	dead.Close()

	f := start(t, Options{Relays: []string{deadURL, live.URL}, QueueSize: 4})

	waitFor(t, "note from live relay", func() bool { return f.pipeline.Len() == 1 })
	waitFor(t, "advisory for dead relay", func() bool { return len(f.status.Advisories()) == 1 })

	adv := f.status.Advisories()[0]
	if adv.Relay != deadURL {
		t.Errorf("advisory relay: got %q, want %q", adv.Relay, deadURL)
	}
	if e, _ := f.status.Get(deadURL); e.State != store.StateClosed {
		t.Errorf("dead relay state: got %q", e.State)
	}
	if e, _ := f.status.Get(live.URL); e.State != store.StateOpen {
		t.Errorf("live relay state: got %q", e.State)
	}
}

func TestSession_RoutesMetadataToDirectory(t *testing.T) {
	md := nostr.Event{ID: "ff", PubKey: "alicekey1234", Kind: nostr.KindMetadata, CreatedAt: 5, Content: `{"name":"alice"}`}
	r := relayWith(t, md, note("0"+strings.Repeat("7", 63), "alicekey1234"))

	f := start(t, Options{Relays: []string{r.URL}, QueueSize: 4})

	waitFor(t, "note accepted", func() bool { return f.pipeline.Len() == 1 })
	waitFor(t, "metadata stored", func() bool { return f.dir.Len() == 1 })
	if got := f.dir.Name("alicekey1234"); got != "alice" {
		t.Errorf("Name: got %q, want alice", got)
	}
	if st := f.pipeline.Stats(); st.WrongKind != 0 {
		t.Errorf("metadata must not reach intake, stats %+v", st)
	}
}

func TestSession_RequestsProfilesForNewAuthors(t *testing.T) {
	r := relayWith(t, note("0"+strings.Repeat("3", 63), "bobkey"))

	start(t, Options{
		Relays:        []string{r.URL},
		QueueSize:     4,
		Profiles:      true,
		BatchInterval: 10 * time.Millisecond,
	})

	reqs := r.WaitReqs(t, 2)
	var found bool
	for _, req := range reqs {
		if !strings.HasPrefix(req.SubID, "profiles-") {
			continue
		}
		found = true
		f := req.Filters[0]
		if len(f.Kinds) != 1 || f.Kinds[0] != nostr.KindMetadata {
			t.Errorf("profile kinds: got %v", f.Kinds)
		}
		if len(f.Authors) != 1 || f.Authors[0] != "bobkey" {
			t.Errorf("profile authors: got %v", f.Authors)
		}
	}
	if !found {
		t.Errorf("no profiles- REQ among %+v", reqs)
	}
}

func TestSession_CancelClosesEveryConnection(t *testing.T) {
	a := relayWith(t)
	b := relayWith(t)
	f := start(t, Options{Relays: []string{a.URL, b.URL}, QueueSize: 1})

	waitFor(t, "both relays open", func() bool { return f.session.Open() == 2 })
	f.cancel()

	select {
	case err := <-f.done:
		if err != nil {
			t.Errorf("Run: got %v, want nil", err)
		}
		f.done <- err // let cleanup observe completion
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	for _, c := range f.session.Conns() {
		if c.State() != relay.StateClosed {
			t.Errorf("%s: state %v after teardown", c.URL(), c.State())
		}
	}
}

func TestSession_RequestProfilesWithoutOpenRelay(t *testing.T) {
	s := New(Options{Relays: []string{"ws://127.0.0.1:1"}}, intake.New(), profile.NewDirectory(), store.New(time.Minute))
	err := s.RequestProfiles(context.Background(), []string{"a"})
	if !errors.Is(err, ErrNoOpenRelay) {
		t.Errorf("RequestProfiles: got %v, want ErrNoOpenRelay", err)
	}
	if err := s.RequestProfiles(context.Background(), nil); err != nil {
		t.Errorf("RequestProfiles(nil): got %v", err)
	}
}

func TestSession_RunTwice(t *testing.T) {
	s := New(Options{}, intake.New(), profile.NewDirectory(), store.New(time.Minute))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := s.Run(ctx); err == nil {
		t.Error("second Run: expected error")
	}
}
