package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/powfeed/powfeed/client/internal/relay/relaytest"
	"github.com/powfeed/powfeed/pkg/nostr"
)

// recorder collects events and status changes from a Conn.
type recorder struct {
	mu       sync.Mutex
	events   []nostr.Event
	statuses []Status
}

func (r *recorder) onEvent(_ string, ev nostr.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) onStatus(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *recorder) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.statuses))
	for i, s := range r.statuses {
		out[i] = s.State
	}
	return out
}

func (r *recorder) lastStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses[len(r.statuses)-1]
}

func textNote(id string) nostr.Event {
	return nostr.Event{ID: id, PubKey: "pk", Kind: nostr.KindTextNote, Content: "hi " + id}
}

func newConn(url string, rec *recorder) *Conn {
	return New(url, Options{
		Filters:     []nostr.Filter{{Kinds: []int{nostr.KindTextNote}, Limit: 50}},
		DialTimeout: 2 * time.Second,
		OnEvent:     rec.onEvent,
		OnStatus:    rec.onStatus,
	})
}

// waitFor polls cond until it holds or fails the test after 2s.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// runConn starts c.Run in a goroutine and returns a channel with its result.
func runConn(ctx context.Context, c *Conn) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()
	return errc
}

func TestConn_SubscribesAndDispatchesEvents(t *testing.T) {
	relay := relaytest.New(t, func(c *relaytest.Client, req relaytest.Req) {
		c.SendEvent(req.SubID, textNote("00aa"))           //nolint:errcheck
		c.SendRaw([]byte(`["EVENT","` + req.SubID + `"]`)) //nolint:errcheck
		c.SendRaw([]byte(`not json`))                      //nolint:errcheck
		c.SendRaw([]byte(`["NOTICE","hello"]`))            //nolint:errcheck
		c.SendEvent(req.SubID, textNote("00bb"))           //nolint:errcheck
		c.SendEOSE(req.SubID)                              //nolint:errcheck
	})

	rec := &recorder{}
	conn := newConn(relay.URL, rec)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := runConn(ctx, conn)

	reqs := relay.WaitReqs(t, 1)
	if !strings.HasPrefix(reqs[0].SubID, "sub-") {
		t.Errorf("subscription id: got %q, want sub- prefix", reqs[0].SubID)
	}
	if len(reqs[0].Filters) != 1 || reqs[0].Filters[0].Limit != 50 || reqs[0].Filters[0].Kinds[0] != 1 {
		t.Errorf("filters: got %+v", reqs[0].Filters)
	}

	waitFor(t, "two events", func() bool { return rec.eventCount() == 2 })
	waitFor(t, "malformed count", func() bool { return conn.Malformed() == 2 })

	if conn.State() != StateOpen {
		t.Errorf("State: got %v, want open", conn.State())
	}
	if conn.Events() != 2 {
		t.Errorf("Events: got %d, want 2", conn.Events())
	}
	if conn.SubscriptionID() != reqs[0].SubID {
		t.Errorf("SubscriptionID: got %q, want %q", conn.SubscriptionID(), reqs[0].SubID)
	}

	cancel()
	if err := <-errc; err != nil {
		t.Errorf("Run after cancel: got %v, want nil", err)
	}
	if conn.State() != StateClosed {
		t.Errorf("State after cancel: got %v, want closed", conn.State())
	}
	if got := rec.states(); len(got) != 3 || got[0] != StateConnecting || got[1] != StateOpen || got[2] != StateClosed {
		t.Errorf("state sequence: got %v", got)
	}
}

func TestConn_DialFailure(t *testing.T) {
	relay := relaytest.New(t, nil)
	url := relay.URL
	relay.Close()

	rec := &recorder{}
	conn := newConn(url, rec)
	err := conn.Run(context.Background())
	if err == nil {
		t.Fatal("Run: expected dial error")
	}
	if !strings.Contains(err.Error(), "dial") {
		t.Errorf("error: got %v, want dial error", err)
	}
	if conn.State() != StateClosed {
		t.Errorf("State: got %v, want closed", conn.State())
	}
	last := rec.lastStatus()
	if last.State != StateClosed || last.Err == nil {
		t.Errorf("last status: got %+v, want closed with error", last)
	}
	select {
	case <-conn.Done():
	default:
		t.Error("Done not closed after failure")
	}
}

func TestConn_RelayDropIsReported(t *testing.T) {
	relay := relaytest.New(t, nil)
	rec := &recorder{}
	conn := newConn(relay.URL, rec)
	errc := runConn(context.Background(), conn)

	relay.WaitReqs(t, 1)
	relay.CloseClients()

	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("Run: expected read error after relay dropped the socket")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after relay drop")
	}
	if last := rec.lastStatus(); last.State != StateClosed || last.Err == nil {
		t.Errorf("last status: got %+v", last)
	}
}

func TestConn_CloseIsHardStop(t *testing.T) {
	stop := make(chan struct{})
	relay := relaytest.New(t, func(c *relaytest.Client, req relaytest.Req) {
		go func() {
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				if err := c.SendEvent(req.SubID, textNote(fmt.Sprintf("%064x", i))); err != nil {
					return
				}
				time.Sleep(time.Millisecond)
			}
		}()
	})
	defer close(stop)

	rec := &recorder{}
	conn := newConn(relay.URL, rec)
	errc := runConn(context.Background(), conn)

	waitFor(t, "events flowing", func() bool { return rec.eventCount() >= 5 })
	conn.Close()
	atClose := rec.eventCount()

	if err := <-errc; err != nil {
		t.Errorf("Run after Close: got %v, want nil", err)
	}
	time.Sleep(50 * time.Millisecond)

	// At most the frame already being dispatched when Close began may land.
	if after := rec.eventCount(); after > atClose+1 {
		t.Errorf("events after Close: %d -> %d", atClose, after)
	}
	if conn.State() != StateClosed {
		t.Errorf("State: got %v, want closed", conn.State())
	}
}

func TestConn_SubscribeAfterOpen(t *testing.T) {
	relay := relaytest.New(t, nil)
	conn := newConn(relay.URL, &recorder{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runConn(ctx, conn)

	relay.WaitReqs(t, 1)
	id, err := conn.Subscribe("profiles", nostr.Filter{Kinds: []int{nostr.KindMetadata}, Authors: []string{"aa"}})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	reqs := relay.WaitReqs(t, 2)
	if reqs[1].SubID != id || !strings.HasPrefix(id, "profiles-") {
		t.Errorf("second REQ id: got %q, want %q", reqs[1].SubID, id)
	}
	if got := reqs[1].Filters[0].Authors; len(got) != 1 || got[0] != "aa" {
		t.Errorf("authors: got %v", got)
	}
}

func TestConn_SendBeforeOpen(t *testing.T) {
	conn := New("ws://127.0.0.1:1", Options{})
	if err := conn.Send([]byte(`[]`)); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Send: got %v, want ErrNotOpen", err)
	}
	if conn.State() != StateConnecting {
		t.Errorf("State: got %v, want connecting", conn.State())
	}
}

func TestConn_RunAfterClose(t *testing.T) {
	conn := New("ws://127.0.0.1:1", Options{})
	conn.Close()
	conn.Close() // idempotent
	if err := conn.Run(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Run: got %v, want ErrClosed", err)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateConnecting: "connecting",
		StateOpen:       "open",
		StateClosed:     "closed",
		State(9):        "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", s, got, want)
		}
	}
}

func TestConn_SubscribeOnceClosesOnEOSE(t *testing.T) {
	closed := make(chan string, 1)
	relay := relaytest.New(t, func(c *relaytest.Client, req relaytest.Req) {
		if strings.HasPrefix(req.SubID, "profiles-") {
			c.SendEOSE(req.SubID) //nolint:errcheck
		}
	})
	relay.OnClose(func(subID string) { closed <- subID })

	conn := newConn(relay.URL, &recorder{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runConn(ctx, conn)
	relay.WaitReqs(t, 1)

	id, err := conn.SubscribeOnce("profiles", nostr.Filter{Kinds: []int{nostr.KindMetadata}, Authors: []string{"aa"}})
	if err != nil {
		t.Fatalf("SubscribeOnce: %v", err)
	}
	select {
	case got := <-closed:
		if got != id {
			t.Errorf("CLOSE id: got %q, want %q", got, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no CLOSE frame after EOSE")
	}
}
