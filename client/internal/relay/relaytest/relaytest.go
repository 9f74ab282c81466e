// Package relaytest provides an in-process relay for tests. It speaks just
// enough of the relay protocol to record REQ frames and push scripted
// frames back to the client.
package relaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/powfeed/powfeed/pkg/nostr"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// Req is one REQ frame received from a client.
type Req struct {
	SubID   string
	Filters []nostr.Filter
}

// Client is the server side of one accepted connection.
type Client struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// SendRaw writes data as one text frame.
func (c *Client) SendRaw(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// SendEvent writes an EVENT frame.
func (c *Client) SendEvent(subID string, ev nostr.Event) error {
	data, err := nostr.MarshalEvent(subID, ev)
	if err != nil {
		return err
	}
	return c.SendRaw(data)
}

// SendEOSE writes an EOSE frame.
func (c *Client) SendEOSE(subID string) error {
	data, _ := json.Marshal([]string{nostr.FrameEOSE, subID})
	return c.SendRaw(data)
}

// Close drops the connection without a close handshake.
func (c *Client) Close() error {
	return c.ws.Close()
}

// Server is a fake relay.
type Server struct {
	srv *httptest.Server

	// URL is the ws:// address of the relay.
	URL string

	onReq func(*Client, Req)

	mu      sync.Mutex
	reqs    []Req
	clients []*Client
	onClose func(subID string)
}

// New starts a fake relay. onReq, if non-nil, runs on the connection's read
// goroutine for every REQ frame. The server is closed with t.Cleanup.
func New(t testing.TB, onReq func(*Client, Req)) *Server {
	t.Helper()
	s := &Server{onReq: onReq}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	s.URL = "ws" + strings.TrimPrefix(s.srv.URL, "http")
	t.Cleanup(s.Close)
	return s
}

// Close disconnects every client and stops the server.
func (s *Server) Close() {
	s.CloseClients()
	s.srv.Close()
}

// CloseClients drops every open connection.
func (s *Server) CloseClients() {
	s.mu.Lock()
	clients := append([]*Client(nil), s.clients...)
	s.mu.Unlock()
	for _, c := range clients {
		c.Close() //nolint:errcheck
	}
}

// OnClose registers fn to run for every CLOSE frame a client sends.
func (s *Server) OnClose(fn func(subID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = fn
}

// Reqs returns the REQ frames received so far.
func (s *Server) Reqs() []Req {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Req(nil), s.reqs...)
}

// WaitReqs blocks until at least n REQ frames arrived or fails the test after 2s.
func (s *Server) WaitReqs(t testing.TB, n int) []Req {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		reqs := s.Reqs()
		if len(reqs) >= n {
			return reqs
		}
		if time.Now().After(deadline) {
			t.Fatalf("relaytest: got %d REQ frames, want %d", len(reqs), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &Client{ws: ws}
	s.mu.Lock()
	s.clients = append(s.clients, c)
	s.mu.Unlock()
	defer ws.Close()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if subID, ok := parseClose(data); ok {
			s.mu.Lock()
			fn := s.onClose
			s.mu.Unlock()
			if fn != nil {
				fn(subID)
			}
			continue
		}
		req, ok := parseReq(data)
		if !ok {
			continue
		}
		s.mu.Lock()
		s.reqs = append(s.reqs, req)
		s.mu.Unlock()
		if s.onReq != nil {
			s.onReq(c, req)
		}
	}
}

func parseReq(data []byte) (Req, bool) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil || len(raw) < 2 {
		return Req{}, false
	}
	var typ string
	if err := json.Unmarshal(raw[0], &typ); err != nil || typ != nostr.FrameReq {
		return Req{}, false
	}
	var req Req
	if err := json.Unmarshal(raw[1], &req.SubID); err != nil {
		return Req{}, false
	}
	for _, r := range raw[2:] {
		var f nostr.Filter
		if err := json.Unmarshal(r, &f); err != nil {
			return Req{}, false
		}
		req.Filters = append(req.Filters, f)
	}
	return req, true
}

func parseClose(data []byte) (string, bool) {
	var msg []string
	if err := json.Unmarshal(data, &msg); err != nil || len(msg) != 2 || msg[0] != nostr.FrameClose {
		return "", false
	}
	return msg[1], true
}
