package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/powfeed/powfeed/client/internal/api"
)

const (
	writeWait    = 10 * time.Second
	idleLimit    = 60 * time.Second // no pong within this window drops the peer
	pingEvery    = idleLimit * 9 / 10
	peerQueueLen = 16
	maxInbound   = 512 // browsers only send control frames
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origins are restricted by the API's CORS list, not here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Message is the JSON envelope sent to clients.
type Message struct {
	Event string               `json:"event"`
	Data  api.SnapshotResponse `json:"data"`
}

// Hub manages WebSocket clients and broadcasts the snapshot to them.
type Hub struct {
	src      api.Sources
	limit    int
	interval time.Duration
	wake     chan struct{}

	mu    sync.RWMutex
	peers map[*peer]struct{}
}

// peer is one connected browser. queue is closed by the hub when the peer is
// dropped; the writer then sends a close frame and hangs up.
type peer struct {
	conn   *websocket.Conn
	queue  chan []byte
	remote string
}

// New creates a Hub that sends the top limit notes of src every interval.
func New(src api.Sources, limit int, interval time.Duration) *Hub {
	if limit <= 0 {
		limit = api.DefaultLimit
	}
	return &Hub{
		src:      src,
		limit:    limit,
		interval: interval,
		wake:     make(chan struct{}, 1),
		peers:    make(map[*peer]struct{}),
	}
}

// Run broadcasts on every tick and after every Notify. It blocks until ctx is
// cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	tick := time.NewTicker(h.interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			h.dropAll()
			return
		case <-tick.C:
		case <-h.wake:
		}
		h.publish()
	}
}

// Notify schedules a broadcast. It never blocks; calls made while a
// broadcast is already pending are merged into it.
func (h *Hub) Notify() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// ServeHTTP upgrades the request, queues the current snapshot and then
// streams broadcasts until the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already answered with an HTTP error.
		return
	}
	p := &peer{
		conn:   conn,
		queue:  make(chan []byte, peerQueueLen),
		remote: conn.RemoteAddr().String(),
	}
	if msg, err := h.snapshot(); err == nil {
		p.queue <- msg
	}

	h.mu.Lock()
	h.peers[p] = struct{}{}
	h.mu.Unlock()
	slog.Debug("ws: client connected", "remote", p.remote)

	go p.drain()
	p.awaitClose()
	h.drop(p)
	slog.Debug("ws: client disconnected", "remote", p.remote)
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

func (h *Hub) snapshot() ([]byte, error) {
	return json.Marshal(Message{
		Event: "snapshot",
		Data:  api.BuildSnapshot(h.src, h.limit),
	})
}

// publish queues the snapshot for every peer and drops peers whose queue is
// full. Queues are written under the read lock so drop cannot close one
// mid-send.
func (h *Hub) publish() {
	msg, err := h.snapshot()
	if err != nil {
		slog.Error("ws: encode snapshot", "err", err)
		return
	}

	var lagging []*peer
	h.mu.RLock()
	for p := range h.peers {
		select {
		case p.queue <- msg:
		default:
			lagging = append(lagging, p)
		}
	}
	h.mu.RUnlock()

	for _, p := range lagging {
		slog.Warn("ws: dropping slow client", "remote", p.remote)
		h.drop(p)
	}
}

// drop removes p and closes its queue. It is a no-op for unknown peers.
func (h *Hub) drop(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.peers[p]; ok {
		delete(h.peers, p)
		close(p.queue)
	}
}

func (h *Hub) dropAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for p := range h.peers {
		delete(h.peers, p)
		close(p.queue)
	}
}

// send writes one frame with a fresh write deadline.
func (p *peer) send(kind int, data []byte) error {
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return p.conn.WriteMessage(kind, data)
}

// drain writes queued snapshots and keepalive pings until the queue is
// closed or a write fails, then closes the connection.
func (p *peer) drain() {
	keepalive := time.NewTicker(pingEvery)
	defer keepalive.Stop()
	defer p.conn.Close()

	for {
		var err error
		select {
		case msg, open := <-p.queue:
			if !open {
				p.send(websocket.CloseMessage, nil) //nolint:errcheck
				return
			}
			err = p.send(websocket.TextMessage, msg)
		case <-keepalive.C:
			err = p.send(websocket.PingMessage, nil)
		}
		if err != nil {
			return
		}
	}
}

// awaitClose discards inbound frames, extending the idle deadline on every
// pong, and returns once the connection fails or the client hangs up.
func (p *peer) awaitClose() {
	defer p.conn.Close()
	extend := func(string) error { return p.conn.SetReadDeadline(time.Now().Add(idleLimit)) }
	p.conn.SetReadLimit(maxInbound)
	extend("") //nolint:errcheck
	p.conn.SetPongHandler(extend)
	for {
		if _, _, err := p.conn.NextReader(); err != nil {
			return
		}
	}
}
