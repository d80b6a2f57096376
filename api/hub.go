package api

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"

	"github.com/transferscan/transferscan/store"
)

const (
	wsReadBuffer   = 1024
	wsWriteBuffer  = 1024
	wsPingInterval = 30 * time.Second
	wsWriteTimeout = 5 * time.Second
	wsPongTimeout  = 30 * time.Second

	// hubQueueSize bounds how far the push channel may fall behind
	// ingestion before events are dropped from it.
	hubQueueSize = 256

	// clientBuffer is the per-subscriber backlog. A client that cannot
	// drain it stalls the fan-out until its next write deadline expires
	// and the connection is torn down.
	clientBuffer = 64
)

var (
	errHubClosed   = errors.New("push channel closed")
	errPushBacklog = errors.New("push backlog full")
)

// Hub fans stored live events out to websocket clients. Delivery is
// best effort: broadcast never blocks the caller, and a backlogged or
// broken client loses events or its connection, never the pipeline.
type Hub struct {
	log      log.Logger
	upgrader websocket.Upgrader

	feed  event.FeedOf[*store.TransferEvent]
	queue chan *store.TransferEvent
	quit  chan struct{}

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	closed  bool

	wg sync.WaitGroup
}

func newHub(logger log.Logger) *Hub {
	return &Hub{
		log: logger.New("component", "wshub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsReadBuffer,
			WriteBufferSize: wsWriteBuffer,
			// The push channel is public read-only data; any origin
			// may subscribe.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		queue:   make(chan *store.TransferEvent, hubQueueSize),
		quit:    make(chan struct{}),
		clients: make(map[*websocket.Conn]struct{}),
	}
}

func (h *Hub) start() {
	h.wg.Add(1)
	go h.run()
}

// stop disconnects every client and waits for their handlers. Safe to
// call more than once.
func (h *Hub) stop() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.quit)
	for conn := range h.clients {
		conn.Close()
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// broadcast enqueues ev for delivery to all connected clients.
func (h *Hub) broadcast(ev *store.TransferEvent) error {
	select {
	case <-h.quit:
		return errHubClosed
	default:
	}
	select {
	case h.queue <- ev:
		return nil
	default:
		wsDropMeter.Mark(1)
		return errPushBacklog
	}
}

func (h *Hub) run() {
	defer h.wg.Done()
	for {
		select {
		case ev := <-h.queue:
			h.feed.Send(ev)
		case <-h.quit:
			return
		}
	}
}

// ServeHTTP upgrades the request and attaches the client to the feed.
// The subscription is live before the client is registered, so an event
// broadcast after registration cannot miss the new client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("Websocket upgrade failed", "err", err)
		return
	}
	ch := make(chan *store.TransferEvent, clientBuffer)
	sub := h.feed.Subscribe(ch)
	if !h.addClient(conn) {
		sub.Unsubscribe()
		conn.Close()
		return
	}
	go h.serveClient(conn, ch, sub)
}

func (h *Hub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) addClient(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[conn] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
	h.wg.Done()
}

// serveClient pushes feed events to one connection, pinging it when
// idle. Any read or write failure ends the session.
func (h *Hub) serveClient(conn *websocket.Conn, ch chan *store.TransferEvent, sub event.Subscription) {
	defer h.removeClient(conn)
	defer sub.Unsubscribe()

	wsClientGauge.Inc(1)
	defer wsClientGauge.Dec(1)
	h.log.Debug("Websocket client connected", "remote", conn.RemoteAddr())

	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Time{})
		return nil
	})
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	pingTimer := time.NewTimer(wsPingInterval)
	defer pingTimer.Stop()

	for {
		select {
		case ev := <-ch:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				h.log.Debug("Websocket write failed", "remote", conn.RemoteAddr(), "err", err)
				return
			}
			wsPushMeter.Mark(1)

		case <-pingTimer.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
			pingTimer.Reset(wsPingInterval)

		case err := <-readErr:
			h.log.Debug("Websocket client gone", "remote", conn.RemoteAddr(), "err", err)
			return

		case <-h.quit:
			deadline := time.Now().Add(wsWriteTimeout)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), deadline)
			return
		}
	}
}
