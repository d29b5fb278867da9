package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Lraviv/alert-bridge/internal/api"
	"github.com/Lraviv/alert-bridge/internal/retry"
)

// EventStatus is the event name of every message the hub sends.
const EventStatus = "status"

// Reasons a status message was pushed.
const (
	ReasonConnect = "connect" // first message on a new connection
	ReasonTick    = "tick"    // periodic refresh
	ReasonStore   = "store"   // the failure store was rewritten
	ReasonRetry   = "retry"   // a retry cycle completed
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	queueSize    = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  512,
	WriteBufferSize: 4096,
	// Dashboards are served from anywhere; restrict origins at the proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is the JSON envelope sent to clients.
type Message struct {
	Event  string             `json:"event"`
	Reason string             `json:"reason"`
	Data   api.StatusResponse `json:"data"`
}

// StoreEvents is implemented by *store.File.
type StoreEvents interface {
	OnChange(fn func())
}

// RetryEvents is implemented by *retry.Loop.
type RetryEvents interface {
	OnCycle(fn func(retry.CycleResult))
}

// Hub pushes the bridge status to WebSocket subscribers. A single goroutine
// (Run) owns the subscriber set; it sends on connect, on every interval tick,
// and whenever Notify reports that the failure store or the retry loop moved.
type Hub struct {
	src      api.StatusSource
	interval time.Duration

	join  chan *subscriber
	leave chan *subscriber
	done  chan struct{}

	// Notify records the latest reason and pokes Run; bursts collapse into one push.
	pendingMu sync.Mutex
	pending   string
	poke      chan struct{}

	subscribers atomic.Int64
}

type subscriber struct {
	conn   *websocket.Conn
	remote string
	queue  chan []byte
}

// New creates a Hub that reads status from src and refreshes every interval.
func New(src api.StatusSource, interval time.Duration) *Hub {
	return &Hub{
		src:      src,
		interval: interval,
		join:     make(chan *subscriber),
		leave:    make(chan *subscriber),
		done:     make(chan struct{}),
		poke:     make(chan struct{}, 1),
	}
}

// Follow pushes a status message after every store write and every retry cycle.
func (h *Hub) Follow(st StoreEvents, loop RetryEvents) {
	if st != nil {
		st.OnChange(func() { h.Notify(ReasonStore) })
	}
	if loop != nil {
		loop.OnCycle(func(retry.CycleResult) { h.Notify(ReasonRetry) })
	}
}

// Notify asks Run to push the current status with the given reason. It never
// blocks; a notification arriving while one is pending replaces its reason.
func (h *Hub) Notify(reason string) {
	h.pendingMu.Lock()
	h.pending = reason
	h.pendingMu.Unlock()

	select {
	case h.poke <- struct{}{}:
	default:
	}
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	return int(h.subscribers.Load())
}

// Run owns the subscriber set until ctx is cancelled, then closes every
// connection. ServeHTTP refuses new connections once Run has returned.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	subs := make(map[*subscriber]struct{})
	drop := func(s *subscriber) {
		if _, ok := subs[s]; ok {
			delete(subs, s)
			close(s.queue)
			h.subscribers.Store(int64(len(subs)))
		}
	}

	tick := time.NewTicker(h.interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			for s := range subs {
				drop(s)
			}
			return

		case s := <-h.join:
			subs[s] = struct{}{}
			h.subscribers.Store(int64(len(subs)))
			h.push([]*subscriber{s}, ReasonConnect, drop)

		case s := <-h.leave:
			drop(s)

		case <-h.poke:
			h.pendingMu.Lock()
			reason := h.pending
			h.pending = ""
			h.pendingMu.Unlock()
			h.push(keys(subs), reason, drop)

		case <-tick.C:
			h.push(keys(subs), ReasonTick, drop)
		}
	}
}

// push encodes the current status once and queues it for every target. A
// subscriber whose queue is full has stopped reading and is dropped.
func (h *Hub) push(targets []*subscriber, reason string, drop func(*subscriber)) {
	if len(targets) == 0 {
		return
	}
	data, err := json.Marshal(Message{
		Event:  EventStatus,
		Reason: reason,
		Data:   api.BuildStatus(h.src),
	})
	if err != nil {
		slog.Error("ws: encode status", "err", err)
		return
	}
	for _, s := range targets {
		select {
		case s.queue <- data:
		default:
			slog.Warn("ws: dropping slow subscriber", "remote", s.remote)
			drop(s)
		}
	}
}

func keys(m map[*subscriber]struct{}) []*subscriber {
	out := make([]*subscriber, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	return out
}

// ServeHTTP upgrades the request and streams status messages until the
// client goes away or the hub stops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	s := &subscriber{conn: conn, remote: r.RemoteAddr, queue: make(chan []byte, queueSize)}
	select {
	case h.join <- s:
	case <-h.done:
		conn.Close()
		return
	}
	slog.Debug("ws: subscriber connected", "remote", s.remote)

	go s.send()
	s.receive()

	select {
	case h.leave <- s:
	case <-h.done:
	}
	slog.Debug("ws: subscriber disconnected", "remote", s.remote)
}

// send writes queued messages and keepalive pings. A closed queue means the
// hub dropped the subscriber: it says goodbye and closes the connection.
func (s *subscriber) send() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		s.conn.Close()
	}()

	for {
		var err error
		select {
		case msg, ok := <-s.queue:
			if !ok {
				s.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "")) //nolint:errcheck
				return
			}
			err = s.write(websocket.TextMessage, msg)
		case <-ping.C:
			err = s.write(websocket.PingMessage, nil)
		}
		if err != nil {
			return
		}
	}
}

func (s *subscriber) write(kind int, data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(kind, data)
}

// receive discards anything the client sends and returns once the connection
// fails or stops answering pings.
func (s *subscriber) receive() {
	defer s.conn.Close()
	s.conn.SetReadLimit(512)
	s.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}
