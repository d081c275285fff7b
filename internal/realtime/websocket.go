package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocketSource reads changes from a peer feed. Each text frame holds one
// JSON change.
type WebSocketSource struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	transportConfig
}

// NewWebSocketSource creates a source for the feed at url.
func NewWebSocketSource(url string, header http.Header, opts ...TransportOption) *WebSocketSource {
	return &WebSocketSource{
		url:             url,
		header:          header,
		dialer:          websocket.DefaultDialer,
		transportConfig: newTransportConfig(opts),
	}
}

// Run dials the feed and pushes changes into m until ctx ends, the peer
// closes the connection, or m stops. A normal close returns nil.
func (s *WebSocketSource) Run(ctx context.Context, m *Merger) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", s.url, err)
	}
	defer conn.Close()

	// ReadMessage does not observe ctx; closing the connection unblocks it.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s.logger.Info("realtime feed connected", "event", "feed_connected", "url", s.url)
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read %s: %w", s.url, err)
		}
		if typ != websocket.TextMessage {
			continue
		}
		c, err := UnmarshalChange(data)
		if err != nil {
			s.logger.Warn("dropping malformed change",
				"event", "change_malformed",
				"url", s.url,
				"error", err,
			)
			continue
		}
		if !m.Push(c) {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// Broadcaster is the serving side of a peer feed: every connected peer
// receives every published change.
type Broadcaster struct {
	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
	transportConfig
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster(opts ...TransportOption) *Broadcaster {
	return &Broadcaster{conns: make(map[*websocket.Conn]struct{}), transportConfig: newTransportConfig(opts)}
}

// ServeHTTP upgrades the request and keeps the peer until it disconnects.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", "event", "peer_upgrade_failed", "error", err)
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return
	}
	b.conns[conn] = struct{}{}
	b.mu.Unlock()
	b.logger.Debug("peer connected", "event", "peer_connected", "remote", r.RemoteAddr)

	// Peers only listen; reading detects the disconnect.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	b.drop(conn)
}

// Peers returns the number of connected peers.
func (b *Broadcaster) Peers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Publish writes c to every connected peer. Peers that fail the write are
// dropped.
func (b *Broadcaster) Publish(c Change) error {
	data, err := c.Marshal()
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for conn := range b.conns {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			errs = append(errs, err)
			conn.Close()
			delete(b.conns, conn)
		}
	}
	return errors.Join(errs...)
}

// Close disconnects every peer.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for conn := range b.conns {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
		delete(b.conns, conn)
	}
}

func (b *Broadcaster) drop(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.conns[conn]; ok {
		conn.Close()
		delete(b.conns, conn)
	}
}
