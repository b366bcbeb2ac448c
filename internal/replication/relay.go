package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

func randomPeerID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// relayConnector reaches the mesh through the signaling server's websocket,
// which forwards payloads between peers in the same room. Peer-to-peer data
// channels would carry the same peerMessage protocol; the relay keeps the
// transport independent of how the pipe is established.

type relayEnvelope struct {
	Type string          `json:"type"`
	Room string          `json:"room,omitempty"`
	Peer string          `json:"peer,omitempty"`
	To   string          `json:"to,omitempty"`
	From string          `json:"from,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
	// Sent once on join; lists the peers already in the room.
	Peers []string `json:"peers,omitempty"`
}

const relayRecvBuffer = 32

type relayConnector struct {
	url  string
	room string
	self string

	mu       sync.Mutex
	conn     *websocket.Conn
	channels map[string]*relayChannel
	joins    chan PeerChannel
	closed   bool
}

func newRelayConnector(cfg Config) *relayConnector {
	return &relayConnector{
		url:      cfg.SignalingServer,
		room:     cfg.Room,
		self:     "peer-" + randomPeerID(),
		channels: map[string]*relayChannel{},
	}
}

func (c *relayConnector) Connect(ctx context.Context) (<-chan PeerChannel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing signaling server: %w", err)
	}
	if err := conn.WriteJSON(relayEnvelope{Type: "join", Room: c.room, Peer: c.self}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("joining room: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.joins = make(chan PeerChannel, 8)
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go c.readLoop(conn)
	return c.joins, nil
}

func (c *relayConnector) readLoop(conn *websocket.Conn) {
	defer c.teardown()
	for {
		var env relayEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		switch env.Type {
		case "peers":
			for _, id := range env.Peers {
				c.addPeer(id)
			}
		case "peer-joined":
			c.addPeer(env.Peer)
		case "peer-left":
			c.removePeer(env.Peer)
		case "relay":
			c.mu.Lock()
			ch := c.channels[env.From]
			c.mu.Unlock()
			if ch != nil {
				select {
				case ch.recv <- []byte(env.Data):
				default:
					// Backpressured peer; it recovers by re-requesting.
				}
			}
		}
	}
}

func (c *relayConnector) addPeer(id string) {
	if id == "" || id == c.self {
		return
	}
	c.mu.Lock()
	if c.closed || c.channels[id] != nil {
		c.mu.Unlock()
		return
	}
	ch := &relayChannel{id: id, connector: c, recv: make(chan []byte, relayRecvBuffer)}
	c.channels[id] = ch
	joins := c.joins
	c.mu.Unlock()

	joins <- ch
}

func (c *relayConnector) removePeer(id string) {
	c.mu.Lock()
	ch := c.channels[id]
	delete(c.channels, id)
	c.mu.Unlock()
	if ch != nil {
		ch.closeRecv()
	}
}

func (c *relayConnector) sendTo(peer string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.closed {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteJSON(relayEnvelope{Type: "relay", To: peer, Data: data})
}

// teardown closes every channel after the websocket drops so peer loops end.
func (c *relayConnector) teardown() {
	c.mu.Lock()
	channels := c.channels
	c.channels = map[string]*relayChannel{}
	joins := c.joins
	c.joins = nil
	c.closed = true
	c.mu.Unlock()

	for _, ch := range channels {
		ch.closeRecv()
	}
	if joins != nil {
		close(joins)
	}
}

func (c *relayConnector) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

type relayChannel struct {
	id        string
	connector *relayConnector
	recv      chan []byte
	closeOnce sync.Once
}

func (r *relayChannel) ID() string { return r.id }

func (r *relayChannel) Send(_ context.Context, data []byte) error {
	return r.connector.sendTo(r.id, data)
}

func (r *relayChannel) Receive() <-chan []byte { return r.recv }

func (r *relayChannel) closeRecv() {
	r.closeOnce.Do(func() { close(r.recv) })
}

func (r *relayChannel) Close() error {
	r.closeRecv()
	return nil
}
