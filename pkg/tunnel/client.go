package tunnel

import (
	"fmt"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kohakuriver/kohakuriver/pkg/log"
	"github.com/kohakuriver/kohakuriver/pkg/metrics"
	"github.com/rs/zerolog"
)

// EnvTunnelURL is the Runner WebSocket base URL the in-container client
// dials, e.g. "ws://10.0.0.5:9000".
const EnvTunnelURL = "KOHAKURIVER_TUNNEL_URL"

// EnvContainerID is the registration key the client presents to the Runner.
const EnvContainerID = "KOHAKURIVER_CONTAINER_ID"

const (
	minBackoff = 500 * time.Millisecond
	maxBackoff = 30 * time.Second
	dialTarget = "127.0.0.1"
)

// Client is the in-container tunnel daemon: it maintains one persistent
// WebSocket connection to its Runner and, on each inbound CONNECT frame,
// dials the requested local port and relays DATA frames both ways.
type Client struct {
	tunnelURL   string
	containerID string
	logger      zerolog.Logger

	mu      sync.Mutex
	streams map[uint32]*localStream
	stopCh  chan struct{}

	// writeMu serializes every write to the active connection: the
	// per-CONNECT relay goroutines and the periodic PING sender all write
	// the same *websocket.Conn, which gorilla/websocket forbids doing
	// concurrently.
	writeMu sync.Mutex
}

// NewClientFromEnv builds a Client from EnvTunnelURL/EnvContainerID. It is
// an error for either to be unset, since the client has no other way to
// learn its identity or Runner address.
func NewClientFromEnv() (*Client, error) {
	url := os.Getenv(EnvTunnelURL)
	containerID := os.Getenv(EnvContainerID)
	if url == "" || containerID == "" {
		return nil, fmt.Errorf("tunnel: %s and %s must both be set", EnvTunnelURL, EnvContainerID)
	}
	return &Client{
		tunnelURL:   url,
		containerID: containerID,
		logger:      log.WithComponent("tunnel-client").With().Str("container_id", containerID).Logger(),
		streams:     make(map[uint32]*localStream),
		stopCh:      make(chan struct{}),
	}, nil
}

// Run dials the Runner and serves frames until Stop is called, reconnecting
// with jittered exponential backoff whenever the connection drops.
func (c *Client) Run() {
	backoff := minBackoff
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		err := c.runOnce()
		if err == nil {
			backoff = minBackoff
			continue
		}

		c.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("tunnel connection lost, reconnecting")
		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		select {
		case <-time.After(backoff + jitter):
		case <-c.stopCh:
			return
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Stop terminates the client's run loop and closes its connection.
func (c *Client) Stop() {
	close(c.stopCh)
}

func (c *Client) runOnce() error {
	url := fmt.Sprintf("%s/tunnel/%s", c.tunnelURL, c.containerID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		metrics.TunnelDialFailuresTotal.WithLabelValues("websocket").Inc()
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(PongTimeout))

	c.logger.Info().Msg("tunnel connected")

	pingDone := make(chan struct{})
	defer close(pingDone)
	go c.pingLoop(conn, pingDone)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(PongTimeout))

		f, err := Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}

		switch f.Type {
		case TypeConnect:
			go c.handleConnect(conn, f)
		case TypeData:
			c.dispatchData(f)
		case TypeClose, TypeError:
			c.closeLocal(f.ClientID)
		case TypePong:
			// liveness only; the read deadline reset above already covers it.
		}
	}
}

// pingLoop sends a PING every PingInterval until done is closed (the
// connection this call serves has ended). The Runner's tunnel server
// replies PONG; either frame resets the peer's read deadline.
func (c *Client) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.writeFrame(conn, Frame{Type: TypePing}); err != nil {
				return
			}
		case <-done:
			return
		case <-c.stopCh:
			conn.Close()
			return
		}
	}
}

// writeFrame is the single path every goroutine must use to write to conn,
// since gorilla/websocket forbids concurrent writers on one connection.
func (c *Client) writeFrame(conn *websocket.Conn, f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, Encode(f))
}

func (c *Client) handleConnect(conn *websocket.Conn, f Frame) {
	network := "tcp"
	if f.Proto == ProtoUDP {
		network = "udp"
	}
	addr := fmt.Sprintf("%s:%d", dialTarget, f.Port)

	target, err := net.DialTimeout(network, addr, 5*time.Second)
	if err != nil {
		_ = c.writeFrame(conn, Frame{Type: TypeError, ClientID: f.ClientID, Payload: []byte(err.Error())})
		return
	}

	ls := &localStream{conn: target}
	c.mu.Lock()
	c.streams[f.ClientID] = ls
	c.mu.Unlock()

	if err := c.writeFrame(conn, Frame{Type: TypeConnected, ClientID: f.ClientID}); err != nil {
		target.Close()
		c.mu.Lock()
		delete(c.streams, f.ClientID)
		c.mu.Unlock()
		return
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := target.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			if werr := c.writeFrame(conn, Frame{Type: TypeData, ClientID: f.ClientID, Payload: payload}); werr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}

	_ = c.writeFrame(conn, Frame{Type: TypeClose, ClientID: f.ClientID})
	target.Close()
	c.mu.Lock()
	delete(c.streams, f.ClientID)
	c.mu.Unlock()
}

func (c *Client) dispatchData(f Frame) {
	c.mu.Lock()
	ls, ok := c.streams[f.ClientID]
	c.mu.Unlock()
	if !ok {
		return
	}
	_, _ = ls.conn.Write(f.Payload)
}

func (c *Client) closeLocal(clientID uint32) {
	c.mu.Lock()
	ls, ok := c.streams[clientID]
	delete(c.streams, clientID)
	c.mu.Unlock()
	if ok {
		ls.conn.Close()
	}
}

// localStream is the dialed connection to the in-container target service
// for one forwarded client_id.
type localStream struct {
	conn net.Conn
}
