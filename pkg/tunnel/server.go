package tunnel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kohakuriver/kohakuriver/pkg/log"
	"github.com/kohakuriver/kohakuriver/pkg/metrics"
	"github.com/rs/zerolog"
)

// outboundQueueDepth bounds the per-client_id outbound frame queue. A full
// queue blocks the writer for that client_id only; every other client_id on
// the same tunnel keeps flowing.
const outboundQueueDepth = 64

// connectTimeout bounds how long OpenStream waits for CONNECTED or ERROR.
const connectTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the Runner-side tunnel endpoint: it accepts one persistent
// multiplexed WebSocket connection per container (registered by the
// in-container Client) and lets callers open new forwarded streams to a
// port inside that container.
type Server struct {
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session // keyed by container_id
}

// NewServer creates a Server with no registered sessions.
func NewServer() *Server {
	return &Server{
		logger:   log.WithComponent("tunnel-server"),
		sessions: make(map[string]*session),
	}
}

// session is one container's multiplexed tunnel connection.
type session struct {
	containerID string
	conn        *websocket.Conn
	logger      zerolog.Logger

	mu      sync.Mutex
	streams map[uint32]*RemoteStream
	nextID  uint32

	outMu   sync.Mutex
	outbox  map[uint32]chan Frame
	active  []uint32 // client_ids with a non-empty outbox, round-robin order
	closeCh chan struct{}
	closed  bool

	// writeMu serializes every write to conn: the round-robin writeLoop and
	// the direct PONG reply to an inbound PING both write the same
	// connection, which gorilla/websocket requires never happen concurrently.
	writeMu sync.Mutex
}

// ServeContainerTunnel upgrades r to a WebSocket and registers it as the
// tunnel for containerID, replacing any prior session for the same
// container (a reconnecting Client supersedes its old, presumably dead,
// connection).
func (s *Server) ServeContainerTunnel(w http.ResponseWriter, r *http.Request, containerID string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("tunnel: upgrade failed: %w", err)
	}

	sess := &session{
		containerID: containerID,
		conn:        conn,
		logger:      log.WithComponent("tunnel-server").With().Str("container_id", containerID).Logger(),
		streams:     make(map[uint32]*RemoteStream),
		outbox:      make(map[uint32]chan Frame),
		closeCh:     make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(PongTimeout))

	s.mu.Lock()
	if old, ok := s.sessions[containerID]; ok {
		old.terminate()
	}
	s.sessions[containerID] = sess
	s.mu.Unlock()
	metrics.TunnelSessionsActive.Inc()

	go sess.writeLoop()
	sess.readLoop()

	s.mu.Lock()
	if s.sessions[containerID] == sess {
		delete(s.sessions, containerID)
	}
	s.mu.Unlock()
	metrics.TunnelSessionsActive.Dec()
	return nil
}

// OpenStream allocates a new client_id on containerID's tunnel, sends
// CONNECT for proto/port, and blocks until the container replies CONNECTED
// (success) or ERROR (the container could not reach the target), or until
// ctx / connectTimeout elapses.
func (s *Server) OpenStream(ctx context.Context, containerID string, proto Proto, port uint16) (*RemoteStream, error) {
	s.mu.Lock()
	sess, ok := s.sessions[containerID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("tunnel: no active tunnel for container %s", containerID)
	}
	return sess.openStream(ctx, proto, port)
}

func (sess *session) openStream(ctx context.Context, proto Proto, port uint16) (*RemoteStream, error) {
	sess.mu.Lock()
	clientID := sess.nextID
	sess.nextID++
	stream := newRemoteStream(sess, clientID)
	sess.streams[clientID] = stream
	sess.mu.Unlock()

	sess.send(Frame{Type: TypeConnect, Proto: proto, ClientID: clientID, Port: port})

	timeoutCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	select {
	case <-stream.connected:
		return stream, nil
	case errMsg := <-stream.connectErr:
		sess.removeStream(clientID)
		return nil, fmt.Errorf("tunnel: container rejected connect: %s", errMsg)
	case <-timeoutCtx.Done():
		sess.removeStream(clientID)
		return nil, fmt.Errorf("tunnel: connect timed out: %w", timeoutCtx.Err())
	case <-sess.closeCh:
		return nil, fmt.Errorf("tunnel: session closed while connecting")
	}
}

func (sess *session) removeStream(clientID uint32) {
	sess.mu.Lock()
	delete(sess.streams, clientID)
	sess.mu.Unlock()
	sess.outMu.Lock()
	delete(sess.outbox, clientID)
	sess.outMu.Unlock()
}

// send enqueues f on its client_id's outbound queue, creating the queue if
// this is the first frame for that client_id, and puts the client_id back
// in the writer's rotation if it is not already there. A full queue blocks
// the caller, isolating backpressure to one client_id.
func (sess *session) send(f Frame) {
	sess.outMu.Lock()
	q, ok := sess.outbox[f.ClientID]
	if !ok {
		q = make(chan Frame, outboundQueueDepth)
		sess.outbox[f.ClientID] = q
	}
	sess.outMu.Unlock()

	select {
	case q <- f:
	case <-sess.closeCh:
		return
	}

	sess.outMu.Lock()
	defer sess.outMu.Unlock()
	for _, id := range sess.active {
		if id == f.ClientID {
			return
		}
	}
	sess.active = append(sess.active, f.ClientID)
}

// writeLoop round-robins across client_ids with pending frames so one busy
// stream cannot starve the others sharing this tunnel.
func (sess *session) writeLoop() {
	for {
		select {
		case <-sess.closeCh:
			return
		default:
		}

		sess.outMu.Lock()
		if len(sess.active) == 0 {
			sess.outMu.Unlock()
			select {
			case <-time.After(5 * time.Millisecond):
				continue
			case <-sess.closeCh:
				return
			}
		}
		clientID := sess.active[0]
		sess.active = sess.active[1:]
		q := sess.outbox[clientID]
		sess.outMu.Unlock()

		select {
		case f := <-q:
			sess.outMu.Lock()
			if len(q) > 0 {
				sess.active = append(sess.active, clientID)
			}
			sess.outMu.Unlock()

			if err := sess.writeFrame(f); err != nil {
				sess.logger.Warn().Err(err).Msg("tunnel write failed, tearing down session")
				sess.terminate()
				return
			}
			metrics.TunnelFramesRelayedTotal.WithLabelValues("to_container").Inc()
		default:
		}
	}
}

func (sess *session) readLoop() {
	defer sess.terminate()
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		sess.conn.SetReadDeadline(time.Now().Add(PongTimeout))

		f, err := Decode(data)
		if err != nil {
			sess.logger.Warn().Err(err).Msg("dropping malformed tunnel frame")
			continue
		}
		metrics.TunnelFramesRelayedTotal.WithLabelValues("from_container").Inc()
		sess.dispatch(f)
	}
}

// writeFrame serializes a direct write of f onto conn; it is the single
// path every writer (the round-robin writeLoop and the immediate PONG
// reply) must go through, since gorilla/websocket forbids concurrent
// writers on the same connection.
func (sess *session) writeFrame(f Frame) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	return sess.conn.WriteMessage(websocket.BinaryMessage, Encode(f))
}

func (sess *session) dispatch(f Frame) {
	if f.Type == TypePing {
		if err := sess.writeFrame(Frame{Type: TypePong}); err != nil {
			sess.logger.Warn().Err(err).Msg("failed to reply PONG")
		}
		return
	}

	sess.mu.Lock()
	stream, ok := sess.streams[f.ClientID]
	sess.mu.Unlock()
	if !ok {
		if f.Type == TypeData {
			sess.send(Frame{Type: TypeError, ClientID: f.ClientID, Payload: []byte("no such stream")})
		}
		return // stream already torn down locally; drop stray frame
	}

	switch f.Type {
	case TypeConnected:
		select {
		case stream.connected <- struct{}{}:
		default:
		}
	case TypeError:
		select {
		case stream.connectErr <- string(f.Payload):
		default:
		}
	case TypeData:
		stream.deliver(f.Payload)
	case TypeClose:
		stream.remoteClosed()
	}
}

func (sess *session) terminate() {
	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return
	}
	sess.closed = true
	streams := make([]*RemoteStream, 0, len(sess.streams))
	for _, st := range sess.streams {
		streams = append(streams, st)
	}
	sess.mu.Unlock()

	close(sess.closeCh)
	sess.conn.Close()
	for _, st := range streams {
		st.remoteClosed()
	}
}

// RemoteStream is a forwarded connection into a container, opened via
// Server.OpenStream. It implements io.ReadWriteCloser over DATA frames
// multiplexed on the owning session's tunnel.
type RemoteStream struct {
	sess     *session
	clientID uint32

	connected  chan struct{}
	connectErr chan string

	readCh chan []byte
	eof    chan struct{}
	eofOne sync.Once
}

func newRemoteStream(sess *session, clientID uint32) *RemoteStream {
	return &RemoteStream{
		sess:       sess,
		clientID:   clientID,
		connected:  make(chan struct{}, 1),
		connectErr: make(chan string, 1),
		readCh:     make(chan []byte, outboundQueueDepth),
		eof:        make(chan struct{}),
	}
}

func (r *RemoteStream) deliver(payload []byte) {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	select {
	case r.readCh <- cp:
	case <-r.eof:
	}
}

func (r *RemoteStream) remoteClosed() {
	r.eofOne.Do(func() { close(r.eof) })
}

// Read returns the next chunk of data from the container, or io.EOF once
// the container has sent CLOSE or the session has torn down.
func (r *RemoteStream) Read(p []byte) (int, error) {
	select {
	case chunk, ok := <-r.readCh:
		if !ok {
			return 0, io.EOF
		}
		n := copy(p, chunk)
		return n, nil
	case <-r.eof:
		select {
		case chunk := <-r.readCh:
			return copy(p, chunk), nil
		default:
			return 0, io.EOF
		}
	}
}

// Write sends p to the container as a DATA frame.
func (r *RemoteStream) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	r.sess.send(Frame{Type: TypeData, ClientID: r.clientID, Payload: buf})
	return len(p), nil
}

// Close sends CLOSE to the container and releases the stream's client_id.
func (r *RemoteStream) Close() error {
	r.sess.send(Frame{Type: TypeClose, ClientID: r.clientID})
	r.sess.removeStream(r.clientID)
	r.remoteClosed()
	return nil
}
