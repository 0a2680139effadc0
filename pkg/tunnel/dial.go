package tunnel

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// DialHostForward builds a StreamDialer that opens a forwarded stream by
// WS-dialing the Host's forward endpoint for taskID (see
// api.HostServer.handleForward). hostBaseURL is the Host's HTTP API base,
// e.g. "http://host.internal:7080". Unlike the Runner-to-container tunnel,
// this leg carries raw bytes with no frame header: one WebSocket message is
// one chunk of stream data.
func DialHostForward(hostBaseURL string, taskID int64) StreamDialer {
	base := wsBaseURL(hostBaseURL)
	return func(ctx context.Context, proto Proto, port uint16) (io.ReadWriteCloser, error) {
		url := fmt.Sprintf("%s/forward/%d/%d", base, taskID, port)
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("tunnel: dial forward %s: %w (status %s)", url, err, resp.Status)
			}
			return nil, fmt.Errorf("tunnel: dial forward %s: %w", url, err)
		}
		return newRawWSStream(conn), nil
	}
}

func wsBaseURL(httpBaseURL string) string {
	switch {
	case strings.HasPrefix(httpBaseURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpBaseURL, "https://")
	case strings.HasPrefix(httpBaseURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpBaseURL, "http://")
	default:
		return httpBaseURL
	}
}

// rawWSStream adapts a raw-byte WebSocket connection (no tunnel framing) to
// io.ReadWriteCloser, for use as the client end of a StreamDialer.
type rawWSStream struct {
	conn *websocket.Conn

	mu  sync.Mutex
	buf []byte
}

func newRawWSStream(conn *websocket.Conn) *rawWSStream {
	return &rawWSStream{conn: conn}
}

func (s *rawWSStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.buf) == 0 {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if msgType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		s.buf = data
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

func (s *rawWSStream) Write(p []byte) (int, error) {
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *rawWSStream) Close() error {
	return s.conn.Close()
}
