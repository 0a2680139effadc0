package api

import (
	"io"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/kohakuriver/kohakuriver/pkg/runner"
	"github.com/kohakuriver/kohakuriver/pkg/types"
)

// containerNameFor returns the container name the owning Runner uses for
// task, per the kohakuriver-task-{id}/kohakuriver-vps-{id} convention.
func containerNameFor(task *types.Task) string {
	return runner.ContainerName(task.Type, task.ID)
}

// spliceWSAndStream copies binary WebSocket messages to stream and stream
// reads back as WebSocket messages, until either side closes. It blocks
// until both directions have stopped.
func spliceWSAndStream(conn *websocket.Conn, stream io.ReadWriteCloser) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer stream.Close()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			if _, err := stream.Write(data); err != nil {
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		defer conn.Close()
		buf := make([]byte, 32*1024)
		for {
			n, err := stream.Read(buf)
			if n > 0 {
				if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	wg.Wait()
}

// wsReadWriteCloser adapts a *websocket.Conn's binary-message stream to
// io.ReadWriteCloser, for use as the client end of a tunnel.StreamDialer.
type wsReadWriteCloser struct {
	conn *websocket.Conn

	mu  sync.Mutex
	buf []byte
}

func newWSReadWriteCloser(conn *websocket.Conn) *wsReadWriteCloser {
	return &wsReadWriteCloser{conn: conn}
}

func (c *wsReadWriteCloser) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.buf) == 0 {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if msgType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		c.buf = data
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *wsReadWriteCloser) Write(p []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsReadWriteCloser) Close() error {
	return c.conn.Close()
}
