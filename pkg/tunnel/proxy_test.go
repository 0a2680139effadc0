package tunnel

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProxy_ListenTCPPassesConfiguredTargetPort(t *testing.T) {
	var gotPort uint16
	done := make(chan struct{})
	dial := func(ctx context.Context, proto Proto, port uint16) (io.ReadWriteCloser, error) {
		gotPort = port
		close(done)
		client, server := net.Pipe()
		go func() {
			buf := make([]byte, 4096)
			for {
				n, err := server.Read(buf)
				if err != nil {
					return
				}
				if _, err := server.Write(buf[:n]); err != nil {
					return
				}
			}
		}()
		return client, nil
	}

	proxy := NewProxy()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := proxy.ListenTCP(ctx, "127.0.0.1:0", 8080, dial)
	require.NoError(t, err)
	defer ln.Close()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dial was never called")
	}
	assert.Equal(t, uint16(8080), gotPort)
}

func TestProxy_ListenTCPClosesStreamWhenClientCloses(t *testing.T) {
	streamClosed := make(chan struct{})
	dial := func(ctx context.Context, proto Proto, port uint16) (io.ReadWriteCloser, error) {
		client, server := net.Pipe()
		go func() {
			io.Copy(io.Discard, server)
			close(streamClosed)
		}()
		return client, nil
	}

	proxy := NewProxy()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := proxy.ListenTCP(ctx, "127.0.0.1:0", 80, dial)
	require.NoError(t, err)
	defer ln.Close()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	conn.Close()

	select {
	case <-streamClosed:
	case <-time.After(2 * time.Second):
		t.Fatal("closing the client connection did not tear down the dialed stream")
	}
}
