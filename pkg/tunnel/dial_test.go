package tunnel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWSBaseURL(t *testing.T) {
	assert.Equal(t, "ws://host:7080", wsBaseURL("http://host:7080"))
	assert.Equal(t, "wss://host:7080", wsBaseURL("https://host:7080"))
}

func TestDialHostForward_RoundTripsRawBytes(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("/forward/42/8080", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dial := DialHostForward(srv.URL, 42)
	stream, err := dial(context.Background(), ProtoTCP, 8080)
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := readWithTimeout(stream, buf, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
}
