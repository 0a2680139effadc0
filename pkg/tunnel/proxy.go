package tunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/kohakuriver/kohakuriver/pkg/log"
	"github.com/rs/zerolog"
)

// udpIdleTimeout bounds how long a UDP 5-tuple entry survives without
// traffic before its forwarded stream to the Runner is torn down. UDP has
// no FIN/CLOSE of its own, so idle eviction is the only way to reclaim a
// stream.
const udpIdleTimeout = 60 * time.Second

// StreamDialer opens one forwarded stream to the container behind a task,
// for the given protocol and port. The Host's concrete implementation
// dials the owning Runner's internal tunnel-forward endpoint; tests supply
// an in-memory fake.
type StreamDialer func(ctx context.Context, proto Proto, port uint16) (io.ReadWriteCloser, error)

// Proxy is the local half of a forwarded port (Module L): a listener that
// mints a fresh stream, via dial, for every accepted connection or UDP
// 5-tuple. The cmd/port-forward binary pairs it with DialHostForward to
// expose a task's container port as a normal local socket.
type Proxy struct {
	logger zerolog.Logger
}

// NewProxy creates a Proxy.
func NewProxy() *Proxy {
	return &Proxy{logger: log.WithComponent("tunnel-proxy")}
}

// ListenTCP opens a TCP listener on listenAddr and splices every accepted
// connection with a fresh stream obtained from dial, requesting targetPort
// on each call. It runs until ctx is canceled or the listener is closed.
func (p *Proxy) ListenTCP(ctx context.Context, listenAddr string, targetPort uint16, dial StreamDialer) (net.Listener, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("tunnel: listen %s: %w", listenAddr, err)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go p.spliceTCP(ctx, conn, targetPort, dial)
		}
	}()

	return ln, nil
}

func (p *Proxy) spliceTCP(ctx context.Context, client net.Conn, targetPort uint16, dial StreamDialer) {
	defer client.Close()

	stream, err := dial(ctx, ProtoTCP, targetPort)
	if err != nil {
		p.logger.Warn().Err(err).Msg("forward dial failed")
		return
	}
	defer stream.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(stream, client)
		stream.Close()
	}()
	go func() {
		defer wg.Done()
		io.Copy(client, stream)
		client.Close()
	}()
	wg.Wait()
}

// udpSession tracks one client 5-tuple's forwarded stream.
type udpSession struct {
	stream     io.ReadWriteCloser
	lastActive time.Time
}

// ListenUDP opens a UDP socket on listenAddr and demultiplexes datagrams by
// source address, maintaining one forwarded stream per 5-tuple. Idle
// entries are evicted after udpIdleTimeout.
func (p *Proxy) ListenUDP(ctx context.Context, listenAddr string, targetPort uint16, dial StreamDialer) (net.PacketConn, error) {
	pc, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("tunnel: listen udp %s: %w", listenAddr, err)
	}

	sessions := make(map[string]*udpSession)
	var mu sync.Mutex

	go func() {
		<-ctx.Done()
		pc.Close()
	}()

	go p.sweepIdleUDP(ctx, &mu, sessions)

	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			payload := make([]byte, n)
			copy(payload, buf[:n])

			mu.Lock()
			sess, ok := sessions[addr.String()]
			if !ok {
				stream, err := dial(ctx, ProtoUDP, targetPort)
				if err != nil {
					mu.Unlock()
					p.logger.Warn().Err(err).Msg("udp forward dial failed")
					continue
				}
				sess = &udpSession{stream: stream}
				sessions[addr.String()] = sess
				go p.pumpUDPReplies(pc, addr, sess, &mu, sessions)
			}
			sess.lastActive = time.Now()
			mu.Unlock()

			_, _ = sess.stream.Write(payload)
		}
	}()

	return pc, nil
}

func (p *Proxy) pumpUDPReplies(pc net.PacketConn, addr net.Addr, sess *udpSession, mu *sync.Mutex, sessions map[string]*udpSession) {
	buf := make([]byte, 64*1024)
	for {
		n, err := sess.stream.Read(buf)
		if err != nil {
			mu.Lock()
			delete(sessions, addr.String())
			mu.Unlock()
			return
		}
		if _, err := pc.WriteTo(buf[:n], addr); err != nil {
			return
		}
	}
}

func (p *Proxy) sweepIdleUDP(ctx context.Context, mu *sync.Mutex, sessions map[string]*udpSession) {
	ticker := time.NewTicker(udpIdleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			mu.Lock()
			now := time.Now()
			for addr, sess := range sessions {
				if now.Sub(sess.lastActive) > udpIdleTimeout {
					sess.stream.Close()
					delete(sessions, addr)
				}
			}
			mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}
