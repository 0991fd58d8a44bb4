package server

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/relay/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const testTimeout = 5 * time.Second

// ---------------------------------------------------------------------------
// Server setup
// ---------------------------------------------------------------------------

type testServer struct {
	srv      *Server
	registry *prometheus.Registry
	tcpAddr  string
	sshAddr  string
	httpAddr string
}

// newTestServer builds a server with TCP, SSH and HTTP listeners on random
// loopback ports. Each server gets its own Prometheus registry.
func newTestServer(t *testing.T, configure func(*ServerConfig)) *testServer {
	t.Helper()
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.TCPPort, cfg.SSHPort, cfg.HTTPPort, cfg.MetricsPort = 0, 0, 0, 0
	cfg.SSHHostKeyPath = filepath.Join(dir, "ssh_host_key")
	cfg.UploadDir = filepath.Join(dir, "uploads")
	if configure != nil {
		configure(&cfg)
	}

	registry := prometheus.NewRegistry()
	srv, err := newServer(cfg, "", registry, registry)
	require.NoError(t, err)

	listen := func() net.Listener {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		return l
	}

	tcpListener := listen()
	srv.serveTCP(tcpListener)

	hostKey, err := srv.loadOrGenerateHostKey()
	require.NoError(t, err)
	sshListener := listen()
	srv.serveSSH(sshListener, srv.sshConfig(hostKey))

	httpListener := listen()
	srv.serveHTTP(httpListener)

	t.Cleanup(func() { srv.Stop() })

	return &testServer{
		srv:      srv,
		registry: registry,
		tcpAddr:  tcpListener.Addr().String(),
		sshAddr:  sshListener.Addr().String(),
		httpAddr: httpListener.Addr().String(),
	}
}

func (ts *testServer) url(path string) string {
	return "http://" + ts.httpAddr + path
}

// counterValue reads one labelled counter from the server's registry
func counterValue(t *testing.T, ts *testServer, name, label, value string) float64 {
	t.Helper()
	families, err := ts.registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

// ---------------------------------------------------------------------------
// Transport abstraction
// ---------------------------------------------------------------------------

// transportClient sends and receives envelopes over one of the transports
type transportClient interface {
	send(t *testing.T, event string, payload any)
	sendRaw(t *testing.T, data []byte)
	expect(t *testing.T, event string, v any) *protocol.Envelope
	expectNone(t *testing.T, window time.Duration)
	expectClosed(t *testing.T)
	close()
}

// envelopeReader is fed by a single persistent reader goroutine per client,
// so tests never race on the underlying connection
type envelopeReader struct {
	name      string
	envelopes chan *protocol.Envelope
	errors    chan error
	done      chan struct{}
}

func newEnvelopeReader(name string) *envelopeReader {
	return &envelopeReader{
		name:      name,
		envelopes: make(chan *protocol.Envelope, 256),
		errors:    make(chan error, 1),
		done:      make(chan struct{}),
	}
}

// run reads until read fails
func (r *envelopeReader) run(read func() (*protocol.Envelope, error)) {
	defer close(r.done)
	for {
		env, err := read()
		if err != nil {
			r.errors <- err
			return
		}
		r.envelopes <- env
	}
}

// expect returns the next envelope, which must be event. History replays are
// skipped unless they are what the caller waits for.
func (r *envelopeReader) expect(t *testing.T, event string, v any) *protocol.Envelope {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case env := <-r.envelopes:
			if env.Event == protocol.EventHistory && event != protocol.EventHistory {
				continue
			}
			if env.Event != event {
				t.Fatalf("%s: expected %q, got %q (%s)", r.name, event, env.Event, string(env.Data))
			}
			if v != nil {
				require.NoError(t, env.Decode(v), "%s: decode %q", r.name, event)
			}
			return env
		case err := <-r.errors:
			t.Fatalf("%s: expect %q: read error: %v", r.name, event, err)
			return nil
		case <-deadline:
			t.Fatalf("%s: expect %q: timeout after %v", r.name, event, testTimeout)
			return nil
		}
	}
}

func (r *envelopeReader) expectNone(t *testing.T, window time.Duration) {
	t.Helper()
	select {
	case env := <-r.envelopes:
		t.Fatalf("%s: unexpected %q (%s)", r.name, env.Event, string(env.Data))
	case err := <-r.errors:
		t.Fatalf("%s: unexpected read error: %v", r.name, err)
	case <-time.After(window):
	}
}

func (r *envelopeReader) expectClosed(t *testing.T) {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case <-r.envelopes:
		case <-r.errors:
			return
		case <-deadline:
			t.Fatalf("%s: connection still open after %v", r.name, testTimeout)
		}
	}
}

func mustEnvelope(t *testing.T, event string, payload any) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(event, payload)
	require.NoError(t, err)
	return env
}

// ---------------------------------------------------------------------------
// TCP transport
// ---------------------------------------------------------------------------

type tcpClient struct {
	*envelopeReader
	conn      net.Conn
	closeOnce sync.Once
}

func newTCPClient(t *testing.T, addr string) *tcpClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err, "TCP connect to %s", addr)

	c := &tcpClient{envelopeReader: newEnvelopeReader("tcp"), conn: conn}
	go c.run(func() (*protocol.Envelope, error) { return protocol.ReadEnvelope(conn) })
	t.Cleanup(c.close)
	return c
}

func (c *tcpClient) send(t *testing.T, event string, payload any) {
	t.Helper()
	require.NoError(t, protocol.WriteEnvelope(c.conn, mustEnvelope(t, event, payload)), "TCP send %q", event)
}

func (c *tcpClient) sendRaw(t *testing.T, data []byte) {
	t.Helper()
	_, err := c.conn.Write(data)
	require.NoError(t, err)
}

func (c *tcpClient) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
		<-c.done
	})
}

// ---------------------------------------------------------------------------
// SSH transport
// ---------------------------------------------------------------------------

type sshClient struct {
	*envelopeReader
	client    *ssh.Client
	channel   ssh.Channel
	closeOnce sync.Once
}

// newSSHClient connects as user, which the server registers as the identity
func newSSHClient(t *testing.T, addr, user string) *sshClient {
	t.Helper()

	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(privateKey)
	require.NoError(t, err)

	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         testTimeout,
	}
	client, err := ssh.Dial("tcp", addr, config)
	require.NoError(t, err, "SSH dial %s", addr)

	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		client.Close()
		t.Fatalf("SSH open channel: %v", err)
	}
	go ssh.DiscardRequests(requests)

	c := &sshClient{envelopeReader: newEnvelopeReader("ssh"), client: client, channel: channel}
	go c.run(func() (*protocol.Envelope, error) { return protocol.ReadEnvelope(channel) })
	t.Cleanup(c.close)
	return c
}

func (c *sshClient) send(t *testing.T, event string, payload any) {
	t.Helper()
	require.NoError(t, protocol.WriteEnvelope(c.channel, mustEnvelope(t, event, payload)), "SSH send %q", event)
}

func (c *sshClient) sendRaw(t *testing.T, data []byte) {
	t.Helper()
	_, err := c.channel.Write(data)
	require.NoError(t, err)
}

func (c *sshClient) close() {
	c.closeOnce.Do(func() {
		c.channel.Close()
		c.client.Close()
		// Channel close unblocks the reader
		<-c.done
	})
}

// ---------------------------------------------------------------------------
// WebSocket transport
// ---------------------------------------------------------------------------

type wsClient struct {
	*envelopeReader
	conn      *websocket.Conn
	closeOnce sync.Once
}

func newWSClient(t *testing.T, addr string) *wsClient {
	t.Helper()
	url := fmt.Sprintf("ws://%s/ws", addr)
	dialer := websocket.Dialer{HandshakeTimeout: testTimeout}
	conn, _, err := dialer.Dial(url, nil)
	require.NoError(t, err, "WebSocket dial %s", url)

	c := &wsClient{envelopeReader: newEnvelopeReader("websocket"), conn: conn}
	go c.run(func() (*protocol.Envelope, error) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		return protocol.ParseEnvelope(data)
	})
	t.Cleanup(c.close)
	return c
}

func (c *wsClient) send(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(mustEnvelope(t, event, payload))
	require.NoError(t, err)
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, data), "WS send %q", event)
}

func (c *wsClient) sendRaw(t *testing.T, data []byte) {
	t.Helper()
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, data))
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
		<-c.done
	})
}

// ---------------------------------------------------------------------------
// Transport factories
// ---------------------------------------------------------------------------

type transportFactory struct {
	name string
	// login connects and ends up registered as identity
	login func(t *testing.T, ts *testServer, identity string) transportClient
}

func allTransports() []transportFactory {
	registerAfterDial := func(c transportClient, t *testing.T, identity string) transportClient {
		c.send(t, protocol.EventRegister, identity)
		c.expect(t, protocol.EventRegistered, nil)
		return c
	}
	return []transportFactory{
		{"tcp", func(t *testing.T, ts *testServer, identity string) transportClient {
			return registerAfterDial(newTCPClient(t, ts.tcpAddr), t, identity)
		}},
		{"ssh", func(t *testing.T, ts *testServer, identity string) transportClient {
			c := newSSHClient(t, ts.sshAddr, identity)
			c.expect(t, protocol.EventRegistered, nil)
			return c
		}},
		{"websocket", func(t *testing.T, ts *testServer, identity string) transportClient {
			return registerAfterDial(newWSClient(t, ts.httpAddr), t, identity)
		}},
	}
}
