package hub

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/relay/pkg/protocol"
	"github.com/stretchr/testify/require"
)

// recordingWriter captures every event written to a session
type recordingWriter struct {
	events chan *protocol.Envelope
	closed chan struct{}
	once   sync.Once
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{
		events: make(chan *protocol.Envelope, 1024),
		closed: make(chan struct{}),
	}
}

func (w *recordingWriter) WriteEvent(env *protocol.Envelope) error {
	w.events <- env
	return nil
}

func (w *recordingWriter) Close() error {
	w.once.Do(func() { close(w.closed) })
	return nil
}

// blockingWriter holds every write until release is closed
type blockingWriter struct {
	release chan struct{}
	closed  chan struct{}
	once    sync.Once
}

func (w *blockingWriter) WriteEvent(env *protocol.Envelope) error {
	select {
	case <-w.release:
	case <-w.closed:
	}
	return nil
}

func (w *blockingWriter) Close() error {
	w.once.Do(func() { close(w.closed) })
	return nil
}

type testClient struct {
	sess *Session
	w    *recordingWriter
}

func newTestRouter(t *testing.T, cfg Config) *Router {
	t.Helper()
	r := NewRouter(cfg, NewSessionManager(0), nil)
	t.Cleanup(r.Shutdown)
	return r
}

// connect opens a session and consumes the history replay, if any
func connect(t *testing.T, r *Router) *testClient {
	t.Helper()
	c := connectRaw(t, r)
	if r.cfg.HistorySize > 0 {
		c.expect(t, protocol.EventHistory, nil)
	}
	return c
}

// connectRaw opens a session and leaves every event in its writer
func connectRaw(t *testing.T, r *Router) *testClient {
	t.Helper()
	w := newRecordingWriter()
	sess := r.Sessions().CreateSession("test", "pipe", w)
	r.Connect(sess)
	return &testClient{sess: sess, w: w}
}

func connectAs(t *testing.T, r *Router, identity string) *testClient {
	t.Helper()
	c := connect(t, r)
	r.Handle(c.sess, envelope(t, protocol.EventRegister, identity))
	var ack protocol.RegisteredMessage
	c.expect(t, protocol.EventRegistered, &ack)
	require.Equal(t, identity, ack.Identity)
	return c
}

func envelope(t *testing.T, event string, payload any) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(event, payload)
	require.NoError(t, err)
	return env
}

// expect waits for the next event, requires its name, and decodes it into v
func (c *testClient) expect(t *testing.T, event string, v any) {
	t.Helper()
	select {
	case env := <-c.w.events:
		require.Equal(t, event, env.Event, "payload: %s", string(env.Data))
		if v != nil {
			require.NoError(t, json.Unmarshal(env.Data, v))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session %s: timed out waiting for %q", c.sess.ID, event)
	}
}

// expectNone requires that nothing arrives within a short window
func (c *testClient) expectNone(t *testing.T) {
	t.Helper()
	select {
	case env := <-c.w.events:
		t.Fatalf("session %s: unexpected %q %s", c.sess.ID, env.Event, string(env.Data))
	case <-time.After(100 * time.Millisecond):
	}
}
