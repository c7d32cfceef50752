package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/strangers/internal/ban"
	"github.com/whisper/strangers/internal/protocol"
)

// ---------------------------------------------------------------------------
// ConnectionManager and Connection
// ---------------------------------------------------------------------------

func pipeConn(t *testing.T, id string, buffer int) *Connection {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { _ = b.Close() })
	c := newConnection(id, "10.0.0.1", a, buffer, 0)
	c.Fd = -1
	return c
}

func TestConnectionManager(t *testing.T) {
	cm := NewConnectionManager()
	c1 := pipeConn(t, "one", 1)
	c2 := pipeConn(t, "two", 1)

	cm.Add(c1)
	cm.Add(c2)
	assert.Equal(t, 2, cm.Count())
	assert.Same(t, c1, cm.Get("one"))
	assert.Len(t, cm.All(), 2)

	assert.Same(t, c1, cm.Remove("one"))
	assert.Nil(t, cm.Remove("one"))
	assert.Nil(t, cm.Get("one"))
	assert.Equal(t, 1, cm.Count())

	select {
	case <-c1.Done():
	default:
		t.Fatal("removed connection should be closed")
	}
}

func TestEnqueueBoundedAndClosed(t *testing.T) {
	c := pipeConn(t, "c", 2)

	assert.True(t, c.Enqueue([]byte("a")))
	assert.True(t, c.Enqueue([]byte("b")))
	assert.False(t, c.Enqueue([]byte("c")), "queue is full")

	require.NoError(t, c.Close())
	assert.NoError(t, c.Close())
	assert.False(t, c.Enqueue([]byte("d")))
}

func TestTouch(t *testing.T) {
	c := pipeConn(t, "c", 1)
	at := time.Unix(1_700_000_000, 0)
	c.Touch(at)
	assert.True(t, c.LastSeen().Equal(at))
}

func TestAdmissionResponse(t *testing.T) {
	tests := []struct {
		err    error
		status int
		body   string
	}{
		{ban.ErrBanned, http.StatusForbidden, "Your IP has been banned."},
		{ban.ErrTooManyConnections, http.StatusTooManyRequests, "Too many connections from this IP, please try again later."},
		{ban.ErrAdmissionUnavailable, http.StatusServiceUnavailable, "Service temporarily unavailable."},
		{errors.New("other"), http.StatusServiceUnavailable, "Service temporarily unavailable."},
	}
	for _, tt := range tests {
		status, body := admissionResponse(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.body, body, tt.err.Error())
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "192.0.2.7:5123"
	assert.Equal(t, "192.0.2.7", clientIP(r))

	r.RemoteAddr = "192.0.2.8"
	assert.Equal(t, "192.0.2.8", clientIP(r))
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

type capture struct {
	mu  sync.Mutex
	out []map[string]interface{}
}

func (c *capture) Notify(_ string, msg []byte) {
	var m map[string]interface{}
	_ = json.Unmarshal(msg, &m)
	c.mu.Lock()
	c.out = append(c.out, m)
	c.mu.Unlock()
}

func TestDispatcher(t *testing.T) {
	sink := &capture{}
	d := NewMessageDispatcher(sink)
	conn := pipeConn(t, "c", 1)

	var got interface{}
	d.Register(protocol.TypeMessage, func(id string, msg interface{}) {
		assert.Equal(t, "c", id)
		got = msg
	})

	d.Dispatch(conn, []byte(`{"type":"message","text":"hi"}`))
	assert.Equal(t, protocol.ChatMsg{Type: protocol.TypeMessage, Text: "hi"}, got)

	d.Dispatch(conn, []byte(`{"type":"ping"}`))
	d.Dispatch(conn, []byte(`{"type":"bogus"}`))
	d.Dispatch(conn, []byte(`not json`))
	d.Dispatch(conn, []byte(`{"type":"typing"}`))

	require.Len(t, sink.out, 4)
	assert.Equal(t, protocol.TypePong, sink.out[0]["type"])
	assert.Equal(t, "unsupported_type", sink.out[1]["code"])
	assert.Equal(t, "invalid_payload", sink.out[2]["code"])
	assert.Equal(t, "unsupported_type", sink.out[3]["code"])
}

// ---------------------------------------------------------------------------
// HTTP and end-to-end
// ---------------------------------------------------------------------------

type admitFunc func(ctx context.Context, addr string) error

func (f admitFunc) Admit(ctx context.Context, addr string) error { return f(ctx, addr) }

func newTestServer(t *testing.T, admission Admission) (*Server, *httptest.Server) {
	t.Helper()
	cfg := DefaultServerConfig()
	cfg.Heartbeat = HeartbeatConfig{}
	cfg.ReadTimeout = time.Second
	s, err := NewServer(cfg, admission)
	require.NoError(t, err)
	s.startBackground()

	hs := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		hs.Close()
		_ = s.Shutdown(context.Background())
	})
	return s, hs
}

func TestHealth(t *testing.T) {
	_, hs := newTestServer(t, nil)

	resp, err := http.Get(hs.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 0, body.Connections)
}

func TestBannedAddressRefusedBeforeUpgrade(t *testing.T) {
	var seen string
	_, hs := newTestServer(t, admitFunc(func(_ context.Context, addr string) error {
		seen = addr
		return ban.ErrBanned
	}))

	resp, err := http.Get(hs.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "Your IP has been banned.", strings.TrimSpace(string(body)))
	assert.Equal(t, "127.0.0.1", seen)
}

type rw struct {
	io.Reader
	io.Writer
}

func dial(t *testing.T, hs *httptest.Server) (net.Conn, io.ReadWriter) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, br, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(hs.URL, "http")+"/ws")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	return conn, rw{r, conn}
}

func TestEndToEnd(t *testing.T) {
	s, hs := newTestServer(t, nil)
	d := NewMessageDispatcher(s)
	s.SetOnMessage(d.Dispatch)

	connected := make(chan string, 1)
	s.SetOnConnect(func(c *Connection) {
		s.Notify(c.ID, protocol.MustServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{SessionID: c.ID}))
		connected <- c.ID
	})
	gone := make(chan string, 1)
	s.SetOnDisconnect(func(id string) { gone <- id })

	conn, stream := dial(t, hs)
	id := <-connected

	data, err := wsutil.ReadServerText(stream)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"session_created","session_id":"`+id+`"}`, string(data))

	require.NoError(t, wsutil.WriteClientText(conn, []byte(`{"type":"ping"}`)))
	data, err = wsutil.ReadServerText(stream)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong"}`, string(data))

	require.NoError(t, conn.Close())
	select {
	case got := <-gone:
		assert.Equal(t, id, got)
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect callback not called")
	}
	assert.Equal(t, 0, s.Connections().Count())
}

func TestCloseConnectionRunsCallbackOnce(t *testing.T) {
	s, hs := newTestServer(t, nil)
	connected := make(chan string, 1)
	s.SetOnConnect(func(c *Connection) { connected <- c.ID })

	var mu sync.Mutex
	calls := 0
	s.SetOnDisconnect(func(string) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	dial(t, hs)
	id := <-connected

	s.CloseConnection(id)
	s.CloseConnection(id)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}
