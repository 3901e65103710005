package bridge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"patterm/pkg/event"
	"patterm/pkg/serial"
	"patterm/pkg/session"
)

func newTestServer(t *testing.T, metrics http.Handler) (*Server, *session.Manager, *httptest.Server) {
	t.Helper()
	return newConfiguredServer(t, zaptest.NewLogger(t), func(c *Config) { c.Metrics = metrics })
}

func newConfiguredServer(t *testing.T, logger *zap.Logger, configure func(*Config)) (*Server, *session.Manager, *httptest.Server) {
	t.Helper()
	bus := event.NewBus(logger)

	mgr, err := session.NewManager(&session.ManagerConfig{
		Factory: serial.NewLoopbackFactory("ECHO: ", "echo", "modem"),
		Bus:     bus,
		Logger:  logger,
	})
	require.NoError(t, err)

	config := &Config{Manager: mgr, Logger: logger}
	if configure != nil {
		configure(config)
	}
	srv, err := NewServer(config)
	require.NoError(t, err)

	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
		mgr.Shutdown()
		bus.Close()
	})
	return srv, mgr, ts
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, ts *httptest.Server) *wsClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

// frame is either a Response or a Push, decoded loosely
type frame struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  *ErrorInfo      `json:"error"`
	Event  event.Topic     `json:"event"`
	Data   json.RawMessage `json:"data"`
}

func (c *wsClient) send(id, method string, params any) {
	c.t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(Request{ID: id, Method: method, Params: raw}))
}

func (c *wsClient) next() frame {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f frame
	require.NoError(c.t, c.conn.ReadJSON(&f))
	return f
}

// call sends a request and returns its response, collecting pushes seen on
// the way.
func (c *wsClient) call(id, method string, params any) (frame, []frame) {
	c.t.Helper()
	c.send(id, method, params)
	var pushes []frame
	for {
		f := c.next()
		if f.Event != "" {
			pushes = append(pushes, f)
			continue
		}
		require.Equal(c.t, id, f.ID)
		return f, pushes
	}
}

func (c *wsClient) waitEvent(topic event.Topic) frame {
	c.t.Helper()
	for {
		f := c.next()
		if f.Event == topic {
			return f
		}
	}
}

func loopConfig(name string) serial.SerialConfig {
	cfg := serial.DefaultConfig()
	cfg.Port = serial.LoopbackScheme + name
	return cfg
}

func nativeConfig(port string) serial.SerialConfig {
	cfg := serial.DefaultConfig()
	cfg.Port = port
	return cfg
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(nil)
	assert.Error(t, err)
	_, err = NewServer(&Config{})
	assert.Error(t, err)
}

func TestBridge_CreateWriteEcho(t *testing.T) {
	_, _, ts := newTestServer(t, nil)
	c := dial(t, ts)

	resp, _ := c.call("1", MethodCreateSession, createParams{Config: loopConfig("echo"), Name: "bench"})
	require.True(t, resp.OK, "create failed: %+v", resp.Error)

	var created createResult
	require.NoError(t, json.Unmarshal(resp.Result, &created))
	require.NotEmpty(t, created.ID)

	resp, _ = c.call("2", MethodWrite, writeParams{ID: created.ID, Text: "ping"})
	require.True(t, resp.OK, "write failed: %+v", resp.Error)

	for {
		f := c.waitEvent(event.TopicSessionData)
		var data event.SessionData
		require.NoError(t, json.Unmarshal(f.Data, &data))
		if data.Direction == event.DirectionRX {
			assert.Equal(t, created.ID, data.ID)
			assert.Equal(t, "ECHO: ping", string(data.Bytes))
			break
		}
	}
}

func TestBridge_Errors(t *testing.T) {
	_, _, ts := newTestServer(t, nil)
	c := dial(t, ts)

	tests := []struct {
		name   string
		method string
		params any
		code   string
	}{
		{"unknown method", "explode", idParams{ID: "x"}, CodeUnknownMethod},
		{"missing session", MethodCloseSession, idParams{ID: "nope"}, CodeNotFound},
		{"state of missing session", MethodGetSessionState, idParams{ID: "nope"}, CodeNotFound},
		{"write to missing session", MethodWrite, writeParams{ID: "nope", Text: "x"}, CodeNotFound},
		{"connection failed", MethodCreateSession, createParams{Config: nativeConfig("/dev/ttyNOPE")}, CodeConnectionFailed},
		{"empty rename", MethodRenameSession, renameParams{ID: "x"}, CodeInvalidRequest},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := c.call(string(rune('a'+i)), tt.method, tt.params)
			assert.False(t, resp.OK)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestBridge_MalformedRequest(t *testing.T) {
	_, _, ts := newTestServer(t, nil)
	c := dial(t, ts)

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	f := c.next()
	require.NotNil(t, f.Error)
	assert.Equal(t, CodeInvalidRequest, f.Error.Code)

	resp, _ := c.call("after", MethodListSessions, struct{}{})
	assert.True(t, resp.OK, "connection survives a malformed frame")
}

func TestBridge_RESTEndpoints(t *testing.T) {
	_, mgr, ts := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("patterm_sessions_created_total 1\n"))
	}))

	id, err := mgr.CreateSession(t.Context(), loopConfig("echo"), "")
	require.NoError(t, err)

	res, err := http.Get(ts.URL + "/api/sessions")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var snaps []session.Snapshot
	require.NoError(t, json.NewDecoder(res.Body).Decode(&snaps))
	require.Len(t, snaps, 1)
	assert.Equal(t, id, snaps[0].ID)
	assert.Equal(t, session.StateConnected, snaps[0].State)

	res2, err := http.Get(ts.URL + "/api/sessions/" + id)
	require.NoError(t, err)
	res2.Body.Close()
	assert.Equal(t, http.StatusOK, res2.StatusCode)

	res3, err := http.Get(ts.URL + "/api/sessions/missing")
	require.NoError(t, err)
	res3.Body.Close()
	assert.Equal(t, http.StatusNotFound, res3.StatusCode)

	res4, err := http.Get(ts.URL + "/api/ports")
	require.NoError(t, err)
	defer res4.Body.Close()
	var ports []serial.PortInfo
	require.NoError(t, json.NewDecoder(res4.Body).Decode(&ports))
	assert.Len(t, ports, 2)

	res5, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	res5.Body.Close()
	assert.Equal(t, http.StatusOK, res5.StatusCode)
}

func TestBridge_NoMetricsRoute(t *testing.T) {
	_, _, ts := newTestServer(t, nil)

	res, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestBridge_CloseDisconnectsClients(t *testing.T) {
	srv, _, ts := newTestServer(t, nil)
	c := dial(t, ts)

	resp, _ := c.call("1", MethodListSessions, struct{}{})
	require.True(t, resp.OK)
	require.Equal(t, 1, srv.Clients())

	srv.Close()
	require.Eventually(t, func() bool { return srv.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := c.conn.ReadMessage()
	assert.Error(t, err)
}

func TestBridge_CloseWaitsForHandlers(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	srv, _, ts := newConfiguredServer(t, zap.New(core), nil)

	clients := []*wsClient{dial(t, ts), dial(t, ts)}
	for i, c := range clients {
		resp, _ := c.call(strconv.Itoa(i), MethodListSessions, struct{}{})
		require.True(t, resp.OK)
	}
	require.Equal(t, 2, srv.Clients())

	srv.Close()
	assert.Equal(t, 0, srv.Clients())
	assert.Equal(t, 2, logs.FilterMessage("bridge client disconnected").Len())

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestBridge_RejectsForeignOrigin(t *testing.T) {
	_, _, ts := newConfiguredServer(t, zaptest.NewLogger(t), func(c *Config) {
		c.AllowedOrigins = []string{"http://lab.local:3000"}
	})

	header := http.Header{"Origin": {"http://evil.example"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	require.Error(t, err)
	require.Nil(t, conn)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	for _, origin := range []string{ts.URL, "http://lab.local:3000"} {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), http.Header{"Origin": {origin}})
		require.NoError(t, err, origin)
		conn.Close()
	}
}

func TestServer_CheckOrigin(t *testing.T) {
	srv, _, _ := newConfiguredServer(t, zaptest.NewLogger(t), func(c *Config) {
		c.AllowedOrigins = []string{" http://lab.local:3000 ", "tools.example", ""}
	})

	tests := []struct {
		name   string
		origin string
		want   bool
	}{
		{"no origin", "", true},
		{"same host", "http://bridge.test:8420", true},
		{"same host other scheme", "https://bridge.test:8420", true},
		{"listed origin", "http://lab.local:3000", true},
		{"listed bare host", "https://tools.example", true},
		{"other port", "http://bridge.test:9999", false},
		{"localhost", "http://localhost:8420", false},
		{"foreign", "http://evil.example", false},
		{"garbage", "::not a url", false},
		{"null", "null", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://bridge.test:8420/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, srv.checkOrigin(r))
		})
	}
}

func TestServer_CheckOriginOverride(t *testing.T) {
	_, _, ts := newConfiguredServer(t, zaptest.NewLogger(t), func(c *Config) {
		c.CheckOrigin = func(r *http.Request) bool { return true }
	})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), http.Header{"Origin": {"http://evil.example"}})
	require.NoError(t, err)
	conn.Close()
}

func TestClient_PushDropsWhenQueueFull(t *testing.T) {
	s := &Server{logger: zaptest.NewLogger(t)}
	c := newClient("c1", nil, s, 1)

	c.push(event.SessionConnected{ID: "a"})
	c.push(event.SessionConnected{ID: "b"})
	c.push(event.SessionConnected{ID: "c"})

	assert.Equal(t, 2, c.droppedCount())
	assert.Len(t, c.send, 1)

	var p struct {
		Event event.Topic            `json:"event"`
		Data  event.SessionConnected `json:"data"`
	}
	require.NoError(t, json.Unmarshal(<-c.send, &p))
	assert.Equal(t, event.TopicSessionConnected, p.Event)
	assert.Equal(t, "a", p.Data.ID)
}

func TestErrorInfo(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{session.ErrNotFound, CodeNotFound},
		{session.ErrNotConnected, CodeNotConnected},
		{session.ErrSessionClosed, CodeSessionClosed},
		{session.ErrBusy, CodeBusy},
		{&session.ConnectionFailedError{Address: "COM1", Err: session.ErrBusy}, CodeConnectionFailed},
		{assert.AnError, CodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, errorInfo(tt.err).Code, tt.err.Error())
	}
}
