package realtime

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"q-bridge/internal/gateway"
	"q-bridge/internal/protocol"
	"q-bridge/internal/session"
)

const echoScript = `echo "ready"
while IFS= read -r line; do
  case "$line" in
    /quit) exit 0 ;;
  esac
  printf '\033[32m%s\033[0m\n' "$line=4"
done`

// slowScript starts a reply and then goes quiet without finishing it.
const slowScript = `echo "ready"
while IFS= read -r line; do
  printf 'thinking'
  sleep 5
done`

type fixture struct {
	mgr *session.Manager
	srv *Server
}

func newFixture(t *testing.T, script string, completeAfter time.Duration, gwOpts gateway.Options, opts Options) *fixture {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	log := zap.NewNop().Sugar()
	mgr := session.NewManager(log, session.Options{
		Command:          "sh",
		Args:             []string{"-c", script},
		SettleDelay:      10 * time.Millisecond,
		HandshakeTimeout: 500 * time.Millisecond,
		HandshakePoll:    20 * time.Millisecond,
		QuitTimeout:      200 * time.Millisecond,
		TerminateTimeout: 200 * time.Millisecond,
		Framer: session.FramerOptions{
			CompleteAfter: completeAfter,
			IdleInterval:  2 * time.Millisecond,
		},
	})
	srv := New(log, gateway.New(log, mgr, gwOpts), mgr, opts)
	t.Cleanup(func() {
		srv.Close()
		mgr.Shutdown()
	})
	return &fixture{mgr: mgr, srv: srv}
}

func newEchoFixture(t *testing.T) *fixture {
	return newFixture(t, echoScript, 100*time.Millisecond,
		gateway.Options{StreamPullTimeout: 2 * time.Second, CollectTimeout: 2 * time.Second, QueueWait: time.Second},
		Options{})
}

func (f *fixture) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func decodeBuffered(t *testing.T, w *httptest.ResponseRecorder) protocol.BufferedResponse {
	t.Helper()
	var body protocol.BufferedResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body
}

type sseEvent struct {
	id  string
	rec map[string]string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &cur.rec))
		case line == "" && cur.rec != nil:
			events = append(events, cur)
			cur = sseEvent{}
		}
	}
	if cur.rec != nil {
		events = append(events, cur)
	}
	return events
}

func TestServer_CORSPreflight(t *testing.T) {
	f := newEchoFixture(t)

	w := f.do(http.MethodOptions, "/api/query", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type, Authorization", w.Header().Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
}

func TestServer_EmptyQuery(t *testing.T) {
	f := newEchoFixture(t)

	for _, tc := range []struct{ method, target, body string }{
		{http.MethodGet, "/api/query", ""},
		{http.MethodGet, "/api/query?query=", ""},
		{http.MethodPost, "/api/query", `{"query":""}`},
		{http.MethodPost, "/api/query", `{"query":"  ","streaming":false}`},
	} {
		w := f.do(tc.method, tc.target, tc.body)
		assert.Equal(t, http.StatusBadRequest, w.Code, "%s %s %s", tc.method, tc.target, tc.body)
		assert.Equal(t, "Empty query received", decodeBuffered(t, w).Response)
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	}
	assert.Equal(t, session.StateUninitialized, f.mgr.State())
}

func TestServer_InvalidBody(t *testing.T) {
	f := newEchoFixture(t)

	w := f.do(http.MethodPost, "/api/query", "not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_BufferedQuery(t *testing.T) {
	f := newEchoFixture(t)

	w := f.do(http.MethodPost, "/api/query", `{"query":"2+2","streaming":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "2+2=4", decodeBuffered(t, w).Response)
}

func TestServer_StreamingQuery(t *testing.T) {
	f := newEchoFixture(t)

	w := f.do(http.MethodGet, "/api/query?query=2%2B2", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")

	events := parseSSE(t, w.Body.String())
	require.NotEmpty(t, events)

	var chunks strings.Builder
	ids := map[string]bool{}
	for _, ev := range events[:len(events)-1] {
		chunk, ok := ev.rec["chunk"]
		require.True(t, ok, "expected chunk record, got %v", ev.rec)
		chunks.WriteString(chunk)
		ids[ev.id] = true
	}
	last := events[len(events)-1]
	ids[last.id] = true

	assert.Equal(t, "2+2=4", last.rec["complete"])
	assert.Equal(t, "2+2=4\n", chunks.String())
	assert.Len(t, ids, len(events), "event ids must be unique")
	assert.NotContains(t, w.Body.String(), "\\u001b")
}

func TestServer_PostDefaultsToStreaming(t *testing.T) {
	f := newEchoFixture(t)

	w := f.do(http.MethodPost, "/api/query", `{"query":"1+3"}`)
	require.Equal(t, http.StatusOK, w.Code)
	events := parseSSE(t, w.Body.String())
	require.NotEmpty(t, events)
	assert.Equal(t, "1+3=4", events[len(events)-1].rec["complete"])
}

func TestServer_BufferedTimeoutReturnsPartial(t *testing.T) {
	f := newFixture(t, slowScript, 10*time.Second,
		gateway.Options{CollectTimeout: 300 * time.Millisecond, CollectPoll: 20 * time.Millisecond},
		Options{})

	w := f.do(http.MethodPost, "/api/query", `{"query":"hard","streaming":false}`)
	require.Equal(t, http.StatusRequestTimeout, w.Code)
	body := decodeBuffered(t, w)
	assert.Equal(t, "Request timed out", body.Response)
	require.NotNil(t, body.Partial)
	assert.Equal(t, "thinking", *body.Partial)
}

func TestServer_StreamTimeoutSendsErrorRecord(t *testing.T) {
	f := newFixture(t, slowScript, 10*time.Second,
		gateway.Options{StreamPullTimeout: 200 * time.Millisecond},
		Options{})

	w := f.do(http.MethodGet, "/api/query?query=hard", "")
	require.Equal(t, http.StatusOK, w.Code)

	events := parseSSE(t, w.Body.String())
	require.NotEmpty(t, events)
	assert.Equal(t, "Request timed out", events[len(events)-1].rec["error"])
}

func TestServer_StatusAndRestart(t *testing.T) {
	f := newEchoFixture(t)

	w := f.do(http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st session.Status
	require.NoError(t, json.NewDecoder(w.Body).Decode(&st))
	assert.Equal(t, session.StateUninitialized, st.State)

	w = f.do(http.MethodPost, "/api/session/restart", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&st))
	assert.Equal(t, session.StateRunning, st.State)
	assert.Equal(t, 1, st.Restarts)
	assert.NotZero(t, st.PID)
	assert.Equal(t, "ready\n", st.Banner)
}

func TestServer_RestartAfterShutdown(t *testing.T) {
	f := newEchoFixture(t)
	f.mgr.Shutdown()

	w := f.do(http.MethodPost, "/api/session/restart", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = f.do(http.MethodPost, "/api/query", `{"query":"2+2","streaming":false}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServer_IndexAndStatic(t *testing.T) {
	dir := t.TempDir()
	index := filepath.Join(dir, "page.html")
	require.NoError(t, os.WriteFile(index, []byte("<h1>ask</h1>"), 0o644))
	static := filepath.Join(dir, "assets")
	require.NoError(t, os.Mkdir(static, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(static, "app.js"), []byte("console.log(1)"), 0o644))

	f := newFixture(t, echoScript, 100*time.Millisecond, gateway.Options{},
		Options{IndexFile: index, StaticDir: static})

	w := f.do(http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "<h1>ask</h1>", w.Body.String())

	w = f.do(http.MethodGet, "/static/app.js", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "console.log(1)", w.Body.String())
}

func TestServer_IndexNotConfigured(t *testing.T) {
	f := newEchoFixture(t)

	w := f.do(http.MethodGet, "/", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func dialWS(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(f.srv.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg protocol.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestServer_WebSocketQuery(t *testing.T) {
	f := newEchoFixture(t)
	conn := dialWS(t, f)

	hello := readMessage(t, conn)
	require.Equal(t, protocol.TypeSessionStatus, hello.Type)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    protocol.TypeQuerySubmit,
		"payload": map[string]string{"query": "2+2"},
	}))

	var chunks strings.Builder
	var queryID string
	for {
		msg := readMessage(t, conn)
		if msg.Type == protocol.TypeSessionStatus {
			continue
		}
		require.NotEmpty(t, msg.ID)
		if queryID == "" {
			queryID = msg.ID
		}
		assert.Equal(t, queryID, msg.ID)

		if msg.Type == protocol.TypeQueryChunk {
			var p protocol.QueryChunkPayload
			require.NoError(t, json.Unmarshal(msg.Payload, &p))
			chunks.WriteString(p.Text)
			continue
		}
		require.Equal(t, protocol.TypeQueryComplete, msg.Type)
		var p protocol.QueryCompletePayload
		require.NoError(t, json.Unmarshal(msg.Payload, &p))
		assert.Equal(t, "2+2=4", p.Text)
		break
	}
	assert.Equal(t, "2+2=4\n", chunks.String())
}

func TestServer_WebSocketInvalidMessage(t *testing.T) {
	f := newEchoFixture(t)
	conn := dialWS(t, f)
	readMessage(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"query.submit"}`)))

	msg := readMessage(t, conn)
	require.Equal(t, protocol.TypeError, msg.Type)
	var p protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, protocol.ErrInvalidMessage, p.Code)
}

func TestServer_WebSocketBlankQuery(t *testing.T) {
	f := newEchoFixture(t)
	conn := dialWS(t, f)
	readMessage(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"query.submit","payload":{"query":"  \n"}}`)))

	msg := readMessage(t, conn)
	require.Equal(t, protocol.TypeError, msg.Type)
	var p protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, protocol.ErrEmptyQuery, p.Code)
	assert.False(t, f.mgr.IsAlive())
}

func TestServer_WebSocketRefusedAfterClose(t *testing.T) {
	f := newEchoFixture(t)
	f.srv.Close()

	conn := dialWS(t, f)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var netErr net.Error
	assert.False(t, errors.As(err, &netErr) && netErr.Timeout(), "connection should be closed, got %v", err)

	f.srv.clientsMu.RLock()
	defer f.srv.clientsMu.RUnlock()
	assert.Empty(t, f.srv.clients)
}

func TestServer_CloseWhileClientsConnect(t *testing.T) {
	f := newEchoFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			if err != nil {
				return
			}
			defer conn.Close()
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}

	closed := make(chan struct{})
	go func() {
		f.srv.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("Close did not return")
	}
	wg.Wait()
}

func TestServer_WebSocketStatusRequest(t *testing.T) {
	f := newEchoFixture(t)
	conn := dialWS(t, f)
	readMessage(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": protocol.TypeStatusRequest}))
	msg := readMessage(t, conn)
	require.Equal(t, protocol.TypeSessionStatus, msg.Type)

	var st session.Status
	require.NoError(t, json.Unmarshal(msg.Payload, &st))
	assert.Equal(t, session.StateUninitialized, st.State)
}
