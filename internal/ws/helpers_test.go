package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pixelbattle/backend/internal/canvas"
	"github.com/pixelbattle/backend/internal/config"
	"github.com/pixelbattle/backend/internal/limiter"
	"github.com/pixelbattle/backend/internal/metrics"
	"github.com/pixelbattle/backend/internal/persist"
	"github.com/pixelbattle/backend/internal/session"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1"},
		Canvas: config.CanvasConfig{Width: 4, Height: 4, PaletteSize: 4},
		Game: config.GameConfig{
			Cooldown:       time.Hour,
			ActivityWindow: 5 * time.Minute,
		},
		Transfer: config.TransferConfig{ChunkSize: 16384},
		Persist:  config.PersistConfig{SaveInterval: time.Hour, MaxBackups: 2},
	}
}

type testEnv struct {
	cfg      *config.Config
	canvas   *canvas.Canvas
	server   *Server
	http     *httptest.Server
	snapsDir string
}

// newTestEnv builds a full server on an ephemeral port. Each environment
// gets its own Prometheus registry so tests never collide on collector
// registration.
func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	cv := canvas.New(cfg.Canvas.Width, cfg.Canvas.Height, cfg.Canvas.PaletteSize)
	m := metrics.New(prometheus.NewRegistry())
	store := session.NewStore()
	lim := limiter.New()
	hub := NewHub(store, m, cfg.Server.MaxConnections)
	dir := t.TempDir()
	snaps := persist.NewStore(dir, cfg.Persist.MaxBackups)
	srv := NewServer(cfg, cv, canvas.NewActivityLog(cfg.Game.ActivityWindow), store, lim, hub, m, snaps)

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	return &testEnv{cfg: cfg, canvas: cv, server: srv, http: ts, snapsDir: dir}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitFor reads frames until a text message of the wanted type arrives,
// skipping binary frames and unrelated messages.
func waitFor(t *testing.T, conn *websocket.Conn, typ MessageType) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 500; i++ {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %q: %v", typ, err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		var probe struct {
			Type MessageType `json:"type"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			continue
		}
		if probe.Type == typ {
			return data
		}
	}
	t.Fatalf("no %q message arrived", typ)
	return nil
}

// waitForOnline waits for an onlineCount message carrying the given count.
func waitForOnline(t *testing.T, conn *websocket.Conn, count int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var msg OnlineCount
		mustUnmarshal(t, waitFor(t, conn, MsgOnlineCount), &msg)
		if msg.Count == count {
			return
		}
	}
	t.Fatalf("no onlineCount with count=%d arrived", count)
}

// expectNone fails if a message of the given type arrives within dur. The
// connection is not usable afterwards.
func expectNone(t *testing.T, conn *websocket.Conn, typ MessageType, dur time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(dur))
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return // deadline hit, nothing arrived
		}
		if mt != websocket.TextMessage {
			continue
		}
		var probe struct {
			Type MessageType `json:"type"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			continue
		}
		if probe.Type == typ {
			t.Fatalf("unexpected %q message: %s", typ, data)
		}
	}
}

func mustUnmarshal(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
}

func sendCmd(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// drainWelcome consumes the welcome message and the initial transfer up
// to canvasComplete, returning the session id.
func drainWelcome(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	var w Welcome
	mustUnmarshal(t, waitFor(t, conn, MsgWelcome), &w)
	waitFor(t, conn, MsgCanvasComplete)
	return w.SessionID
}
