package ws

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pixelbattle/backend/internal/config"
	"github.com/pixelbattle/backend/internal/persist"
)

func TestWelcome(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t)

	var w Welcome
	mustUnmarshal(t, waitFor(t, conn, MsgWelcome), &w)

	if w.SessionID == "" {
		t.Error("welcome carries no session id")
	}
	if w.Canvas.Width != 4 || w.Canvas.Height != 4 || w.Canvas.PaletteSize != 4 {
		t.Errorf("welcome canvas = %+v", w.Canvas)
	}
	if w.Cooldown != time.Hour.Milliseconds() {
		t.Errorf("welcome cooldown = %d ms", w.Cooldown)
	}
	if w.Online < 1 {
		t.Errorf("welcome online = %d, want >= 1", w.Online)
	}
}

func TestPlacePixelAckAndBroadcast(t *testing.T) {
	env := newTestEnv(t, nil)

	connA := env.dial(t)
	idA := drainWelcome(t, connA)
	connB := env.dial(t)
	drainWelcome(t, connB)

	sendCmd(t, connA, Inbound{Type: MsgPlacePixel, X: 1, Y: 1, Color: 2})

	var ack PixelPlaced
	mustUnmarshal(t, waitFor(t, connA, MsgPixelPlaced), &ack)
	if ack.X != 1 || ack.Y != 1 || ack.Color != 2 {
		t.Errorf("ack = %+v", ack)
	}
	if ack.PreviousColor != 0 {
		t.Errorf("ack previousColor = %d, want 0", ack.PreviousColor)
	}

	var update PixelUpdate
	mustUnmarshal(t, waitFor(t, connB, MsgPixelUpdate), &update)
	if update.X != 1 || update.Y != 1 || update.Color != 2 {
		t.Errorf("update = %+v", update)
	}
	if update.OriginSessionID != idA {
		t.Errorf("update origin = %q, want %q", update.OriginSessionID, idA)
	}

	if got, _ := env.canvas.Get(1, 1); got != 2 {
		t.Errorf("canvas cell (1,1) = %d, want 2", got)
	}

	// The originator must never see its own pixelUpdate.
	expectNone(t, connA, MsgPixelUpdate, 300*time.Millisecond)
}

func TestPlacePixelCooldownDenied(t *testing.T) {
	env := newTestEnv(t, nil) // 1h cooldown
	conn := env.dial(t)
	drainWelcome(t, conn)

	sendCmd(t, conn, Inbound{Type: MsgPlacePixel, X: 0, Y: 0, Color: 1})
	waitFor(t, conn, MsgPixelPlaced)

	sendCmd(t, conn, Inbound{Type: MsgPlacePixel, X: 1, Y: 0, Color: 1})
	var cd Cooldown
	mustUnmarshal(t, waitFor(t, conn, MsgCooldown), &cd)
	if cd.Remaining <= 0 || cd.Remaining > time.Hour.Milliseconds() {
		t.Errorf("cooldown remaining = %d ms", cd.Remaining)
	}

	// The denied placement must not reach the canvas.
	if got, _ := env.canvas.Get(1, 0); got != 0 {
		t.Errorf("denied placement mutated the canvas: cell (1,0) = %d", got)
	}
}

func TestPlacePixelAfterCooldownExpires(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Game.Cooldown = 100 * time.Millisecond
	})
	conn := env.dial(t)
	drainWelcome(t, conn)

	sendCmd(t, conn, Inbound{Type: MsgPlacePixel, X: 0, Y: 0, Color: 2})
	waitFor(t, conn, MsgPixelPlaced)

	time.Sleep(150 * time.Millisecond)

	sendCmd(t, conn, Inbound{Type: MsgPlacePixel, X: 0, Y: 0, Color: 1})
	var ack PixelPlaced
	mustUnmarshal(t, waitFor(t, conn, MsgPixelPlaced), &ack)
	if ack.PreviousColor != 2 {
		t.Errorf("previousColor = %d, want 2", ack.PreviousColor)
	}
}

func TestPlacePixelOutOfBounds(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t)
	drainWelcome(t, conn)

	for _, p := range []struct{ x, y int }{{-1, 0}, {4, 0}, {0, -1}, {0, 4}} {
		sendCmd(t, conn, Inbound{Type: MsgPlacePixel, X: p.x, Y: p.y, Color: 1})
		var errMsg ErrorMessage
		mustUnmarshal(t, waitFor(t, conn, MsgError), &errMsg)
		if !strings.Contains(errMsg.Message, "out of bounds") {
			t.Errorf("(%d,%d): error = %q", p.x, p.y, errMsg.Message)
		}
	}

	if !bytes.Equal(env.canvas.Snapshot(), make([]byte, 16)) {
		t.Error("rejected placements mutated the canvas")
	}
}

func TestPlacePixelInvalidColor(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t)
	drainWelcome(t, conn)

	for _, color := range []int{4, 200, 999, -1} {
		sendCmd(t, conn, Inbound{Type: MsgPlacePixel, X: 0, Y: 0, Color: color})
		var errMsg ErrorMessage
		mustUnmarshal(t, waitFor(t, conn, MsgError), &errMsg)
		if !strings.Contains(errMsg.Message, "Color index") {
			t.Errorf("color %d: error = %q", color, errMsg.Message)
		}
	}
}

func TestPlacePixelBoundsErrorWinsOnDualInvalid(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t)
	drainWelcome(t, conn)

	// Input wrong on both counts gets the bounds error.
	sendCmd(t, conn, Inbound{Type: MsgPlacePixel, X: -1, Y: 0, Color: 999})
	var errMsg ErrorMessage
	mustUnmarshal(t, waitFor(t, conn, MsgError), &errMsg)
	if !strings.Contains(errMsg.Message, "out of bounds") {
		t.Errorf("dual-invalid input error = %q, want bounds error", errMsg.Message)
	}
}

func TestBroadcastOrderMatchesCommits(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Game.Cooldown = 0
	})

	observer := env.dial(t)
	drainWelcome(t, observer)

	placers := make([]*websocket.Conn, 2)
	for i := range placers {
		placers[i] = env.dial(t)
		drainWelcome(t, placers[i])
	}

	// Two sessions hammer the same cell with different colors.
	var wg sync.WaitGroup
	for i, conn := range placers {
		wg.Add(1)
		go func(conn *websocket.Conn, color int) {
			defer wg.Done()
			for n := 0; n < 25; n++ {
				if err := conn.WriteJSON(Inbound{Type: MsgPlacePixel, X: 0, Y: 0, Color: color}); err != nil {
					return
				}
			}
		}(conn, i+1)
	}
	wg.Wait()

	// A pong on each placer's own connection confirms the server has
	// processed all of that placer's commands.
	for _, conn := range placers {
		sendCmd(t, conn, Inbound{Type: MsgPing})
		waitFor(t, conn, MsgPong)
	}

	// One placement at a second cell marks the end of the update stream
	// for the contested cell.
	sendCmd(t, placers[0], Inbound{Type: MsgPlacePixel, X: 1, Y: 1, Color: 3})

	last := -1
	for {
		var u PixelUpdate
		mustUnmarshal(t, waitFor(t, observer, MsgPixelUpdate), &u)
		if u.X == 1 && u.Y == 1 {
			break
		}
		last = u.Color
	}

	final, err := env.canvas.Get(0, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	// The last update the observer saw for the cell must be the color the
	// canvas ended up holding.
	if last != int(final) {
		t.Fatalf("observer's last update for (0,0) = color %d, canvas holds %d", last, final)
	}
}

func TestMalformedMessageKeepsConnectionOpen(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t)
	drainWelcome(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json at all")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var errMsg ErrorMessage
	mustUnmarshal(t, waitFor(t, conn, MsgError), &errMsg)
	if errMsg.Message == "" {
		t.Error("malformed-message reply carries no message")
	}

	// The connection stays usable.
	sendCmd(t, conn, Inbound{Type: MsgPing})
	var pong Pong
	mustUnmarshal(t, waitFor(t, conn, MsgPong), &pong)
	if pong.Timestamp == 0 {
		t.Error("pong has no timestamp")
	}
}

func TestUnknownTypeIgnored(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t)
	drainWelcome(t, conn)

	sendCmd(t, conn, Inbound{Type: "bogus"})

	// No reply is required; the connection stays open.
	sendCmd(t, conn, Inbound{Type: MsgPing})
	waitFor(t, conn, MsgPong)
}

func TestGetOnline(t *testing.T) {
	env := newTestEnv(t, nil)

	connA := env.dial(t)
	drainWelcome(t, connA)
	connB := env.dial(t)
	drainWelcome(t, connB)

	sendCmd(t, connA, Inbound{Type: MsgGetOnline})
	waitForOnline(t, connA, 2)
}

func TestDisconnectBroadcastsOnlineCount(t *testing.T) {
	env := newTestEnv(t, nil)

	connA := env.dial(t)
	drainWelcome(t, connA)
	connB := env.dial(t)
	drainWelcome(t, connB)

	connA.Close()
	waitForOnline(t, connB, 1)
}

func TestConnectionLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Server.MaxConnections = 1
	})

	connA := env.dial(t)
	drainWelcome(t, connA)

	connB := env.dial(t)
	connB.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := connB.ReadMessage()
	if err == nil {
		t.Fatal("second connection was accepted past the limit")
	}
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Errorf("close error = %v, want policy violation", err)
	}

	// The accepted client is unaffected.
	sendCmd(t, connA, Inbound{Type: MsgPing})
	waitFor(t, connA, MsgPong)
}

func TestStatsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t)
	drainWelcome(t, conn)

	resp, err := http.Get(env.http.URL + "/api/stats")
	if err != nil {
		t.Fatalf("GET /api/stats: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var stats struct {
		Online      int    `json:"online"`
		Canvas      string `json:"canvas"`
		TotalPixels uint64 `json:"totalPixels"`
		Users       []struct {
			ID string `json:"id"`
		} `json:"users"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Online != 1 {
		t.Errorf("online = %d, want 1", stats.Online)
	}
	if stats.Canvas != "4x4" {
		t.Errorf("canvas = %q, want 4x4", stats.Canvas)
	}
	if len(stats.Users) != 1 {
		t.Errorf("users = %d, want 1", len(stats.Users))
	}
}

func TestClearEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.canvas.Set(1, 1, 3)

	resp, err := http.Post(env.http.URL+"/api/canvas/clear", "", nil)
	if err != nil {
		t.Fatalf("POST clear: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}

	if !bytes.Equal(env.canvas.Snapshot(), make([]byte, 16)) {
		t.Error("canvas not blank after clear")
	}
	if env.canvas.PlacedCount() != 0 {
		t.Errorf("PlacedCount = %d after clear, want 0", env.canvas.PlacedCount())
	}
}

func TestClearResyncsClients(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t)
	drainWelcome(t, conn)

	env.canvas.Set(1, 1, 3)
	resp, err := http.Post(env.http.URL+"/api/canvas/clear", "", nil)
	if err != nil {
		t.Fatalf("POST clear: %v", err)
	}
	resp.Body.Close()

	// The client receives a fresh full transfer showing the blank canvas.
	_, buf := collectTransfer(t, conn, 16)
	if !bytes.Equal(buf, make([]byte, 16)) {
		t.Error("resync transfer does not show a blank canvas")
	}
}

func TestSaveEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.canvas.Set(2, 2, 1)

	resp, err := http.Post(env.http.URL+"/api/canvas/save", "", nil)
	if err != nil {
		t.Fatalf("POST save: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}

	snaps := persist.NewStore(env.snapsDir, 2)
	pixels, placed, err := snaps.Load(4, 4)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if pixels[2*4+2] != 1 {
		t.Error("saved snapshot missing the placed pixel")
	}
	if placed != 1 {
		t.Errorf("saved totalPixels = %d, want 1", placed)
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	// First save creates the dump the snapshot endpoint will rotate.
	resp, err := http.Post(env.http.URL+"/api/canvas/save", "", nil)
	if err != nil {
		t.Fatalf("POST save: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Post(env.http.URL+"/api/canvas/snapshot", "", nil)
	if err != nil {
		t.Fatalf("POST snapshot: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.http.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) == 0 {
		t.Error("metrics body is empty")
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{"NoOriginHeader", nil, "", "example.com", true},
		{"SameHost", nil, "http://example.com", "example.com", true},
		{"Localhost", nil, "http://localhost:3000", "example.com", true},
		{"Loopback", nil, "http://127.0.0.1:3000", "example.com", true},
		{"ForeignHost", nil, "http://evil.test", "example.com", false},
		{"AllowListedExact", []string{"https://pixels.example"}, "https://pixels.example", "example.com", true},
		{"AllowListedHost", []string{"https://pixels.example"}, "http://pixels.example", "example.com", true},
		{"AllowListMiss", []string{"https://pixels.example"}, "http://other.test", "example.com", false},
		{"AllowListBlocksLocalhost", []string{"https://pixels.example"}, "http://localhost:3000", "example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(cfg *config.Config) {
				cfg.Server.AllowedOrigins = tt.allowed
			})

			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			req.Host = tt.host
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}

			if got := env.server.checkOrigin(req); got != tt.want {
				t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}
