package ws

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/pixelbattle/backend/internal/canvas"
	"github.com/pixelbattle/backend/internal/config"
	"github.com/pixelbattle/backend/internal/limiter"
	"github.com/pixelbattle/backend/internal/metrics"
	"github.com/pixelbattle/backend/internal/persist"
	"github.com/pixelbattle/backend/internal/session"
)

// Server wires the canvas, registry, limiter and hub behind the HTTP and
// WebSocket surface.
type Server struct {
	canvas    *canvas.Canvas
	activity  *canvas.ActivityLog
	store     *session.Store
	limiter   *limiter.Limiter
	hub       *Hub
	metrics   *metrics.Metrics
	snapshots *persist.Store

	// commitMu serializes an accepted placement's canvas commit together
	// with the enqueue of its pixelUpdate broadcast, so events reach
	// client queues in commit order. Broadcast enqueue never blocks, so
	// the critical section is short.
	commitMu sync.Mutex

	cooldown   time.Duration
	chunkSize  int
	chunkDelay time.Duration

	allowedOrigins map[string]bool
	allowedHosts   map[string]bool

	startTime time.Time
}

func NewServer(cfg *config.Config, cv *canvas.Canvas, activity *canvas.ActivityLog,
	store *session.Store, lim *limiter.Limiter, hub *Hub, m *metrics.Metrics,
	snapshots *persist.Store) *Server {

	s := &Server{
		canvas:         cv,
		activity:       activity,
		store:          store,
		limiter:        lim,
		hub:            hub,
		metrics:        m,
		snapshots:      snapshots,
		cooldown:       cfg.Game.Cooldown,
		chunkSize:      cfg.Transfer.ChunkSize,
		chunkDelay:     cfg.Transfer.ChunkDelay,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		startTime:      time.Now(),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS)
	r.HandleFunc("/api/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/api/canvas/clear", s.handleClear).Methods(http.MethodPost)
	r.HandleFunc("/api/canvas/save", s.handleSave).Methods(http.MethodPost)
	r.HandleFunc("/api/canvas/snapshot", s.handleSnapshot).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.WSErrors.WithLabelValues("upgrade").Inc()
		log.Printf("ws upgrade error: %v", err)
		return
	}

	go s.serveConn(conn, r.RemoteAddr)
}

type statsUser struct {
	ID        string    `json:"id"`
	Addr      string    `json:"addr"`
	Connected time.Time `json:"connected"`
}

type statsProcess struct {
	RSSBytes   uint64  `json:"rssBytes"`
	CPUPercent float64 `json:"cpuPercent"`
}

type statsResponse struct {
	Online           int          `json:"online"`
	TotalPixels      uint64       `json:"totalPixels"`
	Uptime           int64        `json:"uptime"` // milliseconds
	Canvas           string       `json:"canvas"`
	RecentPlacements int          `json:"recentPlacements"`
	Users            []statsUser  `json:"users"`
	Process          statsProcess `json:"process"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	now := time.Now()

	sessions := s.store.Snapshot()
	users := make([]statsUser, 0, len(sessions))
	for _, sess := range sessions {
		users = append(users, statsUser{
			ID:        sess.ID,
			Addr:      sess.RemoteAddr,
			Connected: sess.ConnectedAt,
		})
	}

	resp := statsResponse{
		Online:           s.store.Count(),
		TotalPixels:      s.canvas.PlacedCount(),
		Uptime:           now.Sub(s.startTime).Milliseconds(),
		Canvas:           fmt.Sprintf("%dx%d", s.canvas.Width(), s.canvas.Height()),
		RecentPlacements: s.activity.CountSince(now),
		Users:            users,
		Process:          s.processStats(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// processStats reads this process's RSS and CPU usage. Failures are
// tolerated; the rest of the stats payload is still useful.
func (s *Server) processStats() statsProcess {
	var ps statsProcess
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return ps
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		ps.RSSBytes = mem.RSS
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		ps.CPUPercent = cpu
	}
	return ps
}

func (s *Server) handleClear(w http.ResponseWriter, _ *http.Request) {
	s.canvas.Clear()
	log.Printf("canvas cleared by admin request")
	s.resyncAll()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSave(w http.ResponseWriter, _ *http.Request) {
	if err := s.saveCanvas(); err != nil {
		http.Error(w, fmt.Sprintf("save failed: %v", err), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSnapshot rotates the current dump into a backup, then saves the
// live canvas.
func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	if err := s.snapshots.CreateBackup(); err != nil {
		http.Error(w, fmt.Sprintf("backup failed: %v", err), http.StatusInternalServerError)
		return
	}
	if err := s.saveCanvas(); err != nil {
		http.Error(w, fmt.Sprintf("save failed: %v", err), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) saveCanvas() error {
	return s.snapshots.Save(s.canvas.Snapshot(), s.canvas.Width(), s.canvas.Height(), s.canvas.PlacedCount())
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := parsed.Host
	if host == "" {
		return false
	}
	if host == r.Host {
		return true
	}
	switch {
	case host == "localhost" || strings.HasPrefix(host, "localhost:"):
		return true
	case host == "127.0.0.1" || strings.HasPrefix(host, "127.0.0.1:"):
		return true
	case host == "::1" || strings.HasPrefix(host, "[::1]:"):
		return true
	}
	return false
}

func ListenAndServe(host string, port int, handler http.Handler) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	log.Printf("Server listening on %s", addr)
	return http.ListenAndServe(addr, handler)
}
