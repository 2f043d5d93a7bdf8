package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

// serveConn runs the per-connection protocol: register, welcome, stream
// the canvas, then process inbound commands in strict arrival order until
// the transport closes. Commands for one session are handled one at a
// time on this goroutine, so a session's placements can never race its
// own rate-limit check.
func (s *Server) serveConn(conn *websocket.Conn, remoteAddr string) {
	c, sess, err := s.hub.Add(conn, remoteAddr)
	if err != nil {
		if errors.Is(err, ErrTooManyConnections) {
			log.Printf("rejecting %s: %v", remoteAddr, err)
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "server full"))
		}
		conn.Close()
		return
	}
	log.Printf("connected: %s from %s", sess.ID, remoteAddr)

	c.sendJSON(Welcome{
		Type:      MsgWelcome,
		SessionID: sess.ID,
		Canvas: CanvasInfo{
			Width:       s.canvas.Width(),
			Height:      s.canvas.Height(),
			PaletteSize: s.canvas.PaletteSize(),
		},
		Online:      s.store.Count(),
		Cooldown:    s.cooldown.Milliseconds(),
		TotalPixels: s.canvas.PlacedCount(),
		Message:     "Welcome to PixelBattle! Connected to server.",
	})
	c.startTransfer(s.canvas, s.chunkSize, s.chunkDelay, 0)
	s.hub.Broadcast(OnlineCount{Type: MsgOnlineCount, Count: s.store.Count()}, "")

	defer func() {
		s.hub.Remove(c)
		s.limiter.Forget(sess.ID)
		log.Printf("disconnected: %s", sess.ID)
		s.hub.Broadcast(OnlineCount{Type: MsgOnlineCount, Count: s.store.Count()}, "")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.dispatch(c, data)
	}
}

func (s *Server) dispatch(c *Client, data []byte) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		s.metrics.WSErrors.WithLabelValues("malformed").Inc()
		c.sendJSON(ErrorMessage{Type: MsgError, Message: "Invalid message format"})
		return
	}

	switch msg.Type {
	case MsgPlacePixel:
		s.handlePlacePixel(c, msg)
	case MsgGetCanvas:
		s.handleGetCanvas(c, msg)
	case MsgRequestChunk:
		s.handleRequestChunk(c, msg)
	case MsgPing:
		c.sendJSON(Pong{Type: MsgPong, Timestamp: millis(time.Now())})
	case MsgGetOnline:
		c.sendJSON(OnlineCount{Type: MsgOnlineCount, Count: s.store.Count()})
	default:
		log.Printf("unknown message type from %s: %q", c.sessionID, msg.Type)
	}
}

// handlePlacePixel runs the placement algorithm. Every rejection is a
// structured reply to the originator only; nothing here ever closes the
// connection or touches other sessions.
func (s *Server) handlePlacePixel(c *Client, msg Inbound) {
	sess, ok := s.store.Get(c.sessionID)
	if !ok {
		c.sendJSON(ErrorMessage{Type: MsgError, Message: "Unknown session"})
		return
	}

	now := time.Now()
	allowed, remaining := s.limiter.TryAcquire(sess.ID, now, s.cooldown)
	if !allowed {
		s.metrics.PlacementDenied.WithLabelValues("cooldown").Inc()
		c.sendJSON(Cooldown{
			Type:      MsgCooldown,
			Remaining: remaining.Milliseconds(),
			Timestamp: millis(now),
		})
		return
	}

	// Bounds are validated before the color, so an input that is wrong
	// on both counts gets the bounds error.
	if msg.X < 0 || msg.X >= s.canvas.Width() || msg.Y < 0 || msg.Y >= s.canvas.Height() {
		s.metrics.PlacementDenied.WithLabelValues("bounds").Inc()
		c.sendJSON(ErrorMessage{
			Type: MsgError,
			Message: fmt.Sprintf("Coordinates out of bounds (0-%d, 0-%d)",
				s.canvas.Width()-1, s.canvas.Height()-1),
		})
		return
	}
	if msg.Color < 0 || msg.Color >= s.canvas.PaletteSize() {
		s.metrics.PlacementDenied.WithLabelValues("color").Inc()
		c.sendJSON(ErrorMessage{
			Type:    MsgError,
			Message: fmt.Sprintf("Color index must be between 0 and %d", s.canvas.PaletteSize()-1),
		})
		return
	}

	// Commit and broadcast enqueue happen under one mutex: the order in
	// which pixelUpdate events reach client queues is the order the
	// commits landed, so every observer converges on the same final
	// color as the canvas.
	s.commitMu.Lock()
	prev, err := s.canvas.Set(msg.X, msg.Y, byte(msg.Color))
	if err != nil {
		s.commitMu.Unlock()
		c.sendJSON(ErrorMessage{Type: MsgError, Message: "Placement failed"})
		return
	}

	s.activity.Record(now)
	s.limiter.Record(sess.ID, now)
	s.store.Touch(sess.ID, now)
	s.metrics.PixelsPlaced.Inc()

	s.hub.Broadcast(PixelUpdate{
		Type:            MsgPixelUpdate,
		X:               msg.X,
		Y:               msg.Y,
		Color:           msg.Color,
		OriginSessionID: sess.ID,
		Timestamp:       millis(now),
	}, sess.ID)
	s.commitMu.Unlock()

	c.sendJSON(PixelPlaced{
		Type:          MsgPixelPlaced,
		X:             msg.X,
		Y:             msg.Y,
		Color:         msg.Color,
		PreviousColor: int(prev),
		Cooldown:      s.cooldown.Milliseconds(),
		Timestamp:     millis(now),
		Message:       fmt.Sprintf("Pixel placed at (%d, %d)", msg.X, msg.Y),
	})
}

// handleGetCanvas (re)starts the paced transfer, from chunk 0 or from the
// requested chunk for resumption after a reconnect.
func (s *Server) handleGetCanvas(c *Client, msg Inbound) {
	start := 0
	if msg.ChunkIndex != nil {
		start = *msg.ChunkIndex
	}
	total := totalChunks(s.canvas.TotalCells(), s.chunkSize)
	if start < 0 || start >= total {
		c.sendJSON(ErrorMessage{
			Type:    MsgError,
			Message: fmt.Sprintf("Chunk index must be between 0 and %d", total-1),
		})
		return
	}
	c.startTransfer(s.canvas, s.chunkSize, s.chunkDelay, start)
}

// handleRequestChunk returns one self-contained chunk, read fresh from
// the canvas at request time.
func (s *Server) handleRequestChunk(c *Client, msg Inbound) {
	if msg.ChunkIndex == nil {
		c.sendJSON(ErrorMessage{Type: MsgError, Message: "chunkIndex is required"})
		return
	}
	cells := s.canvas.TotalCells()
	total := totalChunks(cells, s.chunkSize)
	idx := *msg.ChunkIndex
	if idx < 0 || idx >= total {
		c.sendJSON(ErrorMessage{
			Type:    MsgError,
			Message: fmt.Sprintf("Chunk index must be between 0 and %d", total-1),
		})
		return
	}

	start := idx * s.chunkSize
	end := start + s.chunkSize
	if end > cells {
		end = cells
	}
	c.sendJSON(CanvasChunk{
		Type:        MsgCanvasChunk,
		ChunkIndex:  idx,
		TotalChunks: total,
		Start:       start,
		End:         end,
		Data:        s.canvas.ReadRange(start, end),
	})
	s.metrics.ChunksSent.Inc()
}

// resyncAll pushes a fresh full transfer to every connected client. Used
// after an administrative clear.
func (s *Server) resyncAll() {
	s.hub.ForEach(func(c *Client) {
		c.startTransfer(s.canvas, s.chunkSize, s.chunkDelay, 0)
	})
}
