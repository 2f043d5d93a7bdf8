package ws

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

// frame is one queued outbound websocket message. Chunk payloads use
// websocket.BinaryMessage; everything else is JSON on a text frame.
type frame struct {
	messageType int
	data        []byte
}

// Client is the outbound half of one connection: a buffered send queue
// drained by a single writePump goroutine. The send channel is never
// closed; done signals teardown to the pump, to senders, and to any
// in-flight chunk transfer.
type Client struct {
	sessionID string
	conn      *websocket.Conn
	hub       *Hub
	send      chan frame
	done      chan struct{}
	closeOnce sync.Once

	transferMu     sync.Mutex
	transferCancel chan struct{}
}

func newClient(sessionID string, conn *websocket.Conn, hub *Hub) *Client {
	c := &Client{
		sessionID: sessionID,
		conn:      conn,
		hub:       hub,
		send:      make(chan frame, 64),
		done:      make(chan struct{}),
	}
	go c.writePump()
	return c
}

func (c *Client) SessionID() string { return c.sessionID }

func (c *Client) writePump() {
	defer c.conn.Close()
	for {
		select {
		case f := <-c.send:
			if err := c.conn.WriteMessage(f.messageType, f.data); err != nil {
				c.hub.Remove(c)
				return
			}
		case <-c.done:
			return
		}
	}
}

// close releases the pump and cancels any in-flight transfer. Idempotent.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	c.cancelTransfer()
}

// trySend queues a frame without blocking. A full queue or a closed
// client drops the frame; the spec's best-effort delivery contract.
func (c *Client) trySend(f frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// sendWait queues a frame, waiting for buffer space. Used by the chunk
// transfer, which may block on its own client but never on shared state.
// Returns false once the client is closed or the transfer canceled.
func (c *Client) sendWait(f frame, cancel <-chan struct{}) bool {
	select {
	case c.send <- f:
		return true
	case <-c.done:
		return false
	case <-cancel:
		return false
	}
}

func (c *Client) sendJSON(v interface{}) bool {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("marshal outbound message: %v", err)
		return false
	}
	return c.trySend(frame{websocket.TextMessage, data})
}
