package ws

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pixelbattle/backend/internal/canvas"
)

// totalChunks returns ceil(cells/chunkSize).
func totalChunks(cells, chunkSize int) int {
	return (cells + chunkSize - 1) / chunkSize
}

// startTransfer streams the canvas to this client in bounded chunks,
// starting at startChunk: for each chunk a chunkMeta text frame, then one
// binary frame with the raw byte range, then an inter-chunk pause. The
// byte range is read fresh from the canvas per chunk, so no lock is held
// across the pause and later chunks may observe newer placements.
//
// A transfer already in flight for this client is canceled first; the
// transfer also stops silently when the client disconnects.
func (c *Client) startTransfer(cv *canvas.Canvas, chunkSize int, delay time.Duration, startChunk int) {
	c.transferMu.Lock()
	if c.transferCancel != nil {
		close(c.transferCancel)
	}
	cancel := make(chan struct{})
	c.transferCancel = cancel
	c.transferMu.Unlock()

	go c.runTransfer(cv, chunkSize, delay, startChunk, cancel)
}

// cancelTransfer stops the in-flight transfer, if any.
func (c *Client) cancelTransfer() {
	c.transferMu.Lock()
	if c.transferCancel != nil {
		close(c.transferCancel)
		c.transferCancel = nil
	}
	c.transferMu.Unlock()
}

func (c *Client) runTransfer(cv *canvas.Canvas, chunkSize int, delay time.Duration, startChunk int, cancel <-chan struct{}) {
	cells := cv.TotalCells()
	total := totalChunks(cells, chunkSize)

	for i := startChunk; i < total; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > cells {
			end = cells
		}

		meta, _ := json.Marshal(ChunkMeta{Type: MsgChunkMeta, ChunkIndex: i, Start: start, End: end})
		if !c.sendWait(frame{websocket.TextMessage, meta}, cancel) {
			return
		}
		if !c.sendWait(frame{websocket.BinaryMessage, cv.ReadRange(start, end)}, cancel) {
			return
		}
		c.hub.metrics.ChunksSent.Inc()

		if i+1 < total && delay > 0 {
			select {
			case <-time.After(delay):
			case <-c.done:
				return
			case <-cancel:
				return
			}
		}
	}

	done, _ := json.Marshal(CanvasComplete{Type: MsgCanvasComplete})
	if c.sendWait(frame{websocket.TextMessage, done}, cancel) {
		c.hub.metrics.TransfersDone.Inc()
	}
}
