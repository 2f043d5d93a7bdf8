package ws

import "time"

// Wire format: flat JSON messages tagged by a "type" field, carried on
// text frames. Chunk payloads during a paced transfer are the exception:
// each chunkMeta text frame is immediately followed by one binary frame
// holding the raw byte range it describes.

type MessageType string

// Inbound message types.
const (
	MsgPlacePixel   MessageType = "placePixel"
	MsgGetCanvas    MessageType = "getCanvas"
	MsgRequestChunk MessageType = "requestChunk"
	MsgPing         MessageType = "ping"
	MsgGetOnline    MessageType = "getOnline"
)

// Outbound message types.
const (
	MsgWelcome        MessageType = "welcome"
	MsgChunkMeta      MessageType = "chunkMeta"
	MsgCanvasComplete MessageType = "canvasComplete"
	MsgCanvasChunk    MessageType = "canvasChunk"
	MsgOnlineCount    MessageType = "onlineCount"
	MsgPixelUpdate    MessageType = "pixelUpdate"
	MsgPixelPlaced    MessageType = "pixelPlaced"
	MsgCooldown       MessageType = "cooldown"
	MsgError          MessageType = "error"
	MsgPong           MessageType = "pong"
)

// Inbound is the superset of all client commands; Type selects which
// fields are meaningful.
type Inbound struct {
	Type       MessageType `json:"type"`
	X          int         `json:"x"`
	Y          int         `json:"y"`
	Color      int         `json:"color"`
	ChunkIndex *int        `json:"chunkIndex,omitempty"`
}

type CanvasInfo struct {
	Width       int `json:"width"`
	Height      int `json:"height"`
	PaletteSize int `json:"paletteSize"`
}

type Welcome struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"sessionId"`
	Canvas      CanvasInfo  `json:"canvas"`
	Online      int         `json:"online"`
	Cooldown    int64       `json:"cooldown"` // milliseconds
	TotalPixels uint64      `json:"totalPixels"`
	Message     string      `json:"message,omitempty"`
}

type ChunkMeta struct {
	Type       MessageType `json:"type"`
	ChunkIndex int         `json:"chunkIndex"`
	Start      int         `json:"start"`
	End        int         `json:"end"`
}

type CanvasComplete struct {
	Type MessageType `json:"type"`
}

// CanvasChunk is a self-contained single chunk returned for requestChunk;
// Data marshals as base64.
type CanvasChunk struct {
	Type        MessageType `json:"type"`
	ChunkIndex  int         `json:"chunkIndex"`
	TotalChunks int         `json:"totalChunks"`
	Start       int         `json:"start"`
	End         int         `json:"end"`
	Data        []byte      `json:"data"`
}

type OnlineCount struct {
	Type  MessageType `json:"type"`
	Count int         `json:"count"`
}

type PixelUpdate struct {
	Type            MessageType `json:"type"`
	X               int         `json:"x"`
	Y               int         `json:"y"`
	Color           int         `json:"color"`
	OriginSessionID string      `json:"originSessionId"`
	Timestamp       int64       `json:"timestamp"`
}

type PixelPlaced struct {
	Type          MessageType `json:"type"`
	X             int         `json:"x"`
	Y             int         `json:"y"`
	Color         int         `json:"color"`
	PreviousColor int         `json:"previousColor"`
	Cooldown      int64       `json:"cooldown"` // milliseconds
	Timestamp     int64       `json:"timestamp"`
	Message       string      `json:"message,omitempty"`
}

type Cooldown struct {
	Type      MessageType `json:"type"`
	Remaining int64       `json:"remaining"` // milliseconds
	Timestamp int64       `json:"timestamp"`
}

type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type Pong struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}
