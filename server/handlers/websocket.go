package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/san-kum/drive-score/server/models"
	"github.com/san-kum/drive-score/server/stream"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
)

// Client message types.
const (
	MessageJoinTrip      = "join_trip"
	MessageLeaveTrip     = "leave_trip"
	MessageSendData      = "send_data"
	MessageSendDataBatch = "send_data_batch"
	MessagePing          = "ping"
)

// Server message types besides the stream payloads.
const (
	MessageConnectionStatus = "connection_status"
	MessageJoinStatus       = "join_status"
	MessageLeaveStatus      = "leave_status"
	MessagePong             = "pong"
	MessageError            = "error"
)

var errSendBufferFull = errors.New("send buffer full")

// SampleRecorder appends streamed samples to the stored trip.
type SampleRecorder interface {
	RecordSamples(ctx context.Context, id string, samples []models.Sample) error
}

type WebSocketHandler struct {
	manager  *stream.Manager
	recorder SampleRecorder
	observer IngestObserver
	logger   *zap.Logger
	upgrader websocket.Upgrader
	sendSize int
}

type ClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type tripRef struct {
	TripID string `json:"trip_id"`
}

// NewWebSocketHandler serves /ws. recorder may be nil, in which case
// samples only feed the realtime stream.
func NewWebSocketHandler(manager *stream.Manager, recorder SampleRecorder, sendBuffer int, logger *zap.Logger) *WebSocketHandler {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &WebSocketHandler{
		manager:  manager,
		recorder: recorder,
		observer: nopIngestObserver{},
		logger:   logger.Named("ws"),
		sendSize: sendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (h *WebSocketHandler) SetIngestObserver(o IngestObserver) {
	h.observer = o
}

// wsClient is one connection. It is the stream.Sink for its session; all
// writes go through send and are performed by writePump.
type wsClient struct {
	id      string
	conn    *websocket.Conn
	handler *WebSocketHandler
	session *stream.Session

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func (c *wsClient) Send(e stream.Envelope) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return stream.ErrSessionClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return errSendBufferFull
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket connection", zap.Error(err))
		return
	}

	client := &wsClient{
		id:      uuid.NewString(),
		conn:    conn,
		handler: h,
		send:    make(chan []byte, h.sendSize),
	}
	client.session = h.manager.Connect(client.id, client)
	h.logger.Info("WebSocket client connected",
		zap.String("client_id", client.id),
		zap.String("client_ip", c.ClientIP()))

	client.reply(MessageConnectionStatus, gin.H{"status": "connected", "client_id": client.id})

	go client.writePump()
	client.readPump()
}

func (c *wsClient) readPump() {
	defer func() {
		c.handler.manager.Disconnect(c.id)
		c.close()
		c.handler.logger.Info("WebSocket client disconnected", zap.String("client_id", c.id))
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.handler.logger.Error("WebSocket read error", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}

		var message ClientMessage
		if err := json.Unmarshal(payload, &message); err != nil {
			c.replyError("Invalid message format")
			continue
		}
		c.handleMessage(&message)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.handler.logger.Debug("WebSocket write failed", zap.String("client_id", c.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) handleMessage(message *ClientMessage) {
	switch message.Type {
	case MessageJoinTrip:
		c.joinTrip(message.Data)
	case MessageLeaveTrip:
		c.leaveTrip(message.Data)
	case MessageSendData:
		c.sendData(message.Data)
	case MessageSendDataBatch:
		c.sendDataBatch(message.Data)
	case MessagePing:
		c.reply(MessagePong, gin.H{"timestamp": time.Now().UnixMilli()})
	default:
		c.handler.logger.Warn("Unknown message type received", zap.String("type", message.Type))
		c.replyError("Unknown message type: " + message.Type)
	}
}

func (c *wsClient) joinTrip(data json.RawMessage) {
	var ref tripRef
	if err := json.Unmarshal(data, &ref); err != nil || ref.TripID == "" {
		c.replyError("Trip ID is required")
		return
	}
	if err := c.handler.manager.Join(c.id, ref.TripID); err != nil {
		c.replyStreamError(err)
		return
	}
	c.reply(MessageJoinStatus, gin.H{"status": "joined", "trip_id": ref.TripID})
}

func (c *wsClient) leaveTrip(data json.RawMessage) {
	var ref tripRef
	if err := json.Unmarshal(data, &ref); err != nil || ref.TripID == "" {
		c.replyError("Trip ID is required")
		return
	}
	if err := c.handler.manager.Leave(c.id, ref.TripID); err != nil {
		c.replyStreamError(err)
		return
	}
	c.reply(MessageLeaveStatus, gin.H{"status": "left", "trip_id": ref.TripID})
}

func (c *wsClient) sendData(data json.RawMessage) {
	tripID := c.session.TripID()
	if tripID == "" {
		c.replyError("Not associated with a trip")
		return
	}

	var raw models.RawSample
	if err := json.Unmarshal(data, &raw); err != nil {
		c.handler.observer.SamplesRejected("websocket")
		c.replyError("Invalid data point")
		return
	}
	sample, err := raw.Validate()
	if err != nil {
		c.handler.observer.SamplesRejected("websocket")
		c.replyError(err.Error())
		return
	}
	c.record(tripID, []models.Sample{sample})
	if err := c.handler.manager.Push(context.Background(), c.id, sample); err != nil {
		c.replyStreamError(err)
	}
}

func (c *wsClient) sendDataBatch(data json.RawMessage) {
	tripID := c.session.TripID()
	if tripID == "" {
		c.replyError("Not associated with a trip")
		return
	}

	var raw []models.RawSample
	if err := json.Unmarshal(data, &raw); err != nil {
		c.handler.observer.SamplesRejected("websocket")
		c.replyError("Expected a list of data points")
		return
	}
	samples, err := models.ValidateBatch(raw)
	if err != nil {
		c.handler.observer.SamplesRejected("websocket")
		c.replyError(err.Error())
		return
	}
	c.record(tripID, samples)
	if err := c.handler.manager.PushBatch(context.Background(), c.id, samples); err != nil {
		c.replyStreamError(err)
	}
}

// record keeps the trip history complete. Failures are logged and do not
// interrupt the realtime stream.
func (c *wsClient) record(tripID string, samples []models.Sample) {
	if c.handler.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.handler.recorder.RecordSamples(ctx, tripID, samples); err != nil {
		c.handler.logger.Debug("Samples not recorded",
			zap.String("client_id", c.id),
			zap.String("trip_id", tripID),
			zap.Error(err))
	}
}

func (c *wsClient) reply(messageType string, data any) {
	if err := c.Send(stream.Envelope{Type: messageType, Data: data}); err != nil {
		c.handler.logger.Debug("Failed to queue websocket message",
			zap.String("client_id", c.id),
			zap.String("type", messageType),
			zap.Error(err))
	}
}

func (c *wsClient) replyError(message string) {
	c.reply(MessageError, gin.H{"message": message, "timestamp": time.Now().UnixMilli()})
}

func (c *wsClient) replyStreamError(err error) {
	switch {
	case errors.Is(err, stream.ErrUnknownSession), errors.Is(err, stream.ErrSessionClosed):
		c.replyError("Not connected")
	case errors.Is(err, stream.ErrNotJoined):
		c.replyError("Not associated with a trip")
	default:
		c.replyError(err.Error())
	}
}
