package realtime

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

	"github.com/watchparty/backend/internal/models"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 65536
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// TokenValidator resolves a bearer token to an identity.
type TokenValidator func(token string) (models.Identity, error)

// Client represents a single WebSocket connection. Identity is nil for guests.
type Client struct {
	ID       string
	Identity *models.Identity
	hub      *Hub
	conn     *websocket.Conn
	send     chan WSMessage
	done     chan struct{}
	once     sync.Once
	logger   *zap.Logger
}

// ServeWs handles the WebSocket upgrade and runs the client loop. The token
// query parameter is optional; a present but invalid token is rejected.
func ServeWs(hub *Hub, logger *zap.Logger, validate TokenValidator, sendBuffer int) gin.HandlerFunc {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		var identity *models.Identity
		if token := c.Query("token"); token != "" {
			id, err := validate(token)
			if err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
				return
			}
			identity = &id
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:       uuid.New().String(),
			Identity: identity,
			hub:      hub,
			conn:     conn,
			send:     make(chan WSMessage, sendBuffer),
			done:     make(chan struct{}),
		}
		client.logger = logger.With(zap.String("conn_id", client.ID))
		go client.writePump()
		client.readPump()
	}
}

// enqueue queues msg for the write pump. A client whose buffer is full is
// disconnected; it resubscribes and reloads state on reconnect.
func (c *Client) enqueue(msg WSMessage) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		c.logger.Warn("send buffer full, dropping connection", zap.String("event", msg.Event))
		c.close()
	}
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) reply(req WSMessage, event string, payload interface{}) {
	data, err := marshalPayload(payload)
	if err != nil {
		return
	}
	c.enqueue(WSMessage{Event: event, Channel: req.Channel, Ref: req.Ref, Data: data})
}

func (c *Client) replyError(req WSMessage, err error) {
	c.reply(req, EventError, ErrorPayload{Message: err.Error()})
}

func (c *Client) readPump() {
	defer func() {
		c.hub.UnsubscribeAll(context.Background(), c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Debug("malformed frame ignored", zap.Error(err))
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg WSMessage) {
	ctx := context.Background()
	switch msg.Event {
	case EventSubscribe:
		if err := c.hub.Subscribe(ctx, c, msg.Channel); err != nil {
			c.replyError(msg, err)
			return
		}
		c.reply(msg, EventSubscribed, nil)
		c.hub.SendPresenceSnapshot(ctx, c, msg.Channel)
	case EventUnsubscribe:
		c.hub.Unsubscribe(ctx, c, msg.Channel)
		c.reply(msg, EventUnsubscribed, nil)
	case EventTrack:
		var req TrackRequest
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				c.replyError(msg, errors.New("malformed track payload"))
				return
			}
		}
		p, err := c.hub.Track(ctx, c, msg.Channel, req)
		if err != nil {
			c.replyError(msg, err)
			return
		}
		c.reply(msg, EventTracked, p)
	case EventBroadcast:
		var b Broadcast
		if err := json.Unmarshal(msg.Data, &b); err != nil || b.Event != BroadcastTyping {
			c.replyError(msg, ErrBroadcastNotAllowed)
			return
		}
		if err := c.hub.Typing(c, msg.Channel); err != nil {
			c.replyError(msg, err)
		}
	default:
		c.replyError(msg, errors.New("unknown event"))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
