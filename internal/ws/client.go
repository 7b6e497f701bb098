package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chatpipe/chatpipe/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client couples one websocket connection to a hub session. The connection is
// push-only: subscribers receive events and send nothing but pings.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	session *Session
	log     *logger.Logger
}

// Serve upgrades the request and pumps hub events to the connection until it
// closes. Blocking; run from the HTTP handler goroutine.
func Serve(hub *Hub, log *logger.Logger, w http.ResponseWriter, r *http.Request, userID int64) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := &Client{
		hub:     hub,
		conn:    conn,
		session: hub.Subscribe(userID),
		log:     log,
	}

	go client.readPump()
	client.writePump()
	return nil
}

// readPump drains control frames and detects the peer going away.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unsubscribe(c.session)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket closed unexpectedly", zap.Int64("user_id", c.session.UserID), zap.Error(err))
			}
			return
		}
	}
}

// writePump forwards session events to the peer and keeps the connection
// alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.session.Events():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub evicted or closed the session.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
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
