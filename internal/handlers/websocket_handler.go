package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"request-network/internal/cache"
)

const (
	pingPeriod   = 30 * time.Second
	writeTimeout = 10 * time.Second
	sendBuffer   = 64
)

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	// userID limits the stream to one principal when set.
	userID string
}

type hubEvent struct {
	userID string
	data   []byte
}

// clientMessage is either a reply to one client or a change of its filter.
type clientMessage struct {
	client    *wsClient
	data      []byte
	setFilter bool
	userID    string
}

// EventHub streams request lifecycle events to websocket clients. All
// client state is owned by the Run loop.
type EventHub struct {
	upgrader   websocket.Upgrader
	clients    map[*wsClient]bool
	broadcast  chan hubEvent
	register   chan *wsClient
	unregister chan *wsClient
	direct     chan clientMessage
	done       chan struct{}
	log        *zap.Logger
}

func NewEventHub(log *zap.Logger) *EventHub {
	return &EventHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Callers are authenticated admins; the token travels in the query.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan hubEvent, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		direct:     make(chan clientMessage),
		done:       make(chan struct{}),
		log:        log,
	}
}

func wsMessage(kind string, fields map[string]interface{}) []byte {
	msg := map[string]interface{}{"type": kind, "timestamp": time.Now().Unix()}
	for k, v := range fields {
		msg[k] = v
	}
	data, _ := json.Marshal(msg)
	return data
}

// Publish queues ev for every interested client. It never blocks; events
// are dropped when the hub falls behind.
func (h *EventHub) Publish(ev cache.Event) {
	data := wsMessage("request_event", map[string]interface{}{"data": ev})
	select {
	case h.broadcast <- hubEvent{userID: ev.UserID, data: data}:
	default:
		h.log.Warn("websocket hub is full, dropping event", zap.String("request_id", ev.RequestID))
	}
}

// Run owns the client set until ctx is done.
func (h *EventHub) Run(ctx context.Context) {
	h.log.Info("starting websocket hub")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			h.log.Debug("websocket client registered", zap.Int("clients", len(h.clients)))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.log.Debug("websocket client unregistered", zap.Int("clients", len(h.clients)))
			}

		case msg := <-h.direct:
			if _, ok := h.clients[msg.client]; !ok {
				continue
			}
			if msg.setFilter {
				msg.client.userID = msg.userID
			}
			select {
			case msg.client.send <- msg.data:
			default:
			}

		case ev := <-h.broadcast:
			for client := range h.clients {
				if client.userID != "" && client.userID != ev.userID {
					continue
				}
				select {
				case client.send <- ev.data:
				default:
					// Too slow to keep up.
					delete(h.clients, client)
					close(client.send)
				}
			}
		}
	}
}

// HandleConnections upgrades the request and streams events until the
// client goes away.
// @Summary Request event stream
// @Description Websocket stream of request lifecycle events; pass the token as a query parameter
// @Tags requests
// @Param token query string true "Bearer token"
// @Router /ws/requests [get]
func (h *EventHub) HandleConnections(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, sendBuffer), userID: c.Query("user_id")}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(client)
	h.readPump(client)
}

func (h *EventHub) writePump(client *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump answers client messages. Replies go through the hub so only
// writePump writes to the connection.
func (h *EventHub) readPump(client *wsClient) {
	defer func() {
		select {
		case h.unregister <- client:
		case <-h.done:
		}
	}()

	for {
		var msg struct {
			Type   string `json:"type"`
			UserID string `json:"user_id"`
		}
		if err := client.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		out := clientMessage{client: client}
		switch msg.Type {
		case "subscribe":
			out.setFilter = true
			out.userID = msg.UserID
			out.data = wsMessage("subscribed", map[string]interface{}{"user_id": msg.UserID})
		case "ping":
			out.data = wsMessage("pong", nil)
		default:
			out.data = wsMessage("error", map[string]interface{}{"message": "Unknown message type"})
		}

		select {
		case h.direct <- out:
		case <-h.done:
			return
		}
	}
}
