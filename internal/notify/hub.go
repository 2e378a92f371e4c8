package notify

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/transfers/internal/telemetry"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBufferSize = 32
	roomPrefix     = "user:"
)

// Hub keeps websocket connections grouped in per-user rooms.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[*client]struct{}
	upgrader websocket.Upgrader
	logger   *zap.Logger
	metrics  *telemetry.Metrics
}

type client struct {
	hub    *Hub
	room   string
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

type inboundMessage struct {
	Event string `json:"event"`
}

// NewHub builds a Hub. An empty allowedOrigins accepts any origin.
func NewHub(logger *zap.Logger, metrics *telemetry.Metrics, allowedOrigins []string) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origins[strings.TrimSpace(origin)] = struct{}{}
	}
	return &Hub{
		rooms:   make(map[string]map[*client]struct{}),
		logger:  logger,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(request *http.Request) bool {
				origin := request.Header.Get("Origin")
				if origin == "" || len(origins) == 0 {
					return true
				}
				_, ok := origins[origin]
				return ok
			},
		},
	}
}

// Serve upgrades the request and joins the connection to the user's room.
// It blocks until the connection closes.
func (hub *Hub) Serve(writer http.ResponseWriter, request *http.Request, userID string) error {
	conn, err := hub.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		return err
	}
	connection := &client{
		hub:    hub,
		room:   roomPrefix + userID,
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
	}
	hub.register(connection)
	hub.logger.Info("websocket connected", zap.String("user_id", userID))
	go connection.writePump()
	connection.readPump()
	return nil
}

// Deliver implements Deliverer.
func (hub *Hub) Deliver(userID string, message Message) int {
	payload, err := json.Marshal(message)
	if err != nil {
		hub.logger.Error("notification encode failed", zap.String("event", message.Event), zap.Error(err))
		hub.metrics.ObserveNotification(message.Event, telemetry.NotificationFailed)
		return 0
	}
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	reached := 0
	for connection := range hub.rooms[roomPrefix+userID] {
		select {
		case connection.send <- payload:
			reached++
		default:
			hub.metrics.ObserveNotification(message.Event, telemetry.NotificationDropped)
			hub.logger.Warn("websocket send buffer full", zap.String("user_id", userID), zap.String("event", message.Event))
		}
	}
	return reached
}

// Connections reports how many connections are open for userID.
func (hub *Hub) Connections(userID string) int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.rooms[roomPrefix+userID])
}

// Close disconnects every client.
func (hub *Hub) Close() {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	for _, room := range hub.rooms {
		for connection := range room {
			_ = connection.conn.Close()
		}
	}
}

func (hub *Hub) register(connection *client) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	room, ok := hub.rooms[connection.room]
	if !ok {
		room = make(map[*client]struct{})
		hub.rooms[connection.room] = room
	}
	room[connection] = struct{}{}
	hub.metrics.ConnectionOpened()
}

// unregister must run before send is closed: Deliver only writes to registered clients.
func (hub *Hub) unregister(connection *client) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	room := hub.rooms[connection.room]
	if _, ok := room[connection]; !ok {
		return
	}
	delete(room, connection)
	if len(room) == 0 {
		delete(hub.rooms, connection.room)
	}
	hub.metrics.ConnectionClosed()
}

func (connection *client) readPump() {
	defer func() {
		connection.hub.unregister(connection)
		close(connection.send)
		_ = connection.conn.Close()
		connection.hub.logger.Info("websocket disconnected", zap.String("user_id", connection.userID))
	}()
	connection.conn.SetReadLimit(maxMessageSize)
	_ = connection.conn.SetReadDeadline(time.Now().Add(pongWait))
	connection.conn.SetPongHandler(func(string) error {
		return connection.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	pong, _ := json.Marshal(Message{Event: EventPong})
	for {
		_, raw, err := connection.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				connection.hub.logger.Debug("websocket read failed", zap.String("user_id", connection.userID), zap.Error(err))
			}
			return
		}
		var inbound inboundMessage
		if json.Unmarshal(raw, &inbound) == nil && inbound.Event == "ping" {
			select {
			case connection.send <- pong:
			default:
			}
		}
	}
}

func (connection *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = connection.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-connection.send:
			_ = connection.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = connection.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := connection.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = connection.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := connection.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
